package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenrelay/internal/testutil"
	"screenrelay/pkg/interfaces"
	"screenrelay/pkg/types"
)

func attach(t *testing.T, r *Registry, id string) *testutil.RecordingConn {
	t.Helper()
	conn := testutil.NewRecordingConn(id)
	require.NoError(t, r.Attach(conn))
	return conn
}

func TestRegistry_AttachValidation(t *testing.T) {
	r := NewRegistry()

	assert.ErrorIs(t, r.Attach(nil), ErrNilConnection)

	attach(t, r, "c1")
	assert.ErrorIs(t, r.Attach(testutil.NewRecordingConn("c1")), ErrDuplicateConnection)

	meta, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.False(t, meta.Registered())
	assert.Equal(t, 1, r.GetStats()["total_connections"])
}

func TestRegistry_RegisterCanonicalizes(t *testing.T) {
	r := NewRegistry()
	attach(t, r, "c1")

	canonical, err := r.Register("c1", "op1_operator", types.RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, "op1", canonical)

	meta, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, "op1_operator", meta.RawIdentity)
	assert.Equal(t, "op1", meta.CanonicalIdentity)
	assert.Equal(t, types.RoleOperator, meta.Role)
	assert.Equal(t, []string{"op1"}, r.Identities())
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()
	attach(t, r, "c1")

	_, err := r.Register("c1", "_operator", types.RoleOperator)
	assert.ErrorIs(t, err, ErrEmptyIdentity)

	_, err = r.Register("c1", "op1", types.Role("student"))
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = r.Register("missing", "op1", types.RoleOperator)
	assert.ErrorIs(t, err, ErrUnknownConnection)

	assert.Empty(t, r.Identities(), "failed registrations must not mutate")
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	first := attach(t, r, "c1")
	second := attach(t, r, "c2")

	_, err := r.Register("c1", "op1_operator", types.RoleOperator)
	require.NoError(t, err)
	_, err = r.Register("c2", "op1", types.RoleOperator)
	require.NoError(t, err)

	owner, ok := r.ByIdentity("op1")
	require.True(t, ok)
	assert.Same(t, second, owner)
	assert.False(t, first.IsClosed(), "displaced connection is not closed")
	assert.Equal(t, 1, r.GetStats()["displaced_identities"])

	// The displaced connection disconnecting must not evict the newer owner.
	meta, ok := r.Unregister("c1")
	require.True(t, ok)
	assert.Equal(t, "op1", meta.CanonicalIdentity)

	owner, ok = r.ByIdentity("op1")
	require.True(t, ok)
	assert.Same(t, second, owner)

	_, ok = r.Unregister("c2")
	require.True(t, ok)
	_, ok = r.ByIdentity("op1")
	assert.False(t, ok)
}

func TestRegistry_ReRegisterDropsOldIdentity(t *testing.T) {
	r := NewRegistry()
	attach(t, r, "c1")

	_, err := r.Register("c1", "alice", types.RoleViewer)
	require.NoError(t, err)
	_, err = r.Register("c1", "bob", types.RoleViewer)
	require.NoError(t, err)

	assert.Equal(t, []string{"bob"}, r.Identities())
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	attach(t, r, "c1")

	_, ok := r.Unregister("c1")
	assert.True(t, ok)
	_, ok = r.Unregister("c1")
	assert.False(t, ok)
}

func TestRegistry_ResolveBothAddressingSchemes(t *testing.T) {
	r := NewRegistry()
	viewer := attach(t, r, "conn-viewer")
	_, err := r.Register("conn-viewer", "v1_viewer", types.RoleViewer)
	require.NoError(t, err)

	byTransport, ok := r.Resolve("conn-viewer")
	require.True(t, ok)
	assert.Same(t, viewer, byTransport)

	byIdentity, ok := r.Resolve("v1")
	require.True(t, ok)
	assert.Same(t, viewer, byIdentity)

	byRaw, ok := r.Resolve("v1_viewer")
	require.True(t, ok)
	assert.Same(t, viewer, byRaw)

	_, ok = r.Resolve("nobody")
	assert.False(t, ok)
	_, ok = r.Resolve("")
	assert.False(t, ok)
}

func TestRegistry_ByRoleReflectsLiveRegistrations(t *testing.T) {
	r := NewRegistry()
	obs1 := attach(t, r, "o1")
	obs2 := attach(t, r, "o2")
	attach(t, r, "op")
	attach(t, r, "unregistered")

	_, _ = r.Register("o1", "admin1", types.RoleObserver)
	_, _ = r.Register("o2", "admin2", types.RoleObserver)
	_, _ = r.Register("op", "op1", types.RoleOperator)

	assert.ElementsMatch(t, []interface{}{obs1, obs2}, toAny(r.ByRole(types.RoleObserver)))

	r.Unregister("o1")
	assert.ElementsMatch(t, []interface{}{obs2}, toAny(r.ByRole(types.RoleObserver)))

	stats := r.GetStats()
	assert.Equal(t, 1, stats["observers"])
	assert.Equal(t, 1, stats["operators"])
}

func TestRegistry_ByRoleSkipsDisplacedConnections(t *testing.T) {
	r := NewRegistry()
	old := attach(t, r, "o1")
	newer := attach(t, r, "o2")

	_, err := r.Register("o1", "adm", types.RoleObserver)
	require.NoError(t, err)
	_, err = r.Register("o2", "adm_admin", types.RoleObserver)
	require.NoError(t, err)

	assert.Equal(t, []interfaces.Connection{newer}, r.ByRole(types.RoleObserver))
	assert.Equal(t, 1, r.GetStats()["observers"])

	// The displaced connection is still attached and reachable by transport id.
	conn, ok := r.Connection("o1")
	require.True(t, ok)
	assert.Same(t, old, conn)
	assert.Equal(t, 2, r.GetStats()["total_connections"])
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			_ = r.Attach(testutil.NewRecordingConn(id))
			_, _ = r.Register(id, fmt.Sprintf("user%d", i%10), types.RoleViewer)
			_ = r.ByRole(types.RoleViewer)
			_, _ = r.Resolve(fmt.Sprintf("user%d", i%10))
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Identities(), 10)
	assert.Equal(t, 50, r.GetStats()["total_connections"])
}

func TestPresenceIndex(t *testing.T) {
	p := NewPresenceIndex()

	_, ok := p.Lookup("a@x.com")
	assert.False(t, ok)

	p.Set("a@x.com", "c1")
	p.Set("b@x.com", "c1")
	p.Set("c@x.com", "c2")

	connID, ok := p.Lookup("a@x.com")
	require.True(t, ok)
	assert.Equal(t, "c1", connID)

	removed := p.RemoveConnection("c1")
	assert.ElementsMatch(t, []string{"a@x.com", "b@x.com"}, removed)
	assert.Equal(t, 1, p.Len())

	p.Set("c@x.com", "c3")
	connID, _ = p.Lookup("c@x.com")
	assert.Equal(t, "c3", connID)
	assert.Empty(t, p.RemoveConnection("c2"))
}

func toAny[T any](in []T) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
