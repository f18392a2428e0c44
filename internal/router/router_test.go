package router

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenrelay/internal/registry"
	"screenrelay/internal/session"
	"screenrelay/internal/testutil"
	"screenrelay/pkg/types"
)

type routerFixture struct {
	registry *registry.Registry
	sessions *session.Store
	router   *Router
	operator registry.Metadata
	viewer   *testutil.RecordingConn
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	reg := registry.NewRegistry()
	store := session.NewStore()

	require.NoError(t, reg.Attach(testutil.NewRecordingConn("conn-op")))
	_, err := reg.Register("conn-op", "op1_operator", types.RoleOperator)
	require.NoError(t, err)
	operator, _ := reg.Lookup("conn-op")

	viewer := testutil.NewRecordingConn("conn-viewer")
	require.NoError(t, reg.Attach(viewer))

	return &routerFixture{
		registry: reg,
		sessions: store,
		router:   NewRouter(reg, store),
		operator: operator,
		viewer:   viewer,
	}
}

const testOffer = `{"type":"offer","sdp":"v=0"}`

func offerTo(to string) *types.OfferRequest {
	return &types.OfferRequest{To: to, Offer: json.RawMessage(testOffer)}
}

func TestRouter_OfferAttributedToSession(t *testing.T) {
	f := newRouterFixture(t)
	_, _, err := f.sessions.Start("conn-viewer", "opZ_operator")
	require.NoError(t, err)

	d, err := f.router.Relay(f.operator, offerTo("conn-viewer"))
	require.NoError(t, err)
	assert.True(t, d.Delivered)
	assert.Equal(t, "opZ", d.OperatorID)

	offers := testutil.Decode[types.OfferPayload](t, f.viewer, types.EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "opZ", offers[0].OperatorID)
	assert.Equal(t, "conn-op", offers[0].From)
	assert.JSONEq(t, testOffer, string(offers[0].Offer))
}

func TestRouter_OfferFallsBackToSenderIdentity(t *testing.T) {
	f := newRouterFixture(t)

	d, err := f.router.Relay(f.operator, offerTo("conn-viewer"))
	require.NoError(t, err)
	assert.True(t, d.Delivered)
	assert.Equal(t, "op1", d.OperatorID)

	offers := testutil.Decode[types.OfferPayload](t, f.viewer, types.EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "op1", offers[0].OperatorID)
}

func TestRouter_OfferFromUnregisteredSenderHasNoAttribution(t *testing.T) {
	f := newRouterFixture(t)
	anonymous := registry.Metadata{ConnectionID: "conn-anon"}

	d, err := f.router.Relay(anonymous, offerTo("conn-viewer"))
	require.NoError(t, err)
	assert.True(t, d.Delivered)
	assert.Empty(t, d.OperatorID)
}

func TestRouter_AnswerAndCandidateForwardedWithSender(t *testing.T) {
	f := newRouterFixture(t)
	answer := `{"type":"answer","sdp":"v=0"}`
	candidate := `{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host","sdpMid":"0"}`

	_, err := f.router.Relay(f.operator, &types.AnswerRequest{To: "conn-viewer", Answer: json.RawMessage(answer)})
	require.NoError(t, err)
	_, err = f.router.Relay(f.operator, &types.CandidateRequest{To: "conn-viewer", Candidate: json.RawMessage(candidate)})
	require.NoError(t, err)

	assert.Equal(t, []string{types.EventAnswer, types.EventICECandidate}, f.viewer.Events())

	answers := testutil.Decode[types.AnswerPayload](t, f.viewer, types.EventAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "conn-op", answers[0].From)
	assert.JSONEq(t, answer, string(answers[0].Answer))

	candidates := testutil.Decode[types.CandidatePayload](t, f.viewer, types.EventICECandidate)
	require.Len(t, candidates, 1)
	assert.Equal(t, "conn-op", candidates[0].From)
	assert.JSONEq(t, candidate, string(candidates[0].Candidate))
}

func TestRouter_PayloadsForwardedUnmodified(t *testing.T) {
	f := newRouterFixture(t)
	tests := []struct {
		name    string
		request interface{}
		event   string
		field   string
		want    string
	}{
		{
			name:    "answer with unknown fields",
			request: &types.AnswerRequest{To: "conn-viewer", Answer: json.RawMessage(`{"type":"answer","sdp":"v=0","x-trace":{"hop":1}}`)},
			event:   types.EventAnswer,
			field:   "answer",
			want:    `{"type":"answer","sdp":"v=0","x-trace":{"hop":1}}`,
		},
		{
			name:    "pranswer",
			request: &types.AnswerRequest{To: "conn-viewer", Answer: json.RawMessage(`{"type":"pranswer","sdp":"v=0"}`)},
			event:   types.EventAnswer,
			field:   "answer",
			want:    `{"type":"pranswer","sdp":"v=0"}`,
		},
		{
			name:    "candidate with extra field",
			request: &types.CandidateRequest{To: "conn-viewer", Candidate: json.RawMessage(`{"candidate":"c","usernameFragment":"u","extra":true}`)},
			event:   types.EventICECandidate,
			field:   "candidate",
			want:    `{"candidate":"c","usernameFragment":"u","extra":true}`,
		},
		{
			name:    "end of candidates",
			request: &types.CandidateRequest{To: "conn-viewer", Candidate: json.RawMessage(`null`)},
			event:   types.EventICECandidate,
			field:   "candidate",
			want:    `null`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.viewer.Reset()
			d, err := f.router.Relay(f.operator, tt.request)
			require.NoError(t, err)
			assert.True(t, d.Delivered)

			frames := testutil.Decode[map[string]json.RawMessage](t, f.viewer, tt.event)
			require.Len(t, frames, 1)
			assert.JSONEq(t, tt.want, string(frames[0][tt.field]))
			assert.JSONEq(t, `"conn-op"`, string(frames[0]["from"]))
		})
	}
}

func TestRouter_TargetByIdentity(t *testing.T) {
	f := newRouterFixture(t)
	_, err := f.registry.Register("conn-viewer", "v1_viewer", types.RoleViewer)
	require.NoError(t, err)

	d, err := f.router.Relay(f.operator, offerTo("v1"))
	require.NoError(t, err)
	assert.True(t, d.Delivered)
	assert.Equal(t, 1, f.viewer.Count(types.EventOffer))
}

func TestRouter_MissingTargetDroppedSilently(t *testing.T) {
	f := newRouterFixture(t)

	d, err := f.router.Relay(f.operator, offerTo("nobody"))
	require.NoError(t, err)
	assert.False(t, d.Delivered)
	assert.Empty(t, f.viewer.Frames())
}

func TestRouter_WriteFailureIsNotReported(t *testing.T) {
	f := newRouterFixture(t)
	f.viewer.FailWrites(errors.New("broken pipe"))

	d, err := f.router.Relay(f.operator, offerTo("conn-viewer"))
	require.NoError(t, err)
	assert.False(t, d.Delivered)
}

func TestRouter_UnsupportedRequest(t *testing.T) {
	f := newRouterFixture(t)

	_, err := f.router.Relay(f.operator, &types.StopSharingRequest{ViewerID: "v1"})
	assert.ErrorIs(t, err, ErrUnsupportedSignal)
}

func TestRateLimiter_WindowReset(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("c1"), "event %d should be allowed", i)
	}
	assert.False(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c2"), "limits are per connection")

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("c1"))
}

func TestRateLimiter_DisabledAndCleanup(t *testing.T) {
	unlimited := NewRateLimiter(0, time.Minute)
	for i := 0; i < 1000; i++ {
		require.True(t, unlimited.Allow("c1"))
	}

	rl := NewRateLimiter(10, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.Allow("c1")
	rl.Allow("c2")
	rl.Forget("c2")
	assert.Equal(t, 1, rl.Len())

	now = now.Add(6 * time.Minute)
	rl.Cleanup()
	assert.Equal(t, 0, rl.Len())
}
