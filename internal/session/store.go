package session

import (
	"sort"
	"sync"
	"time"

	"screenrelay/pkg/types"
)

// Store tracks at most one active screen-sharing session per viewer together
// with the viewer -> operator index derived from it. Both structures change
// under the same lock so the index always mirrors the session set.
type Store struct {
	mu            sync.RWMutex
	sessions      map[string]types.Session // viewerID -> session
	operatorIndex map[string]string        // viewerID -> canonical operator id
	now           func() time.Time
}

// NewStore creates an empty store stamping sessions with the wall clock.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock creates an empty store using now for start times.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		sessions:      make(map[string]types.Session),
		operatorIndex: make(map[string]string),
		now:           now,
	}
}

// Start records a session for viewerID, replacing any existing one in full.
// The replaced session, if any, is returned alongside the new one.
func (s *Store) Start(viewerID, rawOperatorID string) (types.Session, *types.Session, error) {
	if viewerID == "" {
		return types.Session{}, nil, ErrInvalidViewerID
	}
	operatorID := types.Canonicalize(rawOperatorID)
	if operatorID == "" {
		return types.Session{}, nil, ErrInvalidOperatorID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var replaced *types.Session
	if prev, exists := s.sessions[viewerID]; exists {
		replaced = &prev
	}

	sess := types.Session{
		ViewerID:           viewerID,
		OperatorID:         operatorID,
		OriginalOperatorID: rawOperatorID,
		StartTime:          s.now().UTC(),
	}
	s.sessions[viewerID] = sess
	s.operatorIndex[viewerID] = operatorID

	return sess, replaced, nil
}

// Stop removes the session for viewerID. It reports whether one existed;
// stopping a viewer without a session is a no-op.
func (s *Store) Stop(viewerID string) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[viewerID]
	if !exists {
		return types.Session{}, false
	}
	delete(s.sessions, viewerID)
	delete(s.operatorIndex, viewerID)
	return sess, true
}

// RemoveByOperator removes every session whose operator matches either the
// canonical or the raw identity and returns the removed sessions ordered by
// start time.
func (s *Store) RemoveByOperator(canonicalID, rawID string) []types.Session {
	if canonicalID == "" && rawID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []types.Session
	for viewerID, sess := range s.sessions {
		if (canonicalID != "" && sess.OperatorID == canonicalID) ||
			(rawID != "" && sess.OriginalOperatorID == rawID) {
			removed = append(removed, sess)
			delete(s.sessions, viewerID)
			delete(s.operatorIndex, viewerID)
		}
	}
	sortSessions(removed)
	return removed
}

// Get returns the active session for viewerID.
func (s *Store) Get(viewerID string) (types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, exists := s.sessions[viewerID]
	return sess, exists
}

// OperatorFor returns the canonical operator attributed to viewerID.
func (s *Store) OperatorFor(viewerID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	operatorID, exists := s.operatorIndex[viewerID]
	return operatorID, exists
}

// Active returns every active session ordered by start time.
func (s *Store) Active() []types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	sortSessions(sessions)
	return sessions
}

// OperatorIndex returns a copy of the viewer -> operator index.
func (s *Store) OperatorIndex() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index := make(map[string]string, len(s.operatorIndex))
	for viewerID, operatorID := range s.operatorIndex {
		index[viewerID] = operatorID
	}
	return index
}

// Len returns the number of active sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// GetStats returns store counters for monitoring.
func (s *Store) GetStats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	operators := make(map[string]struct{})
	for _, operatorID := range s.operatorIndex {
		operators[operatorID] = struct{}{}
	}
	return map[string]int{
		"active_sessions":   len(s.sessions),
		"sharing_operators": len(operators),
	}
}

func sortSessions(sessions []types.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartTime.Equal(sessions[j].StartTime) {
			return sessions[i].ViewerID < sessions[j].ViewerID
		}
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
}
