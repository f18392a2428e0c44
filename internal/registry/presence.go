package registry

import "sync"

// PresenceIndex maps an email-like label to the transport id of the
// connection that announced it. It only bootstraps viewer discovery.
type PresenceIndex struct {
	mu      sync.RWMutex
	byLabel map[string]string
}

// NewPresenceIndex creates an empty presence index.
func NewPresenceIndex() *PresenceIndex {
	return &PresenceIndex{byLabel: make(map[string]string)}
}

// Set points label at connID, replacing any previous owner.
func (p *PresenceIndex) Set(label, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byLabel[label] = connID
}

// Lookup returns the connection id registered under label.
func (p *PresenceIndex) Lookup(label string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	connID, ok := p.byLabel[label]
	return connID, ok
}

// RemoveConnection drops every label owned by connID and returns them.
func (p *PresenceIndex) RemoveConnection(connID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed []string
	for label, owner := range p.byLabel {
		if owner == connID {
			delete(p.byLabel, label)
			removed = append(removed, label)
		}
	}
	return removed
}

// Len returns the number of labels.
func (p *PresenceIndex) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byLabel)
}
