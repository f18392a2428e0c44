package interfaces

import (
	"context"

	"screenrelay/pkg/types"
)

// AuditRecorder keeps a write-only trail of session lifecycle events.
// The trail is never read back to rebuild relay state.
type AuditRecorder interface {
	// Record queues an entry without waiting for it to be stored.
	Record(entry types.AuditEntry)

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]types.AuditEntry, error)

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error

	// Close flushes pending entries and releases the store.
	Close() error
}

// NopAuditRecorder discards entries. It is used when auditing is disabled.
type NopAuditRecorder struct{}

func (NopAuditRecorder) Record(types.AuditEntry) {}

func (NopAuditRecorder) Recent(context.Context, int) ([]types.AuditEntry, error) {
	return nil, ErrAuditDisabled
}

func (NopAuditRecorder) HealthCheck(context.Context) error { return nil }

func (NopAuditRecorder) Close() error { return nil }
