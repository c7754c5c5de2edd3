// Package checkpoint lets a running task persist and retrieve an opaque
// progress marker, independent of the scheduler's own bookkeeping. The payload
// is arbitrary serialized data owned entirely by the task; the scheduler never
// interprets, validates, or expires it.
package checkpoint

import (
	"context"

	"taskmill/internal/store"
)

type Manager struct {
	store store.Store
}

func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// Save overwrites the task's checkpoint payload. An empty payload is
// equivalent to Clear; Load never reports a checkpoint with no data.
func (m *Manager) Save(ctx context.Context, taskID string, payload []byte) error {
	return m.store.SaveCheckpoint(ctx, taskID, payload)
}

// Load returns the task's checkpoint payload, reporting whether one exists.
func (m *Manager) Load(ctx context.Context, taskID string) ([]byte, bool, error) {
	return m.store.LoadCheckpoint(ctx, taskID)
}

// Clear removes the checkpoint. Only the task itself decides when its marker
// is stale; the scheduler never calls this.
func (m *Manager) Clear(ctx context.Context, taskID string) error {
	return m.store.SaveCheckpoint(ctx, taskID, nil)
}
