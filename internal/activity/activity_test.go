package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/store"
)

func TestRecordCreateAndResume(t *testing.T) {
	mem := store.NewMemory()
	rec := NewRecorder(mem, zap.NewNop())
	at := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return at }

	ev := Event{
		InstanceID:       "morphvm_abc",
		Provider:         "morph",
		SnapshotID:       "snapshot_base_v1",
		SnapshotProvider: "morph",
		TeamID:           "t1",
	}
	rec.RecordCreate(context.Background(), ev)
	rec.RecordResume(context.Background(), ev)

	rows, err := mem.ListSandboxActivity(context.Background(), "t1", time.Time{})
	if err != nil {
		t.Fatalf("ListSandboxActivity() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	kinds := map[store.ActivityKind]bool{}
	for _, row := range rows {
		kinds[row.Kind] = true
		if row.InstanceID != "morphvm_abc" || row.TeamID != "t1" || !row.At.Equal(at) {
			t.Fatalf("row = %+v", row)
		}
	}
	if !kinds[store.ActivityCreate] || !kinds[store.ActivityResume] {
		t.Fatalf("kinds = %v, want create and resume", kinds)
	}
}

func TestRecordScopedToTeam(t *testing.T) {
	mem := store.NewMemory()
	rec := NewRecorder(mem, zap.NewNop())

	rec.RecordCreate(context.Background(), Event{InstanceID: "pvelxc-101", Provider: "pve-lxc", TeamID: "t1"})

	rows, err := mem.ListSandboxActivity(context.Background(), "t2", time.Time{})
	if err != nil {
		t.Fatalf("ListSandboxActivity() error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("foreign team sees %d rows", len(rows))
	}
}

// failingStore fails every activity write.
type failingStore struct {
	store.Store
}

func (f *failingStore) RecordSandboxActivity(context.Context, *store.ActivityRecord) error {
	return errors.New("table missing")
}

func TestRecordFailureIsSwallowed(t *testing.T) {
	rec := NewRecorder(&failingStore{Store: store.NewMemory()}, zap.NewNop())
	// Must not panic or propagate.
	rec.RecordCreate(context.Background(), Event{InstanceID: "morphvm_abc", TeamID: "t1"})
	rec.RecordResume(context.Background(), Event{InstanceID: "morphvm_abc", TeamID: "t1"})
}
