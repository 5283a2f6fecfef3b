// Package activity records sandbox create and resume events for the
// external idle reaper. Recording never fails a request; a sandbox that is
// missing from the activity table gets collected sooner, nothing worse.
package activity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/store"
)

// Recorder writes activity rows, swallowing failures.
type Recorder struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder wires the recorder to the metadata store.
func NewRecorder(st store.Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: st, logger: logger.Named("activity"), now: time.Now}
}

// Event describes one create or resume.
type Event struct {
	InstanceID       string
	Provider         string
	TemplateVMID     int
	SnapshotID       string
	SnapshotProvider string
	TeamID           string
}

// RecordCreate notes a successful start.
func (r *Recorder) RecordCreate(ctx context.Context, ev Event) {
	r.record(ctx, store.ActivityCreate, ev)
}

// RecordResume notes a successful resume, restarting the reaper's idle
// timer for the instance.
func (r *Recorder) RecordResume(ctx context.Context, ev Event) {
	r.record(ctx, store.ActivityResume, ev)
}

func (r *Recorder) record(ctx context.Context, kind store.ActivityKind, ev Event) {
	rec := &store.ActivityRecord{
		InstanceID:       ev.InstanceID,
		Provider:         ev.Provider,
		TemplateVMID:     ev.TemplateVMID,
		SnapshotID:       ev.SnapshotID,
		SnapshotProvider: ev.SnapshotProvider,
		TeamID:           ev.TeamID,
		Kind:             kind,
		At:               r.now(),
	}
	if err := r.store.RecordSandboxActivity(ctx, rec); err != nil {
		r.logger.Warn("activity record dropped",
			zap.String("instanceId", ev.InstanceID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}
