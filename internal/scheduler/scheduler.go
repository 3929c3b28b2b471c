// Package scheduler starts new workflow instances on a cron schedule (spec
// SPEC_FULL §7, a supplement not present in the distilled core spec). It
// never touches a running workflow's event log, so it has no bearing on
// replay determinism: it is purely a producer of fresh workflow instances,
// grounded on the teacher's internal/daemon/scheduler package but built on
// github.com/robfig/cron instead of the teacher's hand-rolled parser
// (the same dependency temporalio-go-sdk's go.mod carries), to exercise
// the library the broader example pack reaches for.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/robfig/cron"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/store"
)

// Scheduler wraps a cron.Cron and fires Store.CreateWorkflow on schedule.
type Scheduler struct {
	cron   *cron.Cron
	store  store.Store
	logger *slog.Logger
}

// New builds a Scheduler from the configured entries. Entries with an
// invalid cron expression are rejected immediately so a malformed config
// fails at startup, not silently at the first missed fire.
func New(st store.Store, entries []config.ScheduleEntry, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:   cron.New(),
		store:  st,
		logger: logger,
	}

	for _, entry := range entries {
		entry := entry
		input, err := json.Marshal(entry.Input)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: marshaling input: %w", entry.Name, err)
		}
		meta := store.WorkflowMeta{
			Name:   entry.Workflow,
			Module: entry.Module,
		}
		if _, err := s.cron.AddFunc(entry.Cron, func() {
			s.fire(entry.Name, meta, input)
		}); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", entry.Name, err)
		}
	}
	return s, nil
}

func (s *Scheduler) fire(name string, meta store.WorkflowMeta, input []byte) {
	id, err := s.store.CreateWorkflow(context.Background(), meta, input)
	if err != nil {
		s.logger.Error("scheduled workflow start failed", "schedule", name, "workflow", meta.Name, "error", err)
		return
	}
	s.logger.Info("scheduled workflow started", "schedule", name, "workflow", meta.Name, "workflow_id", id)
}

// Start begins firing schedules in the background. Stop must be called to
// release the underlying goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler. It does not wait for an in-flight fire to
// finish (robfig/cron v1's Stop() is fire-and-forget); CreateWorkflow
// itself is the only side effect a fire has, and it is safe to race with
// process shutdown.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
