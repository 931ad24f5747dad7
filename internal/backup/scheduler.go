package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler takes snapshots into the backup dir on a cron schedule while
// `panel serve` runs.
type Scheduler struct {
	m       *Manager
	cron    *cron.Cron
	entryID cron.EntryID
	timeout time.Duration
}

// NewScheduler validates spec (standard five-field cron or descriptors such
// as "@daily" and "@every 6h") and returns a stopped scheduler.
func NewScheduler(m *Manager, spec string) (*Scheduler, error) {
	s := &Scheduler{m: m, cron: cron.New(), timeout: time.Minute}
	id, err := s.cron.AddFunc(spec, s.run)
	if err != nil {
		return nil, fmt.Errorf("invalid backup schedule %q: %w", spec, err)
	}
	s.entryID = id
	return s, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running snapshot to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next is the time of the next scheduled snapshot, zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	path, err := s.m.SnapshotTo(ctx, "")
	if err != nil {
		s.m.log.Error("scheduled snapshot failed", "error", err)
		return
	}
	s.m.log.Debug("scheduled snapshot taken", "path", path)
}
