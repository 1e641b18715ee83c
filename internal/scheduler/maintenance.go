package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// IdleCloser releases idle pooled connections.
type IdleCloser interface {
	CloseIdleConnections()
	Len() int
}

// Maintenance runs periodic housekeeping on a cron schedule: it drops idle
// AI connections and logs a status snapshot.
type Maintenance struct {
	cron    *cron.Cron
	entryID cron.EntryID
	clients IdleCloser
	status  func() Status
	log     *slog.Logger
}

// NewMaintenance validates schedule and registers the job. Standard cron
// expressions and descriptors such as "@every 10m" are accepted.
func NewMaintenance(schedule string, clients IdleCloser, status func() Status, log *slog.Logger) (*Maintenance, error) {
	m := &Maintenance{
		cron:    cron.New(),
		clients: clients,
		status:  status,
		log:     log,
	}
	id, err := m.cron.AddFunc(schedule, m.RunOnce)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance schedule %q: %w", schedule, err)
	}
	m.entryID = id
	return m, nil
}

// Start runs the cron in its own goroutine.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.log.Info("maintenance scheduled", "next_run", m.NextRun())
}

// NextRun returns when the job fires next. It is zero before Start.
func (m *Maintenance) NextRun() time.Time {
	return m.cron.Entry(m.entryID).Next
}

// Stop stops the schedule and waits for a running job until ctx is done.
func (m *Maintenance) Stop(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
		m.log.Warn("maintenance job still running at shutdown")
	}
}

// RunOnce performs one maintenance pass.
func (m *Maintenance) RunOnce() {
	clients := m.clients.Len()
	m.clients.CloseIdleConnections()

	st := m.status()
	m.log.Info("maintenance",
		"ai_clients", clients,
		"scheduler_running", st.Running,
		"cycles", st.Cycles,
		"last_cycle_id", st.LastCycleID,
		"last_error", st.LastError,
		"workers", st.Pool.Workers,
		"queued", st.Pool.Queued,
		"active", st.Pool.Active,
	)
}
