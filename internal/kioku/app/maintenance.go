package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bdobrica/kioku/internal/kioku/store"
)

// maintenanceTimeout bounds one housekeeping run.
const maintenanceTimeout = 5 * time.Minute

type maintainer interface {
	Maintain(ctx context.Context) error
	Counts(ctx context.Context) (store.Counts, error)
}

// Maintenance runs store housekeeping on a cron schedule.
type Maintenance struct {
	cron   *cron.Cron
	st     maintainer
	logger *slog.Logger
}

// NewMaintenance parses schedule (standard five-field cron or a descriptor
// such as "@every 6h") and registers the job. Call Start to begin.
func NewMaintenance(schedule string, st maintainer, logger *slog.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Maintenance{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		st:     st,
		logger: logger,
	}
	if _, err := m.cron.AddFunc(schedule, m.run); err != nil {
		return nil, fmt.Errorf("maintenance: invalid schedule %q: %w", schedule, err)
	}
	return m, nil
}

// Start begins the scheduler in the background.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info("maintenance scheduled", "next_run", m.cron.Entries()[0].Next)
}

// Stop halts the scheduler and waits for a running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Maintenance) run() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	start := time.Now()
	if err := m.st.Maintain(ctx); err != nil {
		m.logger.Error("maintenance failed", "err", err)
		return
	}
	counts, err := m.st.Counts(ctx)
	if err != nil {
		m.logger.Warn("maintenance: counts failed", "err", err)
		return
	}
	m.logger.Info("maintenance complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"threads", counts.Threads,
		"turns", counts.Turns,
		"messages", counts.Messages,
	)
}
