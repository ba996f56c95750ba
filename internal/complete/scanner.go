package complete

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/orrn/labsync/internal/model"
	"github.com/orrn/labsync/internal/store"
)

// Scanner polls the output of sent jobs and completes the ones the device
// side reports as done.
type Scanner struct {
	prop     *Propagator
	interval time.Duration
	logger   *slog.Logger
}

func NewScanner(prop *Propagator, interval time.Duration) *Scanner {
	return &Scanner{
		prop:     prop,
		interval: interval,
		logger:   prop.logger.With("worker", "scanner"),
	}
}

func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("completion scanner started", "interval", s.interval)
	defer s.logger.Info("completion scanner stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.ScanOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ScanOnce completes finished jobs, then brings the jobs of printing orders
// in line with their items.
func (s *Scanner) ScanOnce(ctx context.Context) {
	p := s.prop
	idle := p.metrics.Busy(Holder)
	defer idle()

	status := int(model.JobSent)
	jobs, err := p.store.ListJobs(ctx, store.JobFilter{Status: &status})
	if err != nil {
		s.logger.Error("failed to list sent jobs", "error", err)
		return
	}
	table := p.tables.Table()
	for _, j := range jobs {
		if ctx.Err() != nil {
			return
		}
		f, err := p.formats.Get(j.Format)
		if err != nil {
			continue
		}
		q, _ := table.FindQueueByID(j.QueueID)
		done, err := f.IsComplete(j, q)
		if err != nil {
			s.logger.Warn("failed to check job output", "job_id", j.ID, "error", err)
			continue
		}
		if !done {
			continue
		}
		err = p.CompleteJob(ctx, j.ID, Holder)
		var locked *store.LockedError
		switch {
		case err == nil:
		case errors.As(err, &locked):
			p.metrics.LockConflict(model.KindJob)
		default:
			s.logger.Error("failed to complete job", "job_id", j.ID, "error", err)
		}
	}

	orders, err := p.store.ListOrdersByStatus(ctx, model.OrderPrinting)
	if err != nil {
		s.logger.Error("failed to list printing orders", "error", err)
		return
	}
	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.SyncJobs(ctx, o.Key(), Holder); err != nil {
			s.logger.Warn("failed to sync jobs", "order_id", o.Key(), "error", err)
		}
	}
}
