package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orrn/labsync/internal/complete"
	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/model"
	"github.com/orrn/labsync/internal/store"
)

// Holder identifies the retention worker in lock diagnostics.
const Holder = "archive"

// Archiver purges terminal orders once they are older than the retention
// window and keeps a summary row for each of them.
type Archiver struct {
	prop   *complete.Propagator
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	archiveDays int
	interval    time.Duration
}

func NewArchiver(prop *complete.Propagator, st *store.Store, cfg config.DatabaseConfig, logger *slog.Logger) *Archiver {
	interval := cfg.ArchiveInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Archiver{
		prop:        prop,
		store:       st,
		logger:      logger.With("component", "archive"),
		now:         time.Now,
		archiveDays: cfg.ArchiveDays,
		interval:    interval,
	}
}

func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("archiver started", "archive_days", a.ArchiveDays(), "interval", a.interval)
	defer a.logger.Info("archiver stopped")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.RunArchive(ctx); err != nil {
				a.logger.Error("archive run failed", "error", err)
			}
		}
	}
}

// RunArchive purges the terminal orders last modified before the cutoff and
// returns how many were archived. Orders whose purge left something behind
// are kept and retried on the next run. Zero days disables archiving.
func (a *Archiver) RunArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.archiveDays <= 0 {
		return 0, nil
	}
	cutoff := a.now().AddDate(0, 0, -a.archiveDays)

	orders, err := a.store.ListOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get orders for archival: %w", err)
	}

	archived := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return archived, ctx.Err()
		}
		if !o.Status.Terminal() || !o.RecmodDate.Before(cutoff) {
			continue
		}
		ok, err := a.archiveOrder(ctx, o)
		if err != nil {
			a.logger.Warn("failed to archive order", "order_id", o.Key(), "error", err)
			continue
		}
		if ok {
			archived++
		}
	}
	if archived > 0 {
		a.logger.Info("orders archived", "count", archived, "cutoff", cutoff)
	}
	return archived, nil
}

func (a *Archiver) archiveOrder(ctx context.Context, o *model.Order) (bool, error) {
	jobs, err := a.store.ListJobs(ctx, store.JobFilter{OrderKey: o.Key()})
	if err != nil {
		return false, err
	}
	ok, err := a.prop.PurgeOrder(ctx, o.Key(), Holder)
	if err != nil || !ok {
		return false, err
	}
	if err := a.store.ArchiveOrder(ctx, o, len(jobs)); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Archiver) SetArchiveDays(days int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archiveDays = days
}

func (a *Archiver) ArchiveDays() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archiveDays
}
