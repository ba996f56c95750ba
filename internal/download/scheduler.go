package download

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/metrics"
	"github.com/orrn/labsync/internal/model"
	"github.com/orrn/labsync/internal/notify"
	"github.com/orrn/labsync/internal/regulate"
	"github.com/orrn/labsync/internal/remote"
	"github.com/orrn/labsync/internal/store"
)

// Scheduler is the download worker: it refreshes the order list on its own
// interval and in between processes the most urgent due order.
type Scheduler struct {
	engine   *Engine
	store    *store.Store
	reg      Regulator
	notifier Notifier
	cfg      config.DownloadConfig
	due      atomic.Pointer[model.DueMap]
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	lastList time.Time
}

func NewScheduler(engine *Engine, cfg config.DownloadConfig) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		store:    engine.store,
		reg:      engine.reg,
		notifier: engine.notifier,
		cfg:      cfg,
		metrics:  engine.metrics,
		logger:   engine.logger.With("worker", "scheduler"),
		now:      engine.now,
	}
	s.SetDue(cfg.Due)
	return s
}

// SetDue swaps the due map; in-flight selection keeps the old snapshot.
func (s *Scheduler) SetDue(due map[string]time.Duration) {
	m := model.DueMap(due)
	s.due.Store(&m)
}

func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("download worker started")
	defer s.logger.Info("download worker stopped")

	for {
		if s.reg.Check(ctx) {
			return nil
		}
		if s.listDue() {
			s.refreshList(ctx)
			continue
		}

		next, err := s.Select(ctx)
		if err != nil {
			s.logger.Error("failed to select orders", "error", err)
		}
		if next == nil {
			if s.reg.Sleep(ctx, s.cfg.PollInterval) {
				return nil
			}
			continue
		}

		if err := s.process(ctx, next.Key()); errors.Is(err, regulate.ErrStopping) {
			return nil
		}
	}
}

func (s *Scheduler) listDue() bool {
	return s.lastList.IsZero() || s.now().Sub(s.lastList) >= s.cfg.ListInterval
}

func (s *Scheduler) refreshList(ctx context.Context) {
	s.lastList = s.now()
	if err := s.engine.RefreshList(ctx); err != nil && !errors.Is(err, regulate.ErrStopping) {
		s.reportError("", err)
	}
}

// Select returns the most urgent order still waiting for download, or nil.
// Orders that failed recently are skipped until the retry interval passes.
func (s *Scheduler) Select(ctx context.Context) (*model.Order, error) {
	orders, err := s.store.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var due []*model.Order
	for _, o := range orders {
		if o.OrderID == "" || o.Hold != model.HoldNone || o.Status >= model.OrderReceived {
			continue
		}
		if o.ErrorMessage != "" && now.Sub(o.LastAttempt) < s.cfg.RetryInterval {
			continue
		}
		due = append(due, o)
	}
	if len(due) == 0 {
		return nil, nil
	}
	model.SortForProcessing(due, *s.due.Load(), now, s.cfg.Prioritize)
	return due[0], nil
}

func (s *Scheduler) process(ctx context.Context, key string) error {
	idle := s.metrics.Busy(Holder)
	defer idle()

	err := s.engine.Process(ctx, key)
	switch {
	case err == nil:
		s.metrics.OrderProcessed("ok")
		return nil
	case errors.Is(err, regulate.ErrStopping):
		return err
	}

	s.metrics.OrderProcessed("error")
	s.reportError(key, err)
	if rerr := s.engine.RecordFailure(ctx, key, err); rerr != nil {
		s.logger.Error("failed to record order failure", "order_id", key, "error", rerr)
		// Without the record the order would be selected again at once.
		s.reg.Sleep(ctx, s.cfg.PollInterval)
	}
	return nil
}

func (s *Scheduler) reportError(key string, err error) {
	category := remote.CategoryOf(err)
	label := string(category)
	if label == "" {
		var locked *store.LockedError
		if errors.As(err, &locked) {
			label = "locked"
		} else {
			label = "local"
		}
	}
	s.metrics.DownloadError(label)
	s.logger.Error("download failed", "order_id", key, "category", label, "error", err)

	if category == remote.CategoryAuth {
		s.notifier.Notify(notify.EventCredentialsInvalid, notify.OrderData{OrderID: key, Message: err.Error()})
	}
}
