package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/format"
	"github.com/orrn/labsync/internal/metrics"
	"github.com/orrn/labsync/internal/model"
	"github.com/orrn/labsync/internal/notify"
	"github.com/orrn/labsync/internal/store"
)

const progressTimeout = 5 * time.Second

// Runner is the job worker. Each pass auto-prints received orders for queues
// that ask for it, then runs the format of every pending job.
type Runner struct {
	engine  *Engine
	store   *store.Store
	formats *format.Registry
	cfg     config.DispatchConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewRunner(engine *Engine, formats *format.Registry, cfg config.DispatchConfig) *Runner {
	return &Runner{
		engine:  engine,
		store:   engine.store,
		formats: formats,
		cfg:     cfg,
		metrics: engine.metrics,
		logger:  engine.logger.With("worker", "runner"),
		now:     engine.now,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("job worker started", "interval", r.cfg.Interval, "auto_print", r.cfg.AutoPrint)
	defer r.logger.Info("job worker stopped")

	if err := r.engine.Table().Validate(); err != nil {
		r.logger.Warn("queue table incomplete", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) RunOnce(ctx context.Context) {
	idle := r.metrics.Busy(Holder)
	defer idle()

	if r.cfg.AutoPrint {
		r.autoPrint(ctx)
	}
	r.formatPending(ctx)
}

func (r *Runner) autoPrint(ctx context.Context) {
	orders, err := r.store.ListOrders(ctx)
	if err != nil {
		r.logger.Error("failed to list orders", "error", err)
		return
	}
	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}
		if o.Stub || !o.Status.Printable() {
			continue
		}
		if o.Hold != model.HoldNone && o.Hold != model.HoldRetry {
			continue
		}
		if model.ComputeAltStatus(o.Items) == model.OrderPrinted {
			continue
		}

		_, err := r.engine.Create(ctx, CreateRequest{
			OrderKey:        o.Key(),
			AdjustIfPartial: true,
			AutoPrintOnly:   true,
			Holder:          Holder,
		})
		var missing *MissingMappingError
		var locked *store.LockedError
		switch {
		case err == nil, errors.Is(err, ErrNothingToPrint):
			if o.Hold == model.HoldRetry {
				r.clearRetry(ctx, o.Key())
			}
		case errors.As(err, &missing):
			r.holdForMapping(ctx, o.Key(), missing)
		case errors.As(err, &locked):
			r.metrics.LockConflict(model.KindOrder)
		case ctx.Err() != nil:
			return
		default:
			r.logger.Error("auto print failed", "order_id", o.Key(), "error", err)
		}
	}
}

// holdForMapping puts the order on RETRY hold until the mapping deadline,
// after which the hold becomes ERROR. The operator is notified once.
func (r *Runner) holdForMapping(ctx context.Context, key string, missing *MissingMappingError) {
	now := r.now()
	var (
		deadline time.Time
		first    bool
	)
	err := r.engine.withOrder(ctx, key, Holder, func(o *model.Order, _ store.Token) error {
		if o.RetryDeadline.IsZero() {
			o.RetryDeadline = now.Add(r.cfg.MappingRetryDeadline)
		}
		deadline = o.RetryDeadline
		o.ErrorMessage = missing.Error()
		o.Hold = model.HoldRetry
		if now.After(o.RetryDeadline) {
			o.Hold = model.HoldError
		}
		if !o.Notified {
			o.Notified = true
			first = true
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to hold order", "order_id", key, "error", err)
		return
	}
	r.logger.Warn("missing sku mapping", "order_id", key, "queue_id", missing.QueueID, "skus", missing.SKUs, "deadline", deadline)
	if first {
		r.engine.notifier.Notify(notify.EventMappingMissing, notify.MappingData{
			OrderID: key, QueueID: missing.QueueID, SKUs: missing.SKUs, Deadline: deadline,
		})
	}
}

func (r *Runner) clearRetry(ctx context.Context, key string) {
	err := r.engine.withOrder(ctx, key, Holder, func(o *model.Order, _ store.Token) error {
		if o.Hold == model.HoldRetry {
			clearHold(o)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to clear retry hold", "order_id", key, "error", err)
	}
}

func (r *Runner) formatPending(ctx context.Context) {
	status := int(model.JobPending)
	jobs, err := r.store.ListJobs(ctx, store.JobFilter{Status: &status})
	if err != nil {
		r.logger.Error("failed to list pending jobs", "error", err)
		return
	}
	for _, j := range jobs {
		if ctx.Err() != nil {
			return
		}
		if j.Hold != model.HoldNone {
			continue
		}
		err := r.FormatJob(ctx, j)
		var locked *store.LockedError
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.As(err, &locked):
			r.metrics.LockConflict(model.KindJob)
		default:
			r.logger.Error("format failed", "job_id", j.ID, "queue_id", j.QueueID, "error", err)
			r.failJob(ctx, j.ID, err)
		}
	}
}

// FormatJob runs the format of a pending job without holding any lock, then
// commits the result if the job is still pending and not held.
func (r *Runner) FormatJob(ctx context.Context, j *model.Job) error {
	q, ok := r.engine.Table().FindQueueByID(j.QueueID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, j.QueueID)
	}
	f, err := r.formats.Get(j.Format)
	if err != nil {
		return err
	}
	o, err := r.store.GetOrder(ctx, j.OrderKey())
	if err != nil {
		return fmt.Errorf("failed to load order of job %d: %w", j.ID, err)
	}
	if o.Status.Terminal() {
		return r.forgetSettled(ctx, j.ID, o)
	}
	if o.Hold == model.HoldUser {
		return nil
	}

	out := *j
	out.Refs = slices.Clone(j.Refs)
	if err := f.Format(ctx, &out, o, q); err != nil {
		r.recordProgress(ctx, j.ID, &out)
		return err
	}

	committed := false
	err = r.engine.withJob(ctx, j.ID, Holder, func(cur *model.Job) error {
		if cur.Status != model.JobPending || cur.Hold != model.HoldNone {
			return nil
		}
		now := r.now()
		cur.Dir = out.Dir
		cur.Files = out.Files
		cur.Property = out.Property
		copyProgress(cur, &out)
		cur.Status = model.JobSent
		cur.SentAt = &now
		cur.ErrorMessage = ""
		committed = true
		return nil
	})
	if err != nil {
		return err
	}
	if committed {
		r.logger.Info("job sent", "job_id", j.ID, "queue_id", j.QueueID, "format", j.Format)
	} else {
		r.logger.Warn("job changed while formatting, output discarded", "job_id", j.ID)
	}
	return nil
}

// recordProgress keeps the copies a failed or stopped format already
// delivered, so the next attempt prints only the rest.
func (r *Runner) recordProgress(ctx context.Context, id int64, out *model.Job) {
	if !slices.ContainsFunc(out.Refs, func(ref model.Ref) bool { return ref.DoneQuantity > 0 }) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressTimeout)
	defer cancel()
	changed := false
	err := r.engine.withJob(ctx, id, Holder, func(cur *model.Job) error {
		if cur.Status == model.JobPending {
			changed = copyProgress(cur, out)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to record delivered copies", "job_id", id, "error", err)
		return
	}
	if changed {
		r.logger.Info("partial delivery recorded", "job_id", id)
	}
}

// copyProgress raises the delivered copy counts of cur to those of out.
func copyProgress(cur, out *model.Job) bool {
	changed := false
	for i := range cur.Refs {
		for _, ref := range out.Refs {
			if ref.ItemKey() == cur.Refs[i].ItemKey() && ref.DoneQuantity > cur.Refs[i].DoneQuantity {
				cur.Refs[i].DoneQuantity = ref.DoneQuantity
				changed = true
			}
		}
	}
	return changed
}

// forgetSettled drops a pending job whose order has already reached a
// terminal status, so nothing is printed for it.
func (r *Runner) forgetSettled(ctx context.Context, id int64, o *model.Order) error {
	forgotten := false
	err := r.engine.withJob(ctx, id, Holder, func(cur *model.Job) error {
		if cur.Status != model.JobPending {
			return nil
		}
		cur.Status = model.JobForgotten
		forgotten = true
		return nil
	})
	if err != nil {
		return err
	}
	if forgotten {
		r.logger.Info("job forgotten, order already settled", "job_id", id, "order_id", o.Key(), "order_status", o.Status)
	}
	return nil
}

func (r *Runner) failJob(ctx context.Context, id int64, cause error) {
	err := r.engine.withJob(ctx, id, Holder, func(j *model.Job) error {
		j.Hold = model.HoldError
		j.ErrorMessage = cause.Error()
		return nil
	})
	if err != nil {
		r.logger.Error("failed to hold job", "job_id", id, "error", err)
	}
}
