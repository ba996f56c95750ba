package complete

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/orrn/labsync/internal/dispatch"
	"github.com/orrn/labsync/internal/format"
	"github.com/orrn/labsync/internal/metrics"
	"github.com/orrn/labsync/internal/model"
	"github.com/orrn/labsync/internal/notify"
	"github.com/orrn/labsync/internal/store"
)

// Holder identifies the completion worker in lock diagnostics.
const Holder = "completion"

var ErrNotPurgeable = errors.New("status does not allow purge")

type Notifier interface {
	Notify(event notify.Event, data any)
}

// Tables gives access to the current queue table.
type Tables interface {
	Table() *dispatch.Table
}

// Propagator keeps job and order statuses consistent. Locks are always taken
// order first, then job.
type Propagator struct {
	store    *store.Store
	formats  *format.Registry
	tables   Tables
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	updateJob func(ctx context.Context, j *model.Job, tok store.Token) error
}

func NewPropagator(st *store.Store, formats *format.Registry, tables Tables, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Propagator {
	if notifier == nil {
		notifier = (*notify.Sender)(nil)
	}
	return &Propagator{
		store:     st,
		formats:   formats,
		tables:    tables,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With("component", "complete"),
		now:       time.Now,
		updateJob: st.UpdateJob,
	}
}

func (p *Propagator) jobCompleted(j *model.Job) {
	p.metrics.JobCompleted(j.QueueID)
	p.logger.Info("job completed", "job_id", j.ID, "order_id", j.OrderKey(), "queue_id", j.QueueID)
	p.notifier.Notify(notify.EventJobCompleted, notify.JobData{
		JobID: j.ID, OrderID: j.OrderKey(), QueueID: j.QueueID, Status: j.Status.String(),
	})
}

// makeComplete tells the device side the job is done, when it has a notion of it.
func (p *Propagator) makeComplete(j *model.Job) {
	f, err := p.formats.Get(j.Format)
	if err != nil {
		return
	}
	q, _ := p.tables.Table().FindQueueByID(j.QueueID)
	if err := f.MakeComplete(j, q); err != nil {
		p.logger.Warn("failed to mark job output complete", "job_id", j.ID, "error", err)
	}
}

// promoteItems moves the items of the given refs to PRINTED once every job
// referencing them is completed. Forgotten jobs do not count.
func promoteItems(o *model.Order, jobs []*model.Job, refs []model.Ref) bool {
	changed := false
	for _, ref := range refs {
		i := o.FindItem(ref.ItemKey())
		if i < 0 || o.Items[i].Status >= model.ItemPrinted {
			continue
		}
		done := true
		for _, j := range jobs {
			if j.Status == model.JobForgotten || j.Status == model.JobCompleted {
				continue
			}
			if slices.ContainsFunc(j.Refs, func(r model.Ref) bool { return r.ItemKey() == ref.ItemKey() }) {
				done = false
				break
			}
		}
		if done {
			o.Items[i].Status = model.ItemPrinted
			changed = true
		}
	}
	return changed
}

// CompleteJob marks a sent job completed and promotes its items. Completing
// an already completed job is a no-op.
func (p *Propagator) CompleteJob(ctx context.Context, id int64, holder string) error {
	j, err := p.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	orderKey := j.OrderKey()

	var completed *model.Job
	err = p.store.WithLock(ctx, store.OrderKey(orderKey), holder, func(otok store.Token) error {
		o, err := p.store.GetOrder(ctx, orderKey)
		if err != nil {
			return err
		}
		err = p.store.WithLock(ctx, store.JobKey(id), holder, func(jtok store.Token) error {
			cur, err := p.store.GetJob(ctx, id)
			if err != nil {
				return err
			}
			if cur.Status == model.JobCompleted {
				return nil
			}
			if cur.Status != model.JobSent {
				return fmt.Errorf("job %d is %s: %w", id, cur.Status, dispatch.ErrJobState)
			}
			now := p.now()
			cur.Status = model.JobCompleted
			cur.CompletedAt = &now
			if err := p.updateJob(ctx, cur, jtok); err != nil {
				return err
			}
			completed = cur
			return nil
		})
		if err != nil || completed == nil {
			return err
		}

		jobs, err := p.store.ListJobs(ctx, store.JobFilter{OrderKey: orderKey})
		if err != nil {
			return err
		}
		if !promoteItems(o, jobs, completed.Refs) {
			return nil
		}
		o.Status = model.ComputeOrderStatus(o.Items)
		o.RecmodDate = p.now()
		return p.store.UpdateOrder(ctx, o, otok)
	})
	if err != nil {
		return err
	}
	if completed != nil {
		p.makeComplete(completed)
		p.jobCompleted(completed)
	}
	return nil
}

// CompleteOrder force-completes an order: every sent job is completed, every
// pending job forgotten and every item printed. Either all of it is committed
// or none of it; job updates already made are reverted when a later step
// fails.
func (p *Propagator) CompleteOrder(ctx context.Context, key, holder string) error {
	var completed []*model.Job
	err := p.store.WithLock(ctx, store.OrderKey(key), holder, func(otok store.Token) error {
		o, err := p.store.GetOrder(ctx, key)
		if err != nil {
			return err
		}
		if o.Status == model.OrderCompleted {
			return nil
		}
		if o.Stub || !o.Status.Printable() {
			return fmt.Errorf("order %s is %s: %w", key, o.Status, dispatch.ErrOrderState)
		}

		jobs, err := p.store.ListJobs(ctx, store.JobFilter{OrderKey: key})
		if err != nil {
			return err
		}
		var previous []model.Job
		forgotten := 0
		for _, j := range jobs {
			if !j.Active() {
				continue
			}
			err := p.store.WithLock(ctx, store.JobKey(j.ID), holder, func(jtok store.Token) error {
				cur, err := p.store.GetJob(ctx, j.ID)
				if err != nil {
					return err
				}
				prev := *cur
				switch cur.Status {
				case model.JobPending:
					cur.Status = model.JobForgotten
				case model.JobSent:
					now := p.now()
					cur.Status = model.JobCompleted
					cur.CompletedAt = &now
				default:
					return nil
				}
				if err := p.updateJob(ctx, cur, jtok); err != nil {
					return err
				}
				previous = append(previous, prev)
				if cur.Status == model.JobCompleted {
					completed = append(completed, cur)
				} else {
					forgotten++
				}
				return nil
			})
			if err != nil {
				p.revert(ctx, previous, holder)
				completed = nil
				return fmt.Errorf("failed to complete job %d: %w", j.ID, err)
			}
		}
		if forgotten > 0 {
			p.logger.Info("pending jobs forgotten", "order_id", key, "jobs", forgotten)
		}

		for i := range o.Items {
			o.Items[i].Status = model.ItemPrinted
		}
		o.Status = model.OrderCompleted
		o.Hold = model.HoldNone
		o.RecmodDate = p.now()
		if err := p.store.UpdateOrder(ctx, o, otok); err != nil {
			p.revert(ctx, previous, holder)
			completed = nil
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, j := range completed {
		p.makeComplete(j)
		p.jobCompleted(j)
	}
	p.logger.Info("order completed", "order_id", key, "jobs", len(completed))
	return nil
}

func (p *Propagator) revert(ctx context.Context, jobs []model.Job, holder string) {
	for i := range jobs {
		j := &jobs[i]
		err := p.store.WithLock(ctx, store.JobKey(j.ID), holder, func(tok store.Token) error {
			return p.store.UpdateJob(ctx, j, tok)
		})
		if err != nil {
			p.logger.Error("failed to revert job", "job_id", j.ID, "error", err)
		}
	}
}

// SyncJobs completes the sent jobs of an order whose items are all printed.
// Failures are logged and skipped. It returns the number of completed jobs.
func (p *Propagator) SyncJobs(ctx context.Context, key, holder string) (int, error) {
	var completed []*model.Job
	err := p.store.WithLock(ctx, store.OrderKey(key), holder, func(store.Token) error {
		o, err := p.store.GetOrder(ctx, key)
		if err != nil {
			return err
		}
		jobs, err := p.store.ListJobs(ctx, store.JobFilter{OrderKey: key})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.Status != model.JobSent || !allPrinted(o, j.Refs) {
				continue
			}
			err := p.store.WithLock(ctx, store.JobKey(j.ID), holder, func(jtok store.Token) error {
				cur, err := p.store.GetJob(ctx, j.ID)
				if err != nil {
					return err
				}
				if cur.Status != model.JobSent {
					return nil
				}
				now := p.now()
				cur.Status = model.JobCompleted
				cur.CompletedAt = &now
				if err := p.updateJob(ctx, cur, jtok); err != nil {
					return err
				}
				completed = append(completed, cur)
				return nil
			})
			if err != nil {
				p.logger.Warn("failed to sync job", "job_id", j.ID, "order_id", key, "error", err)
			}
		}
		return nil
	})
	for _, j := range completed {
		p.jobCompleted(j)
	}
	return len(completed), err
}

func allPrinted(o *model.Order, refs []model.Ref) bool {
	for _, ref := range refs {
		i := o.FindItem(ref.ItemKey())
		if i < 0 || o.Items[i].Status < model.ItemPrinted {
			return false
		}
	}
	return true
}

// CancelOrder forgets the active jobs of an order and cancels it.
func (p *Propagator) CancelOrder(ctx context.Context, key, holder string) error {
	return p.settle(ctx, key, holder, model.OrderCanceled)
}

// AbortOrder gives up on an order the lab cannot fulfil. Active jobs are
// forgotten as for a cancel; the order ends ABORTED.
func (p *Propagator) AbortOrder(ctx context.Context, key, holder string) error {
	return p.settle(ctx, key, holder, model.OrderAborted)
}

// settle forgets the active jobs of a non-terminal order and moves it to the
// given terminal status. Repeating the same settle is a no-op.
func (p *Propagator) settle(ctx context.Context, key, holder string, status model.OrderStatus) error {
	return p.store.WithLock(ctx, store.OrderKey(key), holder, func(otok store.Token) error {
		o, err := p.store.GetOrder(ctx, key)
		if err != nil {
			return err
		}
		if o.Status == status {
			return nil
		}
		if o.Status.Terminal() {
			return fmt.Errorf("order %s is %s: %w", key, o.Status, dispatch.ErrOrderState)
		}
		jobs, err := p.store.ListJobs(ctx, store.JobFilter{OrderKey: key})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if !j.Active() {
				continue
			}
			err := p.store.WithLock(ctx, store.JobKey(j.ID), holder, func(jtok store.Token) error {
				cur, err := p.store.GetJob(ctx, j.ID)
				if err != nil {
					return err
				}
				cur.Status = model.JobForgotten
				return p.updateJob(ctx, cur, jtok)
			})
			if err != nil {
				return fmt.Errorf("failed to forget job %d: %w", j.ID, err)
			}
		}
		o.Status = status
		o.Hold = model.HoldNone
		o.RecmodDate = p.now()
		p.logger.Info("order settled", "order_id", key, "status", status, "jobs", len(jobs))
		return p.store.UpdateOrder(ctx, o, otok)
	})
}

// PurgeJob deletes a job and its output. It reports false when files were
// left behind, in which case the record is kept so the purge can be retried.
// Purging a job that does not exist is complete.
func (p *Propagator) PurgeJob(ctx context.Context, id int64, holder string) (bool, error) {
	complete := false
	err := p.store.WithLock(ctx, store.JobKey(id), holder, func(tok store.Token) error {
		j, err := p.store.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			complete = true
			return nil
		}
		if err != nil {
			return err
		}
		if !j.Status.Purgeable() {
			return fmt.Errorf("job %d is %s: %w", id, j.Status, ErrNotPurgeable)
		}
		if !p.removeJobOutput(j) {
			return nil
		}
		if err := p.store.DeleteJob(ctx, id, tok); err != nil {
			return err
		}
		complete = true
		return nil
	})
	p.metrics.Purge(model.KindJob, complete)
	if err == nil && !complete {
		p.notifier.Notify(notify.EventPurgeIncomplete, notify.JobData{JobID: id, Status: "incomplete"})
	}
	return complete, err
}

// removeJobOutput removes the job files in reverse creation order, then the
// directory. A directory the lab software renamed to its complete form is
// found under that name.
func (p *Propagator) removeJobOutput(j *model.Job) bool {
	if j.Dir == "" {
		return true
	}
	dir := j.Dir
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if _, err := os.Stat(format.CompletedDir(dir)); err == nil {
			dir = format.CompletedDir(dir)
		}
	}

	complete := true
	for i := len(j.Files) - 1; i >= 0; i-- {
		if err := os.Remove(filepath.Join(dir, j.Files[i])); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to remove job file", "job_id", j.ID, "file", j.Files[i], "error", err)
			complete = false
		}
	}
	if !complete {
		return false
	}
	return p.removeDir(dir, "job_id", j.ID)
}

func (p *Propagator) removeDir(dir string, attrs ...any) bool {
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Warn("failed to remove directory", append(attrs, "dir", dir, "error", err)...)
		return false
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("directory still present after purge", append(attrs, "dir", dir)...)
		return false
	}
	return true
}

// PurgeOrder deletes a terminal order with its jobs and files. It reports
// false when anything was left behind; what was purged stays purged and the
// call can be repeated. Purging an order that does not exist is complete.
func (p *Propagator) PurgeOrder(ctx context.Context, key, holder string) (bool, error) {
	complete := false
	err := p.store.WithLock(ctx, store.OrderKey(key), holder, func(tok store.Token) error {
		o, err := p.store.GetOrder(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			complete = true
			return nil
		}
		if err != nil {
			return err
		}
		if !o.Status.Terminal() {
			return fmt.Errorf("order %s is %s: %w", key, o.Status, ErrNotPurgeable)
		}

		jobs, err := p.store.ListJobs(ctx, store.JobFilter{OrderKey: key})
		if err != nil {
			return err
		}
		jobsDone := true
		for _, j := range jobs {
			ok, err := p.PurgeJob(ctx, j.ID, holder)
			if err != nil {
				p.logger.Warn("failed to purge job", "job_id", j.ID, "order_id", key, "error", err)
			}
			if err != nil || !ok {
				jobsDone = false
			}
		}
		if !jobsDone || !p.removeDir(o.Dir, "order_id", key) {
			return nil
		}
		if err := p.store.DeleteOrder(ctx, key, tok); err != nil {
			return err
		}
		complete = true
		return nil
	})
	p.metrics.Purge(model.KindOrder, complete)
	if err == nil && !complete {
		p.notifier.Notify(notify.EventPurgeIncomplete, notify.OrderData{OrderID: key, Message: "purge incomplete"})
	}
	if complete {
		p.logger.Info("order purged", "order_id", key)
	}
	return complete, err
}
