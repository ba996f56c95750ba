package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/metrics"
	"github.com/orrn/labsync/internal/model"
	"github.com/orrn/labsync/internal/notify"
	"github.com/orrn/labsync/internal/store"
)

// Holder identifies the dispatch worker in lock diagnostics.
const Holder = "dispatch"

var (
	ErrNothingToPrint = errors.New("nothing to print")
	ErrOrderState     = errors.New("order status does not allow this operation")
	ErrJobState       = errors.New("job status does not allow this operation")
	ErrUnknownQueue   = errors.New("unknown queue")
)

// MissingMappingError lists SKUs that cannot be printed because they have no
// route or their queue has no mapping for them. QueueID is empty for SKUs
// without a route.
type MissingMappingError struct {
	QueueID string
	SKUs    []string
}

func (e *MissingMappingError) Error() string {
	if e.QueueID == "" {
		return fmt.Sprintf("no queue for sku %s", strings.Join(e.SKUs, ", "))
	}
	return fmt.Sprintf("queue %s has no mapping for sku %s", e.QueueID, strings.Join(e.SKUs, ", "))
}

type Notifier interface {
	Notify(event notify.Event, data any)
}

// CreateRequest selects what to print. Empty filters select everything.
type CreateRequest struct {
	OrderKey string
	QueueID  string
	SKUs     []string
	Items    []model.ItemKey
	// Quantity overrides the quantity of every selected item when positive.
	Quantity int
	// AdjustIfPartial skips items already sent to a queue, so repeating a
	// partially failed request prints only the remainder.
	AdjustIfPartial bool
	// AutoPrintOnly drops items routed to queues without auto print.
	AutoPrintOnly bool
	Holder        string
}

type Engine struct {
	store     *store.Store
	table     atomic.Pointer[Table]
	partition PartitionFunc
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	updateOrder func(ctx context.Context, o *model.Order, tok store.Token) error
}

func NewEngine(st *store.Store, table *Table, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = (*notify.Sender)(nil)
	}
	e := &Engine{
		store:       st,
		partition:   SurfacePartition,
		notifier:    notifier,
		metrics:     m,
		logger:      logger.With("component", "dispatch"),
		now:         time.Now,
		updateOrder: st.UpdateOrder,
	}
	e.table.Store(table)
	return e
}

// SetTable swaps the queue table. Calls in flight finish on the old one.
func (e *Engine) SetTable(t *Table) {
	e.table.Store(t)
	e.logger.Info("queue table updated", "queues", len(t.queues), "routes", len(t.routes))
}

func (e *Engine) Table() *Table {
	return e.table.Load()
}

type plannedJob struct {
	queue config.QueueConfig
	refs  []model.Ref
}

// Create creates the jobs for an order. Every implicated SKU is validated
// before anything is written. Each job is inserted and the order items are
// moved to PRINTING under the same order lock; if the order update fails the
// job is deleted again. Jobs created before a failure are returned with the
// error.
func (e *Engine) Create(ctx context.Context, req CreateRequest) ([]*model.Job, error) {
	holder := lo.Ternary(req.Holder != "", req.Holder, Holder)
	table := e.table.Load()

	var created []*model.Job
	err := e.store.WithLock(ctx, store.OrderKey(req.OrderKey), holder, func(otok store.Token) error {
		o, err := e.store.GetOrder(ctx, req.OrderKey)
		if err != nil {
			return err
		}
		if o.Stub || !o.Status.Printable() {
			return fmt.Errorf("order %s is %s: %w", req.OrderKey, o.Status, ErrOrderState)
		}

		plan, err := e.plan(table, o, req)
		if err != nil {
			return err
		}
		for _, pj := range plan {
			j, err := e.createJob(ctx, o, pj, otok, holder)
			if err != nil {
				return err
			}
			created = append(created, j)
		}
		return nil
	})

	for _, j := range created {
		e.metrics.JobCreated(j.QueueID)
		e.logger.Info("job created", "job_id", j.ID, "order_id", req.OrderKey, "queue_id", j.QueueID, "refs", len(j.Refs))
		e.notifier.Notify(notify.EventJobCreated, notify.JobData{
			JobID: j.ID, OrderID: req.OrderKey, QueueID: j.QueueID, Status: j.Status.String(),
		})
	}
	return created, err
}

func (e *Engine) plan(t *Table, o *model.Order, req CreateRequest) ([]plannedJob, error) {
	type routed struct {
		queue config.QueueConfig
		items []*model.Item
	}
	var (
		queueOrder []string
		byQueue    = make(map[string]*routed)
		missing    = make(map[string][]string)
	)

	var forced config.QueueConfig
	if req.QueueID != "" {
		q, ok := t.FindQueueByID(req.QueueID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, req.QueueID)
		}
		forced = q
	}

	for i := range o.Items {
		it := &o.Items[i]
		if len(req.SKUs) > 0 && !slices.Contains(req.SKUs, it.SKU) {
			continue
		}
		if len(req.Items) > 0 && !slices.Contains(req.Items, it.Key()) {
			continue
		}
		if req.AdjustIfPartial && it.Status >= model.ItemPrinting {
			continue
		}

		q := forced
		if req.QueueID == "" {
			var ok bool
			if q, ok = t.FindQueueBySKU(it.SKU); !ok {
				missing[""] = append(missing[""], it.SKU)
				continue
			}
		}
		if req.AutoPrintOnly && !q.AutoPrint {
			continue
		}
		if !t.ExistsMapping(q.ID, it.SKU) {
			missing[q.ID] = append(missing[q.ID], it.SKU)
			continue
		}

		r, ok := byQueue[q.ID]
		if !ok {
			r = &routed{queue: q}
			byQueue[q.ID] = r
			queueOrder = append(queueOrder, q.ID)
		}
		r.items = append(r.items, it)
	}

	if len(missing) > 0 {
		ids := lo.Keys(missing)
		slices.Sort(ids)
		skus := lo.Uniq(missing[ids[0]])
		slices.Sort(skus)
		return nil, &MissingMappingError{QueueID: ids[0], SKUs: skus}
	}
	if len(queueOrder) == 0 {
		return nil, ErrNothingToPrint
	}

	var plan []plannedJob
	for _, id := range queueOrder {
		r := byQueue[id]
		limits := Limits{ChunkStd: r.queue.ChunkStd, ChunkMax: r.queue.ChunkMax, ChunkCountMax: r.queue.ChunkCountMax}
		for _, group := range splitItems(r.queue, r.items, e.partition) {
			items := lo.Map(group, func(i int, _ int) *model.Item { return r.items[i] })
			chunkItems := lo.Map(items, func(it *model.Item, _ int) ChunkItem {
				return ChunkItem{Quantity: quantity(it, req.Quantity), Sequence: it.Sequence, Multi: it.Multi}
			})
			for _, parts := range SplitChunks(chunkItems, limits) {
				refs := lo.Map(parts, func(p Part, _ int) model.Ref {
					it := items[p.Item]
					ref := model.Ref{Filename: it.Filename, SKU: it.SKU}
					if p.Quantity != it.Quantity {
						ref.IndividualQuantity = model.IntPtr(p.Quantity)
					}
					return ref
				})
				plan = append(plan, plannedJob{queue: r.queue, refs: refs})
			}
		}
	}
	return plan, nil
}

func quantity(it *model.Item, override int) int {
	if override > 0 {
		return override
	}
	return it.Quantity
}

func (e *Engine) createJob(ctx context.Context, o *model.Order, pj plannedJob, otok store.Token, holder string) (*model.Job, error) {
	j := &model.Job{
		QueueID:  pj.queue.ID,
		OrderID:  o.OrderID,
		OrderSeq: o.OrderSeq,
		Refs:     pj.refs,
		Status:   model.JobPending,
		Hold:     model.HoldNone,
		Format:   pj.queue.Format,
	}
	jtok, err := e.store.InsertJob(ctx, j, holder)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	jk := store.JobKey(j.ID)

	updated := o.Clone()
	for _, ref := range j.Refs {
		if i := updated.FindItem(ref.ItemKey()); i >= 0 && updated.Items[i].Status < model.ItemPrinting {
			updated.Items[i].Status = model.ItemPrinting
		}
	}
	updated.Status = model.ComputeOrderStatus(updated.Items)
	updated.RecmodDate = e.now()

	if err := e.updateOrder(ctx, updated, otok); err != nil {
		if derr := e.store.DeleteJob(ctx, j.ID, jtok); derr != nil {
			e.logger.Error("failed to remove job after order update failed", "job_id", j.ID, "order_id", o.Key(), "error", derr)
		}
		e.store.Release(jk, jtok)
		return nil, fmt.Errorf("failed to update order %s: %w", o.Key(), err)
	}
	*o = *updated

	if err := e.store.Release(jk, jtok); err != nil {
		return nil, err
	}
	return j, nil
}

// withOrder applies fn to the current order under its lock.
func (e *Engine) withOrder(ctx context.Context, key, holder string, fn func(o *model.Order, tok store.Token) error) error {
	return e.store.WithLock(ctx, store.OrderKey(key), holder, func(tok store.Token) error {
		o, err := e.store.GetOrder(ctx, key)
		if err != nil {
			return err
		}
		if err := fn(o, tok); err != nil {
			return err
		}
		return e.store.UpdateOrder(ctx, o, tok)
	})
}

// withJob applies fn to the current job under its lock.
func (e *Engine) withJob(ctx context.Context, id int64, holder string, fn func(j *model.Job) error) error {
	return e.store.WithLock(ctx, store.JobKey(id), holder, func(tok store.Token) error {
		j, err := e.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		return e.store.UpdateJob(ctx, j, tok)
	})
}

// orderJobs applies fn to every job of a locked order that matches keep.
func (e *Engine) orderJobs(ctx context.Context, o *model.Order, holder string, keep func(j *model.Job) bool, fn func(j *model.Job) error) error {
	jobs, err := e.store.ListJobs(ctx, store.JobFilter{OrderKey: o.Key()})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if !keep(j) {
			continue
		}
		if err := e.withJob(ctx, j.ID, holder, func(cur *model.Job) error {
			if !keep(cur) {
				return nil
			}
			return fn(cur)
		}); err != nil {
			return err
		}
	}
	return nil
}

func ParseJobID(key string) (int64, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", key, store.ErrNotFound)
	}
	return id, nil
}

// Hold stops automatic processing of an active job or a non-terminal order.
func (e *Engine) Hold(ctx context.Context, k store.Key, holder string) error {
	switch k.Kind {
	case model.KindJob:
		id, err := ParseJobID(k.ID)
		if err != nil {
			return err
		}
		return e.withJob(ctx, id, holder, func(j *model.Job) error {
			if !j.Active() {
				return fmt.Errorf("job %d is %s: %w", j.ID, j.Status, ErrJobState)
			}
			j.Hold = model.HoldUser
			return nil
		})
	case model.KindOrder:
		return e.withOrder(ctx, k.ID, holder, func(o *model.Order, _ store.Token) error {
			if o.Status.Terminal() {
				return fmt.Errorf("order %s is %s: %w", k.ID, o.Status, ErrOrderState)
			}
			o.Hold = model.HoldUser
			return nil
		})
	}
	return fmt.Errorf("unknown kind %q", k.Kind)
}

// Release clears any hold. On an order it also resets the retry deadline and
// the error, so a mapping problem is notified again if it persists.
func (e *Engine) Release(ctx context.Context, k store.Key, holder string) error {
	switch k.Kind {
	case model.KindJob:
		id, err := ParseJobID(k.ID)
		if err != nil {
			return err
		}
		return e.withJob(ctx, id, holder, func(j *model.Job) error {
			j.Hold = model.HoldNone
			j.ErrorMessage = ""
			return nil
		})
	case model.KindOrder:
		return e.withOrder(ctx, k.ID, holder, func(o *model.Order, _ store.Token) error {
			clearHold(o)
			return nil
		})
	}
	return fmt.Errorf("unknown kind %q", k.Kind)
}

func clearHold(o *model.Order) {
	o.Hold = model.HoldNone
	o.ErrorMessage = ""
	o.RetryDeadline = time.Time{}
	o.Notified = false
}

// Forget abandons active jobs without completing them. Item statuses are
// left as they are; the operator reprints explicitly if needed.
func (e *Engine) Forget(ctx context.Context, k store.Key, holder string) error {
	forget := func(j *model.Job) error {
		j.Status = model.JobForgotten
		j.Hold = model.HoldNone
		return nil
	}
	switch k.Kind {
	case model.KindJob:
		id, err := ParseJobID(k.ID)
		if err != nil {
			return err
		}
		return e.withJob(ctx, id, holder, func(j *model.Job) error {
			if !j.Active() {
				return fmt.Errorf("job %d is %s: %w", j.ID, j.Status, ErrJobState)
			}
			return forget(j)
		})
	case model.KindOrder:
		return e.store.WithLock(ctx, store.OrderKey(k.ID), holder, func(store.Token) error {
			o, err := e.store.GetOrder(ctx, k.ID)
			if err != nil {
				return err
			}
			return e.orderJobs(ctx, o, holder, (*model.Job).Active, forget)
		})
	}
	return fmt.Errorf("unknown kind %q", k.Kind)
}

// Mark records pending jobs as sent without running their format, for jobs
// delivered by other means.
func (e *Engine) Mark(ctx context.Context, k store.Key, holder string) error {
	mark := func(j *model.Job) error {
		now := e.now()
		j.Status = model.JobSent
		j.SentAt = &now
		return nil
	}
	pending := func(j *model.Job) bool { return j.Status == model.JobPending }

	switch k.Kind {
	case model.KindJob:
		id, err := ParseJobID(k.ID)
		if err != nil {
			return err
		}
		return e.withJob(ctx, id, holder, func(j *model.Job) error {
			if !pending(j) {
				return fmt.Errorf("job %d is %s: %w", j.ID, j.Status, ErrJobState)
			}
			return mark(j)
		})
	case model.KindOrder:
		return e.store.WithLock(ctx, store.OrderKey(k.ID), holder, func(store.Token) error {
			o, err := e.store.GetOrder(ctx, k.ID)
			if err != nil {
				return err
			}
			return e.orderJobs(ctx, o, holder, pending, mark)
		})
	}
	return fmt.Errorf("unknown kind %q", k.Kind)
}
