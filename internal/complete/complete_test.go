package complete

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/dispatch"
	"github.com/orrn/labsync/internal/format"
	"github.com/orrn/labsync/internal/model"
	"github.com/orrn/labsync/internal/notify"
	"github.com/orrn/labsync/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(event notify.Event, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) count(event notify.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

type testEnv struct {
	store    *store.Store
	engine   *dispatch.Engine
	runner   *dispatch.Runner
	prop     *Propagator
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "labsync.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	cfg := &config.Config{
		Queues: []config.QueueConfig{
			{ID: "Q1", Format: "hotfolder", Dir: t.TempDir()},
			{ID: "Q2", Format: "hotfolder", Dir: t.TempDir()},
		},
		Routes: map[string]string{"4x6": "Q1", "wallet": "Q2"},
	}
	table, err := dispatch.NewTable(cfg)
	require.NoError(t, err)

	n := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	formats := format.NewRegistry(&format.HotFolder{})
	engine := dispatch.NewEngine(st, table, n, nil, logger)
	return &testEnv{
		store:    st,
		engine:   engine,
		runner:   dispatch.NewRunner(engine, formats, config.DispatchConfig{Interval: time.Second}),
		prop:     NewPropagator(st, formats, engine, n, nil, logger),
		notifier: n,
	}
}

func (env *testEnv) addOrder(t *testing.T, id string, items ...model.Item) *model.Order {
	t.Helper()
	dir := filepath.Join(t.TempDir(), id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	o := &model.Order{OrderID: id, Dir: dir, Status: model.OrderReceived, LastUpdated: "2024-01-01"}
	for _, it := range items {
		it.Status = model.ItemReceived
		o.Items = append(o.Items, it)
		require.NoError(t, os.WriteFile(filepath.Join(dir, it.Filename), []byte(it.Filename), 0644))
		o.Files = append(o.Files, model.OrderFile{Filename: it.Filename, Status: model.FileReceived})
	}
	tok, err := env.store.InsertOrder(context.Background(), o, "test")
	require.NoError(t, err)
	require.NoError(t, env.store.Release(store.OrderKey(id), tok))
	return o
}

// sendAll creates jobs for every item of the order and formats them.
func (env *testEnv) sendAll(t *testing.T, key string) []*model.Job {
	t.Helper()
	ctx := context.Background()
	_, err := env.engine.Create(ctx, dispatch.CreateRequest{OrderKey: key})
	require.NoError(t, err)
	env.runner.RunOnce(ctx)
	jobs := env.jobs(t, key)
	for _, j := range jobs {
		require.Equal(t, model.JobSent, j.Status)
	}
	return jobs
}

func (env *testEnv) jobs(t *testing.T, key string) []*model.Job {
	t.Helper()
	jobs, err := env.store.ListJobs(context.Background(), store.JobFilter{OrderKey: key})
	require.NoError(t, err)
	return jobs
}

func (env *testEnv) order(t *testing.T, key string) *model.Order {
	t.Helper()
	o, err := env.store.GetOrder(context.Background(), key)
	require.NoError(t, err)
	return o
}

func TestCompleteJobPromotesItems(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001",
		model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1},
		model.Item{Filename: "b.jpg", SKU: "wallet", Quantity: 1},
	)
	jobs := env.sendAll(t, "1001")
	require.Len(t, jobs, 2)

	require.NoError(t, env.prop.CompleteJob(ctx, jobs[0].ID, "test"))
	o := env.order(t, "1001")
	assert.Equal(t, model.ItemPrinted, o.Items[0].Status)
	assert.Equal(t, model.ItemPrinting, o.Items[1].Status)
	assert.Equal(t, model.OrderPrinting, o.Status)
	assert.DirExists(t, format.CompletedDir(jobs[0].Dir), "output marked complete")

	require.NoError(t, env.prop.CompleteJob(ctx, jobs[1].ID, "test"))
	o = env.order(t, "1001")
	assert.Equal(t, model.OrderPrinted, o.Status)
	assert.Equal(t, 2, env.notifier.count(notify.EventJobCompleted))

	// Already completed: no-op.
	require.NoError(t, env.prop.CompleteJob(ctx, jobs[1].ID, "test"))
	assert.Equal(t, 2, env.notifier.count(notify.EventJobCompleted))
}

func TestCompleteJobWaitsForEveryJobOfAnItem(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 4})

	_, err := env.engine.Create(ctx, dispatch.CreateRequest{OrderKey: "1001", Quantity: 1})
	require.NoError(t, err)
	_, err = env.engine.Create(ctx, dispatch.CreateRequest{OrderKey: "1001", Quantity: 3})
	require.NoError(t, err)
	env.runner.RunOnce(ctx)
	jobs := env.jobs(t, "1001")
	require.Len(t, jobs, 2)

	require.NoError(t, env.prop.CompleteJob(ctx, jobs[0].ID, "test"))
	assert.Equal(t, model.ItemPrinting, env.order(t, "1001").Items[0].Status)

	require.NoError(t, env.prop.CompleteJob(ctx, jobs[1].ID, "test"))
	assert.Equal(t, model.ItemPrinted, env.order(t, "1001").Items[0].Status)
}

func TestCompleteJobRequiresSent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1})
	jobs, err := env.engine.Create(ctx, dispatch.CreateRequest{OrderKey: "1001"})
	require.NoError(t, err)

	err = env.prop.CompleteJob(ctx, jobs[0].ID, "test")
	assert.ErrorIs(t, err, dispatch.ErrJobState)
}

func TestCompleteOrderIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001",
		model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1},
		model.Item{Filename: "b.jpg", SKU: "wallet", Quantity: 1},
	)
	jobs := env.sendAll(t, "1001")

	calls := 0
	env.prop.updateJob = func(ctx context.Context, j *model.Job, tok store.Token) error {
		calls++
		if calls == 2 {
			return errors.New("disk full")
		}
		return env.store.UpdateJob(ctx, j, tok)
	}
	require.Error(t, env.prop.CompleteOrder(ctx, "1001", "test"))
	for _, j := range env.jobs(t, "1001") {
		assert.Equal(t, model.JobSent, j.Status, "job %d reverted", j.ID)
	}
	assert.Equal(t, model.OrderPrinting, env.order(t, "1001").Status)

	env.prop.updateJob = env.store.UpdateJob
	require.NoError(t, env.prop.CompleteOrder(ctx, "1001", "test"))
	o := env.order(t, "1001")
	assert.Equal(t, model.OrderCompleted, o.Status)
	for _, it := range o.Items {
		assert.Equal(t, model.ItemPrinted, it.Status)
	}
	for _, j := range env.jobs(t, "1001") {
		assert.Equal(t, model.JobCompleted, j.Status)
	}
	assert.Equal(t, len(jobs), env.notifier.count(notify.EventJobCompleted))
}

func TestCompleteOrderForgetsPendingJobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1})
	_, err := env.engine.Create(ctx, dispatch.CreateRequest{OrderKey: "1001"})
	require.NoError(t, err)

	require.NoError(t, env.prop.CompleteOrder(ctx, "1001", "test"))
	assert.Equal(t, model.OrderCompleted, env.order(t, "1001").Status)

	env.runner.RunOnce(ctx)
	jobs := env.jobs(t, "1001")
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobForgotten, jobs[0].Status)
	assert.Empty(t, jobs[0].Dir, "nothing was sent")
	assert.Zero(t, env.notifier.count(notify.EventJobCompleted))

	ok, err := env.prop.PurgeOrder(ctx, "1001", "test")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunnerSkipsJobsOfSettledOrders(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1})
	_, err := env.engine.Create(ctx, dispatch.CreateRequest{OrderKey: "1001"})
	require.NoError(t, err)

	// The order settles behind the job's back.
	err = env.store.WithLock(ctx, store.OrderKey("1001"), "test", func(tok store.Token) error {
		o, err := env.store.GetOrder(ctx, "1001")
		if err != nil {
			return err
		}
		o.Status = model.OrderCompleted
		return env.store.UpdateOrder(ctx, o, tok)
	})
	require.NoError(t, err)

	env.runner.RunOnce(ctx)
	jobs := env.jobs(t, "1001")
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobForgotten, jobs[0].Status)
	assert.Empty(t, jobs[0].Dir)
}

func TestSyncJobsCompletesPrintedItems(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1})
	jobs := env.sendAll(t, "1001")

	err := env.store.WithLock(ctx, store.OrderKey("1001"), "test", func(tok store.Token) error {
		o, err := env.store.GetOrder(ctx, "1001")
		if err != nil {
			return err
		}
		o.Items[0].Status = model.ItemPrinted
		return env.store.UpdateOrder(ctx, o, tok)
	})
	require.NoError(t, err)

	n, err := env.prop.SyncJobs(ctx, "1001", "test")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	j, err := env.store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, j.Status)
}

func TestScannerCompletesFinishedOutput(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1})
	jobs := env.sendAll(t, "1001")

	s := NewScanner(env.prop, time.Second)
	s.ScanOnce(ctx)
	j, err := env.store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSent, j.Status, "nothing reported done yet")

	// The lab software marks the folder done.
	require.NoError(t, os.Rename(j.Dir, format.CompletedDir(j.Dir)))
	s.ScanOnce(ctx)
	j, err = env.store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, j.Status)
	assert.Equal(t, model.OrderPrinted, env.order(t, "1001").Status)
}

func TestCancelOrderForgetsJobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1})
	env.sendAll(t, "1001")

	require.NoError(t, env.prop.CancelOrder(ctx, "1001", "test"))
	assert.Equal(t, model.OrderCanceled, env.order(t, "1001").Status)
	for _, j := range env.jobs(t, "1001") {
		assert.Equal(t, model.JobForgotten, j.Status)
	}
	require.NoError(t, env.prop.CancelOrder(ctx, "1001", "test"), "idempotent")
}

func TestAbortOrderForgetsJobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001",
		model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1},
		model.Item{Filename: "b.jpg", SKU: "wallet", Quantity: 1},
	)
	env.sendAll(t, "1001")

	require.NoError(t, env.prop.AbortOrder(ctx, "1001", "test"))
	assert.Equal(t, model.OrderAborted, env.order(t, "1001").Status)
	for _, j := range env.jobs(t, "1001") {
		assert.Equal(t, model.JobForgotten, j.Status)
	}
	require.NoError(t, env.prop.AbortOrder(ctx, "1001", "test"), "idempotent")
	assert.ErrorIs(t, env.prop.CancelOrder(ctx, "1001", "test"), dispatch.ErrOrderState)

	ok, err := env.prop.PurgeOrder(ctx, "1001", "test")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPurgeJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1})
	jobs := env.sendAll(t, "1001")
	j := jobs[0]

	_, err := env.prop.PurgeJob(ctx, j.ID, "test")
	assert.ErrorIs(t, err, ErrNotPurgeable, "sent jobs stay")

	require.NoError(t, env.prop.CompleteJob(ctx, j.ID, "test"))
	ok, err := env.prop.PurgeJob(ctx, j.ID, "test")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoDirExists(t, j.Dir)
	assert.NoDirExists(t, format.CompletedDir(j.Dir))

	_, err = env.store.GetJob(ctx, j.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err = env.prop.PurgeJob(ctx, j.ID, "test")
	require.NoError(t, err)
	assert.True(t, ok, "purging a missing job is complete")
}

func TestPurgeOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	o := env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1})
	env.sendAll(t, "1001")

	_, err := env.prop.PurgeOrder(ctx, "1001", "test")
	assert.ErrorIs(t, err, ErrNotPurgeable)

	require.NoError(t, env.prop.CompleteOrder(ctx, "1001", "test"))
	ok, err := env.prop.PurgeOrder(ctx, "1001", "test")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoDirExists(t, o.Dir)
	assert.Empty(t, env.jobs(t, "1001"))

	_, err = env.store.GetOrder(ctx, "1001")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, env.notifier.count(notify.EventPurgeIncomplete))
}

func TestPurgeOrderReportsLeftovers(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	ctx := context.Background()
	env := newTestEnv(t)
	o := env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1})
	require.NoError(t, env.prop.CancelOrder(ctx, "1001", "test"))

	parent := filepath.Dir(o.Dir)
	require.NoError(t, os.Chmod(parent, 0555))
	t.Cleanup(func() { os.Chmod(parent, 0755) })

	ok, err := env.prop.PurgeOrder(ctx, "1001", "test")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, env.notifier.count(notify.EventPurgeIncomplete))

	_, err = env.store.GetOrder(ctx, "1001")
	assert.NoError(t, err, "record kept for a later retry")
}
