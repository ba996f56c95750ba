package dispatch

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
	engine   *Engine
	store    *store.Store
	notifier *recordingNotifier
	cfg      *config.Config
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Queues: []config.QueueConfig{
			{ID: "Q1", Format: "hotfolder", Dir: t.TempDir(), AutoPrint: true},
			{ID: "Q2", Format: "hotfolder", Dir: t.TempDir(), Split: SplitSKU},
			{ID: "Q3", Format: "hotfolder", Dir: t.TempDir(), RequireMapping: true,
				Mappings: map[string]config.MappingConfig{"poster": {ProductCode: "P1"}}},
			{ID: "Q4", Format: "hotfolder", Dir: t.TempDir(), ChunkStd: 10, ChunkMax: 10, ChunkCountMax: 2},
		},
		Routes: map[string]string{
			"4x6":    "Q1",
			"8x10":   "Q1",
			"wallet": "Q2",
			"strip":  "Q2",
			"poster": "Q3",
			"canvas": "Q3",
			"badge":  "Q4",
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "labsync.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	cfg := testConfig(t)
	table, err := NewTable(cfg)
	require.NoError(t, err)

	n := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		engine:   NewEngine(st, table, n, nil, logger),
		store:    st,
		notifier: n,
		cfg:      cfg,
	}
}

// addOrder stores a received order whose image files exist on disk.
func (env *testEnv) addOrder(t *testing.T, id string, items ...model.Item) *model.Order {
	t.Helper()
	dir := t.TempDir()
	o := &model.Order{
		OrderID:     id,
		Dir:         dir,
		Status:      model.OrderReceived,
		LastUpdated: "2024-01-01",
	}
	for _, it := range items {
		it.Status = model.ItemReceived
		o.Items = append(o.Items, it)
		for _, name := range it.ItemFiles() {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
			o.Files = append(o.Files, model.OrderFile{Filename: name, Status: model.FileReceived})
		}
	}
	tok, err := env.store.InsertOrder(context.Background(), o, "test")
	require.NoError(t, err)
	require.NoError(t, env.store.Release(store.OrderKey(id), tok))
	return o
}

func (env *testEnv) jobs(t *testing.T, orderKey string) []*model.Job {
	t.Helper()
	jobs, err := env.store.ListJobs(context.Background(), store.JobFilter{OrderKey: orderKey})
	require.NoError(t, err)
	return jobs
}

func (env *testEnv) order(t *testing.T, key string) *model.Order {
	t.Helper()
	o, err := env.store.GetOrder(context.Background(), key)
	require.NoError(t, err)
	return o
}

func TestTableLookups(t *testing.T) {
	table, err := NewTable(testConfig(t))
	require.NoError(t, err)

	q, ok := table.FindQueueBySKU("4x6")
	require.True(t, ok)
	assert.Equal(t, "Q1", q.ID)
	_, ok = table.FindQueueBySKU("mug")
	assert.False(t, ok)

	q, ok = table.FindQueueByID("q2")
	require.True(t, ok)
	assert.Equal(t, "Q2", q.ID)

	assert.True(t, table.ExistsMapping("Q1", "anything"))
	assert.True(t, table.ExistsMapping("Q3", "poster"))
	assert.False(t, table.ExistsMapping("Q3", "canvas"))
	assert.False(t, table.ExistsMapping("Q9", "poster"))

	err = table.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "canvas->Q3")
	assert.Len(t, table.Queues(), 4)
}

func TestCreateDefaultJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001",
		model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 2},
		model.Item{Filename: "b.jpg", SKU: "8x10", Quantity: 1},
	)

	jobs, err := env.engine.Create(ctx, CreateRequest{OrderKey: "1001"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	j := jobs[0]
	assert.Equal(t, "Q1", j.QueueID)
	assert.Equal(t, "hotfolder", j.Format)
	assert.Equal(t, model.JobPending, j.Status)
	assert.Len(t, j.Refs, 2)
	assert.Nil(t, j.Refs[0].IndividualQuantity)

	o := env.order(t, "1001")
	assert.Equal(t, model.OrderPrinting, o.Status)
	for _, it := range o.Items {
		assert.Equal(t, model.ItemPrinting, it.Status)
	}
	assert.Equal(t, 1, env.notifier.count(notify.EventJobCreated))

	stored := env.jobs(t, "1001")
	require.Len(t, stored, 1)
	assert.Equal(t, j.ID, stored[0].ID)
}

func TestCreateAdjustIfPartial(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001",
		model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1},
		model.Item{Filename: "b.jpg", SKU: "wallet", Quantity: 1},
	)

	_, err := env.engine.Create(ctx, CreateRequest{OrderKey: "1001", SKUs: []string{"4x6"}})
	require.NoError(t, err)

	jobs, err := env.engine.Create(ctx, CreateRequest{OrderKey: "1001", AdjustIfPartial: true})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "Q2", jobs[0].QueueID)
	assert.Equal(t, "wallet", jobs[0].Refs[0].SKU)

	_, err = env.engine.Create(ctx, CreateRequest{OrderKey: "1001", AdjustIfPartial: true})
	assert.ErrorIs(t, err, ErrNothingToPrint)

	// Without adjustment the request is repeated in full.
	jobs, err = env.engine.Create(ctx, CreateRequest{OrderKey: "1001"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.Len(t, env.jobs(t, "1001"), 4)
}

func TestCreateSplitsBySKUAndChunks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001",
		model.Item{Filename: "a.jpg", SKU: "wallet", Quantity: 1},
		model.Item{Filename: "b.jpg", SKU: "strip", Quantity: 1},
		model.Item{Filename: "c.jpg", SKU: "wallet", Quantity: 1},
		model.Item{Filename: "d.jpg", SKU: "badge", Quantity: 45},
	)

	jobs, err := env.engine.Create(ctx, CreateRequest{OrderKey: "1001"})
	require.NoError(t, err)
	require.Len(t, jobs, 5)

	assert.Equal(t, "Q2", jobs[0].QueueID)
	assert.Len(t, jobs[0].Refs, 2)
	assert.Equal(t, "strip", jobs[1].Refs[0].SKU)

	// 45 badges in chunks of 10, at most two chunks per job.
	var quantities []int
	for _, j := range jobs[2:] {
		assert.Equal(t, "Q4", j.QueueID)
		require.Len(t, j.Refs, 1)
		require.NotNil(t, j.Refs[0].IndividualQuantity)
		quantities = append(quantities, *j.Refs[0].IndividualQuantity)
	}
	assert.Equal(t, []int{20, 20, 5}, quantities)
}

func TestCreateForcedQueueAndQuantity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "wallet", Quantity: 3})

	jobs, err := env.engine.Create(ctx, CreateRequest{OrderKey: "1001", QueueID: "q1", Quantity: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "Q1", jobs[0].QueueID)
	require.NotNil(t, jobs[0].Refs[0].IndividualQuantity)
	assert.Equal(t, 1, *jobs[0].Refs[0].IndividualQuantity)

	_, err = env.engine.Create(ctx, CreateRequest{OrderKey: "1001", QueueID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestCreateMissingMappingCreatesNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001",
		model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1},
		model.Item{Filename: "b.jpg", SKU: "canvas", Quantity: 1},
		model.Item{Filename: "c.jpg", SKU: "poster", Quantity: 1},
	)

	_, err := env.engine.Create(ctx, CreateRequest{OrderKey: "1001"})
	var missing *MissingMappingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "Q3", missing.QueueID)
	assert.Equal(t, []string{"canvas"}, missing.SKUs)

	assert.Empty(t, env.jobs(t, "1001"))
	o := env.order(t, "1001")
	assert.Equal(t, model.OrderReceived, o.Status)
	for _, it := range o.Items {
		assert.Equal(t, model.ItemReceived, it.Status)
	}

	env.addOrder(t, "1002", model.Item{Filename: "a.jpg", SKU: "mug", Quantity: 1})
	_, err = env.engine.Create(ctx, CreateRequest{OrderKey: "1002"})
	require.ErrorAs(t, err, &missing)
	assert.Empty(t, missing.QueueID)
}

func TestCreateIsAtomicWithOrderUpdate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1})

	env.engine.updateOrder = func(context.Context, *model.Order, store.Token) error {
		return errors.New("disk full")
	}
	jobs, err := env.engine.Create(ctx, CreateRequest{OrderKey: "1001"})
	require.Error(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, env.jobs(t, "1001"))
	assert.Equal(t, model.ItemReceived, env.order(t, "1001").Items[0].Status)

	// The order lock was released and the next attempt succeeds.
	env.engine.updateOrder = env.store.UpdateOrder
	jobs, err = env.engine.Create(ctx, CreateRequest{OrderKey: "1001"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCreateRejectsUnprintableOrders(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	stub := model.NewStub("1001", "2024-01-01", t.TempDir(), time.Now())
	tok, err := env.store.InsertOrder(ctx, stub, "test")
	require.NoError(t, err)
	require.NoError(t, env.store.Release(store.OrderKey("1001"), tok))

	_, err = env.engine.Create(ctx, CreateRequest{OrderKey: "1001"})
	assert.ErrorIs(t, err, ErrOrderState)

	_, err = env.engine.Create(ctx, CreateRequest{OrderKey: "404"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateReportsLockHolder(t *testing.T) {
	env := newTestEnv(t)
	env.addOrder(t, "1001", model.Item{Filename: "a.jpg", SKU: "4x6", Quantity: 1})

	tok, err := env.store.TryLock(store.OrderKey("1001"), "download")
	require.NoError(t, err)
	defer env.store.Release(store.OrderKey("1001"), tok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = env.engine.Create(ctx, CreateRequest{OrderKey: "1001"})
	var locked *store.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "download", locked.Holder)
}

func TestHoldReleaseForgetMark(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addOrder(t, "1001",
		model.Item{Filename: "a.jpg", SKU: "wallet", Quantity: 1},
		model.Item{Filename: "b.jpg", SKU: "strip", Quantity: 1},
	)
	jobs, err := env.engine.Create(ctx, CreateRequest{OrderKey: "1001"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	first := store.JobKey(jobs[0].ID)

	require.NoError(t, env.engine.Hold(ctx, first, "api"))
	j, err := env.store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.HoldUser, j.Hold)

	require.NoError(t, env.engine.Release(ctx, first, "api"))
	j, _ = env.store.GetJob(ctx, jobs[0].ID)
	assert.Equal(t, model.HoldNone, j.Hold)

	require.NoError(t, env.engine.Mark(ctx, first, "api"))
	j, _ = env.store.GetJob(ctx, jobs[0].ID)
	assert.Equal(t, model.JobSent, j.Status)
	require.NotNil(t, j.SentAt)
	assert.ErrorIs(t, env.engine.Mark(ctx, first, "api"), ErrJobState)

	require.NoError(t, env.engine.Forget(ctx, store.OrderKey("1001"), "api"))
	for _, j := range env.jobs(t, "1001") {
		assert.Equal(t, model.JobForgotten, j.Status)
	}
	assert.ErrorIs(t, env.engine.Forget(ctx, first, "api"), ErrJobState)
	assert.ErrorIs(t, env.engine.Hold(ctx, first, "api"), ErrJobState)

	// Items keep their status when jobs are forgotten.
	assert.Equal(t, model.ItemPrinting, env.order(t, "1001").Items[0].Status)

	require.NoError(t, env.engine.Hold(ctx, store.OrderKey("1001"), "api"))
	assert.Equal(t, model.HoldUser, env.order(t, "1001").Hold)
	require.NoError(t, env.engine.Release(ctx, store.OrderKey("1001"), "api"))
	assert.Equal(t, model.HoldNone, env.order(t, "1001").Hold)

	assert.ErrorIs(t, env.engine.Hold(ctx, store.Key{Kind: model.KindJob, ID: "x"}, "api"), store.ErrNotFound)
}
