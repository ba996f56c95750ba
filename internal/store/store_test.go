package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labsync/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "labsync.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestInsertInvisibleUntilRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	o := model.NewStub("1001", "2024-01-01", "1001", time.Now())
	tok, err := s.InsertOrder(ctx, o, "download")
	require.NoError(t, err)

	_, err = s.GetOrder(ctx, "1001")
	assert.ErrorIs(t, err, ErrNotFound)
	orders, err := s.ListOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)

	require.NoError(t, s.Release(OrderKey("1001"), tok))

	got, err := s.GetOrder(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, got.Stub)
	assert.Equal(t, "2024-01-01", got.LastUpdated)

	_, err = s.InsertOrder(ctx, o, "download")
	assert.ErrorIs(t, err, ErrExists)
}

func TestInsertHiddenWhileWriting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)
	k := OrderKey("1001")

	// The first clock read stamps the lock, the second the row.
	calls := 0
	hiddenAtWrite := false
	s.now = func() time.Time {
		calls++
		if calls == 2 {
			hiddenAtWrite = s.isPending(k)
		}
		return time.Now()
	}
	tok, err := s.Insert(ctx, k, "", 0, []byte(`{}`), "download")
	require.NoError(t, err)
	assert.True(t, hiddenAtWrite)
	require.NoError(t, s.Release(k, tok))
	assert.False(t, s.isPending(k))

	// A failed write leaves neither a hidden entry nor a held lock.
	failed := OrderKey("1002")
	calls = 0
	s.now = func() time.Time {
		calls++
		if calls == 2 {
			cancel()
		}
		return time.Now()
	}
	_, err = s.Insert(ctx, failed, "", 0, []byte(`{}`), "download")
	require.Error(t, err)
	assert.False(t, s.isPending(failed))
	_, held := s.Holder(failed)
	assert.False(t, held)

	exists, err := s.Exists(context.Background(), failed)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLockReportsHolder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	k := OrderKey("7")

	tok, err := s.Lock(ctx, k, "dispatch")
	require.NoError(t, err)

	_, err = s.TryLock(k, "api")
	var locked *LockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, "dispatch", locked.Holder)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Lock(waitCtx, k, "api")
	require.True(t, errors.As(err, &locked))

	info, ok := s.Holder(k)
	require.True(t, ok)
	assert.Equal(t, "dispatch", info.Holder)

	assert.ErrorIs(t, s.Release(k, "bogus"), ErrNotLocked)
	require.NoError(t, s.Release(k, tok))

	_, ok = s.Holder(k)
	assert.False(t, ok)

	tok, err = s.TryLock(k, "api")
	require.NoError(t, err)
	require.NoError(t, s.Release(k, tok))
}

func TestLockWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	k := OrderKey("9")

	tok, err := s.Lock(ctx, k, "first")
	require.NoError(t, err)

	acquired := make(chan Token, 1)
	go func() {
		t2, err := s.Lock(ctx, k, "second")
		if err == nil {
			acquired <- t2
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Release(k, tok))

	select {
	case t2 := <-acquired:
		require.NoError(t, s.Release(k, t2))
	case <-time.After(time.Second):
		t.Fatal("second lock was never granted")
	}
}

func TestMutationsRequireToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	o := model.NewStub("5", "x", "5", time.Now())
	tok, err := s.InsertOrder(ctx, o, "test")
	require.NoError(t, err)
	require.NoError(t, s.Release(OrderKey("5"), tok))

	o.Status = model.OrderReceiving
	assert.ErrorIs(t, s.UpdateOrder(ctx, o, tok), ErrNotLocked)
	assert.ErrorIs(t, s.DeleteOrder(ctx, "5", ""), ErrNotLocked)

	err = s.WithLock(ctx, OrderKey("5"), "test", func(tok Token) error {
		return s.UpdateOrder(ctx, o, tok)
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, OrderKey("5"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)

	err = s.WithLock(ctx, OrderKey("5"), "test", func(tok Token) error {
		return s.DeleteOrder(ctx, "5", tok)
	})
	require.NoError(t, err)
	exists, err := s.Exists(ctx, OrderKey("5"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestJobsByOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		j := &model.Job{QueueID: "Q1", OrderID: "100", Refs: []model.Ref{{Filename: "a.jpg", SKU: "4x6"}}}
		if i == 2 {
			j.OrderID = "200"
		}
		tok, err := s.InsertJob(ctx, j, "test")
		require.NoError(t, err)
		require.NoError(t, s.Release(JobKey(j.ID), tok))
	}

	jobs, err := s.ListJobs(ctx, JobFilter{OrderKey: "100"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.Equal(t, int64(2), jobs[1].ID)

	sent := int(model.JobSent)
	jobs, err = s.ListJobs(ctx, JobFilter{Status: &sent})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	j, err := s.GetJob(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "200", j.OrderID)
}

func TestArchivedOrders(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	o := &model.Order{OrderID: "42", Status: model.OrderCompleted, Dir: "42", Items: []model.Item{{SKU: "4x6"}}}
	require.NoError(t, s.ArchiveOrder(ctx, o, 2))

	archived, total, err := s.ListArchivedOrders(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, archived, 1)
	assert.Equal(t, "42", archived[0].OrderKey)
	assert.Equal(t, 2, archived[0].JobCount)
	assert.Equal(t, 1, archived[0].ItemCount)
}
