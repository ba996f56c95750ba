package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/orrn/labsync/internal/model"
)

const jobSequence = "job"

func OrderKey(key string) Key {
	return Key{Kind: model.KindOrder, ID: key}
}

func JobKey(id int64) Key {
	return Key{Kind: model.KindJob, ID: model.JobKey(id)}
}

// WithLock runs fn while holding the key. The lock is always released.
func (s *Store) WithLock(ctx context.Context, k Key, holder string, fn func(tok Token) error) error {
	tok, err := s.Lock(ctx, k, holder)
	if err != nil {
		return err
	}
	defer s.Release(k, tok)
	return fn(tok)
}

func (s *Store) GetOrder(ctx context.Context, key string) (*model.Order, error) {
	rec, err := s.Get(ctx, OrderKey(key))
	if err != nil {
		return nil, err
	}
	o := &model.Order{}
	if err := json.Unmarshal(rec.Data, o); err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", key, err)
	}
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]*model.Order, error) {
	records, err := s.List(ctx, model.KindOrder)
	if err != nil {
		return nil, err
	}
	return decodeOrders(records)
}

func (s *Store) ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]*model.Order, error) {
	records, err := s.ListByStatus(ctx, model.KindOrder, int(status))
	if err != nil {
		return nil, err
	}
	return decodeOrders(records)
}

func decodeOrders(records []*Record) ([]*model.Order, error) {
	orders := make([]*model.Order, 0, len(records))
	for _, rec := range records {
		o := &model.Order{}
		if err := json.Unmarshal(rec.Data, o); err != nil {
			return nil, fmt.Errorf("failed to decode order %s: %w", rec.Key, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// InsertOrder inserts a new order and returns with its lock held.
func (s *Store) InsertOrder(ctx context.Context, o *model.Order, holder string) (Token, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("failed to encode order: %w", err)
	}
	return s.Insert(ctx, OrderKey(o.Key()), "", int(o.Status), data, holder)
}

func (s *Store) UpdateOrder(ctx context.Context, o *model.Order, tok Token) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	return s.Update(ctx, OrderKey(o.Key()), "", int(o.Status), data, tok)
}

func (s *Store) DeleteOrder(ctx context.Context, key string, tok Token) error {
	return s.Delete(ctx, OrderKey(key), tok)
}

func (s *Store) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	rec, err := s.Get(ctx, JobKey(id))
	if err != nil {
		return nil, err
	}
	j := &model.Job{}
	if err := json.Unmarshal(rec.Data, j); err != nil {
		return nil, fmt.Errorf("failed to decode job %d: %w", id, err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	var (
		records []*Record
		err     error
	)
	switch {
	case filter.OrderKey != "":
		records, err = s.ListByParent(ctx, model.KindJob, filter.OrderKey)
	case filter.Status != nil:
		records, err = s.ListByStatus(ctx, model.KindJob, *filter.Status)
	default:
		records, err = s.List(ctx, model.KindJob)
	}
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(records))
	for _, rec := range records {
		j := &model.Job{}
		if err := json.Unmarshal(rec.Data, j); err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", rec.Key, err)
		}
		if filter.Status != nil && int(j.Status) != *filter.Status {
			continue
		}
		jobs = append(jobs, j)
	}
	sortJobs(jobs)
	return jobs, nil
}

// InsertJob assigns the job id and inserts it with its lock held.
func (s *Store) InsertJob(ctx context.Context, j *model.Job, holder string) (Token, error) {
	id, err := s.NextSeq(ctx, jobSequence)
	if err != nil {
		return "", err
	}
	j.ID = id
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.LastUpdated = now

	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}
	return s.Insert(ctx, JobKey(j.ID), j.OrderKey(), int(j.Status), data, holder)
}

func (s *Store) UpdateJob(ctx context.Context, j *model.Job, tok Token) error {
	j.LastUpdated = s.now()
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return s.Update(ctx, JobKey(j.ID), j.OrderKey(), int(j.Status), data, tok)
}

func (s *Store) DeleteJob(ctx context.Context, id int64, tok Token) error {
	return s.Delete(ctx, JobKey(id), tok)
}

// ArchiveOrder records a summary of an order that is about to be purged.
func (s *Store) ArchiveOrder(ctx context.Context, o *model.Order, jobCount int) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	_, err = s.db.ExecContext(ctx, InsertArchivedOrder,
		o.Key(), int(o.Status), o.Dir, len(o.Items), jobCount, string(data), s.now())
	if err != nil {
		return fmt.Errorf("failed to archive order: %w", err)
	}
	return nil
}

func (s *Store) ListArchivedOrders(ctx context.Context, limit, offset int) ([]*ArchivedOrder, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, CountArchivedOrders).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count archived orders: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, ListArchivedOrders, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list archived orders: %w", err)
	}
	defer rows.Close()

	var orders []*ArchivedOrder
	for rows.Next() {
		a := &ArchivedOrder{}
		var dir *string
		var archivedAt time.Time
		if err := rows.Scan(&a.ID, &a.OrderKey, &a.Status, &dir, &a.ItemCount, &a.JobCount, &archivedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan archived order: %w", err)
		}
		if dir != nil {
			a.Dir = *dir
		}
		a.ArchivedAt = archivedAt
		orders = append(orders, a)
	}
	return orders, total, rows.Err()
}

func sortJobs(jobs []*model.Job) {
	slices.SortFunc(jobs, func(a, b *model.Job) int {
		return cmp.Compare(a.ID, b.ID)
	})
}
