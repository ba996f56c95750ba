package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/metrics"
	"github.com/orrn/labsync/internal/model"
	"github.com/orrn/labsync/internal/notify"
	"github.com/orrn/labsync/internal/regulate"
	"github.com/orrn/labsync/internal/remote"
	"github.com/orrn/labsync/internal/store"
)

// Holder identifies the download worker in lock diagnostics.
const Holder = "download"

const (
	metadataTemp = ".order.xml.part"
	metadataFile = "order.xml"
	maxDirSuffix = 100
)

var ErrDirUnavailable = errors.New("no usable order directory")

type Remote interface {
	Run(ctx context.Context, tx remote.Transaction, pause remote.PauseFunc) error
}

type Regulator interface {
	Check(ctx context.Context) bool
	Pause(ctx context.Context, d time.Duration) bool
	Sleep(ctx context.Context, d time.Duration) bool
}

type LocalRenderer interface {
	Render(ctx context.Context, rawURL, dest string) (int64, error)
}

type Notifier interface {
	Notify(event notify.Event, data any)
}

// Engine runs the per-order download state machine. It never holds an order
// lock across a network call: every step is fetch, then lock-and-commit.
type Engine struct {
	store    *store.Store
	remote   Remote
	reg      Regulator
	local    LocalRenderer
	notifier Notifier
	cfg      config.DownloadConfig
	variants []string
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

type Options struct {
	Store     *store.Store
	Remote    Remote
	Regulator Regulator
	Local     LocalRenderer
	Notifier  Notifier
	Config    config.DownloadConfig
	Variants  []string
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func NewEngine(opts Options) *Engine {
	variants := opts.Variants
	if len(variants) == 0 {
		variants = []string{""}
	}
	var local LocalRenderer = (*remote.LocalSource)(nil)
	if opts.Local != nil {
		local = opts.Local
	}
	var notifier Notifier = (*notify.Sender)(nil)
	if opts.Notifier != nil {
		notifier = opts.Notifier
	}
	return &Engine{
		store:    opts.Store,
		remote:   opts.Remote,
		reg:      opts.Regulator,
		local:    local,
		notifier: notifier,
		cfg:      opts.Config,
		variants: variants,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "download"),
		now:      time.Now,
	}
}

// RefreshList fetches every page of every variant of the remote order list
// and creates or replaces local stubs.
func (e *Engine) RefreshList(ctx context.Context) error {
	for _, variant := range e.variants {
		for page, pages := 1, 1; page <= pages; page++ {
			if e.reg.Check(ctx) {
				return regulate.ErrStopping
			}
			tx := &remote.ListTransaction{Variant: variant, Page: page}
			if err := e.remote.Run(ctx, tx, e.reg.Pause); err != nil {
				return err
			}
			pages = tx.Pages
			for _, entry := range tx.Entries {
				if err := e.syncEntry(ctx, entry, variant); err != nil {
					var locked *store.LockedError
					if errors.As(err, &locked) {
						e.metrics.LockConflict(model.KindOrder)
						e.logger.Debug("order busy, skipping list entry", "order_id", entry.OrderID, "holder", locked.Holder)
						continue
					}
					return err
				}
			}
		}
	}
	return nil
}

func (e *Engine) syncEntry(ctx context.Context, entry remote.ListEntry, variant string) error {
	if entry.OrderID == "" {
		return nil
	}
	if !remote.ValidOrderID(entry.OrderID) {
		e.logger.Warn("skipping list entry with unusable order id", "order_id", entry.OrderID, "variant", variant)
		return nil
	}
	existing, err := e.store.GetOrder(ctx, entry.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return e.createStub(ctx, entry, variant)
	}
	if err != nil {
		return err
	}
	if existing.LastUpdated == entry.LastUpdated || existing.Status >= model.OrderReceived {
		return nil
	}
	return e.replaceStub(ctx, entry, variant)
}

func (e *Engine) createStub(ctx context.Context, entry remote.ListEntry, variant string) error {
	dir, err := e.chooseDir(entry.OrderID, "")
	if err != nil {
		return err
	}
	stub := model.NewStub(entry.OrderID, entry.LastUpdated, dir, e.now())
	stub.Variant = variant

	tok, err := e.store.InsertOrder(ctx, stub, Holder)
	if err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil
		}
		return err
	}
	if err := e.store.Release(store.OrderKey(stub.Key()), tok); err != nil {
		return err
	}
	e.logger.Info("order stub created", "order_id", entry.OrderID, "last_updated", entry.LastUpdated, "dir", dir)
	return nil
}

// replaceStub purges what was downloaded for a stale order and starts it over
// from a fresh stub under the same key.
func (e *Engine) replaceStub(ctx context.Context, entry remote.ListEntry, variant string) error {
	return e.store.WithLock(ctx, store.OrderKey(entry.OrderID), Holder, func(tok store.Token) error {
		cur, err := e.store.GetOrder(ctx, entry.OrderID)
		if err != nil {
			return err
		}
		if cur.LastUpdated == entry.LastUpdated || cur.Status >= model.OrderReceived {
			return nil
		}

		dir := cur.Dir
		if !purgeDir(dir) {
			if dir, err = e.chooseDir(entry.OrderID, cur.Dir); err != nil {
				return err
			}
		}

		stub := model.NewStub(entry.OrderID, entry.LastUpdated, dir, e.now())
		stub.Variant = variant
		if err := e.store.UpdateOrder(ctx, stub, tok); err != nil {
			return err
		}
		e.logger.Info("stale order replaced", "order_id", entry.OrderID,
			"old_last_updated", cur.LastUpdated, "last_updated", entry.LastUpdated, "dir", dir)
		return nil
	})
}

// chooseDir returns a free directory for the order. A leftover directory from
// an incomplete purge is purged again; if that fails the name is varied.
func (e *Engine) chooseDir(orderID, skip string) (string, error) {
	if !remote.ValidOrderID(orderID) {
		return "", fmt.Errorf("order %q: %w", orderID, ErrDirUnavailable)
	}
	base := filepath.Join(e.cfg.RootDir, orderID)
	for n := 1; n <= maxDirSuffix; n++ {
		dir := base
		if n > 1 {
			dir = fmt.Sprintf("%s_%d", base, n)
		}
		if dir == skip {
			continue
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return dir, nil
		}
		if purgeDir(dir) {
			return dir, nil
		}
		e.logger.Warn("leftover order directory could not be purged", "order_id", orderID, "dir", dir)
	}
	return "", fmt.Errorf("order %s: %w", orderID, ErrDirUnavailable)
}

func purgeDir(dir string) bool {
	if dir == "" {
		return true
	}
	if err := os.RemoveAll(dir); err != nil {
		return false
	}
	_, err := os.Stat(dir)
	return os.IsNotExist(err)
}

// commit applies fn to the latest version of the order under its lock.
func (e *Engine) commit(ctx context.Context, key string, fn func(o *model.Order) error) (*model.Order, error) {
	var out *model.Order
	err := e.store.WithLock(ctx, store.OrderKey(key), Holder, func(tok store.Token) error {
		o, err := e.store.GetOrder(ctx, key)
		if err != nil {
			return err
		}
		if err := fn(o); err != nil {
			return err
		}
		if err := e.store.UpdateOrder(ctx, o, tok); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// Process advances one order as far as it can go: metadata, files, then the
// status report that flips it to RECEIVED.
func (e *Engine) Process(ctx context.Context, key string) error {
	o, err := e.store.GetOrder(ctx, key)
	if err != nil {
		return err
	}
	if o.Hold != model.HoldNone || o.Status >= model.OrderReceived || o.OrderID == "" {
		return nil
	}

	now := e.now()
	if e.cfg.StartOver && !o.Stub && model.NeedsStartOver(o, now, e.cfg.StartOverInterval) {
		if o, err = e.startOver(ctx, o); err != nil {
			return err
		}
	}

	o, err = e.commit(ctx, key, func(o *model.Order) error {
		o.LastAttempt = now
		if o.Status < model.OrderReceiving {
			o.Status = model.OrderReceiving
		}
		return nil
	})
	if err != nil {
		return err
	}

	if o.Stub {
		if e.reg.Check(ctx) {
			return regulate.ErrStopping
		}
		if o, err = e.fetchMetadata(ctx, o); err != nil {
			return err
		}
	}

	if err := e.downloadFiles(ctx, o); err != nil {
		return err
	}
	return e.finalize(ctx, key)
}

// startOver demotes the order to a stub before touching any file, so the
// record never points at files that were deleted under it.
func (e *Engine) startOver(ctx context.Context, o *model.Order) (*model.Order, error) {
	key := o.Key()
	stub, err := e.commit(ctx, key, func(cur *model.Order) error {
		s := model.NewStub(cur.OrderID, cur.LastUpdated, cur.Dir, e.now())
		s.Variant = cur.Variant
		s.LastAttempt = cur.LastAttempt
		s.LastProgress = e.now()
		*cur = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("no progress, starting order over", "order_id", key, "last_attempt", o.LastAttempt, "last_progress", o.LastProgress)

	entries, err := os.ReadDir(stub.Dir)
	if err == nil {
		for _, de := range entries {
			if rmErr := os.RemoveAll(filepath.Join(stub.Dir, de.Name())); rmErr != nil {
				e.logger.Warn("failed to remove file on start over", "order_id", key, "file", de.Name(), "error", rmErr)
			}
		}
	}
	return stub, nil
}

func (e *Engine) fetchMetadata(ctx context.Context, o *model.Order) (*model.Order, error) {
	key := o.Key()
	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create order directory: %w", err)
	}

	tmp := filepath.Join(o.Dir, metadataTemp)
	tx := remote.NewMetadataTransaction(o.OrderID, tmp)
	if err := e.remote.Run(ctx, tx, e.reg.Pause); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	parsed, err := remote.ParseOrderFile(tmp)
	if err != nil {
		// A truncated read must force a new download, not a corrupt local copy.
		os.Remove(tmp)
		return nil, &remote.Error{Category: remote.CategoryProtocol, Op: tx.Describe(), Err: err}
	}
	if parsed.OrderID != o.OrderID {
		os.Remove(tmp)
		return nil, &remote.Error{Category: remote.CategoryProtocol, Op: tx.Describe(),
			Err: fmt.Errorf("document is for order %s", parsed.OrderID)}
	}

	full, err := e.commit(ctx, key, func(cur *model.Order) error {
		if !cur.Stub {
			return nil
		}
		parsed.OrderSeq = cur.OrderSeq
		if parsed.Variant == "" {
			parsed.Variant = cur.Variant
		}
		parsed.Dir = cur.Dir
		parsed.Status = model.OrderReceiving
		parsed.Hold = cur.Hold
		parsed.LastUpdated = cur.LastUpdated
		parsed.LastAttempt = cur.LastAttempt
		parsed.LastProgress = e.now()
		parsed.RecmodDate = cur.RecmodDate
		*cur = *parsed
		return nil
	})
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, filepath.Join(o.Dir, metadataFile)); err != nil {
		e.logger.Warn("failed to keep order document", "order_id", key, "error", err)
	}
	e.logger.Info("order metadata received", "order_id", key, "items", len(full.Items), "files", len(full.Files))
	return full, nil
}

func (e *Engine) downloadFiles(ctx context.Context, o *model.Order) error {
	key := o.Key()
	for _, f := range o.Files {
		if f.Status == model.FileReceived {
			continue
		}
		if !filepath.IsLocal(f.Filename) {
			return &remote.Error{Category: remote.CategoryProtocol, Op: "download " + f.Filename,
				Err: errors.New("file name escapes the order directory")}
		}
		if e.reg.Check(ctx) {
			return regulate.ErrStopping
		}

		if _, err := e.commit(ctx, key, func(cur *model.Order) error {
			i := cur.FindFile(f.Filename)
			if i < 0 {
				return fmt.Errorf("order %s lost file %s", key, f.Filename)
			}
			cur.Files[i].Status = model.FileReceiving
			return nil
		}); err != nil {
			return err
		}

		path := filepath.Join(o.Dir, f.Filename)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create file directory: %w", err)
		}

		var n int64
		var err error
		if remote.IsLocal(f.DownloadURL) {
			n, err = e.local.Render(ctx, f.DownloadURL, path)
		} else {
			tx := remote.NewFileTransaction(f.DownloadURL, path, nil)
			err = e.remote.Run(ctx, tx, e.reg.Pause)
			n = tx.Bytes()
		}
		if err != nil {
			return err
		}
		if f.Size > 0 && n != f.Size {
			os.Remove(path)
			return &remote.Error{Category: remote.CategoryProtocol, Op: "download " + f.Filename,
				Err: fmt.Errorf("received %d bytes, expected %d", n, f.Size)}
		}

		if _, err := e.commit(ctx, key, func(cur *model.Order) error {
			i := cur.FindFile(f.Filename)
			if i < 0 {
				return fmt.Errorf("order %s lost file %s", key, f.Filename)
			}
			cur.Files[i].Status = model.FileReceived
			if cur.Files[i].Size == 0 {
				cur.Files[i].Size = n
			}
			cur.LastProgress = e.now()
			markItemsReceiving(cur)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// markItemsReceiving moves items to RECEIVING once any of their files arrived.
func markItemsReceiving(o *model.Order) {
	for i := range o.Items {
		it := &o.Items[i]
		if it.Status >= model.ItemReceiving {
			continue
		}
		for _, name := range it.ItemFiles() {
			if j := o.FindFile(name); j >= 0 && o.Files[j].Status == model.FileReceived {
				it.Status = model.ItemReceiving
				break
			}
		}
	}
}

// finalize reports the order to the server and only then marks it RECEIVED,
// so a failure in between is repaired by sending the report again.
func (e *Engine) finalize(ctx context.Context, key string) error {
	o, err := e.store.GetOrder(ctx, key)
	if err != nil {
		return err
	}
	if !o.AllFilesReceived() {
		return fmt.Errorf("order %s: files still pending", key)
	}
	if e.reg.Check(ctx) {
		return regulate.ErrStopping
	}

	tx := &remote.StatusTransaction{OrderID: o.OrderID, Status: "received"}
	if err := e.remote.Run(ctx, tx, e.reg.Pause); err != nil {
		return err
	}

	_, err = e.commit(ctx, key, func(cur *model.Order) error {
		for i := range cur.Items {
			if cur.Items[i].Status < model.ItemReceived {
				cur.Items[i].Status = model.ItemReceived
			}
		}
		cur.Status = model.OrderReceived
		cur.ErrorMessage = ""
		cur.RetryDeadline = time.Time{}
		cur.Notified = false
		cur.LastProgress = e.now()
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("order received", "order_id", key)
	e.notifier.Notify(notify.EventOrderReceived, notify.OrderData{OrderID: key, Status: model.OrderReceived.String()})
	return nil
}

// RecordFailure stores the error on the order so the scheduler backs off it
// until the retry interval passes.
func (e *Engine) RecordFailure(ctx context.Context, key string, cause error) error {
	_, err := e.commit(ctx, key, func(o *model.Order) error {
		o.ErrorMessage = cause.Error()
		o.LastAttempt = e.now()
		return nil
	})
	return err
}
