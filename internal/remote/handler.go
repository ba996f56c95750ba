package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/metrics"
	"github.com/orrn/labsync/internal/regulate"
)

// Transaction is one network operation against the order server.
type Transaction interface {
	Describe() string
	NewRequest(ctx context.Context, base *url.URL) (*http.Request, error)
	// Begin is called once per attempt before the body is streamed, so a
	// retried attempt starts over.
	Begin(resp *http.Response) error
	// Receive consumes a piece of the body. False means the caller is
	// stopping, which is not an error, unless End then reports one.
	Receive(p []byte) bool
	End() error
}

// PauseFunc sleeps before a retry. It returns false when the retry loop
// should give up instead.
type PauseFunc func(ctx context.Context, d time.Duration) bool

// Meter is told about every transferred chunk.
type Meter interface {
	Transferred(n int64)
}

type Handler struct {
	cfg     config.RemoteConfig
	base    *url.URL
	client  *http.Client
	meter   Meter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewHandler(cfg config.RemoteConfig, meter Meter, m *metrics.Metrics, logger *slog.Logger) (*Handler, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Handler{
		cfg:     cfg,
		base:    base,
		client:  &http.Client{Timeout: timeout},
		meter:   meter,
		metrics: m,
		logger:  logger.With("component", "remote"),
	}, nil
}

func (h *Handler) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if h.cfg.RetryInitial > 0 {
		b.InitialInterval = h.cfg.RetryInitial
	}
	if h.cfg.RetryMax > 0 {
		b.MaxInterval = h.cfg.RetryMax
	}
	b.MaxElapsedTime = h.cfg.RetryElapsed
	if b.MaxElapsedTime == 0 {
		b.MaxElapsedTime = 2 * time.Minute
	}
	b.Reset()
	return b
}

// Run executes tx, retrying retryable failures for as long as pause allows.
// A nil pause disables retries.
func (h *Handler) Run(ctx context.Context, tx Transaction, pause PauseFunc) error {
	b := h.newBackOff()
	for {
		err := h.attempt(ctx, tx)
		if err == nil || errors.Is(err, regulate.ErrStopping) || !IsRetryable(err) || pause == nil {
			return err
		}
		d := b.NextBackOff()
		if d == backoff.Stop {
			return err
		}
		h.logger.Warn("transaction failed, retrying", "transaction", tx.Describe(), "retry_in", d, "error", err)
		if !pause(ctx, d) {
			if ctx.Err() != nil {
				return regulate.ErrStopping
			}
			return err
		}
	}
}

func (h *Handler) attempt(ctx context.Context, tx Transaction) error {
	op := tx.Describe()
	req, err := tx.NewRequest(ctx, h.base)
	if err != nil {
		return protocolError(op, err)
	}
	if h.cfg.User != "" && req.URL.Host == h.base.Host {
		req.SetBasicAuth(h.cfg.User, h.cfg.Password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return regulate.ErrStopping
		}
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return statusError(op, resp)
	}
	if err := tx.Begin(resp); err != nil {
		return fmt.Errorf("failed to begin %s: %w", op, err)
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			h.meter.Transferred(int64(n))
			h.metrics.BytesReceived(int64(n))
			if !tx.Receive(buf[:n]) {
				if err := tx.End(); err != nil {
					return err
				}
				return regulate.ErrStopping
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			tx.End()
			if ctx.Err() != nil {
				return regulate.ErrStopping
			}
			return transportError(op, rerr)
		}
	}
	return tx.End()
}
