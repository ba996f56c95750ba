package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/orrn/labsync/internal/config"
)

type Event string

const (
	EventOrderReceived      Event = "order_received"
	EventJobCreated         Event = "job_created"
	EventJobCompleted       Event = "job_completed"
	EventMappingMissing     Event = "mapping_missing"
	EventCredentialsInvalid Event = "credentials_invalid"
	EventPurgeIncomplete    Event = "purge_incomplete"
)

type Payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Signature string    `json:"signature,omitempty"`
}

type OrderData struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

type JobData struct {
	JobID   int64  `json:"job_id"`
	OrderID string `json:"order_id"`
	QueueID string `json:"queue_id"`
	Status  string `json:"status"`
}

type MappingData struct {
	OrderID  string    `json:"order_id"`
	QueueID  string    `json:"queue_id,omitempty"`
	SKUs     []string  `json:"skus"`
	Deadline time.Time `json:"deadline"`
}

type task struct {
	hook    config.WebhookConfig
	payload *Payload
	attempt int
}

// Sender posts signed event payloads to the configured webhooks from a
// small worker pool. Notify never blocks the caller.
type Sender struct {
	hooks      []config.WebhookConfig
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	queue      chan *task
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func NewSender(cfg config.NotifyConfig, logger *slog.Logger) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	return &Sender{
		hooks: cfg.Webhooks,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		queue:      make(chan *task, cfg.QueueSize),
		logger:     logger.With("component", "notify"),
	}
}

// Run drains the queue with the given number of workers until ctx is done.
func (s *Sender) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.wg.Wait()
	return nil
}

func (s *Sender) Notify(event Event, data any) {
	if s == nil {
		return
	}
	for _, hook := range s.hooks {
		if len(hook.Events) > 0 && !slices.Contains(hook.Events, string(event)) {
			continue
		}
		t := &task{
			hook: hook,
			payload: &Payload{
				Event:     string(event),
				Timestamp: time.Now(),
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.logger.Warn("queue full, dropping webhook", "url", hook.URL, "event", event)
		}
	}
}

func (s *Sender) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(ctx, t); err != nil {
				s.logger.Error("failed to send webhook",
					"worker", id, "url", t.hook.URL, "event", t.payload.Event, "attempts", t.attempt, "error", err)
			}
		}
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func (s *Sender) sendWithRetry(ctx context.Context, t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(ctx, t.hook, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if se, ok := err.(*statusError); ok && se.code < 500 {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.logger.Warn("webhook failed, retrying",
				"attempt", t.attempt, "max", s.retryCount, "url", t.hook.URL, "retry_in", backoff, "error", err)

			select {
			case <-ctx.Done():
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(ctx context.Context, hook config.WebhookConfig, payload *Payload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if hook.Secret != "" {
		payload.Signature = Sign(dataBytes, hook.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}

	return nil
}

// Sign returns the hex HMAC-SHA256 of the data payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
