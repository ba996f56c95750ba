package regulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/metrics"
)

// ErrStopping is returned when a worker unwinds because it was asked to stop.
// It is never recorded on an entity.
var ErrStopping = errors.New("worker stopping")

type window struct {
	days  map[time.Weekday]bool
	start time.Duration
	end   time.Duration
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func parseWindow(w config.Window) (window, error) {
	var pw window
	var err error
	if pw.start, err = parseClock(w.Start); err != nil {
		return pw, err
	}
	if pw.end, err = parseClock(w.End); err != nil {
		return pw, err
	}
	if pw.start == pw.end {
		return pw, fmt.Errorf("inactive window %s-%s is empty", w.Start, w.End)
	}
	if len(w.Days) > 0 {
		pw.days = make(map[time.Weekday]bool)
		for _, d := range w.Days {
			wd, ok := weekdays[strings.ToLower(d)[:min(3, len(d))]]
			if !ok {
				return pw, fmt.Errorf("invalid weekday %q", d)
			}
			pw.days[wd] = true
		}
	}
	return pw, nil
}

// activeUntil returns the end of the window occurrence containing t. A window
// whose end is before its start runs past midnight into the next day.
func (w window) activeUntil(t time.Time) (time.Time, bool) {
	for _, offset := range []int{0, -1} {
		day := t.AddDate(0, 0, offset)
		if w.days != nil && !w.days[day.Weekday()] {
			continue
		}
		midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, t.Location())
		start := midnight.Add(w.start)
		end := midnight.Add(w.end)
		if w.end < w.start {
			end = end.Add(24 * time.Hour)
		}
		if !t.Before(start) && t.Before(end) {
			return end, true
		}
	}
	return time.Time{}, false
}

// Regulator enforces the bandwidth cap and the inactivity schedule. Check is
// both the throttle point and the stop check, so it can be called anywhere.
type Regulator struct {
	limiter *rate.Limiter
	burst   int
	windows []window

	mu         sync.Mutex
	delayUntil time.Time

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) bool
}

func New(cfg config.RegulationConfig, logger *slog.Logger, m *metrics.Metrics) (*Regulator, error) {
	r := &Regulator{
		logger:  logger.With("component", "regulate"),
		metrics: m,
		now:     time.Now,
		sleep:   sleepContext,
	}
	if cfg.BytesPerSecond > 0 {
		r.burst = int(cfg.BytesPerSecond)
		r.limiter = rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), r.burst)
	}
	for _, w := range cfg.InactiveWindows {
		pw, err := parseWindow(w)
		if err != nil {
			return nil, err
		}
		r.windows = append(r.windows, pw)
	}
	return r, nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Transferred accounts n bytes against the cap and schedules the delay the
// next Check will sleep out.
func (r *Regulator) Transferred(n int64) {
	if r.limiter == nil || n <= 0 {
		return
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var delay time.Duration
	for n > 0 {
		chunk := min(n, int64(r.burst))
		res := r.limiter.ReserveN(now, int(chunk))
		if !res.OK() {
			break
		}
		delay = res.DelayFrom(now)
		n -= chunk
	}
	if until := now.Add(delay); until.After(r.delayUntil) {
		r.delayUntil = until
	}
}

// Delay reports the pending post-transfer delay.
func (r *Regulator) Delay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d := r.delayUntil.Sub(r.now()); d > 0 {
		return d
	}
	return 0
}

// InactiveUntil reports whether t falls in an inactivity window and when it ends.
func (r *Regulator) InactiveUntil(t time.Time) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, w := range r.windows {
		if end, ok := w.activeUntil(t); ok && end.After(latest) {
			latest = end
			found = true
		}
	}
	return latest, found
}

// Check sleeps out the pending bandwidth delay and any inactivity window.
// It returns true when the caller should stop.
func (r *Regulator) Check(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if d := r.Delay(); d > 0 {
		if !r.doSleep(ctx, d) {
			return true
		}
	}
	for {
		end, inactive := r.InactiveUntil(r.now())
		if !inactive {
			return false
		}
		d := end.Sub(r.now())
		r.logger.Info("inactive window, sleeping", "until", end.Format(time.RFC3339))
		if !r.doSleep(ctx, d) {
			return true
		}
	}
}

// Sleep waits d and then runs Check. It returns true when the caller should stop.
func (r *Regulator) Sleep(ctx context.Context, d time.Duration) bool {
	if !r.doSleep(ctx, d) {
		return true
	}
	return r.Check(ctx)
}

// Pause is the callback for pause-retry loops. It returns true when the
// caller may retry, and false when it is stopping or an inactivity window is
// due before the retry, in which case the loop gives up and the next Check
// sleeps the window out.
func (r *Regulator) Pause(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if _, inactive := r.InactiveUntil(r.now().Add(d)); inactive {
		return false
	}
	return r.doSleep(ctx, d)
}

func (r *Regulator) doSleep(ctx context.Context, d time.Duration) bool {
	ok := r.sleep(ctx, d)
	if ok {
		r.metrics.Throttled(d.Seconds())
	}
	return ok
}
