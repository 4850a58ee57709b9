// Package notify delivers background-job output to the user with
// backpressure: a global sliding-hour rate limit and an active-hours
// window outside which notifications are dropped or queued. Queued
// notifications drain once the window opens again.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/valet/internal/config"
)

// DefaultQueueSize bounds the quiet-hours queue when the configuration
// does not set one.
const DefaultQueueSize = 32

// Policy decides what happens to a notification raised outside active
// hours.
type Policy string

const (
	PolicyDrop  Policy = "drop"
	PolicyQueue Policy = "queue"
)

var (
	// ErrRateLimited means the sliding-hour delivery budget is spent.
	ErrRateLimited = errors.New("notify: hourly rate limit reached")
	// ErrQuietHours means the notification was dropped outside the
	// active window under the drop policy.
	ErrQuietHours = errors.New("notify: dropped outside active hours")
	// ErrQueueFull means the quiet-hours queue is at capacity.
	ErrQueueFull = errors.New("notify: queue full")
)

// Notification is one message bound for the user.
type Notification struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink delivers a notification to its final destination.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Service applies rate limiting and quiet hours in front of a Sink.
type Service struct {
	sink       Sink
	maxPerHour int
	startMin   int
	endMin     int
	policy     Policy
	queueCap   int
	logger     *slog.Logger
	now        func() time.Time
	tick       time.Duration

	mu    sync.Mutex
	sent  []time.Time
	queue []Notification

	started bool
	wg      sync.WaitGroup
}

// Option configures the service.
type Option func(*Service)

// WithLogger configures the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.With("component", "notify")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the drain loop tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.tick = interval
		}
	}
}

// NewService builds a service from configuration. The sink is required.
func NewService(cfg config.NotifyConfig, sink Sink, opts ...Option) (*Service, error) {
	if sink == nil {
		return nil, errors.New("notify: sink is required")
	}
	start, err := parseClock(cfg.ActiveHoursStart, false)
	if err != nil {
		return nil, fmt.Errorf("active_hours_start: %w", err)
	}
	end, err := parseClock(cfg.ActiveHoursEnd, true)
	if err != nil {
		return nil, fmt.Errorf("active_hours_end: %w", err)
	}
	policy := Policy(strings.ToLower(strings.TrimSpace(cfg.QuietPolicy)))
	switch policy {
	case "":
		policy = PolicyQueue
	case PolicyDrop, PolicyQueue:
	default:
		return nil, fmt.Errorf("notify: unknown quiet_policy %q", cfg.QuietPolicy)
	}
	queueCap := cfg.QueueSize
	if queueCap <= 0 {
		queueCap = DefaultQueueSize
	}

	s := &Service{
		sink:       sink,
		maxPerHour: cfg.MaxPerHour,
		startMin:   start,
		endMin:     end,
		policy:     policy,
		queueCap:   queueCap,
		logger:     slog.Default().With("component", "notify"),
		now:        time.Now,
		tick:       time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Notify delivers n through the sink, queueing or dropping it per the
// quiet-hours policy and the sliding-hour rate limit.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	now := s.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}

	s.mu.Lock()
	if !s.activeAt(now) {
		if s.policy == PolicyQueue {
			if len(s.queue) >= s.queueCap {
				s.mu.Unlock()
				s.logger.Warn("notification dropped", "reason", "queue full", "title", n.Title)
				return ErrQueueFull
			}
			s.queue = append(s.queue, n)
			s.mu.Unlock()
			s.logger.Debug("notification queued until active hours", "title", n.Title)
			return nil
		}
		s.mu.Unlock()
		s.logger.Debug("notification dropped", "reason", "quiet hours", "title", n.Title)
		return ErrQuietHours
	}
	if !s.reserve(now) {
		s.mu.Unlock()
		s.logger.Warn("notification dropped", "reason", "rate limit", "title", n.Title)
		return ErrRateLimited
	}
	s.mu.Unlock()

	if err := s.sink.Deliver(ctx, n); err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	return nil
}

// DrainOnce delivers queued notifications while the active window is
// open and the rate limit has budget. Returns the number delivered.
func (s *Service) DrainOnce(ctx context.Context) int {
	delivered := 0
	for {
		now := s.now()
		s.mu.Lock()
		if len(s.queue) == 0 || !s.activeAt(now) || !s.reserve(now) {
			s.mu.Unlock()
			return delivered
		}
		n := s.queue[0]
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.mu.Unlock()

		if err := s.sink.Deliver(ctx, n); err != nil {
			s.logger.Warn("queued notification failed", "title", n.Title, "error", err)
		}
		delivered++
	}
}

// Start runs the drain loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.DrainOnce(ctx)
			}
		}
	}()
}

// Stop waits for the drain loop to exit.
func (s *Service) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SentLastHour reports how many delivery slots the sliding window holds.
func (s *Service) SentLastHour() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)
	return len(s.sent)
}

// QueueLen reports how many notifications await active hours.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// reserve claims one delivery slot in the sliding hour. The slot is
// consumed even if the subsequent delivery fails, so a flaky sink cannot
// burn through the budget faster than the limit. Callers hold s.mu.
func (s *Service) reserve(now time.Time) bool {
	s.prune(now)
	if s.maxPerHour > 0 && len(s.sent) >= s.maxPerHour {
		return false
	}
	s.sent = append(s.sent, now)
	return true
}

func (s *Service) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := s.sent[:0]
	for _, t := range s.sent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.sent = kept
}

// activeAt reports whether t falls inside the active window. A window
// whose start equals its end is always open; a start after the end spans
// midnight.
func (s *Service) activeAt(t time.Time) bool {
	if s.startMin == s.endMin {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if s.startMin < s.endMin {
		return m >= s.startMin && m < s.endMin
	}
	return m >= s.startMin || m < s.endMin
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]|24):([0-5]\d)$`)

// parseClock converts HH:MM to minutes since midnight. 24:00 is valid
// only as the end of the window.
func parseClock(s string, allow24 bool) (int, error) {
	if !clockPattern.MatchString(s) {
		return 0, fmt.Errorf("notify: invalid time %q (expected HH:MM)", s)
	}
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, err
	}
	if hour == 24 {
		if !allow24 || minute != 0 {
			return 0, fmt.Errorf("notify: 24:00 is only valid as a window end")
		}
		return 24 * 60, nil
	}
	return hour*60 + minute, nil
}
