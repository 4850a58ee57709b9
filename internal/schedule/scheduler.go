package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/audit"
	"github.com/haasonsaas/valet/internal/notify"
	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/pkg/models"
)

// HeartbeatOK is the sentinel an agent answers when a scheduled check
// has nothing to report. Runs completing with it never notify.
const HeartbeatOK = "HEARTBEAT_OK"

// summaryLimit caps result_summary length in the execution log.
const summaryLimit = 500

// Runner submits a synthesized user message to the agent loop.
// Satisfied by *agent.Runtime.
type Runner interface {
	Submit(ctx context.Context, sessionID, text string) (agent.Outcome, error)
}

// Notifier receives job output worth surfacing to the user. Satisfied by
// *notify.Service.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Scheduler fires persisted jobs against the agent runtime. Each firing
// creates a fresh scheduled session on the scheduler's own goroutines,
// so jobs never contend with interactive conversations.
type Scheduler struct {
	store    *JobStore
	sessions sessions.Store
	runner   Runner
	notifier Notifier
	audit    *audit.Logger
	observer func(job string, status ExecStatus, elapsed time.Duration)
	logger   *slog.Logger
	now      func() time.Time
	tick     time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// WithNotifier routes completed job output to a notification service.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithAudit records job firings in the audit log.
func WithAudit(logger *audit.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.audit = logger
		}
	}
}

// WithRunObserver reports every firing's status and duration. Wiring uses
// it for metrics.
func WithRunObserver(fn func(job string, status ExecStatus, elapsed time.Duration)) Option {
	return func(s *Scheduler) {
		s.observer = fn
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tick = interval
		}
	}
}

// NewScheduler builds a scheduler over a job store, a session store, and
// the agent runtime.
func NewScheduler(store *JobStore, sessionStore sessions.Store, runner Runner, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("schedule: job store is required")
	}
	if sessionStore == nil {
		return nil, errors.New("schedule: session store is required")
	}
	if runner == nil {
		return nil, errors.New("schedule: runner is required")
	}
	s := &Scheduler{
		store:    store,
		sessions: sessionStore,
		runner:   runner,
		logger:   slog.Default().With("component", "scheduler"),
		now:      time.Now,
		tick:     time.Second,
		jobs:     make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Restore loads persisted jobs and re-registers any not already known.
// Overdue jobs fire on the next tick.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for _, job := range jobs {
		if _, ok := s.jobs[job.Name]; ok {
			continue
		}
		s.jobs[job.Name] = job
		restored++
	}
	return restored, nil
}

// Start restores persisted jobs and runs the tick loop until the context
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if _, err := s.Restore(ctx); err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}

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
				s.runDue(ctx, true)
			}
		}
	}()
	return nil
}

// Stop waits for the tick loop and in-flight jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
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

// RunOnce fires due jobs synchronously and reports how many fired.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx, false)
}

func (s *Scheduler) runDue(ctx context.Context, async bool) int {
	due := s.claimDue(ctx)
	for _, job := range due {
		if async {
			s.wg.Add(1)
			go func(j Job) {
				defer s.wg.Done()
				s.fire(ctx, j)
			}(job)
		} else {
			s.fire(ctx, job)
		}
	}
	return len(due)
}

// claimDue snapshots due jobs and advances their scheduling state before
// anything fires, so a slow run cannot double-fire on the next tick.
// Fired one-shot jobs are removed here; their execution history stays.
func (s *Scheduler) claimDue(ctx context.Context) []Job {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Job
	for _, job := range s.jobs {
		if job.Paused || job.NextRun.IsZero() || now.Before(job.NextRun) {
			continue
		}
		due = append(due, *job)

		if job.Kind == KindOneShot {
			delete(s.jobs, job.Name)
			if err := s.store.DeleteJob(ctx, job.Name); err != nil {
				s.logger.Warn("failed to remove fired one-shot job", "job", job.Name, "error", err)
			}
			continue
		}
		next, ok, err := job.NextAfter(now)
		switch {
		case err != nil:
			s.logger.Warn("job schedule no longer valid", "job", job.Name, "error", err)
			job.NextRun = time.Time{}
		case !ok:
			job.NextRun = time.Time{}
		default:
			job.NextRun = next
		}
		if err := s.store.UpdateNextRun(ctx, job.Name, job.NextRun); err != nil {
			s.logger.Warn("failed to persist next run", "job", job.Name, "error", err)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	return due
}

// fire runs one job: fresh scheduled session, one Submit, one execution
// record, and a notification when the job asks for one and the result is
// not the heartbeat sentinel.
func (s *Scheduler) fire(ctx context.Context, job Job) {
	start := s.now()
	session := &models.Session{Source: models.SourceScheduled}
	if err := s.sessions.Create(ctx, session); err != nil {
		s.logger.Error("failed to create scheduled session", "job", job.Name, "error", err)
		s.record(ctx, &Execution{
			JobName:       job.Name,
			ExecutedAt:    start,
			Status:        ExecError,
			ResultSummary: "create session: " + err.Error(),
		})
		if s.observer != nil {
			s.observer(job.Name, ExecError, 0)
		}
		return
	}
	s.logger.Info("job firing", "job", job.Name, "session_id", session.ID)

	outcome, err := s.runner.Submit(ctx, session.ID, job.AgentPrompt)
	duration := s.now().Sub(start)

	status := ExecCompleted
	summary := outcome.Content
	switch {
	case outcome.Status == agent.OutcomePendingConfirmation:
		// Nobody is around to confirm a scheduled run.
		status = ExecError
		name := ""
		if outcome.PendingCall != nil {
			name = outcome.PendingCall.Name
		}
		summary = fmt.Sprintf("halted awaiting confirmation for tool %s", name)
	case err != nil:
		status = ExecError
		summary = err.Error()
	case outcome.Status != agent.OutcomeCompleted:
		status = ExecError
		if outcome.Err != nil {
			summary = outcome.Err.Error()
		}
	}

	s.record(ctx, &Execution{
		JobName:       job.Name,
		ExecutedAt:    start,
		Status:        status,
		DurationMS:    duration.Milliseconds(),
		ResultSummary: truncateSummary(summary),
	})
	if s.audit != nil {
		s.audit.ScheduledRun(session.ID, job.Name, string(status), duration)
	}
	if s.observer != nil {
		s.observer(job.Name, status, duration)
	}
	if err := s.sessions.End(ctx, session.ID); err != nil {
		s.logger.Warn("failed to end scheduled session", "session_id", session.ID, "error", err)
	}

	if job.Notify && status == ExecCompleted && s.notifier != nil && strings.TrimSpace(outcome.Content) != HeartbeatOK {
		n := notify.Notification{Title: job.Name, Body: outcome.Content, CreatedAt: start}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("notification not delivered", "job", job.Name, "error", err)
		}
	}
	s.logger.Info("job finished", "job", job.Name, "status", string(status), "duration_ms", duration.Milliseconds())
}

func (s *Scheduler) record(ctx context.Context, exec *Execution) {
	if err := s.store.RecordExecution(ctx, exec); err != nil {
		s.logger.Warn("failed to record execution", "job", exec.JobName, "error", err)
	}
}

// AddCron registers a job firing per a standard cron expression.
// Descriptors such as @hourly are accepted.
func (s *Scheduler) AddCron(ctx context.Context, name, expr, prompt string, notifyUser bool) (*Job, error) {
	expr = strings.TrimSpace(expr)
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
	}
	now := s.now()
	return s.addJob(ctx, &Job{
		Name:        strings.TrimSpace(name),
		Kind:        KindCron,
		Schedule:    expr,
		AgentPrompt: strings.TrimSpace(prompt),
		Notify:      notifyUser,
		CreatedAt:   now,
		NextRun:     spec.Next(now),
	})
}

// AddInterval registers a job firing every given number of minutes.
func (s *Scheduler) AddInterval(ctx context.Context, name string, minutes int, prompt string, notifyUser bool) (*Job, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("schedule: interval must be positive, got %d", minutes)
	}
	now := s.now()
	return s.addJob(ctx, &Job{
		Name:        strings.TrimSpace(name),
		Kind:        KindInterval,
		Schedule:    strconv.Itoa(minutes),
		AgentPrompt: strings.TrimSpace(prompt),
		Notify:      notifyUser,
		CreatedAt:   now,
		NextRun:     now.Add(time.Duration(minutes) * time.Minute),
	})
}

// AddOneShot registers a job firing once after a delay such as "30m" or
// "1h30m". The job is removed when it fires.
func (s *Scheduler) AddOneShot(ctx context.Context, name, delay, prompt string, notifyUser bool) (*Job, error) {
	d, err := ParseDelay(delay)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return s.addJob(ctx, &Job{
		Name:        strings.TrimSpace(name),
		Kind:        KindOneShot,
		Schedule:    strings.ToLower(strings.TrimSpace(delay)),
		AgentPrompt: strings.TrimSpace(prompt),
		Notify:      notifyUser,
		CreatedAt:   now,
		NextRun:     now.Add(d),
	})
}

func (s *Scheduler) addJob(ctx context.Context, job *Job) (*Job, error) {
	if job.Name == "" {
		return nil, errors.New("schedule: job name is required")
	}
	if job.AgentPrompt == "" {
		return nil, errors.New("schedule: agent prompt is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return nil, ErrJobExists
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}
	s.jobs[job.Name] = job
	snapshot := *job
	return &snapshot, nil
}

// Remove unregisters a job. Its execution history is kept.
func (s *Scheduler) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return ErrJobNotFound
	}
	if err := s.store.DeleteJob(ctx, name); err != nil && !errors.Is(err, ErrJobNotFound) {
		return err
	}
	delete(s.jobs, name)
	return nil
}

// Pause holds a job without forgetting it.
func (s *Scheduler) Pause(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return ErrJobNotFound
	}
	if job.Paused {
		return nil
	}
	if err := s.store.SetPaused(ctx, name, true); err != nil {
		return err
	}
	job.Paused = true
	return nil
}

// Resume reactivates a paused job. Cron and interval jobs get a fresh
// next run, so a long pause does not end in a burst of catch-up fires.
// One-shot jobs keep their original time and fire on the next tick when
// it has already passed.
func (s *Scheduler) Resume(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return ErrJobNotFound
	}
	if !job.Paused {
		return nil
	}
	if job.Kind != KindOneShot {
		next, ok, err := job.NextAfter(s.now())
		if err != nil {
			return err
		}
		if ok {
			if err := s.store.UpdateNextRun(ctx, name, next); err != nil {
				return err
			}
			job.NextRun = next
		}
	}
	if err := s.store.SetPaused(ctx, name, false); err != nil {
		return err
	}
	job.Paused = false
	return nil
}

// List returns registered jobs sorted by name.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot := *job
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// JobStatus pairs a job with its most recent execution, if any.
type JobStatus struct {
	Job           *Job
	LastExecution *Execution
}

// Status reports one job and its most recent execution.
func (s *Scheduler) Status(ctx context.Context, name string) (*JobStatus, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	var snapshot Job
	if ok {
		snapshot = *job
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	last, err := s.store.LastExecution(ctx, name)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: &snapshot, LastExecution: last}, nil
}

// RecentExecutions returns up to limit executions for a job, newest
// first. Removed jobs keep their history.
func (s *Scheduler) RecentExecutions(ctx context.Context, name string, limit int) ([]*Execution, error) {
	return s.store.RecentExecutions(ctx, name, limit)
}

func truncateSummary(text string) string {
	runes := []rune(text)
	if len(runes) <= summaryLimit {
		return text
	}
	return string(runes[:summaryLimit]) + "..."
}
