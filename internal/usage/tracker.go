package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/valet/internal/providers"
)

const (
	dayKeyLayout   = "2006-01-02"
	monthKeyLayout = "2006-01"

	// DefaultEstimateTokens is the assumed size of the next cloud call
	// when the router asks whether it can afford one.
	DefaultEstimateTokens = 4096
)

// TrackerConfig carries the budget caps and the rate used to price the
// hypothetical next call.
type TrackerConfig struct {
	DailyBudgetUSD   float64
	MonthlyBudgetUSD float64
	// CloudInputRate is USD per million prompt tokens on the default
	// cloud model.
	CloudInputRate float64
	EstimateTokens int
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock overrides the time source, for tests.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithTrackerLocation sets the zone for day and month boundaries.
func WithTrackerLocation(loc *time.Location) TrackerOption {
	return func(t *Tracker) { t.loc = loc }
}

// WithTrackerLogger sets the operational logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logger }
}

// Summary is the budget snapshot served to the CLI and the status
// endpoint.
type Summary struct {
	DailyBudgetUSD   float64 `json:"daily_budget_usd"`
	SpentTodayUSD    float64 `json:"spent_today_usd"`
	RemainingUSD     float64 `json:"remaining_usd"`
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd"`
	MonthlySpendUSD  float64 `json:"monthly_spend_usd"`
	CanUseCloud      bool    `json:"can_use_cloud"`
}

// Tracker composes the ledger and the budget DB behind the budget queries.
// In-memory day and month accumulators make SpentToday constant-time; they
// are seeded from the DB at boot and attribute every record by its own
// timestamp, so a record from yesterday never inflates today.
type Tracker struct {
	ledger *Ledger
	db     *BudgetDB
	cfg    TrackerConfig
	now    func() time.Time
	loc    *time.Location
	logger *slog.Logger

	mu         sync.Mutex
	day        string
	daySpend   float64
	month      string
	monthSpend float64
}

// NewTracker builds a tracker over the ledger and budget DB, seeding the
// accumulators from rows already on disk. A nil db disables persistence
// and seeding; spend then resets on restart.
func NewTracker(ctx context.Context, ledger *Ledger, db *BudgetDB, cfg TrackerConfig, opts ...TrackerOption) (*Tracker, error) {
	if ledger == nil {
		return nil, fmt.Errorf("usage: ledger is required")
	}
	if cfg.EstimateTokens <= 0 {
		cfg.EstimateTokens = DefaultEstimateTokens
	}

	t := &Tracker{
		ledger: ledger,
		db:     db,
		cfg:    cfg,
		now:    time.Now,
		loc:    time.Local,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	now := t.now().In(t.loc)
	t.day = now.Format(dayKeyLayout)
	t.month = now.Format(monthKeyLayout)

	if db != nil {
		startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, t.loc)
		startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, t.loc)

		daySpend, err := db.SpendSince(ctx, startOfDay)
		if err != nil {
			return nil, fmt.Errorf("seed daily spend: %w", err)
		}
		monthSpend, err := db.SpendSince(ctx, startOfMonth)
		if err != nil {
			return nil, fmt.Errorf("seed monthly spend: %w", err)
		}
		t.daySpend = daySpend
		t.monthSpend = monthSpend
	}
	return t, nil
}

// Record appends one completion to the ledger and, when it cost money, to
// the budget DB and the accumulators. Safe for concurrent use.
func (t *Tracker) Record(ctx context.Context, provider, tier, skill string, resp *providers.NormalizedResponse, latency time.Duration) error {
	rec := Record{
		Timestamp:        t.now(),
		Provider:         provider,
		Tier:             tier,
		Model:            resp.Model,
		Skill:            skill,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		LatencyMS:        latency.Milliseconds(),
		CostUSD:          resp.CostUSD,
		FinishReason:     string(resp.FinishReason),
		EscalatedFrom:    resp.EscalatedFrom,
	}

	var errs []error
	if err := t.ledger.Append(rec); err != nil {
		errs = append(errs, err)
	}
	if rec.CostUSD > 0 {
		t.accumulate(rec)
		if t.db != nil {
			if err := t.db.Insert(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// accumulate folds one paid record into the day and month buckets, keyed
// by the record's own timestamp. Buckets only roll forward; a stale record
// stays in the ledger and DB but never rewinds the counters.
func (t *Tracker) accumulate(rec Record) {
	ts := rec.Timestamp.In(t.loc)
	day := ts.Format(dayKeyLayout)
	month := ts.Format(monthKeyLayout)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case day == t.day:
		t.daySpend += rec.CostUSD
	case day > t.day:
		t.day = day
		t.daySpend = rec.CostUSD
	default:
		t.logger.Debug("stale usage record skipped day counter", "record_day", day, "current_day", t.day)
	}

	switch {
	case month == t.month:
		t.monthSpend += rec.CostUSD
	case month > t.month:
		t.month = month
		t.monthSpend = rec.CostUSD
	default:
	}
}

// SpentToday returns the cloud spend attributed to the current day.
func (t *Tracker) SpentToday() float64 {
	today := t.now().In(t.loc).Format(dayKeyLayout)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.day != today {
		return 0
	}
	return t.daySpend
}

// RemainingToday returns today's unspent budget, never negative.
func (t *Tracker) RemainingToday() float64 {
	remaining := t.cfg.DailyBudgetUSD - t.SpentToday()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MonthlyCloudSpend returns the cloud spend attributed to the current
// month.
func (t *Tracker) MonthlyCloudSpend() float64 {
	month := t.now().In(t.loc).Format(monthKeyLayout)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.month != month {
		return 0
	}
	return t.monthSpend
}

// CanUseCloud reports whether a call of estimatedTokens prompt tokens fits
// in both the daily and monthly caps. Zero estimatedTokens uses the
// configured default.
func (t *Tracker) CanUseCloud(estimatedTokens int) bool {
	if estimatedTokens <= 0 {
		estimatedTokens = t.cfg.EstimateTokens
	}
	estimatedCost := float64(estimatedTokens) * t.cfg.CloudInputRate / 1_000_000

	if t.RemainingToday() < estimatedCost {
		return false
	}
	if t.cfg.MonthlyBudgetUSD > 0 && t.MonthlyCloudSpend()+estimatedCost > t.cfg.MonthlyBudgetUSD {
		return false
	}
	return true
}

// Summary returns the budget snapshot.
func (t *Tracker) Summary() Summary {
	return Summary{
		DailyBudgetUSD:   t.cfg.DailyBudgetUSD,
		SpentTodayUSD:    t.SpentToday(),
		RemainingUSD:     t.RemainingToday(),
		MonthlyBudgetUSD: t.cfg.MonthlyBudgetUSD,
		MonthlySpendUSD:  t.MonthlyCloudSpend(),
		CanUseCloud:      t.CanUseCloud(0),
	}
}
