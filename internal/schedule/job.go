// Package schedule runs background jobs against the agent runtime:
// one-shot reminders, cron expressions, and fixed intervals. Each firing
// synthesizes a fresh scheduled session, so jobs never contend with
// interactive conversations. Jobs and their execution history persist in
// SQLite and survive restarts.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind discriminates how a job computes its next run.
type Kind string

const (
	KindOneShot  Kind = "one_shot"
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
)

// cronParser accepts standard 5-field expressions plus descriptors such
// as @hourly and @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Job is one scheduled unit of agent work. Schedule holds the cron
// expression, the interval in minutes, or the one-shot delay text,
// depending on Kind.
type Job struct {
	Name        string
	Kind        Kind
	Schedule    string
	AgentPrompt string
	Notify      bool
	Paused      bool
	CreatedAt   time.Time
	NextRun     time.Time
}

// NextAfter computes the run that follows now. One-shot jobs have none;
// ok is false once a schedule is exhausted.
func (j *Job) NextAfter(now time.Time) (time.Time, bool, error) {
	switch j.Kind {
	case KindOneShot:
		return time.Time{}, false, nil
	case KindInterval:
		minutes, err := strconv.Atoi(j.Schedule)
		if err != nil || minutes <= 0 {
			return time.Time{}, false, fmt.Errorf("schedule: invalid interval %q", j.Schedule)
		}
		return now.Add(time.Duration(minutes) * time.Minute), true, nil
	case KindCron:
		spec, err := cronParser.Parse(j.Schedule)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("schedule: invalid cron expression %q: %w", j.Schedule, err)
		}
		next := spec.Next(now)
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("schedule: unknown job kind %q", j.Kind)
	}
}

var delayPattern = regexp.MustCompile(`^(\d+[smhd])+$`)

var delayUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseDelay parses concatenated duration segments such as "30s", "5m",
// "1h30m" or "2d12h". Units are seconds, minutes, hours, and days;
// matching is case-insensitive.
func ParseDelay(text string) (time.Duration, error) {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if !delayPattern.MatchString(trimmed) {
		return 0, fmt.Errorf("schedule: invalid delay %q (want forms like 30s, 5m, 1h30m, 2d)", text)
	}
	var total time.Duration
	start := 0
	for i := 0; i < len(trimmed); i++ {
		unit, ok := delayUnits[trimmed[i]]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(trimmed[start:i])
		if err != nil {
			return 0, fmt.Errorf("schedule: invalid delay %q: %w", text, err)
		}
		total += time.Duration(n) * unit
		start = i + 1
	}
	return total, nil
}
