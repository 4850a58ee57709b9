package schedule

import (
	"testing"
	"time"
)

func TestParseDelay(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"2d12h", 60 * time.Hour, false},
		{"1d2h3m4s", 24*time.Hour + 2*time.Hour + 3*time.Minute + 4*time.Second, false},
		{"1H30M", 90 * time.Minute, false},
		{"  45m  ", 45 * time.Minute, false},
		{"0s", 0, false},
		{"", 0, true},
		{"5", 0, true},
		{"m5", 0, true},
		{"5w", 0, true},
		{"1h 30m", 0, true},
		{"-5m", 0, true},
		{"1.5h", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDelay(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDelay(%q) expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDelay(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDelay(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNextAfterInterval(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	job := &Job{Name: "poll", Kind: KindInterval, Schedule: "15"}

	next, ok, err := job.NextAfter(now)
	if err != nil || !ok {
		t.Fatalf("NextAfter: ok=%v err=%v", ok, err)
	}
	if want := now.Add(15 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	job.Schedule = "banana"
	if _, _, err := job.NextAfter(now); err == nil {
		t.Error("expected error for non-numeric interval")
	}
	job.Schedule = "0"
	if _, _, err := job.NextAfter(now); err == nil {
		t.Error("expected error for zero interval")
	}
}

func TestNextAfterCron(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)
	job := &Job{Name: "daily", Kind: KindCron, Schedule: "0 9 * * *"}

	next, ok, err := job.NextAfter(now)
	if err != nil || !ok {
		t.Fatalf("NextAfter: ok=%v err=%v", ok, err)
	}
	if want := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	job.Schedule = "@hourly"
	next, ok, err = job.NextAfter(now)
	if err != nil || !ok {
		t.Fatalf("NextAfter @hourly: ok=%v err=%v", ok, err)
	}
	if want := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("@hourly next = %v, want %v", next, want)
	}

	job.Schedule = "not a cron"
	if _, _, err := job.NextAfter(now); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestNextAfterOneShot(t *testing.T) {
	job := &Job{Name: "once", Kind: KindOneShot, Schedule: "30m"}
	_, ok, err := job.NextAfter(time.Now())
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	if ok {
		t.Error("one-shot jobs have no next run")
	}
}
