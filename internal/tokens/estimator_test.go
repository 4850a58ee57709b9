package tokens

import (
	"math"
	"strings"
	"testing"
)

func TestEstimate_Empty(t *testing.T) {
	if got := Estimate(""); got != 0 {
		t.Errorf("Estimate(\"\") = %d, want 0", got)
	}
	if got := Estimate("   \n\t "); got != 0 {
		t.Errorf("Estimate(whitespace) = %d, want 0", got)
	}
}

func TestEstimate_Words(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"hello", 1},                 // 1*1.3 = 1.3 -> 1
		{"hello world", 3},           // 2*1.3 = 2.6 -> 3
		{"one two three four", 5},    // 4*1.3 = 5.2 -> 5
		{"Hello, world!", 3},         // 2*1.3 + 2*0.3 = 3.2 -> 3
		{"a b c d e f g h i j", 13},  // 10*1.3 = 13
		{"wait... what?!", 4},        // 2*1.3 + 5*0.3 = 4.1 -> 4
	}
	for _, tt := range tests {
		if got := Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestEstimate_Stable(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog."
	first := Estimate(text)
	for i := 0; i < 10; i++ {
		if got := Estimate(text); got != first {
			t.Fatalf("Estimate not stable: %d then %d", first, got)
		}
	}
}

func TestEstimate_MonotoneOverPrefixes(t *testing.T) {
	text := "Sensors nominal. Temperature 21.5C, humidity 40%. No anomalies were detected during the overnight sweep; next check at 06:00."
	prev := 0
	for i := 0; i <= len(text); i++ {
		got := Estimate(text[:i])
		if got < prev {
			t.Fatalf("Estimate decreased at prefix %d: %d < %d", i, got, prev)
		}
		prev = got
	}
}

func TestTruncateTo_UnderCapIsIdentity(t *testing.T) {
	text := "short and sweet"
	if got := TruncateTo(text, math.MaxInt32); got != text {
		t.Errorf("TruncateTo(inf) = %q, want input unchanged", got)
	}
	if got := TruncateTo(text, Estimate(text)); got != text {
		t.Errorf("TruncateTo(exact) = %q, want input unchanged", got)
	}
}

func TestTruncateTo_RespectsCap(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta epsilon ", 40)
	for _, cap := range []int{1, 5, 13, 50, 200} {
		got := TruncateTo(text, cap)
		if est := Estimate(got); est > cap {
			t.Errorf("Estimate(TruncateTo(text, %d)) = %d, exceeds cap", cap, est)
		}
	}
}

func TestTruncateTo_NeverSplitsWords(t *testing.T) {
	text := "incontrovertible evidence accumulates steadily overnight"
	got := TruncateTo(text, 3)
	if got == "" {
		t.Fatal("expected non-empty prefix")
	}
	for _, w := range strings.Fields(got) {
		if !strings.Contains(text, w) {
			t.Errorf("truncation produced partial word %q", w)
		}
	}
	// The result must be a prefix of the input modulo trailing space.
	if !strings.HasPrefix(text, got) {
		t.Errorf("TruncateTo result %q is not a prefix of input", got)
	}
}

func TestTruncateTo_ZeroBudget(t *testing.T) {
	if got := TruncateTo("anything at all", 0); got != "" {
		t.Errorf("TruncateTo(_, 0) = %q, want empty", got)
	}
}

func TestTruncateTo_Idempotent(t *testing.T) {
	text := strings.Repeat("word ", 200)
	once := TruncateTo(text, 40)
	twice := TruncateTo(once, 40)
	if once != twice {
		t.Errorf("TruncateTo not idempotent: %q vs %q", once, twice)
	}
}
