// Package usage keeps the money and token books: a daily JSONL ledger of
// every completion, a SQLite table of cloud calls, and the tracker that
// answers the router's "may I escalate?" in constant time.
package usage

import "time"

// Record is one completion. Records are append-only; day and month
// attribution always follows the record's own timestamp, never the
// reader's wall clock.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Tier             string    `json:"tier"`
	Model            string    `json:"model"`
	Skill            string    `json:"skill,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	CostUSD          float64   `json:"cost_usd"`
	FinishReason     string    `json:"finish_reason"`
	EscalatedFrom    string    `json:"escalated_from,omitempty"`
}

// TotalTokens returns prompt plus completion tokens.
func (r Record) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}
