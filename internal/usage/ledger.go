package usage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const ledgerLayout = "2006-01-02"

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerLocation sets the zone used to pick a record's daily file.
// Defaults to the local zone.
func WithLedgerLocation(loc *time.Location) LedgerOption {
	return func(l *Ledger) { l.loc = loc }
}

// WithLedgerLogger sets the operational logger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

// Ledger appends records to daily JSONL files usage-YYYY-MM-DD.jsonl under
// the data dir. The file is chosen by the record's own timestamp in local
// time, so a record written just after midnight for a call made just
// before lands in the earlier day. Appends take an exclusive flock so
// sibling processes never interleave partial lines.
type Ledger struct {
	dir    string
	loc    *time.Location
	logger *slog.Logger

	mu sync.Mutex
}

// NewLedger creates the data dir if needed and returns a ledger.
func NewLedger(dir string, opts ...LedgerOption) (*Ledger, error) {
	l := &Ledger{
		dir:    dir,
		loc:    time.Local,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create usage dir: %w", err)
	}
	return l, nil
}

// Append writes one record as a single JSON line.
func (l *Ledger) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}
	line = append(line, '\n')

	path := l.pathFor(rec.Timestamp)

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return fmt.Errorf("lock usage ledger: %w", err)
	}
	defer unlockFile(file)

	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

// ReadDay returns the records written for the given day, newest last.
// A missing file reads as empty.
func (l *Ledger) ReadDay(day time.Time) ([]Record, error) {
	data, err := os.ReadFile(l.pathFor(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read usage ledger: %w", err)
	}

	var records []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			// A torn tail line from a crash is skipped, not fatal.
			l.logger.Warn("skipping malformed usage line", "error", err)
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *Ledger) pathFor(ts time.Time) string {
	day := ts.In(l.loc).Format(ledgerLayout)
	return filepath.Join(l.dir, "usage-"+day+".jsonl")
}
