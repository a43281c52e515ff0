// Package history is an audit log of synthesis decisions, capped per PR. It
// is written after every poll and read only by the history endpoints;
// synthesis itself never consults it, so replaying a PR from scratch always
// produces the same states.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanmeadows/vigil/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	pr_number        INTEGER NOT NULL,
	head_sha         TEXT NOT NULL,
	state            TEXT NOT NULL,
	summary          TEXT NOT NULL,
	next_action      TEXT NOT NULL,
	continue_polling INTEGER NOT NULL,
	attempt          INTEGER NOT NULL,
	observed_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_pr ON decisions(pr_number, id);
`

// Entry is one recorded decision.
type Entry struct {
	ID              int64     `json:"id"`
	PRNumber        int       `json:"prNumber"`
	HeadSHA         string    `json:"headSha"`
	State           string    `json:"state"`
	Summary         string    `json:"summary"`
	NextAction      string    `json:"nextAction"`
	ContinuePolling bool      `json:"continuePolling"`
	Attempt         int       `json:"attempt"`
	ObservedAt      time.Time `json:"observedAt"`
}

// defaultKeep caps how many decisions are retained per PR. A one-week watch
// at the default interval produces well under this many rows.
const defaultKeep = 1000

// Store persists decisions in a local SQLite database.
type Store struct {
	db   *sql.DB
	keep int
}

// Open creates (if needed) and opens the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY under the poll loop's write pattern.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return &Store{db: db, keep: defaultKeep}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one report's decision to the log.
func (s *Store) Record(ctx context.Context, r pipeline.Report) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (pr_number, head_sha, state, summary, next_action, continue_polling, attempt, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PR.Number,
		r.PR.HeadSHA,
		string(r.Decision.State),
		r.Decision.Summary,
		string(r.Decision.NextAction),
		r.Decision.ContinuePolling,
		r.Attempt,
		r.ObservedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording decision: %w", err)
	}
	// Drop rows beyond the per-PR cap so long-lived watches don't grow the
	// database without bound.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM decisions WHERE pr_number = ? AND id NOT IN (
			SELECT id FROM decisions WHERE pr_number = ? ORDER BY id DESC LIMIT ?
		)`,
		r.PR.Number, r.PR.Number, s.keep,
	)
	if err != nil {
		return fmt.Errorf("pruning decisions: %w", err)
	}
	return nil
}

// Recent returns up to limit decisions for a PR, newest first.
func (s *Store) Recent(ctx context.Context, prNumber, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pr_number, head_sha, state, summary, next_action, continue_polling, attempt, observed_at
		 FROM decisions WHERE pr_number = ? ORDER BY id DESC LIMIT ?`,
		prNumber, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var observed string
		if err := rows.Scan(&e.ID, &e.PRNumber, &e.HeadSHA, &e.State, &e.Summary, &e.NextAction, &e.ContinuePolling, &e.Attempt, &observed); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, observed); err == nil {
			e.ObservedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Transitions returns the distinct state changes for a PR in chronological
// order, collapsing consecutive identical states.
func (s *Store) Transitions(ctx context.Context, prNumber int) ([]Entry, error) {
	entries, err := s.Recent(ctx, prNumber, 10000)
	if err != nil {
		return nil, err
	}

	// Recent is newest-first; walk backwards to build the timeline.
	var out []Entry
	for i := len(entries) - 1; i >= 0; i-- {
		if len(out) == 0 || out[len(out)-1].State != entries[i].State {
			out = append(out, entries[i])
		}
	}
	return out, nil
}
