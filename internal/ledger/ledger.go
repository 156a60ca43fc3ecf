// Package ledger keeps an append-only history of reconciliation runs for
// auditing. It is never consulted to decide what a run does.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dokzlo13/edgesync/internal/reconcile"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventRunSucceeded EventType = "run_succeeded"
	EventRunPartial   EventType = "run_partial_failure"
	EventRunFailed    EventType = "run_failed"
	EventRunPlanned   EventType = "run_planned"
)

// ErrNotFound is returned when no entry matches.
var ErrNotFound = errors.New("ledger entry not found")

// Entry represents a single run in the ledger
type Entry struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	URL       string         `json:"url,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Ledger provides append-only run logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func eventType(res *reconcile.Result) EventType {
	if res.DryRun && res.Fatal == nil {
		return EventRunPlanned
	}
	switch res.Status() {
	case reconcile.StatusSuccess:
		return EventRunSucceeded
	case reconcile.StatusPartialFailure:
		return EventRunPartial
	default:
		return EventRunFailed
	}
}

func summarize(res *reconcile.Result) map[string]any {
	payload := map[string]any{
		"status":      string(res.Status()),
		"dry_run":     res.DryRun,
		"desired":     res.Desired,
		"resources":   res.Resources,
		"revoked":     res.Revoked(),
		"authorized":  res.Authorized(),
		"calls":       res.Calls(),
		"duration_ms": res.Duration().Milliseconds(),
	}
	if res.SyncToken != "" {
		payload["sync_token"] = res.SyncToken
	}
	if res.DryRun {
		payload["planned_revocations"] = len(res.PlannedRevocations)
		payload["planned_additions"] = res.PlannedAdditions.CIDRCount()
	}
	if res.Fatal != nil {
		payload["error"] = res.Fatal.Error()
	}
	if errs := res.MutationErrors(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		payload["mutation_errors"] = msgs
	}
	if res.Drift != nil {
		payload["converged"] = res.Drift.Converged()
	}
	return payload
}

// Record appends a finished run. Recording the same run twice keeps the first.
func (l *Ledger) Record(ctx context.Context, res *reconcile.Result) error {
	payloadJSON, err := json.Marshal(summarize(res))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ts := res.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO run_ledger (run_id, event_type, timestamp, url, checksum, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, res.RunID, string(eventType(res)), ts.UTC().Unix(), res.URL, res.Checksum, string(payloadJSON))
	return err
}

// Recent returns the latest entries, newest first
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, run_id, event_type, timestamp, url, checksum, payload
		FROM run_ledger
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByRunID returns the entry for one run
func (l *Ledger) GetByRunID(ctx context.Context, runID string) (*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, run_id, event_type, timestamp, url, checksum, payload
		FROM run_ledger
		WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := l.scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries[0], nil
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := l.db.ExecContext(ctx, `
		DELETE FROM run_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var url, checksum, payloadStr sql.NullString
		var timestamp int64

		err := rows.Scan(&entry.ID, &entry.RunID, &entry.EventType, &timestamp, &url, &checksum, &payloadStr)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		entry.URL = url.String
		entry.Checksum = checksum.String

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
