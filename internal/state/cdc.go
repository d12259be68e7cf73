package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Event is one entry of the append-only change log. Seq orders delivery.
// Source is empty for local mutations and names the originating actor for
// events ingested from children.
type Event struct {
	Seq           int64           `json:"seq"`
	Operation     Operation       `json:"operation"`
	Collection    string          `json:"collectionName"`
	RecordID      string          `json:"recordId"`
	Timestamp     time.Time       `json:"timestamp"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	ChangedFields []string        `json:"changedFields,omitempty"`
	Flushed       bool            `json:"flushed"`
	Source        string          `json:"source,omitempty"`
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendEvent(ctx context.Context, tx execer, evt Event) (int64, error) {
	var changed string
	if evt.ChangedFields != nil {
		data, err := json.Marshal(evt.ChangedFields)
		if err != nil {
			return 0, fmt.Errorf("encode changed fields: %w", err)
		}
		changed = string(data)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO cdc_events (operation, collection, record_id, timestamp, before, after, changed_fields, flushed, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, string(evt.Operation), evt.Collection, evt.RecordID, formatTime(evt.Timestamp), nullRaw(evt.Before), nullRaw(evt.After), nullString(changed), nullString(evt.Source))
	if err != nil {
		return 0, fmt.Errorf("append cdc event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("cdc event seq: %w", err)
	}
	return seq, nil
}

const eventColumns = `seq, operation, collection, record_id, timestamp, before, after, changed_fields, flushed, source`

// Unflushed returns up to limit unflushed events in seq order. A limit of
// zero or less returns all of them.
func (s *Store) Unflushed(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM cdc_events WHERE flushed = 0 ORDER BY seq ASC LIMIT ?`, limit)
}

// Events returns the most recent limit events in ascending seq order.
func (s *Store) Events(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEvents(ctx, `SELECT * FROM (SELECT `+eventColumns+` FROM cdc_events ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, limit)
}

// MarkFlushed flags every unflushed event with seq <= through. Marking a
// prefix keeps the unflushed set contiguous, so redelivery preserves order.
func (s *Store) MarkFlushed(ctx context.Context, through int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE cdc_events SET flushed = 1 WHERE flushed = 0 AND seq <= ?`, through)
	if err != nil {
		return 0, fmt.Errorf("mark flushed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark flushed: %w", err)
	}
	return int(n), nil
}

// IngestResult reports what Ingest did with a child's batch. Appended holds
// the events re-logged locally, with their new seq. Cycled counts events
// that originated here and came back through a parent cycle.
type IngestResult struct {
	Accepted   int     `json:"accepted"`
	Duplicates int     `json:"duplicates"`
	Cycled     int     `json:"cycled,omitempty"`
	Appended   []Event `json:"-"`
}

// Ingest records a batch delivered by child sourceID. Each (sourceID, seq)
// pair is accepted once; accepted events are appended to this actor's own
// log so they keep bubbling upward, unless this actor is their origin.
func (s *Store) Ingest(ctx context.Context, sourceID string, events []Event) (IngestResult, error) {
	var out IngestResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		for _, evt := range events {
			res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO cdc_inbox (source_actor_id, seq, received_at) VALUES (?, ?, ?)`, sourceID, evt.Seq, now)
			if err != nil {
				return fmt.Errorf("record inbox %s#%d: %w", sourceID, evt.Seq, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("record inbox %s#%d: %w", sourceID, evt.Seq, err)
			}
			if n == 0 {
				out.Duplicates++
				continue
			}
			relogged := evt
			relogged.Flushed = false
			if relogged.Source == "" {
				relogged.Source = sourceID
			}
			if s.identity.ID != "" && relogged.Source == s.identity.ID {
				out.Cycled++
				continue
			}
			seq, err := appendEvent(ctx, tx, relogged)
			if err != nil {
				return err
			}
			relogged.Seq = seq
			out.Accepted++
			out.Appended = append(out.Appended, relogged)
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	return out, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cdc events: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var e Event
		var op, ts string
		var before, after, changed, source sql.NullString
		var flushed int
		if err := rows.Scan(&e.Seq, &op, &e.Collection, &e.RecordID, &ts, &before, &after, &changed, &flushed, &source); err != nil {
			return nil, fmt.Errorf("scan cdc event: %w", err)
		}
		e.Operation = Operation(op)
		e.Timestamp = parseTime(ts)
		e.Before = rawOrNil(before.String)
		e.After = rawOrNil(after.String)
		e.ChangedFields = decodeStrings(changed.String)
		e.Flushed = flushed != 0
		e.Source = source.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cdc events: %w", err)
	}
	return out, nil
}
