package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/go-objects/internal/idgen"
)

// Record is one row of a collection. Data is opaque JSON.
type Record struct {
	ID         string          `json:"id"`
	Collection string          `json:"collectionName"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Document is the caller-facing shape: object data with "id" merged in,
// anything else wrapped as {"id", "data"}.
func (r Record) Document() map[string]any {
	out := map[string]any{}
	if obj, ok := asObject(r.Data); ok {
		for k, v := range obj {
			out[k] = v
		}
	} else if len(r.Data) > 0 {
		out["data"] = r.Data
	}
	out["id"] = r.ID
	return out
}

// EnsureCollection creates the table for name if it does not exist yet.
func (s *Store) EnsureCollection(ctx context.Context, name string) error {
	if _, ok := s.collections[name]; ok {
		return nil
	}
	if err := idgen.ValidateCollection(name); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.ensureCollectionTx(ctx, tx, name)
	})
	if err != nil {
		return err
	}
	s.collections[name] = struct{}{}
	return nil
}

func (s *Store) ensureCollectionTx(ctx context.Context, tx *sql.Tx, name string) error {
	for _, stmt := range collectionDDL(name) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)`, name, formatTime(s.now())); err != nil {
		return fmt.Errorf("register collection %s: %w", name, err)
	}
	return nil
}

// Collections lists the names of every collection created so far.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return out, nil
}

// List returns up to limit records, newest first.
func (s *Store) List(ctx context.Context, collection string, limit int) ([]Record, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id, data, created_at, updated_at FROM %s ORDER BY created_at DESC, rowid DESC LIMIT ?`, collectionTable(collection))
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows, collection)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return out, nil
}

// Get returns ErrNotFound when id is absent.
func (s *Store) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return Record{}, err
	}
	return getRecord(ctx, s.db, collection, id)
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return 0, err
	}
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, collectionTable(collection))
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Create inserts data under a generated id and appends the insert event in
// the same transaction.
func (s *Store) Create(ctx context.Context, collection string, data json.RawMessage) (Record, Event, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return Record{}, Event{}, err
	}
	now := s.now()
	rec := Record{ID: s.newIDFn(), Collection: collection, Data: data, CreatedAt: now, UpdatedAt: now}
	evt := Event{
		Operation:  OpInsert,
		Collection: collection,
		RecordID:   rec.ID,
		Timestamp:  now,
		After:      data,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`INSERT INTO %s (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)`, collectionTable(collection))
		if _, err := tx.ExecContext(ctx, query, rec.ID, string(data), formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("insert %s: %w", collection, err)
		}
		seq, err := appendEvent(ctx, tx, evt)
		if err != nil {
			return err
		}
		evt.Seq = seq
		return nil
	})
	if err != nil {
		return Record{}, Event{}, err
	}
	return rec, evt, nil
}

// Update merges patch into the stored data (see mergeData). Unknown ids
// return ErrNotFound and leave no event behind.
func (s *Store) Update(ctx context.Context, collection, id string, patch json.RawMessage) (Record, Event, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return Record{}, Event{}, err
	}
	var rec Record
	var evt Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRecord(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		merged, changed, err := mergeData(current.Data, patch)
		if err != nil {
			return fmt.Errorf("merge %s/%s: %w", collection, id, err)
		}
		now := s.now()
		query := fmt.Sprintf(`UPDATE %s SET data = ?, updated_at = ? WHERE id = ?`, collectionTable(collection))
		if _, err := tx.ExecContext(ctx, query, string(merged), formatTime(now), id); err != nil {
			return fmt.Errorf("update %s: %w", collection, err)
		}
		evt = Event{
			Operation:     OpUpdate,
			Collection:    collection,
			RecordID:      id,
			Timestamp:     now,
			Before:        current.Data,
			After:         merged,
			ChangedFields: changed,
		}
		seq, err := appendEvent(ctx, tx, evt)
		if err != nil {
			return err
		}
		evt.Seq = seq
		rec = Record{ID: id, Collection: collection, Data: merged, CreatedAt: current.CreatedAt, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return Record{}, Event{}, err
	}
	return rec, evt, nil
}

// Delete removes id. It reports false, with no event, when id is absent.
func (s *Store) Delete(ctx context.Context, collection, id string) (bool, Event, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return false, Event{}, err
	}
	var evt Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRecord(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, collectionTable(collection))
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("delete %s: %w", collection, err)
		}
		evt = Event{
			Operation:  OpDelete,
			Collection: collection,
			RecordID:   id,
			Timestamp:  s.now(),
			Before:     current.Data,
		}
		seq, err := appendEvent(ctx, tx, evt)
		if err != nil {
			return err
		}
		evt.Seq = seq
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, Event{}, nil
	}
	if err != nil {
		return false, Event{}, err
	}
	return true, evt, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, collection, id string) (Record, error) {
	query := fmt.Sprintf(`SELECT id, data, created_at, updated_at FROM %s WHERE id = ?`, collectionTable(collection))
	rec, err := scanRecord(q.QueryRowContext(ctx, query, id), collection)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, collection string) (Record, error) {
	var rec Record
	var data, createdAt, updatedAt string
	if err := row.Scan(&rec.ID, &data, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan %s: %w", collection, err)
	}
	rec.Collection = collection
	rec.Data = json.RawMessage(data)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}
