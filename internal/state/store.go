package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/flitsinc/go-objects/internal/idgen"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrIdentityMismatch = errors.New("database belongs to a different actor")
)

// Identity is written once, when the actor's database is first created.
type Identity struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	ParentRef string `json:"parentRef"`
	Version   int    `json:"version"`
}

// Store is the durable state of a single actor. It is not safe for
// concurrent use: the owning actor goroutine is its only caller. Sharing a
// Store between goroutines needs an external lock around every method.
type Store struct {
	db *sql.DB

	identity    Identity
	collections map[string]struct{}

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		collections: map[string]struct{}{},
		nowFn:       func() time.Time { return time.Now().UTC() },
		newIDFn:     idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time { return s.nowFn().UTC() }

// Init ensures the fixed tables exist and loads the identity. On first use
// want is persisted; afterwards the stored identity wins, so ParentRef can
// never change. Init is safe to call on every activation.
func (s *Store) Init(ctx context.Context, want Identity) (Identity, error) {
	if err := Migrate(ctx, s.db); err != nil {
		return Identity{}, err
	}
	stored, err := s.loadIdentity(ctx)
	if err != nil {
		return Identity{}, err
	}
	if stored.ID == "" {
		stored = Identity{ID: want.ID, Kind: want.Kind, ParentRef: want.ParentRef, Version: SchemaVersion}
		if err := s.writeIdentity(ctx, stored); err != nil {
			return Identity{}, err
		}
	} else {
		if want.ID != "" && want.ID != stored.ID {
			return Identity{}, fmt.Errorf("%w: stored %s/%s, requested %s/%s", ErrIdentityMismatch, stored.Kind, stored.ID, want.Kind, want.ID)
		}
		if stored.Version < SchemaVersion {
			if stored, err = s.upgrade(ctx, stored); err != nil {
				return Identity{}, err
			}
		}
	}
	s.identity = stored

	names, err := s.Collections(ctx)
	if err != nil {
		return Identity{}, err
	}
	for _, name := range names {
		s.collections[name] = struct{}{}
	}
	return stored, nil
}

// Identity returns the identity loaded by Init.
func (s *Store) Identity() Identity { return s.identity }

func (s *Store) loadIdentity(ctx context.Context) (Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM identity`)
	if err != nil {
		return Identity{}, fmt.Errorf("load identity: %w", err)
	}
	defer rows.Close()

	var out Identity
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Identity{}, fmt.Errorf("scan identity: %w", err)
		}
		switch key {
		case "id":
			out.ID = value
		case "kind":
			out.Kind = value
		case "parent_ref":
			out.ParentRef = value
		case "version":
			out.Version, _ = strconv.Atoi(value)
		}
	}
	if err := rows.Err(); err != nil {
		return Identity{}, fmt.Errorf("iterate identity: %w", err)
	}
	return out, nil
}

func (s *Store) writeIdentity(ctx context.Context, id Identity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		values := [][2]string{
			{"id", id.ID},
			{"kind", id.Kind},
			{"parent_ref", id.ParentRef},
			{"version", strconv.Itoa(id.Version)},
		}
		for _, kv := range values {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO identity (key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
				return fmt.Errorf("write identity %s: %w", kv[0], err)
			}
		}
		return nil
	})
}

func (s *Store) upgrade(ctx context.Context, id Identity) (Identity, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for v := id.Version; v < SchemaVersion; v++ {
			for _, stmt := range upgrades[v] {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("upgrade to v%d: %w", v+1, err)
				}
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO identity (key, value) VALUES ('version', ?)`, strconv.Itoa(SchemaVersion))
		return err
	})
	if err != nil {
		return Identity{}, err
	}
	id.Version = SchemaVersion
	return id, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
