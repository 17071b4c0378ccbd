// Package store persists the last broadcast state of every deck so a
// restarted engine comes back up at the same source and position.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/decksync/decksync/internal/timeline"
)

// Store is a sqlite-backed snapshot table, one row per deck.
type Store struct {
	db *sql.DB
}

// Options tunes the sqlite connection.
type Options struct {
	BusyTimeout time.Duration
	Synchronous string
}

// Open opens or creates the snapshot database and ensures the schema.
func Open(path string, options Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	synchronous := options.Synchronous
	if synchronous == "" {
		synchronous = "NORMAL"
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA synchronous=%s", synchronous)); err != nil {
		_ = db.Close()
		return nil, err
	}
	busyTimeoutMs := int(options.BusyTimeout / time.Millisecond)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs)); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.EnsureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the snapshot table when missing.
func (s *Store) EnsureSchema() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: missing database connection")
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS deck_snapshots (
			deck       TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	return err
}

// SaveSnapshot upserts one deck's state. Satisfies the coordinator's
// Snapshotter.
func (s *Store) SaveSnapshot(deck timeline.DeckKey, st timeline.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: missing database connection")
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO deck_snapshots (deck, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(deck) DO UPDATE SET
			state=excluded.state,
			updated_at=excluded.updated_at
	`, string(deck), string(payload), time.Now().Unix())
	return err
}

// LoadSnapshots reads every persisted deck state. Rows for unknown deck
// keys or with unparseable payloads are skipped, not fatal: a corrupt
// snapshot must never keep the engine from starting.
func (s *Store) LoadSnapshots() (map[timeline.DeckKey]timeline.State, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store: missing database connection")
	}

	rows, err := s.db.Query(`SELECT deck, state FROM deck_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[timeline.DeckKey]timeline.State)
	for rows.Next() {
		var (
			deckStr string
			payload string
		)
		if err := rows.Scan(&deckStr, &payload); err != nil {
			return nil, err
		}
		deck, err := timeline.ParseDeck(deckStr)
		if err != nil {
			log.Warn().Str("deck", deckStr).Msg("skipping snapshot for unknown deck")
			continue
		}
		var st timeline.State
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			log.Warn().Str("deck", deckStr).Err(err).Msg("skipping unreadable snapshot")
			continue
		}
		out[deck] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
