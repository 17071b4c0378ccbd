package store

import (
	"database/sql"
	"testing"

	"github.com/decksync/decksync/internal/timeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	s := &Store{db: db}
	if err := s.EnsureSchema(); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	want := timeline.State{
		Src:          "media/clip.mp4",
		BasePosition: 42.5,
		PlayRate:     2.0,
		Duration:     120,
		UpdatedAt:    1_000_000,
		Version:      7,
		CommandID:    "cmd-1",
	}
	if err := s.SaveSnapshot(timeline.DeckB, want); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := s.LoadSnapshots()
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	st, ok := got[timeline.DeckB]
	if !ok {
		t.Fatal("deck b snapshot missing")
	}
	if st != want {
		t.Errorf("loaded = %+v, want %+v", st, want)
	}
}

func TestSaveOverwritesPreviousSnapshot(t *testing.T) {
	s := newTestStore(t)

	first := timeline.State{Src: "media/old.mp4", PlayRate: 1.0, Version: 1}
	second := timeline.State{Src: "media/new.mp4", PlayRate: 1.0, Version: 2}
	if err := s.SaveSnapshot(timeline.DeckA, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := s.SaveSnapshot(timeline.DeckA, second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := s.LoadSnapshots()
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(got))
	}
	if got[timeline.DeckA].Src != "media/new.mp4" {
		t.Errorf("src = %q, want media/new.mp4", got[timeline.DeckA].Src)
	}
}

func TestLoadSkipsCorruptRows(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveSnapshot(timeline.DeckC, timeline.State{Src: "media/ok.mp4", PlayRate: 1.0}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO deck_snapshots (deck, state, updated_at) VALUES (?, ?, 0)`,
		"a", "{broken json",
	); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO deck_snapshots (deck, state, updated_at) VALUES (?, ?, 0)`,
		"z", "{}",
	); err != nil {
		t.Fatalf("insert unknown deck: %v", err)
	}

	got, err := s.LoadSnapshots()
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("snapshots = %d, want only the healthy row", len(got))
	}
	if _, ok := got[timeline.DeckC]; !ok {
		t.Error("healthy snapshot lost")
	}
}

func TestLoadEmptyDatabase(t *testing.T) {
	s := newTestStore(t)

	got, err := s.LoadSnapshots()
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("snapshots = %d, want 0", len(got))
	}
}
