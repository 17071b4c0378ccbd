package timeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ApplyResult classifies the outcome of reconciling a remote state.
type ApplyResult int

const (
	// Applied means the incoming state was adopted.
	Applied ApplyResult = iota
	// Stale means the incoming version was older than the held one; the
	// update was dropped without touching stored state.
	Stale
	// Unchanged means version and payload matched the held state; no
	// re-render is needed.
	Unchanged
	// Held means the update looked current but claimed to satisfy an
	// older command than the latest locally-issued one. It is parked
	// until the matching echo arrives or the hold times out.
	Held
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Unchanged:
		return "unchanged"
	case Held:
		return "held"
	}
	return "unknown"
}

// HoldTimeout bounds how long a fenced update may be parked before it is
// force-applied as a re-sync.
const HoldTimeout = 2 * time.Second

type deckEntry struct {
	state State

	// pendingCmd is the id of the latest locally-issued command whose
	// authoritative echo has not yet been observed.
	pendingCmd string

	// held is a fenced remote update waiting for the pending echo.
	held   *State
	heldAt time.Time
}

// Store holds the latest authoritative snapshot per deck plus the
// optimistic-update bookkeeping for locally-issued commands.
//
// Mutation funnels through ApplyRemote, IssueCommand and Commit; there
// are no ad hoc field writes.
type Store struct {
	clock clockwork.Clock

	mu    sync.RWMutex
	decks map[DeckKey]*deckEntry
}

// NewStore creates a store with one empty entry per deck.
func NewStore(clock clockwork.Clock) *Store {
	decks := make(map[DeckKey]*deckEntry, len(DeckKeys))
	for _, k := range DeckKeys {
		decks[k] = &deckEntry{state: State{PlayRate: 1.0}}
	}
	return &Store{clock: clock, decks: decks}
}

// now returns the wall clock in fractional seconds.
func (st *Store) now() float64 {
	return float64(st.clock.Now().UnixNano()) / float64(time.Second)
}

// Snapshot returns the current state for a deck.
func (st *Store) Snapshot(deck DeckKey) State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.decks[deck].state
}

// SnapshotAll returns the current state of every deck, for full-state
// resync on (re)connect.
func (st *Store) SnapshotAll() map[DeckKey]State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[DeckKey]State, len(st.decks))
	for k, e := range st.decks {
		out[k] = e.state
	}
	return out
}

// PositionNow derives the current playback position for a deck.
func (st *Store) PositionNow(deck DeckKey) float64 {
	return PositionAt(st.Snapshot(deck), st.now())
}

// Restore seeds a deck from a persisted snapshot. Used once at boot,
// before any traffic; play state is dropped so a restarted engine comes
// up paused at the persisted position.
func (st *Store) Restore(deck DeckKey, s State) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s.IsPlaying = false
	s.IsLoading = false
	s.UpdatedAt = st.now()
	st.decks[deck].state = s
}

// ApplyRemote reconciles an incoming authoritative state against the
// held one. Ordering over the unordered transport is restored purely by
// the version comparison.
func (st *Store) ApplyRemote(deck DeckKey, incoming State) ApplyResult {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.applyRemoteLocked(st.decks[deck], deck, incoming)
}

func (st *Store) applyRemoteLocked(e *deckEntry, deck DeckKey, incoming State) ApplyResult {
	cur := e.state
	if incoming.Version < cur.Version {
		return Stale
	}
	if incoming.Version == cur.Version && incoming.comparablePayload(cur) {
		return Unchanged
	}

	// Fencing: a current-looking update that satisfies an older command
	// than the one we most recently issued must not clobber the newer
	// local action. Park it until the matching echo lands.
	if e.pendingCmd != "" && incoming.CommandID != e.pendingCmd {
		if e.held == nil || incoming.Version >= e.held.Version {
			held := incoming
			e.held = &held
			e.heldAt = st.clock.Now()
		}
		return Held
	}

	st.adoptLocked(e, deck, incoming)
	return Applied
}

// adoptLocked installs an incoming state, preserving a known duration
// across partial updates for the same source.
func (st *Store) adoptLocked(e *deckEntry, deck DeckKey, incoming State) {
	cur := e.state
	if incoming.Duration == 0 && incoming.Src != "" && incoming.Src == cur.Src {
		incoming.Duration = cur.Duration
	}
	e.state = incoming
	if e.pendingCmd != "" && incoming.CommandID == e.pendingCmd {
		e.pendingCmd = ""
	}
	e.held = nil
	e.heldAt = time.Time{}
	log.Debug().
		Str("deck", string(deck)).
		Uint64("version", incoming.Version).
		Str("command_id", incoming.CommandID).
		Msg("remote state adopted")
}

// ReleaseHeld force-applies a fenced update whose hold has outlived
// HoldTimeout, abandoning the pending command. Returns true when a held
// state was applied. Coordinators call this from their tick.
func (st *Store) ReleaseHeld(deck DeckKey) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	e := st.decks[deck]
	if e.held == nil || st.clock.Since(e.heldAt) < HoldTimeout {
		return false
	}
	log.Warn().
		Str("deck", string(deck)).
		Str("pending_command", e.pendingCmd).
		Uint64("held_version", e.held.Version).
		Msg("pending echo timed out; applying held state")
	e.pendingCmd = ""
	st.adoptLocked(e, deck, *e.held)
	return true
}

// IssueCommand allocates a fresh command id for an intent and applies an
// optimistic local projection for responsiveness. The authoritative
// version only advances when the echo returns; issuing a newer command
// supersedes any previous pending projection for the deck.
func (st *Store) IssueCommand(deck DeckKey, in Intent) (string, State, error) {
	return st.IssueCommandID(deck, in, uuid.NewString())
}

// IssueCommandID is IssueCommand with a caller-supplied command id, for
// intents whose id already travelled on the wire.
func (st *Store) IssueCommandID(deck DeckKey, in Intent, id string) (string, State, error) {
	if err := in.Validate(); err != nil {
		return "", State{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	e := st.decks[deck]
	now := st.now()

	projected := projectIntent(e.state, in, now)
	projected.CommandID = id
	e.state = projected
	e.pendingCmd = id
	e.held = nil
	e.heldAt = time.Time{}

	log.Debug().
		Str("deck", string(deck)).
		Str("op", string(in.Op)).
		Str("command_id", id).
		Msg("command issued with optimistic projection")
	return id, projected, nil
}

// Commit applies an intent authoritatively: position is rebased against
// the clock, the mutation is applied and the version advances. Only the
// authority role calls this; the resulting state is the echo that every
// consumer reconciles against.
func (st *Store) Commit(deck DeckKey, in Intent, commandID string) (State, error) {
	if err := in.Validate(); err != nil {
		return State{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	e := st.decks[deck]
	now := st.now()

	next := projectIntent(e.state, in, now)
	next.CommandID = commandID
	next.Version = e.state.Version + 1
	e.state = next
	if e.pendingCmd == commandID {
		e.pendingCmd = ""
	}
	return next, nil
}

// CommitState installs an engine-observed state change (load completion,
// decode failure, media end) as a new authoritative version. Unlike
// Commit it takes the full next state, already rebased by the caller.
func (st *Store) CommitState(deck DeckKey, next State) State {
	st.mu.Lock()
	defer st.mu.Unlock()
	e := st.decks[deck]
	if next.Duration == 0 && next.Src != "" && next.Src == e.state.Src {
		next.Duration = e.state.Duration
	}
	next.Version = e.state.Version + 1
	e.state = next
	return next
}

// projectIntent computes the state an intent leads to, without touching
// the version. Shared by the optimistic path and the authoritative
// commit so both converge on identical payloads.
func projectIntent(cur State, in Intent, now float64) State {
	next := cur

	// Rebase the stored position to "now" so the snapshot stays valid
	// under the new play flag or rate.
	rebase := func() {
		next.BasePosition = PositionAt(cur, now)
		next.UpdatedAt = now
	}

	switch in.Op {
	case OpToggle:
		rebase()
		next.IsPlaying = !cur.IsPlaying
	case OpPlay:
		rebase()
		next.IsPlaying = true
	case OpPause:
		rebase()
		next.IsPlaying = false
	case OpSeek:
		next.BasePosition = ClampPosition(in.Position)
		next.UpdatedAt = now
		if in.Resume != nil {
			next.IsPlaying = *in.Resume
		}
	case OpRate:
		rebase()
		next.PlayRate = ClampRate(in.Rate)
	case OpSource:
		next.Src = in.Src
		next.BasePosition = 0
		next.UpdatedAt = now
		next.IsPlaying = false
		next.Error = false
		if in.Src == "" {
			next.IsLoading = false
			next.Duration = 0
		} else {
			next.IsLoading = true
			if in.Src != cur.Src || in.Reload {
				next.Duration = 0
			}
		}
	case OpState:
		rebase()
		in.Patch.merge(&next)
	}
	return next
}
