package timeline

import (
	"fmt"
)

// DeckKey identifies one of the four media decks.
type DeckKey string

const (
	DeckA DeckKey = "a"
	DeckB DeckKey = "b"
	DeckC DeckKey = "c"
	DeckD DeckKey = "d"
)

// DeckKeys lists every valid deck in display order.
var DeckKeys = [4]DeckKey{DeckA, DeckB, DeckC, DeckD}

// ParseDeck validates a wire-level deck key.
func ParseDeck(s string) (DeckKey, error) {
	switch DeckKey(s) {
	case DeckA, DeckB, DeckC, DeckD:
		return DeckKey(s), nil
	}
	return "", fmt.Errorf("unknown deck key %q", s)
}

// MaxPlayRate is the upper bound of the playback rate domain. A rate of 0
// is an effective pause.
const MaxPlayRate = 8.0

// State is the authoritative timeline snapshot for one deck.
//
// Position is never stored: consumers derive it from BasePosition,
// UpdatedAt and PlayRate against their own clock (see PositionAt). Version
// strictly orders causality per deck; an incoming state with a lower
// version than the held one is discarded regardless of payload.
type State struct {
	// Src is the media locator. Empty means the deck is unloaded.
	Src string `json:"src,omitempty"`

	IsPlaying bool `json:"isPlaying"`

	// BasePosition is the playback position in seconds, valid as of
	// UpdatedAt.
	BasePosition float64 `json:"basePosition"`

	// PlayRate is the playback rate in [0, MaxPlayRate].
	PlayRate float64 `json:"playRate"`

	// UpdatedAt is the wall-clock time in seconds at which BasePosition
	// was sampled.
	UpdatedAt float64 `json:"updatedAt"`

	// Version is monotonically non-decreasing per deck and only advances
	// on authoritative commits, never on optimistic projections.
	Version uint64 `json:"version"`

	// Duration is the media duration in seconds, 0 while unknown. Once
	// known for a given Src it is sticky until Src changes.
	Duration float64 `json:"duration,omitempty"`

	IsLoading bool `json:"isLoading"`
	Error     bool `json:"error"`

	// CommandID identifies the command that produced this state. Empty
	// for states that were not caused by a client command.
	CommandID string `json:"commandId,omitempty"`
}

// ClampRate forces a requested rate into the valid domain.
func ClampRate(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > MaxPlayRate {
		return MaxPlayRate
	}
	return rate
}

// ClampPosition forces a requested position to be non-negative.
func ClampPosition(pos float64) float64 {
	if pos < 0 {
		return 0
	}
	return pos
}

// EffectivelyPaused reports whether the deck advances position at all.
func (s State) EffectivelyPaused() bool {
	return !s.IsPlaying || s.PlayRate == 0
}

// comparablePayload reports whether two states at the same version carry
// the same observable payload. Used to suppress redundant re-renders.
func (s State) comparablePayload(o State) bool {
	return s.Src == o.Src &&
		s.IsPlaying == o.IsPlaying &&
		s.BasePosition == o.BasePosition &&
		s.PlayRate == o.PlayRate &&
		s.IsLoading == o.IsLoading &&
		s.Error == o.Error &&
		s.Duration == o.Duration &&
		s.CommandID == o.CommandID
}
