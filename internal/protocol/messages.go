// Package protocol defines the wire contract between the engine, the
// control console and remote viewers. The transport underneath is
// at-least-once with no cross-message ordering; the timeline version
// carried in every state broadcast is what restores ordering semantics.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/decksync/decksync/internal/timeline"
)

// MessageType tags an envelope payload.
type MessageType string

const (
	// TypeCommand is a client → authority deck command.
	TypeCommand MessageType = "Command"
	// TypeState is an authority → clients per-deck state broadcast.
	TypeState MessageType = "StateBroadcast"
	// TypeResync is an authority → client full-state snapshot, sent on
	// (re)connect.
	TypeResync MessageType = "Resync"
)

// Envelope is the outer frame of every message.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Command is an inbound deck command.
type Command struct {
	Deck      string          `json:"deck"`
	Op        string          `json:"op"`
	Position  *float64        `json:"position,omitempty"`
	Resume    *bool           `json:"resume,omitempty"`
	Rate      *float64        `json:"rate,omitempty"`
	Src       *string         `json:"src,omitempty"`
	Reload    bool            `json:"reload,omitempty"`
	Patch     *timeline.Patch `json:"state,omitempty"`
	CommandID string          `json:"commandId"`
}

// StateBroadcast carries one deck's authoritative state.
type StateBroadcast struct {
	Deck  string         `json:"deck"`
	State timeline.State `json:"state"`
}

// Resync carries the full per-deck state plus the authority's clock so a
// reconnecting client can rebase extrapolation immediately.
type Resync struct {
	Decks      map[string]timeline.State `json:"decks"`
	ServerTime float64                   `json:"serverTime"`
}

// Intent translates a wire command into a validated deck intent.
func (c Command) Intent() (timeline.DeckKey, timeline.Intent, error) {
	deck, err := timeline.ParseDeck(c.Deck)
	if err != nil {
		return "", timeline.Intent{}, err
	}
	if c.CommandID == "" {
		return "", timeline.Intent{}, fmt.Errorf("command for deck %s missing commandId", deck)
	}

	in := timeline.Intent{Op: timeline.IntentOp(c.Op)}
	switch in.Op {
	case timeline.OpToggle, timeline.OpPlay, timeline.OpPause:
	case timeline.OpSeek:
		if c.Position == nil {
			return "", timeline.Intent{}, fmt.Errorf("seek command missing position")
		}
		in.Position = *c.Position
		in.Resume = c.Resume
	case timeline.OpRate:
		if c.Rate == nil {
			return "", timeline.Intent{}, fmt.Errorf("rate command missing rate")
		}
		in.Rate = *c.Rate
	case timeline.OpSource:
		if c.Src != nil {
			in.Src = *c.Src
		}
		in.Reload = c.Reload
	case timeline.OpState:
		in.Patch = c.Patch
	default:
		return "", timeline.Intent{}, fmt.Errorf("unknown command op %q", c.Op)
	}
	if err := in.Validate(); err != nil {
		return "", timeline.Intent{}, err
	}
	return deck, in, nil
}

// Wrap frames a payload into an envelope.
func Wrap(t MessageType, now time.Time, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: now,
		Data:      data,
	}, nil
}

// Parse decodes an envelope's payload into its concrete message.
func Parse(env Envelope) (any, error) {
	switch env.Type {
	case TypeCommand:
		var cmd Command
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return nil, fmt.Errorf("unmarshal command: %w", err)
		}
		return cmd, nil
	case TypeState:
		var sb StateBroadcast
		if err := json.Unmarshal(env.Data, &sb); err != nil {
			return nil, fmt.Errorf("unmarshal state broadcast: %w", err)
		}
		return sb, nil
	case TypeResync:
		var rs Resync
		if err := json.Unmarshal(env.Data, &rs); err != nil {
			return nil, fmt.Errorf("unmarshal resync: %w", err)
		}
		return rs, nil
	}
	return nil, fmt.Errorf("unknown message type %q", env.Type)
}
