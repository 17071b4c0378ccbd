package timeline

import "fmt"

// IntentOp enumerates the closed set of deck commands.
type IntentOp string

const (
	OpToggle IntentOp = "toggle"
	OpPlay   IntentOp = "play"
	OpPause  IntentOp = "pause"
	OpSeek   IntentOp = "seek"
	OpRate   IntentOp = "rate"
	OpSource IntentOp = "source"
	OpState  IntentOp = "state"
)

// Intent is a deck command. It is transient, never persisted; the wire
// envelope around it lives in the protocol package.
type Intent struct {
	Op IntentOp

	// Seek fields.
	Position float64
	// Resume, when set on a seek, forces the play flag after the jump.
	Resume *bool

	// Rate field.
	Rate float64

	// Source fields.
	Src string
	// Reload forces a rebuild even when Src matches the current source.
	Reload bool

	// State carries a partial update for OpState.
	Patch *Patch
}

// Patch is a partial deck-state merge. Nil fields are left untouched.
type Patch struct {
	Src          *string  `json:"src,omitempty"`
	IsPlaying    *bool    `json:"isPlaying,omitempty"`
	BasePosition *float64 `json:"basePosition,omitempty"`
	PlayRate     *float64 `json:"playRate,omitempty"`
	Duration     *float64 `json:"duration,omitempty"`
	IsLoading    *bool    `json:"isLoading,omitempty"`
	Error        *bool    `json:"error,omitempty"`
}

// Validate rejects intents outside the closed variant set or with
// out-of-domain payloads.
func (in Intent) Validate() error {
	switch in.Op {
	case OpToggle, OpPlay, OpPause:
		return nil
	case OpSeek:
		if in.Position < 0 {
			return fmt.Errorf("seek position %.3f is negative", in.Position)
		}
		return nil
	case OpRate:
		if in.Rate < 0 || in.Rate > MaxPlayRate {
			return fmt.Errorf("rate %.3f outside [0, %.0f]", in.Rate, MaxPlayRate)
		}
		return nil
	case OpSource:
		return nil
	case OpState:
		if in.Patch == nil {
			return fmt.Errorf("state intent without patch")
		}
		return nil
	}
	return fmt.Errorf("unknown intent op %q", in.Op)
}

// merge applies a patch onto a state. Duration stickiness is enforced by
// the caller, which knows whether Src changed.
func (p *Patch) merge(s *State) {
	if p.Src != nil {
		if *p.Src != s.Src {
			s.Duration = 0
		}
		s.Src = *p.Src
	}
	if p.IsPlaying != nil {
		s.IsPlaying = *p.IsPlaying
	}
	if p.BasePosition != nil {
		s.BasePosition = ClampPosition(*p.BasePosition)
	}
	if p.PlayRate != nil {
		s.PlayRate = ClampRate(*p.PlayRate)
	}
	if p.Duration != nil && *p.Duration > 0 {
		s.Duration = *p.Duration
	}
	if p.IsLoading != nil {
		s.IsLoading = *p.IsLoading
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
}
