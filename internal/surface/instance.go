// Package surface implements the resilient playback-surface engine: a
// state machine wrapping one renderable media instance per deck, with
// double-buffered source swapping, rate-change resync, decode-error
// recovery and autoplay-block handling.
//
// All surface methods are driven from a single per-deck dispatch
// goroutine (see the deck package); instance callbacks re-enter through
// that same queue, so the surface itself holds no locks.
package surface

import "errors"

// Faults an instance can report or return. Everything here is expressed
// as data on the deck state eventually; no fault crosses the
// command/state boundary as a panic.
var (
	// ErrAutoplayBlocked means the host policy rejected an automatic
	// playback start. Recoverable: the next user gesture retries once.
	ErrAutoplayBlocked = errors.New("playback start blocked by host policy")

	// ErrSourceMissing is a fatal load fault (no such media); it is not
	// retried.
	ErrSourceMissing = errors.New("media source missing")

	// ErrDecode is a transient decode-class fault; the surface rebuilds
	// the instance a bounded number of times before surfacing it.
	ErrDecode = errors.New("decode fault")
)

// EventKind classifies instance callbacks.
type EventKind int

const (
	// EventLoaded fires once an instance is primed to a playable point:
	// metadata present, first frame decodable.
	EventLoaded EventKind = iota
	// EventEnded fires when playback reaches the end of the media.
	EventEnded
	// EventDecodeFault signals a decode-class error on a live instance.
	EventDecodeFault
	// EventSourceFault signals a fatal load error.
	EventSourceFault
)

func (k EventKind) String() string {
	switch k {
	case EventLoaded:
		return "loaded"
	case EventEnded:
		return "ended"
	case EventDecodeFault:
		return "decode_fault"
	case EventSourceFault:
		return "source_fault"
	}
	return "unknown"
}

// Event is a platform media callback, delivered through the deck's
// dispatch queue like any other message.
type Event struct {
	Kind     EventKind
	Duration float64
	Err      error
}

// Instance is one decode resource owned by a surface or a fallback-mode
// mirror. The core never decodes media itself; implementations wrap the
// native execution engine. A SimInstance ships for headless runs and
// tests.
type Instance interface {
	// Load starts an asynchronous source load; completion or failure
	// arrives on Events.
	Load(src string)

	// Play may return ErrAutoplayBlocked; any other error is fatal for
	// the instance.
	Play() error
	Pause()
	Seek(pos float64)

	// Position reports the current playback position in seconds.
	Position() float64
	Duration() float64

	// SetRate requests a playback rate. Platforms are allowed to fail
	// silently; Rate reports what is actually applied.
	SetRate(rate float64)
	Rate() float64

	Playing() bool

	SetVolume(v float64)
	Volume() float64
	SetMuted(m bool)
	Muted() bool

	// Events delivers platform callbacks. The channel closes on Close.
	Events() <-chan Event

	// Close releases the decode resource. Idempotent.
	Close()
}

// Factory builds decode instances for a deck. The render host supplies
// the real implementation; headless runs use NewSimFactory.
type Factory interface {
	New() Instance
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func() Instance

func (f FactoryFunc) New() Instance { return f() }
