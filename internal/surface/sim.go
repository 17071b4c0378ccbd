package surface

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SimInstance is a clock-driven decode instance with no real media
// behind it. It backs headless/dry runs of the engine and the test
// suites; fault knobs emulate the unreliable parts of real platform
// playback APIs (silent rate failures, decode faults, autoplay policy).
type SimInstance struct {
	clock clockwork.Clock

	mu       sync.Mutex
	src      string
	loaded   bool
	playing  bool
	base     float64
	markedAt time.Time
	rate     float64
	duration float64
	volume   float64
	muted    bool
	closed   bool

	events chan Event

	// Behavior knobs, set before the interaction under test.

	// SimDuration is reported once a load completes.
	SimDuration float64
	// ManualLoad suppresses the automatic load completion; the test
	// drives it with CompleteLoad or FailLoad.
	ManualLoad bool
	// BlockPlays makes the next n Play calls return ErrAutoplayBlocked.
	BlockPlays int
	// MisapplyRates makes the next n SetRate calls fail silently, the
	// observed rate keeping its previous value.
	MisapplyRates int
}

// NewSimInstance creates an unloaded simulated instance.
func NewSimInstance(clock clockwork.Clock) *SimInstance {
	return &SimInstance{
		clock:       clock,
		rate:        1.0,
		volume:      1.0,
		events:      make(chan Event, 16),
		SimDuration: 60.0,
	}
}

// NewSimFactory returns a Factory producing SimInstances, recording each
// created instance through track (may be nil).
func NewSimFactory(clock clockwork.Clock, track func(*SimInstance)) Factory {
	return FactoryFunc(func() Instance {
		inst := NewSimInstance(clock)
		if track != nil {
			track(inst)
		}
		return inst
	})
}

func (si *SimInstance) emit(ev Event) {
	si.mu.Lock()
	if si.closed {
		si.mu.Unlock()
		return
	}
	si.mu.Unlock()
	select {
	case si.events <- ev:
	default:
		// Test harness channel full; drop like a real platform would
		// coalesce callbacks.
	}
}

// Load records the source and, unless ManualLoad is set, completes
// immediately.
func (si *SimInstance) Load(src string) {
	si.mu.Lock()
	si.src = src
	manual := si.ManualLoad
	si.mu.Unlock()
	if !manual {
		si.CompleteLoad()
	}
}

// CompleteLoad finishes an in-flight load, emitting EventLoaded.
func (si *SimInstance) CompleteLoad() {
	si.mu.Lock()
	si.loaded = true
	si.duration = si.SimDuration
	d := si.duration
	si.mu.Unlock()
	si.emit(Event{Kind: EventLoaded, Duration: d})
}

// FailLoad fails an in-flight load with the given fault class.
func (si *SimInstance) FailLoad(err error) {
	kind := EventSourceFault
	if err == ErrDecode {
		kind = EventDecodeFault
	}
	si.emit(Event{Kind: kind, Err: err})
}

// InjectDecodeFault emulates a mid-playback decode error.
func (si *SimInstance) InjectDecodeFault() {
	si.emit(Event{Kind: EventDecodeFault, Err: ErrDecode})
}

// FinishPlayback emulates the media reaching its end.
func (si *SimInstance) FinishPlayback() {
	si.mu.Lock()
	si.playing = false
	si.base = si.duration
	si.mu.Unlock()
	si.emit(Event{Kind: EventEnded})
}

// Src returns the locator the instance was last loaded with.
func (si *SimInstance) Src() string {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.src
}

func (si *SimInstance) Play() error {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.BlockPlays > 0 {
		si.BlockPlays--
		return ErrAutoplayBlocked
	}
	if !si.playing {
		si.playing = true
		si.markedAt = si.clock.Now()
	}
	return nil
}

func (si *SimInstance) Pause() {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.rebaseLocked()
	si.playing = false
}

func (si *SimInstance) Seek(pos float64) {
	si.mu.Lock()
	defer si.mu.Unlock()
	if pos < 0 {
		pos = 0
	}
	if si.duration > 0 && pos > si.duration {
		pos = si.duration
	}
	si.base = pos
	si.markedAt = si.clock.Now()
}

// rebaseLocked folds elapsed playback into base.
func (si *SimInstance) rebaseLocked() {
	if si.playing {
		si.base += si.clock.Since(si.markedAt).Seconds() * si.rate
		si.markedAt = si.clock.Now()
	}
}

func (si *SimInstance) Position() float64 {
	si.mu.Lock()
	defer si.mu.Unlock()
	pos := si.base
	if si.playing {
		pos += si.clock.Since(si.markedAt).Seconds() * si.rate
	}
	if si.duration > 0 && pos > si.duration {
		pos = si.duration
	}
	return pos
}

func (si *SimInstance) Duration() float64 {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.duration
}

func (si *SimInstance) SetRate(rate float64) {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.MisapplyRates > 0 {
		si.MisapplyRates--
		return
	}
	si.rebaseLocked()
	si.rate = rate
}

func (si *SimInstance) Rate() float64 {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.rate
}

func (si *SimInstance) Playing() bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.playing
}

func (si *SimInstance) SetVolume(v float64) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.volume = v
}

func (si *SimInstance) Volume() float64 {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.volume
}

func (si *SimInstance) SetMuted(m bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.muted = m
}

func (si *SimInstance) Muted() bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.muted
}

func (si *SimInstance) Events() <-chan Event { return si.events }

func (si *SimInstance) Close() {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.closed {
		return
	}
	si.closed = true
	si.playing = false
	close(si.events)
}

// Closed reports whether the decode resource was released.
func (si *SimInstance) Closed() bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.closed
}
