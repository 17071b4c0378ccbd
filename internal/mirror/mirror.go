// Package mirror keeps secondary render surfaces visually identical to
// a deck's primary playback instance.
//
// The preferred path binds a mirror's container directly to the
// primary's live decoded output: no second decode, perfect sync by
// construction. Where the render host disallows that (for example a
// cross-origin restriction, detected once and cached per deck), the
// mirror decodes the same source independently and a periodic
// reconciliation pass corrects drift, but only when it exceeds a
// tolerance, so consumers never see micro-jumps from over-correction.
package mirror

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/decksync/decksync/internal/surface"
	"github.com/decksync/decksync/internal/timeline"
)

// Mode is how a mirror tracks the primary.
type Mode int

const (
	// ModeUnbound means no primary existed when the mirror was added;
	// resolved on the next rebind.
	ModeUnbound Mode = iota
	// ModeDirect shares the primary's live output.
	ModeDirect
	// ModeFallback decodes the same source independently and is
	// periodically reconciled.
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeFallback:
		return "fallback"
	}
	return "unbound"
}

const (
	// DriftTolerance is the position divergence below which a fallback
	// mirror is left alone.
	DriftTolerance = 0.2

	// rateTolerance is the rate divergence below which a fallback
	// mirror's rate is left alone.
	rateTolerance = 0.01

	// ReconcileInterval is the default fallback reconciliation period.
	ReconcileInterval = time.Second
)

// DirectBinder attempts to attach a mirror container to the primary
// instance's live output. A non-nil error means direct binding is
// disallowed for this deck; the denial is cached.
type DirectBinder func(primary surface.Instance) error

// Mirror is one secondary render surface. It never owns media content
// in direct mode; in fallback mode it owns exactly one decode resource,
// released on rebind or teardown.
type Mirror struct {
	ID   string
	mode Mode

	// own is the independent decode, fallback mode only.
	own      surface.Instance
	ownReady bool
}

// Mode reports how this mirror tracks the primary.
func (m *Mirror) Mode() Mode { return m.mode }

// Own exposes the fallback decode instance, nil in direct mode.
func (m *Mirror) Own() surface.Instance { return m.own }

// Synchronizer manages every mirror of one deck. Like the surface it is
// driven from the deck's single dispatch goroutine and holds no locks.
type Synchronizer struct {
	deck    timeline.DeckKey
	clock   clockwork.Clock
	factory surface.Factory
	bind    DirectBinder

	// onInstance lets the coordinator pump fallback decode events.
	onInstance func(surface.Instance)

	primary surface.Instance
	src     string

	// directDenied caches a binding refusal per deck so the denial is
	// probed at most once.
	directDenied bool

	mirrors map[string]*Mirror
}

// NewSynchronizer creates an empty synchronizer for a deck. bind may be
// nil, which forces fallback mode for every mirror.
func NewSynchronizer(deck timeline.DeckKey, clock clockwork.Clock, factory surface.Factory, bind DirectBinder, onInstance func(surface.Instance)) *Synchronizer {
	return &Synchronizer{
		deck:       deck,
		clock:      clock,
		factory:    factory,
		bind:       bind,
		onInstance: onInstance,
		mirrors:    make(map[string]*Mirror),
	}
}

// Mirrors returns the current mirror count.
func (y *Synchronizer) Mirrors() int { return len(y.mirrors) }

// Mirror returns a mirror by id, nil if unknown.
func (y *Synchronizer) Mirror(id string) *Mirror { return y.mirrors[id] }

// AddMirror registers a new secondary surface and binds it to the
// current primary.
func (y *Synchronizer) AddMirror(id string) *Mirror {
	m := &Mirror{ID: id}
	y.mirrors[id] = m
	y.bindMirror(m)
	log.Debug().
		Str("deck", string(y.deck)).
		Str("mirror", id).
		Str("mode", m.mode.String()).
		Msg("mirror added")
	return m
}

// RemoveMirror detaches a mirror and releases any fallback decode it
// owns.
func (y *Synchronizer) RemoveMirror(id string) {
	m, ok := y.mirrors[id]
	if !ok {
		return
	}
	y.releaseOwn(m)
	delete(y.mirrors, id)
}

// bindMirror picks the tracking mode for a mirror against the current
// primary.
func (y *Synchronizer) bindMirror(m *Mirror) {
	if y.primary == nil {
		// Nothing to track yet; resolved on the next Rebind.
		return
	}
	if !y.directDenied && y.bind != nil {
		if err := y.bind(y.primary); err == nil {
			m.mode = ModeDirect
			y.releaseOwn(m)
			return
		} else {
			y.directDenied = true
			log.Warn().
				Str("deck", string(y.deck)).
				Err(err).
				Msg("direct output binding disallowed; falling back to independent decode")
		}
	}
	if y.bind == nil || y.directDenied {
		y.toFallback(m)
	}
}

func (y *Synchronizer) toFallback(m *Mirror) {
	m.mode = ModeFallback
	y.releaseOwn(m)
	if y.src == "" {
		return
	}
	inst := y.factory.New()
	if y.onInstance != nil {
		y.onInstance(inst)
	}
	m.own = inst
	m.ownReady = false
	inst.SetMuted(true) // mirrors never add audio
	inst.Load(y.src)
}

func (y *Synchronizer) releaseOwn(m *Mirror) {
	if m.own != nil {
		m.own.Close()
		m.own = nil
		m.ownReady = false
	}
}

// Rebind points every mirror at a new primary instance, called whenever
// the deck's primary is replaced (swap, recovery) or removed. Direct
// mirrors follow by construction; fallback mirrors reload only when the
// source actually changed, so a same-source swap shows no discontinuity.
func (y *Synchronizer) Rebind(primary surface.Instance, src string) {
	srcChanged := src != y.src
	y.primary = primary
	y.src = src

	for _, m := range y.mirrors {
		if primary == nil {
			// Primary removed: fallback mirrors keep rendering their own
			// decode until a new primary appears.
			continue
		}
		if m.mode == ModeFallback && m.own != nil && !srcChanged {
			// Same source, fresh primary: the independent decode keeps
			// rendering; the next reconcile pass realigns it.
			continue
		}
		y.bindMirror(m)
	}
}

// HandleEvent consumes a platform callback from a fallback decode.
func (y *Synchronizer) HandleEvent(inst surface.Instance, ev surface.Event) {
	for _, m := range y.mirrors {
		if m.own != inst {
			continue
		}
		switch ev.Kind {
		case surface.EventLoaded:
			m.ownReady = true
		case surface.EventDecodeFault, surface.EventSourceFault:
			// A broken mirror decode is rebuilt on the spot; the deck
			// state is untouched, mirrors are cosmetic.
			log.Warn().
				Str("deck", string(y.deck)).
				Str("mirror", m.ID).
				Err(ev.Err).
				Msg("mirror decode fault; rebuilding")
			y.toFallback(m)
		}
		return
	}
}

// Reconcile runs one periodic pass over fallback mirrors: match
// play/pause state and rate, correct drift only beyond DriftTolerance.
func (y *Synchronizer) Reconcile() {
	if y.primary == nil {
		return
	}
	for _, m := range y.mirrors {
		if m.mode != ModeFallback || m.own == nil || !m.ownReady {
			continue
		}
		y.reconcileOne(m)
	}
}

func (y *Synchronizer) reconcileOne(m *Mirror) {
	own := m.own
	want := y.primary

	if want.Playing() != own.Playing() {
		if want.Playing() {
			if err := own.Play(); err != nil {
				log.Debug().
					Str("deck", string(y.deck)).
					Str("mirror", m.ID).
					Err(err).
					Msg("mirror play refused")
			}
		} else {
			own.Pause()
		}
	}

	if diff := want.Rate() - own.Rate(); diff > rateTolerance || diff < -rateTolerance {
		own.SetRate(want.Rate())
	}

	drift := own.Position() - want.Position()
	if drift > DriftTolerance || drift < -DriftTolerance {
		own.Seek(want.Position())
		log.Debug().
			Str("deck", string(y.deck)).
			Str("mirror", m.ID).
			Float64("drift", drift).
			Msg("mirror drift corrected")
	}
}

// Teardown releases every fallback decode.
func (y *Synchronizer) Teardown() {
	for _, m := range y.mirrors {
		y.releaseOwn(m)
	}
	y.primary = nil
	y.src = ""
}
