package surface

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/decksync/decksync/internal/timeline"
)

// Phase is the surface state machine state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseReady
	PhasePlaying
	PhasePaused
	// PhaseBlocked means the host rejected an automatic playback start.
	// Recoverable: distinct from PhaseError.
	PhaseBlocked
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhasePlaying:
		return "playing"
	case PhasePaused:
		return "paused"
	case PhaseBlocked:
		return "blocked"
	case PhaseError:
		return "error"
	}
	return "unknown"
}

const (
	// RateTolerance is the allowed divergence between requested and
	// observed playback rate before a resync is attempted.
	RateTolerance = 0.05

	// RateVerifyDelay is how long after a rate request the observed rate
	// is checked.
	RateVerifyDelay = 150 * time.Millisecond

	// rateNudge is the sub-frame negative time offset used to force an
	// internal pipeline state refresh during a rate resync.
	rateNudge = 0.001

	// maxRateRetries bounds resync attempts before the observed rate is
	// accepted as best effort.
	maxRateRetries = 3

	// DecodeFaultWindow is the window within which consecutive decode
	// faults are considered a compounding streak.
	DecodeFaultWindow = 5 * time.Second

	// neutralRateAfterFaults is the streak length at which recovery
	// forces the rate back to 1.0 to stop compounding instability.
	neutralRateAfterFaults = 3

	// maxRecoveries bounds total decode recoveries per source before the
	// surface escalates to terminal error.
	maxRecoveries = 5
)

// Status is what the surface reports upward after a state-affecting
// event. The deck coordinator turns it into authoritative deck state.
type Status struct {
	Phase    Phase
	Duration float64
	Ended    bool
	Err      error
}

// StatusSink receives surface status changes. Called from the dispatch
// goroutine.
type StatusSink func(Status)

type pendingLoad struct {
	inst  Instance
	src   string
	epoch uint64
}

type recoverySnapshot struct {
	pos        float64
	rate       float64
	volume     float64
	muted      bool
	wasPlaying bool
}

type recoveryJob struct {
	inst  Instance
	epoch uint64
	snap  recoverySnapshot
}

// Surface wraps one deck's renderable media instance. It owns exactly
// one live decode resource; source changes replace the instance via
// prepare/commit, never mutate it in place.
type Surface struct {
	deck    timeline.DeckKey
	clock   clockwork.Clock
	factory Factory
	sink    StatusSink

	// onInstance is invoked for every instance the surface creates, so
	// the coordinator can pump its event channel into the dispatch
	// queue.
	onInstance func(Instance)
	// onSwap is invoked after a commit swap with the new primary, so
	// mirrors can rebind.
	onSwap func(Instance)

	phase    Phase
	src      string
	epoch    uint64
	primary  Instance
	pending  *pendingLoad
	recovery *recoveryJob

	// wantPlay is the play intent carried across loading and recovery.
	wantPlay bool

	rateTarget  float64
	rateRetries int
	// rateAccepted latches an exhausted resync so the mismatch is
	// warned about once, not on every tick.
	rateAccepted bool

	faultStreak int
	lastFaultAt time.Time
	recoveries  int

	blockedRetried bool

	volume float64
	muted  bool
	errMsg error
}

// Options configures optional surface callbacks.
type Options struct {
	OnInstance func(Instance)
	OnSwap     func(Instance)
}

// New creates an idle surface for a deck.
func New(deck timeline.DeckKey, clock clockwork.Clock, factory Factory, sink StatusSink, opts Options) *Surface {
	if sink == nil {
		sink = func(Status) {}
	}
	return &Surface{
		deck:       deck,
		clock:      clock,
		factory:    factory,
		sink:       sink,
		onInstance: opts.OnInstance,
		onSwap:     opts.OnSwap,
		phase:      PhaseIdle,
		rateTarget: 1.0,
		volume:     1.0,
	}
}

// Phase returns the current state machine state.
func (s *Surface) Phase() Phase { return s.phase }

// Src returns the current source locator.
func (s *Surface) Src() string { return s.src }

// Err returns the retained diagnostic for the last surfaced fault.
func (s *Surface) Err() error { return s.errMsg }

// Primary returns the live visible instance, nil while idle.
func (s *Surface) Primary() Instance { return s.primary }

// Duration reports the primary instance's media duration, 0 if unknown.
func (s *Surface) Duration() float64 {
	if s.primary == nil {
		return 0
	}
	return s.primary.Duration()
}

// Position reports the primary instance's playback position.
func (s *Surface) Position() float64 {
	if s.primary == nil {
		return 0
	}
	return s.primary.Position()
}

func (s *Surface) newInstance() Instance {
	inst := s.factory.New()
	inst.SetVolume(s.volume)
	inst.SetMuted(s.muted)
	if s.onInstance != nil {
		s.onInstance(inst)
	}
	return inst
}

// SetSource points the deck at a new media locator. The replacement is
// built off-screen and committed only once playable, so the previous
// instance keeps rendering through the load. An empty src clears the
// deck.
func (s *Surface) SetSource(src string, reload bool) {
	if src == "" {
		s.Clear()
		return
	}
	if src == s.src && !reload && s.phase != PhaseError {
		return
	}

	// Supersede any in-flight load or recovery for the previous source.
	s.epoch++
	s.abandonPending()
	s.abandonRecovery()
	s.faultStreak = 0
	s.recoveries = 0
	s.blockedRetried = false
	s.errMsg = nil
	s.src = src
	s.wantPlay = false

	inst := s.newInstance()
	s.pending = &pendingLoad{inst: inst, src: src, epoch: s.epoch}
	inst.Load(src)

	if s.primary == nil {
		s.phase = PhaseLoading
	}
	log.Debug().Str("deck", string(s.deck)).Str("src", src).Msg("preparing replacement instance")
}

// Clear drops the surface to idle from any state and releases every
// owned decode resource.
func (s *Surface) Clear() {
	s.epoch++
	s.abandonPending()
	s.abandonRecovery()
	if s.primary != nil {
		s.primary.Close()
		s.primary = nil
	}
	s.src = ""
	s.phase = PhaseIdle
	s.wantPlay = false
	s.faultStreak = 0
	s.recoveries = 0
	s.blockedRetried = false
	s.errMsg = nil
}

func (s *Surface) abandonPending() {
	if s.pending != nil {
		s.pending.inst.Close()
		s.pending = nil
	}
}

func (s *Surface) abandonRecovery() {
	if s.recovery != nil {
		s.recovery.inst.Close()
		s.recovery = nil
	}
}

// Play starts playback, or records the intent when no instance is live
// yet. An autoplay rejection moves the surface to PhaseBlocked, not
// PhaseError.
func (s *Surface) Play() {
	s.wantPlay = true
	if s.primary == nil {
		return
	}
	s.startPrimary()
}

func (s *Surface) startPrimary() {
	err := s.primary.Play()
	switch {
	case err == nil:
		s.phase = PhasePlaying
	case err == ErrAutoplayBlocked:
		s.phase = PhaseBlocked
		log.Warn().Str("deck", string(s.deck)).Msg("autoplay blocked; awaiting user gesture")
		s.report(Status{Phase: s.phase, Duration: s.Duration()})
	default:
		s.fail(fmt.Errorf("start playback: %w", err))
	}
}

// UserGesture retries a blocked start exactly once.
func (s *Surface) UserGesture() {
	if s.phase != PhaseBlocked || s.blockedRetried || s.primary == nil {
		return
	}
	s.blockedRetried = true
	s.startPrimary()
}

// Pause halts playback and clears any pending play intent.
func (s *Surface) Pause() {
	s.wantPlay = false
	if s.primary == nil {
		return
	}
	s.primary.Pause()
	if s.phase == PhasePlaying || s.phase == PhaseBlocked {
		s.phase = PhasePaused
	}
}

// SeekTo jumps the primary instance.
func (s *Surface) SeekTo(pos float64) {
	if s.primary == nil {
		return
	}
	s.primary.Seek(timeline.ClampPosition(pos))
}

// ApplyRate requests a playback rate. The observed rate is verified
// after RateVerifyDelay (the coordinator schedules VerifyRate); silent
// platform failures are resynced with bounded retries.
func (s *Surface) ApplyRate(target float64) {
	s.rateTarget = timeline.ClampRate(target)
	s.rateRetries = 0
	s.rateAccepted = false
	if s.primary == nil {
		return
	}
	s.primary.SetRate(s.rateTarget)
}

// RateSettled reports whether the observed rate matches the target
// within tolerance.
func (s *Surface) RateSettled() bool {
	if s.primary == nil || s.rateAccepted {
		return true
	}
	return abs(s.primary.Rate()-s.rateTarget) <= RateTolerance
}

// VerifyRate checks the observed rate and performs the resync dance on
// divergence: pause if playing, neutral rate, sub-frame negative nudge
// with time restore, target rate again, resume. Returns true when the
// rate is settled or retries are exhausted (best effort).
func (s *Surface) VerifyRate() bool {
	if s.primary == nil || s.RateSettled() {
		return true
	}
	if s.rateRetries >= maxRateRetries {
		s.rateAccepted = true
		log.Warn().
			Str("deck", string(s.deck)).
			Float64("target", s.rateTarget).
			Float64("observed", s.primary.Rate()).
			Msg("rate mismatch persists; accepting best effort")
		return true
	}
	s.rateRetries++
	log.Debug().
		Str("deck", string(s.deck)).
		Int("attempt", s.rateRetries).
		Float64("target", s.rateTarget).
		Float64("observed", s.primary.Rate()).
		Msg("observed rate diverged; resyncing")

	wasPlaying := s.phase == PhasePlaying
	if wasPlaying {
		s.primary.Pause()
	}
	s.primary.SetRate(1.0)
	t := s.primary.Position()
	s.primary.Seek(timeline.ClampPosition(t - rateNudge))
	s.primary.Seek(t)
	s.primary.SetRate(s.rateTarget)
	if wasPlaying {
		if err := s.primary.Play(); err != nil {
			s.fail(fmt.Errorf("resume after rate resync: %w", err))
			return true
		}
	}
	return s.RateSettled()
}

// SetVolume applies volume to the primary and to any instance built
// later.
func (s *Surface) SetVolume(v float64) {
	s.volume = v
	if s.primary != nil {
		s.primary.SetVolume(v)
	}
}

// SetMuted applies mute to the primary and to any instance built later.
func (s *Surface) SetMuted(m bool) {
	s.muted = m
	if s.primary != nil {
		s.primary.SetMuted(m)
	}
}

// HandleEvent routes a platform callback from one of the surface's
// instances. Events from superseded instances are discarded.
func (s *Surface) HandleEvent(inst Instance, ev Event) {
	switch {
	case s.pending != nil && inst == s.pending.inst:
		s.handlePendingEvent(ev)
	case s.recovery != nil && inst == s.recovery.inst:
		s.handleRecoveryEvent(ev)
	case inst == s.primary && s.primary != nil:
		s.handlePrimaryEvent(ev)
	default:
		// Stale instance from a superseded epoch.
		log.Debug().Str("deck", string(s.deck)).Str("event", ev.Kind.String()).Msg("event from stale instance dropped")
	}
}

func (s *Surface) handlePendingEvent(ev Event) {
	p := s.pending
	switch ev.Kind {
	case EventLoaded:
		if p.epoch != s.epoch {
			s.abandonPending()
			return
		}
		// Prime: paused and rewound before becoming visible.
		p.inst.Pause()
		p.inst.Seek(0)
		s.commitSwap(p.inst)
	case EventSourceFault, EventDecodeFault:
		// The replacement never became playable; the old instance stays
		// visible. Surfaced as an error with a retained diagnostic.
		s.pending = nil
		p.inst.Close()
		s.fail(fmt.Errorf("load %s: %w", p.src, ev.Err))
	}
}

// commitSwap atomically substitutes a primed instance for the visible
// one. The old instance is torn down only after the swap, so mirrors and
// containers never observe a blank frame.
func (s *Surface) commitSwap(next Instance) {
	old := s.primary
	s.primary = next
	s.pending = nil
	s.phase = PhaseReady
	s.primary.SetRate(s.rateTarget)
	if s.onSwap != nil {
		s.onSwap(next)
	}
	if old != nil {
		old.Close()
	}
	log.Debug().
		Str("deck", string(s.deck)).
		Str("src", s.src).
		Float64("duration", next.Duration()).
		Msg("source swap committed")
	s.report(Status{Phase: s.phase, Duration: next.Duration()})

	if s.wantPlay {
		s.startPrimary()
	}
}

func (s *Surface) handlePrimaryEvent(ev Event) {
	switch ev.Kind {
	case EventEnded:
		s.wantPlay = false
		s.phase = PhasePaused
		s.report(Status{Phase: s.phase, Duration: s.Duration(), Ended: true})
	case EventDecodeFault:
		s.beginRecovery(ev.Err)
	case EventSourceFault:
		s.fail(fmt.Errorf("source fault on %s: %w", s.src, ev.Err))
	case EventLoaded:
		// Late metadata on the live instance (duration refinement).
		s.report(Status{Phase: s.phase, Duration: ev.Duration})
	}
}

// beginRecovery rebuilds the primary instance after a decode-class
// fault, restoring position, volume, mute and rate once the replacement
// is buffered. The job carries the epoch it started from so a source
// change abandons it.
func (s *Surface) beginRecovery(cause error) {
	now := s.clock.Now()
	if !s.lastFaultAt.IsZero() && now.Sub(s.lastFaultAt) <= DecodeFaultWindow {
		s.faultStreak++
	} else {
		s.faultStreak = 1
	}
	s.lastFaultAt = now
	s.recoveries++

	if s.recoveries > maxRecoveries {
		s.fail(fmt.Errorf("decode recovery exhausted after %d attempts: %w", maxRecoveries, cause))
		return
	}

	snap := recoverySnapshot{
		pos:        s.primary.Position(),
		rate:       s.rateTarget,
		volume:     s.volume,
		muted:      s.muted,
		wasPlaying: s.phase == PhasePlaying || s.wantPlay,
	}
	// Repeated faults in a tight window compound at high rates; force
	// neutral before the pipeline destabilizes further.
	if s.faultStreak >= neutralRateAfterFaults {
		log.Warn().
			Str("deck", string(s.deck)).
			Int("streak", s.faultStreak).
			Float64("rate", s.rateTarget).
			Msg("repeated decode faults; forcing neutral rate")
		snap.rate = 1.0
		s.rateTarget = 1.0
	}

	s.abandonRecovery()
	inst := s.newInstance()
	s.recovery = &recoveryJob{inst: inst, epoch: s.epoch, snap: snap}
	inst.Load(cacheBusted(s.src, s.recoveries))

	log.Info().
		Str("deck", string(s.deck)).
		Int("attempt", s.recoveries).
		Float64("resume_at", snap.pos).
		Err(cause).
		Msg("decode fault; rebuilding instance")
}

func (s *Surface) handleRecoveryEvent(ev Event) {
	job := s.recovery
	switch ev.Kind {
	case EventLoaded:
		if job.epoch != s.epoch {
			// Source changed while the reload was in flight; a stale
			// recovery must not resurrect an abandoned source.
			s.abandonRecovery()
			return
		}
		s.recovery = nil
		inst := job.inst
		inst.Pause()
		inst.Seek(job.snap.pos)
		inst.SetVolume(job.snap.volume)
		inst.SetMuted(job.snap.muted)
		inst.SetRate(job.snap.rate)

		old := s.primary
		s.primary = inst
		if s.onSwap != nil {
			s.onSwap(inst)
		}
		if old != nil {
			old.Close()
		}

		if job.snap.wasPlaying {
			s.wantPlay = true
			s.startPrimary()
		} else {
			s.phase = PhasePaused
		}
		log.Info().
			Str("deck", string(s.deck)).
			Float64("resumed_at", job.snap.pos).
			Msg("decode recovery complete")
		s.report(Status{Phase: s.phase, Duration: inst.Duration()})
	case EventSourceFault, EventDecodeFault:
		s.recovery = nil
		job.inst.Close()
		// The reload itself failed; treat it as another decode fault so
		// the attempt bound keeps counting.
		s.beginRecovery(ev.Err)
	}
}

func (s *Surface) fail(err error) {
	s.errMsg = err
	s.phase = PhaseError
	s.wantPlay = false
	log.Error().Str("deck", string(s.deck)).Err(err).Msg("surface fault surfaced")
	s.report(Status{Phase: s.phase, Duration: s.Duration(), Err: err})
}

func (s *Surface) report(st Status) {
	s.sink(st)
}

// cacheBusted appends a token so a rebuilt instance bypasses any decoder
// or proxy cache that served the faulty data.
func cacheBusted(src string, attempt int) string {
	sep := "?"
	if strings.ContainsRune(src, '?') {
		sep = "&"
	}
	return fmt.Sprintf("%s%sr=%d", src, sep, attempt)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
