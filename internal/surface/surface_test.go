package surface

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/decksync/decksync/internal/timeline"
)

type harness struct {
	clock      *clockwork.FakeClock
	s          *Surface
	insts      []*SimInstance
	statuses   []Status
	nextManual bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))}
	factory := NewSimFactory(h.clock, func(si *SimInstance) {
		si.SimDuration = 120.0
		si.ManualLoad = h.nextManual
		h.insts = append(h.insts, si)
	})
	h.s = New(timeline.DeckA, h.clock, factory, func(st Status) {
		h.statuses = append(h.statuses, st)
	}, Options{})
	return h
}

// pump drains every instance event into the surface until quiescent,
// the way the deck dispatch queue does in production.
func (h *harness) pump() {
	for {
		delivered := false
		for _, inst := range h.insts {
			select {
			case ev, ok := <-inst.Events():
				if ok {
					h.s.HandleEvent(inst, ev)
					delivered = true
				}
			default:
			}
		}
		if !delivered {
			return
		}
	}
}

func (h *harness) loadAndPlay(t *testing.T, src string) *SimInstance {
	t.Helper()
	h.s.SetSource(src, false)
	h.pump()
	if h.s.Phase() != PhaseReady {
		t.Fatalf("phase after load = %v, want ready", h.s.Phase())
	}
	h.s.Play()
	if h.s.Phase() != PhasePlaying {
		t.Fatalf("phase after play = %v, want playing", h.s.Phase())
	}
	return h.insts[len(h.insts)-1]
}

func TestSourceSwapKeepsOldInstanceVisible(t *testing.T) {
	h := newHarness(t)
	first := h.loadAndPlay(t, "media/one.mp4")

	// Replacement is built off-screen while the old source keeps
	// playing.
	h.nextManual = true
	h.s.SetSource("media/two.mp4", false)
	second := h.insts[len(h.insts)-1]

	if h.s.Primary() != Instance(first) {
		t.Fatal("primary replaced before the new instance was ready")
	}
	if !first.Playing() {
		t.Error("old instance stopped rendering during prepare")
	}
	if first.Closed() {
		t.Error("old instance torn down before swap")
	}

	// New instance reaches a playable point: atomic swap.
	second.CompleteLoad()
	h.pump()

	if h.s.Primary() != Instance(second) {
		t.Fatal("swap did not commit")
	}
	if !first.Closed() {
		t.Error("old instance leaked after swap")
	}
	if h.s.Phase() != PhaseReady {
		t.Errorf("phase after swap = %v, want ready", h.s.Phase())
	}
	if second.Position() != 0 {
		t.Errorf("new instance not rewound: position %v", second.Position())
	}
	if second.Playing() {
		t.Error("new instance started without a play command")
	}
}

func TestFailedSwapKeepsOldInstance(t *testing.T) {
	h := newHarness(t)
	first := h.loadAndPlay(t, "media/one.mp4")

	h.nextManual = true
	h.s.SetSource("media/broken.mp4", false)
	second := h.insts[len(h.insts)-1]
	second.FailLoad(ErrSourceMissing)
	h.pump()

	if h.s.Primary() != Instance(first) {
		t.Fatal("failed load replaced the visible instance")
	}
	if first.Closed() {
		t.Error("old instance torn down on failed swap")
	}
	if h.s.Phase() != PhaseError {
		t.Errorf("phase = %v, want error", h.s.Phase())
	}
	if h.s.Err() == nil || !errors.Is(h.s.Err(), ErrSourceMissing) {
		t.Errorf("retained diagnostic = %v, want source-missing", h.s.Err())
	}
}

func TestAutoplayBlockedIsRecoverable(t *testing.T) {
	h := newHarness(t)
	h.s.SetSource("media/one.mp4", false)
	h.pump()
	inst := h.insts[0]
	inst.BlockPlays = 1

	h.s.Play()
	if h.s.Phase() != PhaseBlocked {
		t.Fatalf("phase = %v, want blocked", h.s.Phase())
	}
	if h.s.Err() != nil {
		t.Error("autoplay block surfaced as an error")
	}

	// Next user gesture retries exactly once.
	h.s.UserGesture()
	if h.s.Phase() != PhasePlaying {
		t.Fatalf("phase after gesture = %v, want playing", h.s.Phase())
	}
	if !inst.Playing() {
		t.Error("instance not playing after gesture retry")
	}
}

func TestAutoplayBlockedRetriesOnlyOnce(t *testing.T) {
	h := newHarness(t)
	h.s.SetSource("media/one.mp4", false)
	h.pump()
	h.insts[0].BlockPlays = 5

	h.s.Play()
	h.s.UserGesture()
	if h.s.Phase() != PhaseBlocked {
		t.Fatalf("phase = %v, want blocked", h.s.Phase())
	}
	// Further gestures are no-ops until a new play command.
	h.s.UserGesture()
	h.s.UserGesture()
	if h.insts[0].BlockPlays != 3 {
		t.Errorf("gesture retried more than once: %d blocks left", h.insts[0].BlockPlays)
	}
}

func TestRateResyncAfterSilentFailure(t *testing.T) {
	h := newHarness(t)
	inst := h.loadAndPlay(t, "media/one.mp4")

	inst.MisapplyRates = 1
	h.s.ApplyRate(2.0)
	if h.s.RateSettled() {
		t.Fatal("silent rate failure went unnoticed by the harness knob")
	}

	if !h.s.VerifyRate() {
		t.Fatal("resync did not settle the rate")
	}
	if got := inst.Rate(); got != 2.0 {
		t.Errorf("observed rate = %v, want 2.0", got)
	}
	if h.s.Phase() != PhasePlaying {
		t.Errorf("phase after resync = %v, want playing", h.s.Phase())
	}
}

func TestRateResyncBoundedRetries(t *testing.T) {
	h := newHarness(t)
	inst := h.loadAndPlay(t, "media/one.mp4")

	inst.MisapplyRates = 100
	h.s.ApplyRate(4.0)

	attempts := 0
	for !h.s.VerifyRate() {
		attempts++
		if attempts > 10 {
			t.Fatal("VerifyRate never accepted best effort")
		}
	}
	// Mismatch persists but is accepted, not surfaced as an error.
	if h.s.Phase() == PhaseError {
		t.Error("persistent rate mismatch escalated to error")
	}
}

func TestAcceptedRateStopsReverification(t *testing.T) {
	h := newHarness(t)
	h.loadAndPlay(t, "media/one.mp4")

	h.insts[len(h.insts)-1].MisapplyRates = 100
	h.s.ApplyRate(4.0)
	for i := 0; i <= maxRateRetries; i++ {
		h.s.VerifyRate()
	}

	// Acceptance latches: the periodic tick must stop re-entering the
	// resync dance for a target that already ran out of retries.
	if !h.s.RateSettled() {
		t.Fatal("best-effort acceptance did not settle the rate")
	}

	// A fresh rate request re-arms verification.
	h.s.ApplyRate(2.0)
	if h.s.RateSettled() {
		t.Error("new rate target inherited the stale acceptance")
	}
}

func TestDecodeRecoveryRestoresSnapshot(t *testing.T) {
	h := newHarness(t)
	first := h.loadAndPlay(t, "media/one.mp4")
	h.s.ApplyRate(2.0)
	h.s.SetVolume(0.5)
	h.s.SetMuted(true)
	h.clock.Advance(5 * time.Second) // position advances to ~10s at 2x

	first.InjectDecodeFault()
	h.pump()

	replacement := h.insts[len(h.insts)-1]
	if h.s.Primary() != Instance(replacement) {
		t.Fatal("recovery did not swap in a rebuilt instance")
	}
	if !first.Closed() {
		t.Error("faulted instance leaked")
	}
	if !strings.Contains(replacement.Src(), "r=1") {
		t.Errorf("recovery load missing cache-defeating token: %q", replacement.Src())
	}
	if pos := replacement.Position(); pos < 9.9 || pos > 10.1 {
		t.Errorf("restored position = %v, want ~10.0", pos)
	}
	if replacement.Rate() != 2.0 {
		t.Errorf("restored rate = %v, want 2.0", replacement.Rate())
	}
	if replacement.Volume() != 0.5 || !replacement.Muted() {
		t.Errorf("volume/mute not restored: %v/%v", replacement.Volume(), replacement.Muted())
	}
	if h.s.Phase() != PhasePlaying || !replacement.Playing() {
		t.Errorf("playback not resumed after recovery: phase %v", h.s.Phase())
	}
}

func TestThirdFaultInWindowForcesNeutralRate(t *testing.T) {
	h := newHarness(t)
	h.loadAndPlay(t, "media/one.mp4")
	h.s.ApplyRate(3.0)

	// Two faults within five seconds, then a third: the third recovery
	// attempt must force the rate back to 1.0.
	for i := 0; i < 2; i++ {
		h.insts[len(h.insts)-1].InjectDecodeFault()
		h.pump()
		h.clock.Advance(time.Second)
	}
	if got := h.s.Primary().Rate(); got != 3.0 {
		t.Fatalf("rate forced neutral too early: %v", got)
	}

	h.insts[len(h.insts)-1].InjectDecodeFault()
	h.pump()

	if got := h.s.Primary().Rate(); got != 1.0 {
		t.Errorf("rate after third fault = %v, want 1.0", got)
	}
}

func TestFaultStreakResetsOutsideWindow(t *testing.T) {
	h := newHarness(t)
	h.loadAndPlay(t, "media/one.mp4")
	h.s.ApplyRate(2.0)

	for i := 0; i < 3; i++ {
		h.insts[len(h.insts)-1].InjectDecodeFault()
		h.pump()
		// Well outside the 5s window: each fault is isolated.
		h.clock.Advance(DecodeFaultWindow + time.Second)
	}
	if got := h.s.Primary().Rate(); got != 2.0 {
		t.Errorf("isolated faults forced neutral rate: %v", got)
	}
}

func TestRecoveryExhaustionEscalates(t *testing.T) {
	h := newHarness(t)
	h.loadAndPlay(t, "media/one.mp4")

	for i := 0; i < 6; i++ {
		if h.s.Phase() == PhaseError {
			break
		}
		h.insts[len(h.insts)-1].InjectDecodeFault()
		h.pump()
		h.clock.Advance(10 * time.Second)
	}
	if h.s.Phase() != PhaseError {
		t.Fatalf("phase after exhausted recoveries = %v, want error", h.s.Phase())
	}
	if h.s.Err() == nil {
		t.Error("terminal decode failure lost its diagnostic")
	}
}

func TestSourceChangeAbandonsRecovery(t *testing.T) {
	h := newHarness(t)
	first := h.loadAndPlay(t, "media/one.mp4")

	// Recovery reload held open so a source change can race it.
	h.nextManual = true
	first.InjectDecodeFault()
	h.pump()
	recoveryInst := h.insts[len(h.insts)-1]

	h.nextManual = false
	h.s.SetSource("media/two.mp4", false)
	h.pump()

	if !recoveryInst.Closed() {
		t.Error("stale recovery instance leaked")
	}
	cur := h.insts[len(h.insts)-1]
	if h.s.Primary() != Instance(cur) || cur.Src() != "media/two.mp4" {
		t.Errorf("stale recovery resurrected abandoned source: primary src %q", h.s.Src())
	}
}

func TestClearReleasesEverything(t *testing.T) {
	h := newHarness(t)
	first := h.loadAndPlay(t, "media/one.mp4")
	h.nextManual = true
	h.s.SetSource("media/two.mp4", true)
	pending := h.insts[len(h.insts)-1]

	h.s.Clear()

	if h.s.Phase() != PhaseIdle {
		t.Errorf("phase = %v, want idle", h.s.Phase())
	}
	if !first.Closed() || !pending.Closed() {
		t.Error("clear leaked decode resources")
	}
	if h.s.Src() != "" {
		t.Errorf("src = %q after clear", h.s.Src())
	}
}

func TestEndedReportsStatus(t *testing.T) {
	h := newHarness(t)
	inst := h.loadAndPlay(t, "media/one.mp4")

	inst.FinishPlayback()
	h.pump()

	if h.s.Phase() != PhasePaused {
		t.Errorf("phase after end = %v, want paused", h.s.Phase())
	}
	last := h.statuses[len(h.statuses)-1]
	if !last.Ended {
		t.Error("ended status not reported")
	}
}
