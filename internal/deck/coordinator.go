// Package deck ties one deck's timeline store, playback surface and
// mirror synchronizer together and drives them from protocol messages.
//
// All state mutation for a deck happens on one dispatch goroutine:
// inbound commands, remote broadcasts, platform media callbacks and
// timers are all messages on one queue, so per-deck invariants need no
// locking. The four decks are mutually independent.
package deck

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/decksync/decksync/internal/mirror"
	"github.com/decksync/decksync/internal/protocol"
	"github.com/decksync/decksync/internal/surface"
	"github.com/decksync/decksync/internal/timeline"
)

// Role selects who owns the deck's version counter.
type Role int

const (
	// RoleAuthority commits commands and emits the authoritative echo.
	// Exactly one process holds this role per deck.
	RoleAuthority Role = iota
	// RoleReplica follows broadcasts and keeps its local surface
	// converged on them.
	RoleReplica
)

// Broadcaster delivers authoritative state to every consumer (bus,
// websocket gateway). Implementations must not block.
type Broadcaster interface {
	BroadcastState(deck timeline.DeckKey, st timeline.State)
}

// CommandSender forwards a replica's local intents to the authority.
type CommandSender interface {
	SendCommand(cmd protocol.Command) error
}

// Snapshotter persists last-known deck state across restarts. May be
// nil.
type Snapshotter interface {
	SaveSnapshot(deck timeline.DeckKey, st timeline.State) error
}

const (
	// tickInterval drives mirror reconciliation, held-update release
	// and rate verification.
	tickInterval = 250 * time.Millisecond

	// replicaSeekTolerance is how far a replica surface may drift from
	// the extrapolated authoritative position before it is re-seeked.
	replicaSeekTolerance = 0.5

	inboxDepth = 128
)

type msgKind int

const (
	msgCommand msgKind = iota
	msgRemoteState
	msgInstanceEvent
	msgGesture
	msgAddMirror
	msgRemoveMirror
	msgResync
)

type instanceEvent struct {
	inst      surface.Instance
	ev        surface.Event
	forMirror bool
}

type message struct {
	kind   msgKind
	cmd    protocol.Command
	remote protocol.StateBroadcast
	instEv instanceEvent
	id     string
}

// Coordinator owns one deck.
type Coordinator struct {
	deck  timeline.DeckKey
	role  Role
	clock clockwork.Clock

	store   *timeline.Store
	surface *surface.Surface
	mirrors *mirror.Synchronizer

	bcast  Broadcaster
	sender CommandSender
	snaps  Snapshotter

	inbox chan message
	done  chan struct{}

	// restoring is set while a resync-triggered load is in flight, so
	// the next tick with a live instance finishes the convergence.
	restoring bool
}

// Config assembles a coordinator.
type Config struct {
	Deck    timeline.DeckKey
	Role    Role
	Clock   clockwork.Clock
	Store   *timeline.Store
	Factory surface.Factory
	// Binder gates direct mirror output binding; nil forces fallback.
	Binder mirror.DirectBinder
	// Broadcast receives authoritative state (authority role).
	Broadcast Broadcaster
	// Sender carries local intents to the authority (replica role).
	Sender CommandSender
	// Snapshots persists state across restarts; optional.
	Snapshots Snapshotter
}

// New wires a coordinator, its surface and its mirror synchronizer.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		deck:   cfg.Deck,
		role:   cfg.Role,
		clock:  cfg.Clock,
		store:  cfg.Store,
		bcast:  cfg.Broadcast,
		sender: cfg.Sender,
		snaps:  cfg.Snapshots,
		inbox:  make(chan message, inboxDepth),
		done:   make(chan struct{}),
	}
	c.surface = surface.New(cfg.Deck, cfg.Clock, cfg.Factory, c.onSurfaceStatus, surface.Options{
		OnInstance: func(inst surface.Instance) { c.pump(inst, false) },
		OnSwap:     c.onPrimarySwap,
	})
	c.mirrors = mirror.NewSynchronizer(cfg.Deck, cfg.Clock, cfg.Factory, cfg.Binder,
		func(inst surface.Instance) { c.pump(inst, true) })
	return c
}

// Deck returns the deck key this coordinator owns.
func (c *Coordinator) Deck() timeline.DeckKey { return c.deck }

// Surface exposes the playback surface for inspection.
func (c *Coordinator) Surface() *surface.Surface { return c.surface }

// pump forwards an instance's platform callbacks into the dispatch
// queue, preserving the single-writer-per-deck invariant.
func (c *Coordinator) pump(inst surface.Instance, forMirror bool) {
	go func() {
		for ev := range inst.Events() {
			select {
			case c.inbox <- message{kind: msgInstanceEvent, instEv: instanceEvent{inst: inst, ev: ev, forMirror: forMirror}}:
			case <-c.done:
				return
			}
		}
	}()
}

// SubmitCommand queues an inbound wire command.
func (c *Coordinator) SubmitCommand(cmd protocol.Command) {
	c.enqueue(message{kind: msgCommand, cmd: cmd})
}

// SubmitRemoteState queues an authoritative broadcast (replica role).
func (c *Coordinator) SubmitRemoteState(sb protocol.StateBroadcast) {
	c.enqueue(message{kind: msgRemoteState, remote: sb})
}

// SubmitResync queues a convergence pass against the store's current
// snapshot. Used after seeding restored state, before any traffic.
func (c *Coordinator) SubmitResync() {
	c.enqueue(message{kind: msgResync})
}

// SubmitGesture queues a user gesture, unblocking an autoplay-rejected
// start.
func (c *Coordinator) SubmitGesture() {
	c.enqueue(message{kind: msgGesture})
}

// AttachMirror registers a secondary render surface.
func (c *Coordinator) AttachMirror(id string) {
	c.enqueue(message{kind: msgAddMirror, id: id})
}

// DetachMirror removes a secondary render surface.
func (c *Coordinator) DetachMirror(id string) {
	c.enqueue(message{kind: msgRemoveMirror, id: id})
}

func (c *Coordinator) enqueue(m message) {
	select {
	case c.inbox <- m:
	case <-c.done:
	default:
		log.Warn().Str("deck", string(c.deck)).Msg("deck inbox full, dropping message")
	}
}

// Run drives the dispatch loop until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	log.Info().Str("deck", string(c.deck)).Int("role", int(c.role)).Msg("deck coordinator started")
	ticker := c.clock.NewTicker(tickInterval)
	defer func() {
		ticker.Stop()
		close(c.done)
		c.mirrors.Teardown()
		c.surface.Clear()
		log.Info().Str("deck", string(c.deck)).Msg("deck coordinator stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.inbox:
			c.dispatch(m)
		case <-ticker.Chan():
			c.tick()
		}
	}
}

// RunStep processes queued messages synchronously until the inbox is
// empty, then runs one tick. Test hook: lets the suites drive the
// dispatch loop deterministically without goroutine scheduling.
func (c *Coordinator) RunStep() {
	for {
		select {
		case m := <-c.inbox:
			c.dispatch(m)
		default:
			c.tick()
			return
		}
	}
}

func (c *Coordinator) dispatch(m message) {
	switch m.kind {
	case msgCommand:
		c.handleCommand(m.cmd)
	case msgRemoteState:
		c.handleRemoteState(m.remote)
	case msgInstanceEvent:
		if m.instEv.forMirror {
			c.mirrors.HandleEvent(m.instEv.inst, m.instEv.ev)
		} else {
			c.surface.HandleEvent(m.instEv.inst, m.instEv.ev)
		}
	case msgGesture:
		c.surface.UserGesture()
	case msgAddMirror:
		c.mirrors.AddMirror(m.id)
	case msgRemoveMirror:
		c.mirrors.RemoveMirror(m.id)
	case msgResync:
		if st := c.store.Snapshot(c.deck); st.Src != "" {
			c.syncSurface(st)
			// The load is asynchronous; position and play state settle
			// once the instance is live.
			c.restoring = c.surface.Primary() == nil
		}
	}
}

func (c *Coordinator) tick() {
	if c.store.ReleaseHeld(c.deck) {
		// A fenced update outlived its hold; converge the surface on it.
		c.syncSurface(c.store.Snapshot(c.deck))
	}
	if c.restoring && c.surface.Primary() != nil {
		c.restoring = false
		c.syncSurface(c.store.Snapshot(c.deck))
	}
	if !c.surface.RateSettled() {
		c.surface.VerifyRate()
	}
	c.mirrors.Reconcile()
}

func (c *Coordinator) handleCommand(cmd protocol.Command) {
	deck, in, err := cmd.Intent()
	if err != nil {
		log.Warn().Str("deck", cmd.Deck).Str("op", cmd.Op).Err(err).Msg("rejecting malformed command")
		return
	}
	if deck != c.deck {
		log.Warn().Str("deck", string(deck)).Str("want", string(c.deck)).Msg("command routed to wrong deck")
		return
	}

	if c.role == RoleReplica {
		// Optimistic projection for responsiveness; the echo settles it.
		if _, projected, err := c.store.IssueCommandID(c.deck, in, cmd.CommandID); err == nil {
			c.applyIntent(in, projected)
			if c.sender != nil {
				if err := c.sender.SendCommand(cmd); err != nil {
					log.Error().Str("deck", string(c.deck)).Err(err).Msg("failed to forward command to authority")
				}
			}
		}
		return
	}

	echo, err := c.store.Commit(c.deck, in, cmd.CommandID)
	if err != nil {
		log.Warn().Str("deck", string(c.deck)).Err(err).Msg("command rejected at commit")
		return
	}
	c.applyIntent(in, echo)
	c.publish(echo)
}

// applyIntent maps a committed intent onto the playback surface.
func (c *Coordinator) applyIntent(in timeline.Intent, st timeline.State) {
	switch in.Op {
	case timeline.OpSource:
		if in.Src == "" {
			c.surface.Clear()
			c.mirrors.Rebind(nil, "")
		} else {
			c.surface.SetSource(in.Src, in.Reload)
		}
	case timeline.OpPlay:
		c.surface.Play()
	case timeline.OpPause:
		c.surface.Pause()
	case timeline.OpToggle:
		if st.IsPlaying {
			c.surface.Play()
		} else {
			c.surface.Pause()
		}
	case timeline.OpSeek:
		c.surface.SeekTo(in.Position)
		if st.IsPlaying {
			c.surface.Play()
		} else {
			c.surface.Pause()
		}
	case timeline.OpRate:
		c.surface.ApplyRate(in.Rate)
	case timeline.OpState:
		c.syncSurface(st)
	}
}

func (c *Coordinator) handleRemoteState(sb protocol.StateBroadcast) {
	deck, err := timeline.ParseDeck(sb.Deck)
	if err != nil || deck != c.deck {
		return
	}
	res := c.store.ApplyRemote(c.deck, sb.State)
	switch res {
	case timeline.Applied:
		c.syncSurface(c.store.Snapshot(c.deck))
	case timeline.Stale, timeline.Unchanged, timeline.Held:
		// Stale drops are silent by design; held updates resolve on a
		// later echo or the hold timeout.
		log.Debug().
			Str("deck", string(c.deck)).
			Uint64("version", sb.State.Version).
			Str("result", res.String()).
			Msg("remote state not applied")
	}
}

// syncSurface converges the local surface on an authoritative snapshot:
// source, play state, rate, and position within tolerance.
func (c *Coordinator) syncSurface(st timeline.State) {
	if st.Src != c.surface.Src() {
		if st.Src == "" {
			c.surface.Clear()
			c.mirrors.Rebind(nil, "")
		} else {
			c.surface.SetSource(st.Src, false)
		}
	}
	if st.Src == "" {
		return
	}

	c.surface.ApplyRate(st.PlayRate)

	now := float64(c.clock.Now().UnixNano()) / float64(time.Second)
	want := timeline.PositionAt(st, now)
	have := c.surface.Position()
	if diff := want - have; diff > replicaSeekTolerance || diff < -replicaSeekTolerance {
		c.surface.SeekTo(want)
	}

	if st.IsPlaying && st.PlayRate > 0 {
		c.surface.Play()
	} else {
		c.surface.Pause()
	}
}

// onSurfaceStatus receives surface state changes on the dispatch
// goroutine and, in the authority role, commits them as new
// authoritative versions.
func (c *Coordinator) onSurfaceStatus(st surface.Status) {
	if c.role != RoleAuthority {
		return
	}
	next := c.store.Snapshot(c.deck)
	next.IsLoading = st.Phase == surface.PhaseLoading
	next.Error = st.Err != nil
	if st.Duration > 0 {
		next.Duration = st.Duration
	}
	if st.Ended {
		next.IsPlaying = false
		next.BasePosition = next.Duration
		next.UpdatedAt = float64(c.clock.Now().UnixNano()) / float64(time.Second)
	}
	committed := c.store.CommitState(c.deck, next)
	c.publish(committed)
}

func (c *Coordinator) onPrimarySwap(inst surface.Instance) {
	c.mirrors.Rebind(inst, c.surface.Src())
}

func (c *Coordinator) publish(st timeline.State) {
	if c.bcast != nil {
		c.bcast.BroadcastState(c.deck, st)
	}
	if c.snaps != nil {
		if err := c.snaps.SaveSnapshot(c.deck, st); err != nil {
			log.Error().Str("deck", string(c.deck)).Err(err).Msg("snapshot persist failed")
		}
	}
}
