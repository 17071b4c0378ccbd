package deck

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/decksync/decksync/internal/mirror"
	"github.com/decksync/decksync/internal/protocol"
	"github.com/decksync/decksync/internal/surface"
	"github.com/decksync/decksync/internal/timeline"
)

// Engine runs one coordinator per deck and routes inbound traffic to
// the right one.
type Engine struct {
	store  *timeline.Store
	coords map[timeline.DeckKey]*Coordinator
}

// EngineConfig is shared coordinator wiring; the engine stamps one
// coordinator per deck key from it.
type EngineConfig struct {
	Role      Role
	Clock     clockwork.Clock
	Factory   surface.Factory
	Binder    mirror.DirectBinder
	Broadcast Broadcaster
	Sender    CommandSender
	Snapshots Snapshotter
}

// NewEngine builds coordinators for every deck key.
func NewEngine(store *timeline.Store, cfg EngineConfig) *Engine {
	e := &Engine{
		store:  store,
		coords: make(map[timeline.DeckKey]*Coordinator, len(timeline.DeckKeys)),
	}
	for _, k := range timeline.DeckKeys {
		e.coords[k] = New(Config{
			Deck:      k,
			Role:      cfg.Role,
			Clock:     cfg.Clock,
			Store:     store,
			Factory:   cfg.Factory,
			Binder:    cfg.Binder,
			Broadcast: cfg.Broadcast,
			Sender:    cfg.Sender,
			Snapshots: cfg.Snapshots,
		})
	}
	return e
}

// Restore seeds deck state from persisted snapshots, before any
// traffic.
func (e *Engine) Restore(snapshots map[timeline.DeckKey]timeline.State) {
	for deck, st := range snapshots {
		e.store.Restore(deck, st)
		// The store alone is not enough: the deck's surface must load
		// the restored source and seek to the persisted position.
		e.coords[deck].SubmitResync()
		log.Info().
			Str("deck", string(deck)).
			Str("src", st.Src).
			Float64("position", st.BasePosition).
			Msg("deck state restored from snapshot")
	}
}

// Run drives every coordinator until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range e.coords {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			c.Run(ctx)
		}(c)
	}
	wg.Wait()
}

// Coordinator returns the coordinator for a deck.
func (e *Engine) Coordinator(deck timeline.DeckKey) *Coordinator {
	return e.coords[deck]
}

// SnapshotAll exposes the store's full snapshot for connection resync.
func (e *Engine) SnapshotAll() map[timeline.DeckKey]timeline.State {
	return e.store.SnapshotAll()
}

// RouteCommand delivers an inbound command to its deck's coordinator.
// Satisfies the gateway's Router.
func (e *Engine) RouteCommand(cmd protocol.Command) {
	deck, err := timeline.ParseDeck(cmd.Deck)
	if err != nil {
		log.Warn().Str("deck", cmd.Deck).Msg("command for unknown deck dropped")
		return
	}
	e.coords[deck].SubmitCommand(cmd)
}

// HandleCommand consumes a command forwarded over the bus. Satisfies
// the bus Sink on the authority side.
func (e *Engine) HandleCommand(cmd protocol.Command) {
	e.RouteCommand(cmd)
}

// HandleState consumes a state broadcast from the bus. Satisfies the
// bus Sink on the replica side.
func (e *Engine) HandleState(sb protocol.StateBroadcast) {
	deck, err := timeline.ParseDeck(sb.Deck)
	if err != nil {
		log.Warn().Str("deck", sb.Deck).Msg("broadcast for unknown deck dropped")
		return
	}
	e.coords[deck].SubmitRemoteState(sb)
}

// FanoutBroadcaster delivers authoritative state to several sinks, e.g.
// the WebSocket gateway plus the bus publisher.
type FanoutBroadcaster []Broadcaster

func (f FanoutBroadcaster) BroadcastState(deck timeline.DeckKey, st timeline.State) {
	for _, b := range f {
		b.BroadcastState(deck, st)
	}
}
