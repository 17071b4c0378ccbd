// Package bus carries deck traffic between processes over NATS
// JetStream: authoritative state broadcasts out of the engine and
// forwarded commands back into it. Delivery is at-least-once and
// unordered across subjects; the version inside each state payload is
// what consumers order by.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/decksync/decksync/internal/protocol"
	"github.com/decksync/decksync/internal/timeline"
)

// JetStreamConfig holds stream and connection tuning.
type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	MaxMsgs         int64         // Max number of messages to keep
	Replicas        int           // Number of replicas for the stream
	DuplicateWindow time.Duration // Window for duplicate detection
}

// DefaultJetStreamConfig returns the default stream configuration. Deck
// state is ephemeral coordination traffic, so retention is short.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "DECK_EVENTS",
		SubjectPrefix:   "deck",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          time.Hour,
		MaxMsgs:         -1, // No limit
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
	}
}

// stateSubject is where one deck's broadcasts land, e.g. deck.state.a.
func (cfg JetStreamConfig) stateSubject(deck timeline.DeckKey) string {
	return fmt.Sprintf("%s.state.%s", cfg.SubjectPrefix, deck)
}

// commandSubject is where forwarded commands for a deck land.
func (cfg JetStreamConfig) commandSubject(deck string) string {
	return fmt.Sprintf("%s.cmd.%s", cfg.SubjectPrefix, deck)
}

// Publisher publishes deck state and commands to JetStream.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

// NewPublisher connects to NATS and ensures the deck stream exists.
func NewPublisher(cfg JetStreamConfig) (*Publisher, error) {
	nc, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js, config: cfg}

	if err := p.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return p, nil
}

func connect(cfg JetStreamConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Deck state and command stream",
		Subjects:    []string{fmt.Sprintf("%s.>", p.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.config.MaxAge,
		MaxMsgs:     p.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    p.config.Replicas,
		Duplicates:  p.config.DuplicateWindow,
	}

	stream, err := p.js.Stream(ctx, p.config.StreamName)
	if err != nil {
		if _, err = p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().
			Str("stream", p.config.StreamName).
			Msg("created JetStream stream")
	} else {
		info, err := stream.Info(ctx)
		if err != nil {
			return fmt.Errorf("get stream info: %w", err)
		}
		if !isStreamConfigEqual(info.Config, sc) {
			if _, err = p.js.UpdateStream(ctx, sc); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			log.Info().
				Str("stream", p.config.StreamName).
				Msg("updated JetStream stream")
		}
	}
	return nil
}

// BroadcastState publishes one deck's authoritative state. Satisfies
// the coordinator's Broadcaster; publish failures are logged, never
// propagated back into the dispatch loop.
func (p *Publisher) BroadcastState(deck timeline.DeckKey, st timeline.State) {
	env, err := protocol.Wrap(protocol.TypeState, time.Now(), protocol.StateBroadcast{
		Deck:  string(deck),
		State: st,
	})
	if err != nil {
		log.Error().Err(err).Msg("wrap state broadcast")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("marshal state broadcast")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: p.config.stateSubject(deck),
		Data:    data,
		Header: nats.Header{
			"Deck":    []string{string(deck)},
			"Version": []string{fmt.Sprintf("%d", st.Version)},
		},
	},
		jetstream.WithMsgID(env.ID),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		log.Error().
			Err(err).
			Str("deck", string(deck)).
			Uint64("version", st.Version).
			Msg("publish state to JetStream")
		return
	}

	log.Debug().
		Str("deck", string(deck)).
		Uint64("version", st.Version).
		Uint64("sequence", ack.Sequence).
		Msg("state published to JetStream")
}

// SendCommand forwards a command toward the deck's authority. Satisfies
// the coordinator's CommandSender.
func (p *Publisher) SendCommand(cmd protocol.Command) error {
	env, err := protocol.Wrap(protocol.TypeCommand, time.Now(), cmd)
	if err != nil {
		return fmt.Errorf("wrap command: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = p.js.PublishMsg(ctx, &nats.Msg{
		Subject: p.config.commandSubject(cmd.Deck),
		Data:    data,
	},
		jetstream.WithMsgID(cmd.CommandID),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish command to JetStream: %w", err)
	}
	return nil
}

// Close releases the NATS connection.
func (p *Publisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}
