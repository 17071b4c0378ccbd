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
)

// ConsumerConfig holds JetStream consumer tuning.
type ConsumerConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string        // e.g. "deck.state.>" or "deck.cmd.>"
	MaxDeliver    int           // Max delivery attempts
	AckWait       time.Duration // How long to wait for ack
	MaxAckPending int           // Max messages pending ack
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultStateConsumerConfig consumes state broadcasts, e.g. for a
// replica engine or a relay. DeliverLastPerSubject makes reconnects
// start from each deck's latest state instead of replaying history.
func DefaultStateConsumerConfig(name string) ConsumerConfig {
	return ConsumerConfig{
		URL:           nats.DefaultURL,
		StreamName:    "DECK_EVENTS",
		ConsumerName:  name,
		SubjectFilter: "deck.state.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// DefaultCommandConsumerConfig consumes forwarded commands on the
// authority side.
func DefaultCommandConsumerConfig(name string) ConsumerConfig {
	cfg := DefaultStateConsumerConfig(name)
	cfg.SubjectFilter = "deck.cmd.>"
	return cfg
}

// Sink receives decoded bus traffic. Both methods must not block; the
// deck coordinators behind them queue internally.
type Sink interface {
	HandleState(sb protocol.StateBroadcast)
	HandleCommand(cmd protocol.Command)
}

// Consumer consumes deck traffic from JetStream and hands it to a Sink.
type Consumer struct {
	sink     Sink
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   ConsumerConfig
}

// NewConsumer connects to NATS and creates or reuses the durable
// consumer.
func NewConsumer(sink Sink, cfg ConsumerConfig) (*Consumer, error) {
	nc, err := connect(JetStreamConfig{
		URL:           cfg.URL,
		MaxReconnects: cfg.MaxReconnects,
		ReconnectWait: cfg.ReconnectWait,
	})
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	c := &Consumer{sink: sink, nc: nc, js: js, config: cfg}

	if err := c.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	return c, nil
}

func (c *Consumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          c.config.ConsumerName,
		Durable:       c.config.ConsumerName,
		Description:   "Deck traffic consumer",
		FilterSubject: c.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.config.MaxDeliver,
		AckWait:       c.config.AckWait,
		MaxAckPending: c.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := stream.Consumer(ctx, c.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", c.config.ConsumerName).
			Str("stream", c.config.StreamName).
			Msg("created JetStream consumer")
	} else {
		log.Info().
			Str("consumer", c.config.ConsumerName).
			Str("stream", c.config.StreamName).
			Msg("using existing JetStream consumer")
	}

	c.consumer = consumer
	return nil
}

// Start consumes until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("filter", c.config.SubjectFilter).
		Msg("starting JetStream consumer")

	messageCh := make(chan jetstream.Msg, 100)

	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("bus consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := c.processMessage(msg); err != nil {
				log.Error().
					Err(err).
					Str("subject", msg.Subject()).
					Msg("failed to process message")
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
			} else {
				if ackErr := msg.Ack(); ackErr != nil {
					log.Error().Err(ackErr).Msg("failed to ACK message")
				}
			}
		}
	}
}

func (c *Consumer) processMessage(msg jetstream.Msg) error {
	return c.dispatch(msg.Data(), msg.Subject())
}

// dispatch decodes one frame and hands it to the sink.
func (c *Consumer) dispatch(data []byte, subject string) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	payload, err := protocol.Parse(env)
	if err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}

	switch m := payload.(type) {
	case protocol.StateBroadcast:
		log.Debug().
			Str("deck", m.Deck).
			Uint64("version", m.State.Version).
			Str("subject", subject).
			Msg("state broadcast consumed")
		c.sink.HandleState(m)
	case protocol.Command:
		log.Debug().
			Str("deck", m.Deck).
			Str("op", m.Op).
			Str("command_id", m.CommandID).
			Msg("forwarded command consumed")
		c.sink.HandleCommand(m)
	default:
		return fmt.Errorf("unexpected message type %q on subject %s", env.Type, subject)
	}
	return nil
}

// Stop closes the NATS connection.
func (c *Consumer) Stop() error {
	log.Info().Msg("stopping bus consumer")

	if c.nc != nil {
		c.nc.Close()
	}

	return nil
}

// GetConsumerInfo returns information about the consumer.
func (c *Consumer) GetConsumerInfo(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	return c.consumer.Info(ctx)
}
