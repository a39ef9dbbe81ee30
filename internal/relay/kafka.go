// ABOUTME: Kafka relay bridge using franz-go, keyed by connection ID
// ABOUTME: Every node reads the relay topic and keeps envelopes for connections it holds

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/2389/fanout-gateway/internal/fanout"
)

// KafkaConfig configures the Kafka bridge.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	NodeID  string
}

// Validate checks required fields.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	for _, b := range c.Brokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("kafka broker address must not be empty")
		}
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("kafka node id is required")
	}
	return nil
}

// KafkaBridge relays envelopes through one Kafka topic. The record key is the
// connection ID, so all envelopes for a connection land on one partition.
type KafkaBridge struct {
	cfg    KafkaConfig
	client *kgo.Client
	logger *slog.Logger

	mu     sync.RWMutex
	bound  map[string]struct{}
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Bridge = (*KafkaBridge)(nil)

// NewKafkaBridge creates a client that produces to and consumes from
// cfg.Topic. Each node uses its own consumer group so every node sees every
// record; consumption starts at the log end since old envelopes are useless.
func NewKafkaBridge(cfg KafkaConfig, logger *slog.Logger) (*KafkaBridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID("fanout-gateway-"+cfg.NodeID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup("fanout-relay-"+cfg.NodeID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.DisableIdempotentWrite(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &KafkaBridge{
		cfg:    cfg,
		client: client,
		bound:  make(map[string]struct{}),
		logger: logger.With("component", "relay-kafka", "node_id", cfg.NodeID),
	}, nil
}

// AcquireHandle returns a handle sharing the bridge's client, which is safe
// for concurrent use.
func (b *KafkaBridge) AcquireHandle(_ context.Context) (fanout.RelayHandle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	return &kafkaHandle{bridge: b}, nil
}

// Bind starts keeping envelopes for connectionID.
func (b *KafkaBridge) Bind(_ context.Context, connectionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.bound[connectionID] = struct{}{}
	return nil
}

// Unbind stops keeping envelopes for connectionID.
func (b *KafkaBridge) Unbind(_ context.Context, connectionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bound, connectionID)
	return nil
}

func (b *KafkaBridge) isBound(connectionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.bound[connectionID]
	return ok
}

// Start polls the relay topic until ctx is done or the bridge closes.
func (b *KafkaBridge) Start(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for {
			fetches := b.client.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				b.logger.Warn("fetch error", "topic", topic, "partition", partition, "error", err)
			})
			fetches.EachRecord(func(r *kgo.Record) {
				b.handleRecord(ctx, r, h)
			})
		}
	}()
	return nil
}

// handleRecord filters on the record key before decoding, so envelopes for
// other nodes' connections cost no decode.
func (b *KafkaBridge) handleRecord(ctx context.Context, r *kgo.Record, h Handler) {
	if !b.isBound(string(r.Key)) {
		return
	}
	env, err := Decode(r.Value)
	if err != nil {
		b.logger.Warn("dropping malformed envelope",
			"partition", r.Partition,
			"offset", r.Offset,
			"error", err,
		)
		return
	}
	h(ctx, env)
}

// Close stops polling and closes the client.
func (b *KafkaBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	b.client.Close()
	return nil
}

type kafkaHandle struct {
	bridge *KafkaBridge
}

func (h *kafkaHandle) Publish(ctx context.Context, connectionID string, msg fanout.Message) error {
	env := NewEnvelope(h.bridge.cfg.NodeID, connectionID, msg)
	value, err := Encode(env)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: h.bridge.cfg.Topic,
		Key:   []byte(connectionID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "envelope_id", Value: []byte(env.ID)},
		},
	}
	if err := h.bridge.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		if errors.Is(err, kgo.ErrClientClosed) {
			return ErrClosed
		}
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

// Clone shares the client; kgo batches concurrent produces itself.
func (h *kafkaHandle) Clone() (fanout.RelayHandle, error) {
	return h.bridge.AcquireHandle(context.Background())
}

func (h *kafkaHandle) Close() error { return nil }
