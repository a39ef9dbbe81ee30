// ABOUTME: RabbitMQ relay bridge using a topic exchange keyed by connection ID
// ABOUTME: Each node consumes an exclusive queue bound to the connections it holds

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/fanout-gateway/internal/fanout"
)

const envelopeContentType = "application/msgpack"

// envelopeTTL is how long an undelivered envelope may wait in a queue.
const envelopeTTL = time.Minute

// RabbitMQConfig configures the RabbitMQ bridge.
type RabbitMQConfig struct {
	URL      string
	Exchange string
	NodeID   string

	// PoolSize is how many publish channels are kept open for reuse.
	PoolSize int
}

// Validate checks required fields.
func (c RabbitMQConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("rabbitmq node id is required")
	}
	return nil
}

func (c RabbitMQConfig) queueName() string {
	return "relay." + c.NodeID
}

// RabbitMQBridge relays envelopes through a RabbitMQ topic exchange.
type RabbitMQBridge struct {
	cfg    RabbitMQConfig
	conn   *amqp.Connection
	logger *slog.Logger

	// ctl declares, binds and consumes; amqp channels are not safe for
	// concurrent use so it is guarded by ctlMu.
	ctlMu sync.Mutex
	ctl   *amqp.Channel

	pool chan *amqp.Channel

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ Bridge = (*RabbitMQBridge)(nil)

// NewRabbitMQBridge dials the broker and declares the exchange and this
// node's queue.
func NewRabbitMQBridge(cfg RabbitMQConfig, logger *slog.Logger) (*RabbitMQBridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ctl, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ctl.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ctl.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	// Exclusive and auto-delete: the queue dies with the node, and so do
	// its bindings.
	if _, err := ctl.QueueDeclare(cfg.queueName(), false, true, true, false, nil); err != nil {
		ctl.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	return &RabbitMQBridge{
		cfg:    cfg,
		conn:   conn,
		ctl:    ctl,
		pool:   make(chan *amqp.Channel, cfg.PoolSize),
		done:   make(chan struct{}),
		logger: logger.With("component", "relay-rabbitmq", "node_id", cfg.NodeID),
	}, nil
}

// AcquireHandle takes a pooled publish channel or opens a new one.
func (b *RabbitMQBridge) AcquireHandle(_ context.Context) (fanout.RelayHandle, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	for {
		select {
		case ch := <-b.pool:
			if ch.IsClosed() {
				continue
			}
			return &rabbitHandle{bridge: b, ch: ch}, nil
		default:
			ch, err := b.conn.Channel()
			if err != nil {
				return nil, fmt.Errorf("open publish channel: %w", err)
			}
			return &rabbitHandle{bridge: b, ch: ch}, nil
		}
	}
}

func (b *RabbitMQBridge) release(ch *amqp.Channel) {
	if ch.IsClosed() {
		return
	}
	select {
	case <-b.done:
		_ = ch.Close()
	case b.pool <- ch:
	default:
		_ = ch.Close()
	}
}

// Bind routes envelopes for connectionID to this node's queue.
func (b *RabbitMQBridge) Bind(_ context.Context, connectionID string) error {
	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()
	if err := b.ctl.QueueBind(b.cfg.queueName(), routingKey(connectionID), b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind connection %s: %w", connectionID, err)
	}
	return nil
}

// Unbind removes the routing for connectionID.
func (b *RabbitMQBridge) Unbind(_ context.Context, connectionID string) error {
	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()
	if err := b.ctl.QueueUnbind(b.cfg.queueName(), routingKey(connectionID), b.cfg.Exchange, nil); err != nil {
		return fmt.Errorf("unbind connection %s: %w", connectionID, err)
	}
	return nil
}

// Start consumes this node's queue with auto-ack: a crash between receipt
// and local push loses the envelope, which is the at-most-once contract.
func (b *RabbitMQBridge) Start(ctx context.Context, h Handler) error {
	b.ctlMu.Lock()
	deliveries, err := b.ctl.Consume(b.cfg.queueName(), "relay-"+b.cfg.NodeID, true, true, false, false, nil)
	b.ctlMu.Unlock()
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case d, ok := <-deliveries:
				if !ok {
					b.logger.Warn("delivery channel closed")
					return
				}
				b.handleDelivery(ctx, d, h)
			}
		}
	}()
	return nil
}

func (b *RabbitMQBridge) handleDelivery(ctx context.Context, d amqp.Delivery, h Handler) {
	env, err := Decode(d.Body)
	if err != nil {
		b.logger.Warn("dropping malformed envelope",
			"routing_key", d.RoutingKey,
			"error", err,
		)
		return
	}
	h(ctx, env)
}

// Close stops consumption and closes every channel and the connection.
func (b *RabbitMQBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	var errs []error
	b.ctlMu.Lock()
	if err := b.ctl.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	b.ctlMu.Unlock()
	b.wg.Wait()

drain:
	for {
		select {
		case ch := <-b.pool:
			_ = ch.Close()
		default:
			break drain
		}
	}
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// rabbitHandle owns one publish channel. Clones take their own channel from
// the pool so concurrent publishes never share one.
type rabbitHandle struct {
	bridge *RabbitMQBridge
	mu     sync.Mutex
	ch     *amqp.Channel
}

func (h *rabbitHandle) Publish(ctx context.Context, connectionID string, msg fanout.Message) error {
	env := NewEnvelope(h.bridge.cfg.NodeID, connectionID, msg)
	body, err := Encode(env)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ch == nil {
		return ErrClosed
	}
	err = h.ch.PublishWithContext(ctx, h.bridge.cfg.Exchange, routingKey(connectionID), false, false, amqp.Publishing{
		ContentType: envelopeContentType,
		MessageId:   env.ID,
		Timestamp:   env.SentAt,
		Expiration:  strconv.FormatInt(envelopeTTL.Milliseconds(), 10),
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

func (h *rabbitHandle) Clone() (fanout.RelayHandle, error) {
	return h.bridge.AcquireHandle(context.Background())
}

func (h *rabbitHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ch == nil {
		return nil
	}
	h.bridge.release(h.ch)
	h.ch = nil
	return nil
}
