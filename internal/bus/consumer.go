package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/observability"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	defaultPrefetch = 50
	requeueDelay    = time.Second
)

// ErrRequeue marks a handler error after which the message should be
// redelivered by the broker, e.g. the work could not be enqueued.
var ErrRequeue = errors.New("message must be redelivered")

// Handler receives events matched by a binding. It runs on the consumer
// goroutine and must only hand work off, never perform it inline.
type Handler func(ctx context.Context, event domain.Event) error

// Binding is one handler registered for an event name with a header predicate.
type Binding struct {
	EventName string
	Headers   map[string]any
	MatchAll  bool

	handler Handler
	key     string
}

// binder is the subset of *amqp.Channel used to (un)declare bindings.
type binder interface {
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
}

type brokerBinding struct {
	eventName string
	args      amqp.Table
	count     int
}

// Consumer multiplexes many logical subscriptions on one exclusive queue bound
// to a headers exchange. The in-memory table is the only source of truth for
// bindings; it is fully redeclared on every (re)connection.
type Consumer struct {
	conn             *Connection
	exchange         string
	upstreamExchange string
	prefetch         int
	logger           *zap.Logger
	metrics          *observability.Metrics

	mu       sync.Mutex
	handlers map[string][]*Binding
	refs     map[string]*brokerBinding
	pending  map[string]*brokerBinding
	ch       binder
	queue    string

	// opMu serializes broker binding operations against each other.
	opMu  sync.Mutex
	flush chan struct{}
}

func NewConsumer(conn *Connection, exchange, upstreamExchange string, logger *zap.Logger) (*Consumer, error) {
	if strings.TrimSpace(exchange) == "" {
		return nil, fmt.Errorf("bus exchange is required")
	}
	if strings.TrimSpace(upstreamExchange) == "" {
		return nil, fmt.Errorf("bus upstream exchange is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Consumer{
		conn:             conn,
		exchange:         exchange,
		upstreamExchange: upstreamExchange,
		prefetch:         defaultPrefetch,
		logger:           logger,
		handlers:         make(map[string][]*Binding),
		refs:             make(map[string]*brokerBinding),
		pending:          make(map[string]*brokerBinding),
		flush:            make(chan struct{}, 1),
	}, nil
}

func (c *Consumer) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

// Subscribe registers handler for eventName. Handlers sharing the same event
// name, headers and match mode share one broker binding. When the consumer is
// connected the binding is declared before Subscribe returns; otherwise it is
// declared on the next connection.
func (c *Consumer) Subscribe(eventName string, handler Handler, headers map[string]any, matchAll bool) (*Binding, error) {
	if strings.TrimSpace(eventName) == "" {
		return nil, fmt.Errorf("event name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	b := &Binding{
		EventName: eventName,
		Headers:   copyHeaders(headers),
		MatchAll:  matchAll,
		handler:   handler,
		key:       bindingKey(eventName, headers, matchAll),
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.handlers[eventName] = append(c.handlers[eventName], b)

	declare := false
	ref, ok := c.refs[b.key]
	if !ok {
		ref = &brokerBinding{eventName: eventName, args: bindingArguments(eventName, b.Headers, matchAll)}
		c.refs[b.key] = ref
		if _, stillBound := c.pending[b.key]; stillBound {
			delete(c.pending, b.key)
		} else {
			declare = true
		}
	}
	ref.count++
	ch, queue := c.ch, c.queue
	bindings := len(c.refs)
	c.mu.Unlock()

	c.metrics.SetBusBindings(bindings)

	if declare && ch != nil {
		if err := ch.QueueBind(queue, "", c.exchange, false, ref.args); err != nil {
			// The channel is going away; the table entry is redeclared on reconnect.
			c.logger.Warn("failed to declare binding on active channel",
				zap.String("eventName", eventName),
				zap.Error(err),
			)
		}
	}

	return b, nil
}

// Unsubscribe removes one handler. The broker binding is dropped lazily by the
// consumer goroutine once its last handler is gone.
func (c *Consumer) Unsubscribe(b *Binding) bool {
	if b == nil {
		return false
	}

	c.mu.Lock()
	list := c.handlers[b.EventName]
	idx := slices.Index(list, b)
	if idx < 0 {
		c.mu.Unlock()
		return false
	}

	list = slices.Delete(list, idx, idx+1)
	if len(list) == 0 {
		delete(c.handlers, b.EventName)
	} else {
		c.handlers[b.EventName] = list
	}

	if ref, ok := c.refs[b.key]; ok {
		ref.count--
		if ref.count <= 0 {
			delete(c.refs, b.key)
			if c.ch != nil {
				c.pending[b.key] = ref
			}
		}
	}
	bindings := len(c.refs)
	c.mu.Unlock()

	c.metrics.SetBusBindings(bindings)

	select {
	case c.flush <- struct{}{}:
	default:
	}

	return true
}

// Connected reports whether bindings are currently declared on a live channel.
func (c *Consumer) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil
}

// Run consumes until ctx is canceled, reconnecting with backoff.
func (c *Consumer) Run(ctx context.Context) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("consumer is not initialized")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("bus consumer disconnected",
			zap.Duration("retryIn", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = nextBackoff(backoff)
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	ch, err := c.conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	if err := declareTopology(ch, c.exchange, c.upstreamExchange); err != nil {
		return err
	}

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare consumer queue: %w", err)
	}

	if err := c.attach(ch, queue.Name); err != nil {
		c.detach()
		return err
	}
	defer c.detach()

	deliveries, err := ch.Consume(queue.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue.Name, err)
	}

	c.logger.Info("bus consumer connected",
		zap.String("queue", queue.Name),
		zap.String("exchange", c.exchange),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.flush:
			c.flushUnbinds()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d); err != nil {
				return err
			}
		}
	}
}

// attach makes ch the active channel and redeclares every binding of the table.
func (c *Consumer) attach(ch binder, queue string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.ch = ch
	c.queue = queue
	clear(c.pending)
	args := make([]amqp.Table, 0, len(c.refs))
	for _, ref := range c.refs {
		args = append(args, ref.args)
	}
	c.mu.Unlock()

	for _, a := range args {
		if err := ch.QueueBind(queue, "", c.exchange, false, a); err != nil {
			return fmt.Errorf("failed to redeclare binding: %w", err)
		}
	}

	c.logger.Debug("bus bindings declared", zap.Int("count", len(args)))
	return nil
}

// detach releases all channel-scoped state. Nothing about bindings survives
// except the handler table.
func (c *Consumer) detach() {
	c.mu.Lock()
	c.ch = nil
	c.queue = ""
	clear(c.pending)
	c.mu.Unlock()
}

func (c *Consumer) flushUnbinds() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	ch, queue := c.ch, c.queue
	pending := make(map[string]*brokerBinding, len(c.pending))
	for key, ref := range c.pending {
		pending[key] = ref
	}
	clear(c.pending)
	c.mu.Unlock()

	if ch == nil {
		return
	}

	for key, ref := range pending {
		if err := ch.QueueUnbind(queue, "", c.exchange, ref.args); err != nil {
			c.logger.Warn("failed to drop binding",
				zap.String("eventName", ref.eventName),
				zap.String("binding", key),
				zap.Error(err),
			)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	headers := HeadersFromTable(d.Headers)
	event, err := domain.ParseEvent(d.Body, headers)
	if err != nil {
		c.logger.Warn("rejecting message: invalid event",
			zap.Error(err),
			zap.String("routingKey", d.RoutingKey),
		)
		c.metrics.IncBusMessage("rejected")
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject invalid message: %w", rejectErr)
		}
		return nil
	}

	accepted, requeue := c.dispatch(ctx, event)

	if requeue > 0 && accepted == 0 {
		c.metrics.IncBusMessage("requeued")
		select {
		case <-ctx.Done():
		case <-time.After(requeueDelay):
		}
		if nackErr := d.Nack(false, true); nackErr != nil {
			return fmt.Errorf("failed to nack delivery: %w", nackErr)
		}
		return nil
	}

	if accepted == 0 && requeue == 0 {
		c.metrics.IncBusMessage("unmatched")
	} else {
		c.metrics.IncBusMessage("dispatched")
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

// dispatch invokes every handler whose predicate matches the event headers.
// It returns how many handlers accepted the event and how many asked for a
// redelivery.
func (c *Consumer) dispatch(ctx context.Context, event domain.Event) (accepted, requeue int) {
	c.mu.Lock()
	candidates := slices.Clone(c.handlers[event.Name])
	c.mu.Unlock()

	for _, b := range candidates {
		if !Match(b.Headers, event.Headers, b.MatchAll) {
			continue
		}

		if err := invoke(ctx, b, event); err != nil {
			if errors.Is(err, ErrRequeue) {
				requeue++
			}
			c.logger.Error("bus handler failed",
				zap.String("eventName", event.Name),
				zap.Error(err),
			)
			continue
		}
		accepted++
	}

	if requeue > 0 && accepted > 0 {
		c.logger.Error("event partially dispatched, not redelivering to avoid duplicates",
			zap.String("eventName", event.Name),
			zap.Int("accepted", accepted),
			zap.Int("failed", requeue),
		)
	}

	return accepted, requeue
}

func invoke(ctx context.Context, b *Binding, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return b.handler(ctx, event)
}

func copyHeaders(headers map[string]any) map[string]any {
	out := make(map[string]any, len(headers))
	for key, value := range headers {
		out[key] = value
	}
	return out
}

func (c *Consumer) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
