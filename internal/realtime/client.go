package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
)

// ConnectionState is the lifecycle state of a Client's connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

var (
	// ErrClientClosed is returned by a Connect that was overtaken by Disconnect.
	ErrClientClosed = errors.New("realtime client disconnected")

	// ErrIdentityInUse is returned when a connected client is asked to connect as someone else.
	ErrIdentityInUse = errors.New("realtime client is connected as another identity")
)

const defaultRetryDialTimeout = 15 * time.Second

// Handler receives every decoded inbound message. A returned error or panic
// is logged against the handler's key and does not affect other handlers.
type Handler func(msg domain.Message) error

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock used to schedule reconnection attempts.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithReconnectionPlan overrides the default retry schedule.
func WithReconnectionPlan(plan ReconnectionPlan) Option {
	return func(c *Client) { c.plan = plan }
}

// WithJitter overrides the jitter source.
func WithJitter(fn JitterFunc) Option {
	return func(c *Client) { c.jitter = fn }
}

// WithMetrics records client activity on m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRetryDialTimeout bounds each automatic reconnection dial.
func WithRetryDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.retryDialTimeout = d }
}

type subscription struct {
	key     string
	handler Handler
}

// Client owns at most one live connection to the push origin and fans
// inbound messages out to keyed subscribers. It reconnects on unexpected
// closes following its ReconnectionPlan.
type Client struct {
	baseURL          string
	dialer           Dialer
	plan             ReconnectionPlan
	clock            clockwork.Clock
	jitter           JitterFunc
	retryDialTimeout time.Duration
	metrics          *Metrics
	logger           *slog.Logger

	mu         sync.Mutex
	state      ConnectionState
	conn       Conn
	identity   string
	endpoint   string
	attempts   int
	gen        uint64
	retry      clockwork.Timer
	cancelDial context.CancelFunc
	dialing    chan struct{}
	exhausted  bool
	handlers   map[string]Handler
}

// NewClient creates a disconnected client for baseURL.
func NewClient(baseURL string, dialer Dialer, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:          baseURL,
		dialer:           dialer,
		plan:             DefaultReconnectionPlan(),
		clock:            clockwork.NewRealClock(),
		jitter:           RandomJitter,
		retryDialTimeout: defaultRetryDialTimeout,
		logger:           logger.With("component", "realtime_client"),
		state:            StateDisconnected,
		handlers:         make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the connection for identity and returns once it is open.
// It fails only before an open; later faults go through reconnection.
// Connect on a connected client is a no-op, and Connect while a retry is
// pending cancels the retry and dials immediately.
func (c *Client) Connect(ctx context.Context, identity string) error {
	endpoint, err := Endpoint(c.baseURL, identity)
	if err != nil {
		return err
	}

	for {
		c.mu.Lock()
		switch c.state {
		case StateConnected:
			bound := c.identity
			c.mu.Unlock()
			if bound != identity {
				return fmt.Errorf("%w: %s", ErrIdentityInUse, bound)
			}
			return nil

		case StateConnecting:
			wait := c.dialing
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// An explicit connect starts a fresh retry budget.
		c.stopRetryLocked()
		c.attempts = 0
		c.exhausted = false
		c.identity = identity
		c.endpoint = endpoint
		gen := c.beginDialLocked()
		c.mu.Unlock()

		conn, err := c.dialer.Dial(ctx, endpoint)
		return c.finishDial(gen, conn, err, false)
	}
}

// Subscribe registers handler under key, replacing any previous handler.
func (c *Client) Subscribe(key string, handler Handler) {
	if handler == nil {
		c.Unsubscribe(key)
		return
	}

	c.mu.Lock()
	_, replaced := c.handlers[key]
	c.handlers[key] = handler
	c.mu.Unlock()

	if !replaced {
		c.metrics.AddSubscribers(context.Background(), 1)
	}
	c.logger.Debug("subscriber registered", "key", key, "replaced", replaced)
}

// Unsubscribe removes the handler under key. Unknown keys are ignored.
func (c *Client) Unsubscribe(key string) {
	c.mu.Lock()
	_, ok := c.handlers[key]
	delete(c.handlers, key)
	c.mu.Unlock()

	if ok {
		c.metrics.AddSubscribers(context.Background(), -1)
		c.logger.Debug("subscriber removed", "key", key)
	}
}

// Send writes msg when connected. Otherwise the message is logged and
// dropped; there is no outbound queue.
func (c *Client) Send(msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Debug("not connected, dropping outbound message",
			"kind", msg.Kind(),
			"invoice_id", msg.InvoiceID,
		)
		c.metrics.RecordSend(context.Background(), ErrClientClosed)
		return nil
	}

	if err := conn.WriteMessage(data); err != nil {
		c.logger.Warn("failed to write message", "kind", msg.Kind(), "error", err)
		c.metrics.RecordSend(context.Background(), err)
		return fmt.Errorf("write message: %w", err)
	}
	c.metrics.RecordSend(context.Background(), nil)
	return nil
}

// Disconnect closes the connection, cancels any pending retry and clears
// every subscription. It never triggers reconnection and is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopRetryLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.dialing != nil {
		close(c.dialing)
		c.dialing = nil
	}
	conn := c.conn
	c.conn = nil
	previous := c.state
	c.state = StateDisconnected
	c.attempts = 0
	removed := len(c.handlers)
	c.handlers = make(map[string]Handler)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if removed > 0 {
		c.metrics.AddSubscribers(context.Background(), -int64(removed))
	}
	if previous != StateDisconnected {
		c.logger.Info("realtime client disconnected", "previous_state", previous)
	}
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the number of retries since the last successful open.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// SubscriberCount returns the number of registered handlers.
func (c *Client) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// beginDialLocked moves to connecting and returns the generation owning the dial.
func (c *Client) beginDialLocked() uint64 {
	c.gen++
	c.state = StateConnecting
	c.dialing = make(chan struct{})
	return c.gen
}

func (c *Client) finishDial(gen uint64, conn Conn, dialErr error, retry bool) error {
	ctx := context.Background()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClientClosed
	}

	close(c.dialing)
	c.dialing = nil
	c.cancelDial = nil
	c.metrics.RecordDial(ctx, dialErr)

	if dialErr != nil {
		endpoint := c.endpoint
		if retry {
			c.logger.Warn("reconnect attempt failed", "attempt", c.attempts, "error", dialErr)
			c.scheduleReconnectLocked()
		} else {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("connect to %s: %w", endpoint, dialErr)
	}

	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.exhausted = false
	identity := c.identity
	c.mu.Unlock()

	c.logger.Info("realtime connection established", "identity", identity, "after_retry", retry)
	go c.readLoop(gen, conn)
	return nil
}

// readLoop delivers frames in receipt order until the connection closes.
func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, conn, err)
			return
		}

		msg, err := domain.DecodeMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
			c.metrics.RecordMessageDropped(context.Background())
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) handleClose(gen uint64, conn Conn, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		// Closed by Disconnect or replaced; nothing to recover.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.logger.Warn("realtime connection closed unexpectedly", "error", cause)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = conn.Close()
}

// scheduleReconnectLocked applies the reconnection algorithm after a close
// or a failed retry.
func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= c.plan.MaxAttempts {
		c.state = StateDisconnected
		if !c.exhausted {
			c.exhausted = true
			c.logger.Error("reconnection budget exhausted, staying disconnected",
				"attempts", c.attempts,
				"identity", c.identity,
			)
			c.metrics.RecordExhausted(context.Background())
		}
		return
	}

	c.attempts++
	c.state = StateReconnecting
	delay := c.plan.Delay(c.attempts, c.jitter(c.plan.JitterBound))

	c.gen++
	gen := c.gen
	c.retry = c.clock.AfterFunc(delay, func() { c.retryDial(gen) })

	c.logger.Info("scheduling reconnect", "attempt", c.attempts, "delay", delay)
	c.metrics.RecordReconnectScheduled(context.Background(), c.attempts)
}

func (c *Client) retryDial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	endpoint := c.endpoint
	gen = c.beginDialLocked()
	ctx, cancel := context.WithTimeout(context.Background(), c.retryDialTimeout)
	c.cancelDial = cancel
	c.mu.Unlock()
	defer cancel()

	conn, err := c.dialer.Dial(ctx, endpoint)
	_ = c.finishDial(gen, conn, err, true)
}

func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) dispatch(msg domain.Message) {
	c.mu.Lock()
	subs := make([]subscription, 0, len(c.handlers))
	for key, handler := range c.handlers {
		subs = append(subs, subscription{key: key, handler: handler})
	}
	c.mu.Unlock()

	c.metrics.RecordMessageReceived(context.Background(), string(msg.Kind()))

	for _, sub := range subs {
		c.invoke(sub, msg)
	}
}

func (c *Client) invoke(sub subscription, msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscriber panicked",
				"key", sub.key,
				"kind", msg.Kind(),
				"invoice_id", msg.InvoiceID,
				"panic", r,
			)
			c.metrics.RecordHandlerFailure(context.Background(), sub.key)
		}
	}()

	if err := sub.handler(msg); err != nil {
		c.logger.Warn("subscriber failed",
			"key", sub.key,
			"kind", msg.Kind(),
			"invoice_id", msg.InvoiceID,
			"error", err,
		)
		c.metrics.RecordHandlerFailure(context.Background(), sub.key)
	}
}
