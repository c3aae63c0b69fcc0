package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	"github.com/sony/gobreaker"
)

// Mode is the coordinator's single authoritative tracking state.
type Mode int

const (
	ModeInitializing Mode = iota
	ModePushTracking
	ModePollTracking
	ModeDegraded
	ModeStopped
)

func (m Mode) String() string {
	switch m {
	case ModeInitializing:
		return "initializing"
	case ModePushTracking:
		return "push_tracking"
	case ModePollTracking:
		return "poll_tracking"
	case ModeDegraded:
		return "degraded"
	case ModeStopped:
		return "stopped"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Indicator is the user-visible freshness signal.
type Indicator string

const (
	IndicatorConnected Indicator = "connected"
	IndicatorPolling   Indicator = "polling"
	IndicatorPaused    Indicator = "paused"
	IndicatorOffline   Indicator = "offline"
)

// Coordinator defaults.
const (
	DefaultPollInterval        = 15 * time.Second
	DefaultSafetyNetInterval   = 60 * time.Second
	DefaultHealthCheckInterval = 5 * time.Second
	DefaultErrorThreshold      = 3
	DefaultFetchTimeout        = 10 * time.Second
	DefaultConnectTimeout      = 10 * time.Second
)

// Activity messages and how long each stays visible.
const (
	ActivityConnected = "Real-time connection established!"
	ActivityPolling   = "Using enhanced polling for real-time updates"
	ActivityChecking  = "Checking for updates..."
	ActivityChanged   = "Changes detected!"
	ActivityPaused    = "Tracking paused due to errors"

	activityLivePrefix = "Live update: "

	connectedTTL = 3 * time.Second
	pollingTTL   = 3 * time.Second
	checkingTTL  = 2 * time.Second
	liveTTL      = 2 * time.Second
	changedTTL   = 3 * time.Second
	pausedTTL    = 5 * time.Second
)

var (
	ErrCoordinatorStarted    = errors.New("coordinator already started")
	ErrCoordinatorNotRunning = errors.New("coordinator is not running")
	// ErrTrackingPaused is returned by Refresh while tracking is paused on errors.
	ErrTrackingPaused = errors.New("update tracking is paused; resume first")
)

// State is a copy of the coordinator's view state.
type State struct {
	Mode                  Mode
	TrackingActive        bool
	TransportHealthy      bool
	ConsecutiveErrorCount int
	LastUpdateAt          *time.Time
	ActivityMessage       string
	Loading               bool
}

// Indicator derives the freshness signal from the mode.
func (s State) Indicator() Indicator {
	switch s.Mode {
	case ModePushTracking:
		return IndicatorConnected
	case ModePollTracking:
		return IndicatorPolling
	case ModeDegraded:
		return IndicatorPaused
	}
	return IndicatorOffline
}

func (s State) equal(o State) bool {
	if s.Mode != o.Mode || s.TrackingActive != o.TrackingActive ||
		s.TransportHealthy != o.TransportHealthy ||
		s.ConsecutiveErrorCount != o.ConsecutiveErrorCount ||
		s.ActivityMessage != o.ActivityMessage || s.Loading != o.Loading {
		return false
	}
	if s.LastUpdateAt == nil || o.LastUpdateAt == nil {
		return s.LastUpdateAt == o.LastUpdateAt
	}
	return s.LastUpdateAt.Equal(*o.LastUpdateAt)
}

// InvoiceFetcher performs the authoritative invoice list read.
type InvoiceFetcher interface {
	ListInvoices(ctx context.Context) ([]domain.Invoice, error)
}

// Transport is the part of Client the coordinator depends on.
type Transport interface {
	Connect(ctx context.Context, identity string) error
	Subscribe(key string, handler Handler)
	Unsubscribe(key string)
	IsConnected() bool
	State() ConnectionState
}

var _ Transport = (*Client)(nil)

// ChangeListener is called on the coordinator's loop after every state
// change. It must not block.
type ChangeListener func(State)

// CoordinatorConfig holds the tracking policy.
type CoordinatorConfig struct {
	// Key identifies this coordinator's subscription on the shared transport.
	Key string
	// Identity is the user the transport connects as.
	Identity string

	PollInterval        time.Duration
	SafetyNetInterval   time.Duration
	HealthCheckInterval time.Duration
	ErrorThreshold      int
	FetchTimeout        time.Duration
	ConnectTimeout      time.Duration
}

// DefaultCoordinatorConfig returns the standard policy for key and identity.
func DefaultCoordinatorConfig(key, identity string) CoordinatorConfig {
	return CoordinatorConfig{
		Key:                 key,
		Identity:            identity,
		PollInterval:        DefaultPollInterval,
		SafetyNetInterval:   DefaultSafetyNetInterval,
		HealthCheckInterval: DefaultHealthCheckInterval,
		ErrorThreshold:      DefaultErrorThreshold,
		FetchTimeout:        DefaultFetchTimeout,
		ConnectTimeout:      DefaultConnectTimeout,
	}
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SafetyNetInterval <= 0 {
		c.SafetyNetInterval = DefaultSafetyNetInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock sets the clock driving every interval and timeout.
func WithCoordinatorClock(clock clockwork.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

// WithCoordinatorMetrics records coordinator activity on m.
func WithCoordinatorMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithChangeListener registers fn for state changes.
func WithChangeListener(fn ChangeListener) CoordinatorOption {
	return func(c *Coordinator) { c.onChange = fn }
}

// loop events
type (
	connectResult struct{ err error }
	pushReceived  struct{ msg domain.Message }
	fetchResult   struct {
		seq      uint64
		invoices []domain.Invoice
		err      error
		silent   bool
	}
	resumeRequest  struct{}
	refreshRequest struct{}
)

// Coordinator keeps one view's invoice list fresh, using pushed
// invalidations when the transport is healthy and polling otherwise.
// All state is owned by a single event loop goroutine.
type Coordinator struct {
	cfg       CoordinatorConfig
	transport Transport
	fetcher   InvoiceFetcher
	clock     clockwork.Clock
	metrics   *Metrics
	logger    *slog.Logger
	onChange  ChangeListener

	events chan any
	done   chan struct{}

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc

	// Owned by the loop.
	ctx           context.Context
	state         State
	invoices      []domain.Invoice
	baselined     bool
	invoicesDirty bool
	breaker       *gobreaker.CircuitBreaker
	fetchSeq      uint64
	appliedSeq    uint64
	loadingSeq    uint64
	connecting    bool
	lastProbe     time.Time
	pollTicker    clockwork.Ticker
	safetyTicker  clockwork.Ticker
	healthTicker  clockwork.Ticker
	activityTimer clockwork.Timer

	mu                sync.RWMutex
	published         State
	publishedInvoices []domain.Invoice
}

// NewCoordinator builds a coordinator. transport may be nil, in which case
// the coordinator only polls.
func NewCoordinator(cfg CoordinatorConfig, transport Transport, fetcher InvoiceFetcher, logger *slog.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if cfg.Key == "" {
		return nil, errors.New("coordinator key is required")
	}
	if fetcher == nil {
		return nil, errors.New("coordinator fetcher is required")
	}
	if transport != nil && cfg.Identity == "" {
		return nil, errors.New("coordinator identity is required with a transport")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	c := &Coordinator{
		cfg:       cfg,
		transport: transport,
		fetcher:   fetcher,
		clock:     clockwork.NewRealClock(),
		logger:    logger.With("component", "update_coordinator", "key", cfg.Key),
		events:    make(chan any, 64),
		done:      make(chan struct{}),
		state:     State{Mode: ModeInitializing},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.published = c.state
	return c, nil
}

// Start mounts the coordinator: it issues the initial fetch and, when a
// transport is available, connects in the background.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.started || c.stopped {
		return ErrCoordinatorStarted
	}
	c.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.ctx = loopCtx
	c.cancel = cancel
	c.breaker = c.newBreaker()

	go c.run(loopCtx)
	return nil
}

// Stop unmounts the coordinator: it unsubscribes from the transport, cancels
// every timer and discards fetches still in flight. Stop is idempotent.
func (c *Coordinator) Stop() {
	c.lifecycleMu.Lock()
	if c.stopped {
		c.lifecycleMu.Unlock()
		<-c.done
		return
	}
	c.stopped = true
	started := c.started
	cancel := c.cancel
	c.lifecycleMu.Unlock()

	if !started {
		c.state.Mode = ModeStopped
		c.publish()
		close(c.done)
		return
	}
	cancel()
	<-c.done
}

// Resume re-enables tracking after the coordinator paused on errors.
func (c *Coordinator) Resume() error {
	return c.post(resumeRequest{})
}

// Refresh requests a silent re-fetch, e.g. after an action changed an invoice.
// It is refused while tracking is paused.
func (c *Coordinator) Refresh() error {
	if c.Snapshot().Mode == ModeDegraded {
		return ErrTrackingPaused
	}
	return c.post(refreshRequest{})
}

// Snapshot returns the latest published state.
func (c *Coordinator) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}

// Invoices returns the last applied invoice list.
func (c *Coordinator) Invoices() []domain.Invoice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Invoice, len(c.publishedInvoices))
	copy(out, c.publishedInvoices)
	return out
}

// Done is closed once the coordinator has stopped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) post(ev any) error {
	c.lifecycleMu.Lock()
	running := c.started && !c.stopped
	c.lifecycleMu.Unlock()
	if !running {
		return ErrCoordinatorNotRunning
	}

	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrCoordinatorNotRunning
	}
}

// handleMessage is the transport subscription for this coordinator.
func (c *Coordinator) handleMessage(msg domain.Message) error {
	return c.post(pushReceived{msg: msg})
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	c.begin()
	c.publish()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return

		case ev := <-c.events:
			c.handleEvent(ev)

		case <-tickerChan(c.pollTicker):
			c.onPollTick()

		case <-tickerChan(c.safetyTicker):
			c.onSafetyNetTick()

		case <-tickerChan(c.healthTicker):
			c.onHealthCheck()

		case <-timerChan(c.activityTimer):
			c.activityTimer = nil
			c.state.ActivityMessage = ""
		}

		c.publish()
	}
}

func (c *Coordinator) begin() {
	c.state.TrackingActive = true
	c.logger.Info("update tracking started", "push_available", c.transport != nil)

	c.startFetch(false)

	if c.transport == nil {
		c.enterPoll(false)
		return
	}
	c.healthTicker = c.clock.NewTicker(c.cfg.HealthCheckInterval)
	c.startConnect()
}

func (c *Coordinator) shutdown() {
	if c.transport != nil {
		c.transport.Unsubscribe(c.cfg.Key)
	}
	c.stopIntervals()
	stopTicker(&c.healthTicker)
	if c.activityTimer != nil {
		c.activityTimer.Stop()
		c.activityTimer = nil
	}

	c.setMode(ModeStopped)
	c.state.TrackingActive = false
	c.state.TransportHealthy = false
	c.state.Loading = false
	c.state.ActivityMessage = ""
	c.publish()

	c.logger.Info("update tracking stopped")
}

func (c *Coordinator) handleEvent(ev any) {
	switch e := ev.(type) {
	case connectResult:
		c.onConnectResult(e.err)
	case pushReceived:
		c.onPush(e.msg)
	case fetchResult:
		c.onFetchResult(e)
	case resumeRequest:
		c.onResume()
	case refreshRequest:
		if c.state.Mode != ModeStopped && c.state.Mode != ModeDegraded {
			c.startFetch(true)
		}
	}
}

func (c *Coordinator) onConnectResult(err error) {
	c.connecting = false

	mode := c.state.Mode
	if mode == ModeStopped || mode == ModeDegraded {
		return
	}

	if err != nil {
		c.logger.Warn("push connection unavailable, polling for updates", "error", err)
		if mode != ModePollTracking {
			c.enterPoll(true)
		}
		return
	}

	if mode == ModePushTracking {
		return
	}
	c.enterPush()
	if mode == ModePollTracking {
		// Catch up on anything missed while polling.
		c.startFetch(true)
	}
}

func (c *Coordinator) onPush(msg domain.Message) {
	if c.state.Mode != ModePushTracking && c.state.Mode != ModePollTracking {
		return
	}
	c.logger.Debug("invalidation received",
		"kind", msg.Kind(),
		"invoice_id", msg.InvoiceID,
	)
	c.setActivity(activityLivePrefix+describeMessage(msg), liveTTL)
	c.startFetch(true)
}

func (c *Coordinator) onPollTick() {
	if c.state.Mode != ModePollTracking {
		return
	}
	c.setActivity(ActivityChecking, checkingTTL)
	c.startFetch(true)
}

func (c *Coordinator) onSafetyNetTick() {
	if c.state.Mode != ModePushTracking {
		return
	}
	c.startFetch(true)
}

func (c *Coordinator) onHealthCheck() {
	switch c.state.Mode {
	case ModePushTracking:
		if !c.transport.IsConnected() {
			c.logger.Warn("push transport unhealthy, falling back to polling",
				"transport_state", c.transport.State(),
			)
			c.enterPoll(true)
		}

	case ModePollTracking:
		if c.transport.IsConnected() {
			c.logger.Info("push transport recovered")
			c.enterPush()
			c.startFetch(true)
			return
		}
		// A client that gave up retrying needs an explicit connect.
		if !c.connecting && c.transport.State() == StateDisconnected &&
			c.clock.Since(c.lastProbe) >= c.cfg.SafetyNetInterval {
			c.startConnect()
		}
	}
}

func (c *Coordinator) onResume() {
	if c.state.Mode != ModeDegraded {
		return
	}
	c.logger.Info("update tracking resumed")

	c.state.ConsecutiveErrorCount = 0
	c.state.TrackingActive = true
	c.breaker = c.newBreaker()

	if c.transport == nil {
		c.enterPoll(true)
		return
	}

	c.healthTicker = c.clock.NewTicker(c.cfg.HealthCheckInterval)
	if c.transport.IsConnected() {
		c.enterPush()
		c.startFetch(true)
		return
	}
	c.enterPoll(true)
	if !c.connecting {
		c.startConnect()
	}
}

func (c *Coordinator) onFetchResult(r fetchResult) {
	if c.loadingSeq != 0 && r.seq >= c.loadingSeq {
		c.state.Loading = false
		c.loadingSeq = 0
	}
	c.metrics.RecordFetch(c.ctx, r.err)

	// The loud fetch sets the baseline whether or not it succeeded, so a
	// later silent fetch that fills an empty view counts as a change.
	first := !c.baselined
	if !r.silent {
		c.baselined = true
	}

	// Results landing after a pause belong to the paused session.
	if c.state.Mode == ModeDegraded || c.state.Mode == ModeStopped {
		c.logger.Debug("discarding fetch result while not tracking", "seq", r.seq, "mode", c.state.Mode)
		return
	}

	if r.seq <= c.appliedSeq {
		c.logger.Debug("discarding out-of-order fetch result", "seq", r.seq, "applied_seq", c.appliedSeq)
		return
	}

	if r.err != nil {
		c.state.ConsecutiveErrorCount++
		c.logger.Warn("invoice fetch failed",
			"error", r.err,
			"consecutive_errors", c.state.ConsecutiveErrorCount,
		)
		if errors.Is(r.err, gobreaker.ErrOpenState) || c.state.ConsecutiveErrorCount >= c.cfg.ErrorThreshold {
			c.enterDegraded()
		}
		return
	}

	c.appliedSeq = r.seq
	c.state.ConsecutiveErrorCount = 0

	if !first && domain.InvoicesEqual(c.invoices, r.invoices) {
		return
	}

	c.invoices = r.invoices
	c.baselined = true
	c.invoicesDirty = true

	if r.silent && !first {
		now := c.clock.Now()
		c.state.LastUpdateAt = &now
		c.setActivity(ActivityChanged, changedTTL)
		c.logger.Info("invoice changes detected", "count", len(r.invoices))
	}
}

func (c *Coordinator) startConnect() {
	c.connecting = true
	c.lastProbe = c.clock.Now()

	ctx := c.ctx
	go func() {
		connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
		err := c.transport.Connect(connectCtx, c.cfg.Identity)
		_ = c.post(connectResult{err: err})
	}()
}

// startFetch issues a full authoritative read. Results carry a sequence
// number so a slow response can never overwrite a newer one.
func (c *Coordinator) startFetch(silent bool) {
	c.fetchSeq++
	seq := c.fetchSeq
	if !silent {
		c.state.Loading = true
		c.loadingSeq = seq
	}

	ctx := c.ctx
	breaker := c.breaker
	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()

		result, err := breaker.Execute(func() (interface{}, error) {
			invoices, err := c.fetcher.ListInvoices(fetchCtx)
			if err != nil {
				return nil, err
			}
			return invoices, nil
		})

		var invoices []domain.Invoice
		if err == nil {
			invoices, _ = result.([]domain.Invoice)
		}
		_ = c.post(fetchResult{seq: seq, invoices: invoices, err: err, silent: silent})
	}()
}

func (c *Coordinator) enterPush() {
	c.transport.Subscribe(c.cfg.Key, c.handleMessage)
	c.setMode(ModePushTracking)
	c.state.TransportHealthy = true

	stopTicker(&c.pollTicker)
	if c.safetyTicker == nil {
		c.safetyTicker = c.clock.NewTicker(c.cfg.SafetyNetInterval)
	}
	c.setActivity(ActivityConnected, connectedTTL)
}

func (c *Coordinator) enterPoll(fetchNow bool) {
	c.setMode(ModePollTracking)
	c.state.TransportHealthy = false

	stopTicker(&c.safetyTicker)
	if c.pollTicker == nil {
		c.pollTicker = c.clock.NewTicker(c.cfg.PollInterval)
	}
	c.setActivity(ActivityPolling, pollingTTL)

	if fetchNow {
		c.startFetch(c.fetchSeq > 0)
	}
}

func (c *Coordinator) enterDegraded() {
	c.logger.Warn("pausing update tracking after repeated fetch failures",
		"consecutive_errors", c.state.ConsecutiveErrorCount,
		"threshold", c.cfg.ErrorThreshold,
	)

	c.setMode(ModeDegraded)
	c.state.TrackingActive = false
	c.stopIntervals()
	stopTicker(&c.healthTicker)
	c.setActivity(ActivityPaused, pausedTTL)
}

func (c *Coordinator) setMode(m Mode) {
	if c.state.Mode == m {
		return
	}
	c.logger.Info("tracking mode changed", "from", c.state.Mode.String(), "to", m.String())
	c.state.Mode = m
	if c.ctx != nil {
		c.metrics.RecordModeChange(c.ctx, m)
	}
}

func (c *Coordinator) setActivity(msg string, ttl time.Duration) {
	if c.activityTimer != nil {
		c.activityTimer.Stop()
	}
	c.state.ActivityMessage = msg
	c.activityTimer = c.clock.NewTimer(ttl)
}

func (c *Coordinator) stopIntervals() {
	stopTicker(&c.pollTicker)
	stopTicker(&c.safetyTicker)
}

func (c *Coordinator) newBreaker() *gobreaker.CircuitBreaker {
	threshold := uint32(c.cfg.ErrorThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "invoice-fetch:" + c.cfg.Key,
		MaxRequests: 1,
		Timeout:     c.cfg.SafetyNetInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Info("fetch circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// publish copies loop state for readers and notifies the listener.
func (c *Coordinator) publish() {
	c.mu.Lock()
	changed := !c.published.equal(c.state) || c.invoicesDirty
	c.published = c.state
	if c.invoicesDirty {
		c.publishedInvoices = c.invoices
		c.invoicesDirty = false
	}
	snapshot := c.published
	c.mu.Unlock()

	if changed && c.onChange != nil {
		c.onChange(snapshot)
	}
}

func describeMessage(msg domain.Message) string {
	switch p := msg.Payload.(type) {
	case domain.StatusChange:
		status := strings.ReplaceAll(strings.ToLower(string(p.Status)), "_", " ")
		return fmt.Sprintf("invoice %s is now %s", msg.InvoiceID, status)
	case domain.EmailTracking:
		if p.Event != "" {
			return fmt.Sprintf("invoice %s email %s", msg.InvoiceID, p.Event)
		}
		return fmt.Sprintf("invoice %s email activity", msg.InvoiceID)
	case domain.InvoiceUpdate:
		if p.Field != "" {
			return fmt.Sprintf("invoice %s %s updated", msg.InvoiceID, p.Field)
		}
	}
	return fmt.Sprintf("invoice %s updated", msg.InvoiceID)
}

func tickerChan(t clockwork.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func timerChan(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func stopTicker(t *clockwork.Ticker) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
