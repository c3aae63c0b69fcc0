package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend unavailable")

func testInvoices(statuses ...domain.InvoiceStatus) []domain.Invoice {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	invoices := make([]domain.Invoice, 0, len(statuses))
	for i, status := range statuses {
		invoices = append(invoices, domain.Invoice{
			ID:         uuid.MustParse("00000000-0000-0000-0000-00000000000" + string(rune('1'+i))),
			Number:     "INV-000" + string(rune('1'+i)),
			Status:     status,
			Currency:   "USD",
			TotalCents: 10000,
			CreatedAt:  created,
		})
	}
	return invoices
}

func always(invoices []domain.Invoice, err error) func(int) ([]domain.Invoice, error) {
	return func(int) ([]domain.Invoice, error) { return invoices, err }
}

func newTestCoordinator(t *testing.T, transport Transport, fetcher InvoiceFetcher, opts ...CoordinatorOption) (*Coordinator, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts = append([]CoordinatorOption{WithCoordinatorClock(clock)}, opts...)

	c, err := NewCoordinator(DefaultCoordinatorConfig("dashboard", testIdentity), transport, fetcher, discardLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, clock
}

func waitForMode(t *testing.T, c *Coordinator, mode Mode) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Snapshot().Mode == mode }, waitFor, tick,
		"expected mode %s, have %s", mode, c.Snapshot().Mode)
}

func TestNewCoordinator_Validation(t *testing.T) {
	fetcher := newFakeFetcher(always(nil, nil))

	_, err := NewCoordinator(CoordinatorConfig{}, nil, fetcher, nil)
	assert.Error(t, err)

	_, err = NewCoordinator(CoordinatorConfig{Key: "k"}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewCoordinator(CoordinatorConfig{Key: "k"}, newFakeTransport(nil), fetcher, nil)
	assert.Error(t, err, "identity is required with a transport")

	c, err := NewCoordinator(CoordinatorConfig{Key: "k"}, nil, fetcher, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, c.cfg.PollInterval)
	assert.Equal(t, DefaultErrorThreshold, c.cfg.ErrorThreshold)
}

func TestCoordinator_ConnectFailureFallsBackToPolling(t *testing.T) {
	transport := newFakeTransport(errDialRefused)
	fetcher := newFakeFetcher(always(testInvoices(domain.StatusDraft), nil))
	c, _ := newTestCoordinator(t, transport, fetcher)

	require.NoError(t, c.Start(context.Background()))

	// The first poll fetch happens on entry, without advancing the clock.
	waitForMode(t, c, ModePollTracking)
	require.Eventually(t, func() bool { return fetcher.count() >= 2 }, waitFor, tick)

	state := c.Snapshot()
	assert.Equal(t, IndicatorPolling, state.Indicator())
	assert.False(t, state.TransportHealthy)
	assert.True(t, state.TrackingActive)
	assert.False(t, transport.hasSubscriber("dashboard"))
}

func TestCoordinator_NoTransportPollsOnInterval(t *testing.T) {
	fetcher := newFakeFetcher(always(testInvoices(domain.StatusDraft), nil))
	c, clock := newTestCoordinator(t, nil, fetcher)

	require.NoError(t, c.Start(context.Background()))
	waitForMode(t, c, ModePollTracking)
	require.Eventually(t, func() bool { return fetcher.count() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return !c.Snapshot().Loading }, waitFor, tick)
	assert.Len(t, c.Invoices(), 1)

	clock.Advance(DefaultPollInterval - time.Second)
	assert.Never(t, func() bool { return fetcher.count() > 1 }, 50*time.Millisecond, tick)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return fetcher.count() == 2 }, waitFor, tick)
	assert.Equal(t, ActivityChecking, c.Snapshot().ActivityMessage)
}

func TestCoordinator_PushMessageTriggersSilentRefetch(t *testing.T) {
	ctx := context.Background()

	conn := newFakeConn()
	client, _ := newTestClient(t, newFakeDialer(dialOK(conn)), DefaultReconnectionPlan())

	before := testInvoices(domain.StatusDraft)
	after := testInvoices(domain.StatusSent)
	fetcher := newFakeFetcher(func(call int) ([]domain.Invoice, error) {
		if call == 1 {
			return before, nil
		}
		return after, nil
	})

	var mounted, loudAfterMount atomic.Bool
	var changes atomic.Int32
	c, clock := newTestCoordinator(t, client, fetcher, WithChangeListener(func(s State) {
		changes.Add(1)
		if mounted.Load() && s.Loading {
			loudAfterMount.Store(true)
		}
	}))

	require.NoError(t, c.Start(ctx))
	waitForMode(t, c, ModePushTracking)
	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return !s.Loading && len(c.Invoices()) == 1
	}, waitFor, tick)

	mounted.Store(true)

	assert.Zero(t, client.ReconnectAttempts())
	assert.Nil(t, c.Snapshot().LastUpdateAt, "initial load is not an update")
	assert.Equal(t, IndicatorConnected, c.Snapshot().Indicator())

	conn.deliver(validFrame)

	require.Eventually(t, func() bool { return c.Snapshot().LastUpdateAt != nil }, waitFor, tick)
	state := c.Snapshot()
	assert.Equal(t, ActivityChanged, state.ActivityMessage)
	assert.True(t, state.LastUpdateAt.Equal(clock.Now()))
	assert.False(t, state.Loading)
	assert.False(t, loudAfterMount.Load(), "push re-fetch must be silent")
	assert.Equal(t, domain.StatusSent, c.Invoices()[0].Status)
	assert.Equal(t, 2, fetcher.count())
	assert.Positive(t, changes.Load())

	clock.Advance(changedTTL)
	require.Eventually(t, func() bool { return c.Snapshot().ActivityMessage == "" }, waitFor, tick)
	assert.NotNil(t, c.Snapshot().LastUpdateAt)
}

func TestCoordinator_SafetyNetPollWhilePushing(t *testing.T) {
	transport := newFakeTransport(nil)
	fetcher := newFakeFetcher(always(testInvoices(domain.StatusDraft), nil))
	c, clock := newTestCoordinator(t, transport, fetcher)

	require.NoError(t, c.Start(context.Background()))
	waitForMode(t, c, ModePushTracking)
	require.Eventually(t, func() bool { return fetcher.count() == 1 }, waitFor, tick)

	clock.Advance(DefaultSafetyNetInterval)
	require.Eventually(t, func() bool { return fetcher.count() == 2 }, waitFor, tick)
	assert.Equal(t, ModePushTracking, c.Snapshot().Mode)
}

func TestCoordinator_HealthCheck(t *testing.T) {
	transport := newFakeTransport(nil)
	fetcher := newFakeFetcher(always(testInvoices(domain.StatusDraft), nil))
	c, clock := newTestCoordinator(t, transport, fetcher)

	require.NoError(t, c.Start(context.Background()))
	waitForMode(t, c, ModePushTracking)
	require.True(t, transport.hasSubscriber("dashboard"))

	transport.setConnected(false)
	clock.Advance(DefaultHealthCheckInterval)
	waitForMode(t, c, ModePollTracking)
	require.Eventually(t, func() bool { return fetcher.count() >= 2 }, waitFor, tick)

	transport.setConnected(true)
	clock.Advance(DefaultHealthCheckInterval)
	waitForMode(t, c, ModePushTracking)
	assert.True(t, c.Snapshot().TransportHealthy)
	assert.Equal(t, ActivityConnected, c.Snapshot().ActivityMessage)
}

func TestCoordinator_ProbesGivenUpTransport(t *testing.T) {
	transport := newFakeTransport(errDialRefused)
	fetcher := newFakeFetcher(always(testInvoices(domain.StatusDraft), nil))
	c, clock := newTestCoordinator(t, transport, fetcher)

	require.NoError(t, c.Start(context.Background()))
	waitForMode(t, c, ModePollTracking)
	assert.Equal(t, 1, transport.connects())

	transport.setConnectErr(nil)
	clock.Advance(DefaultSafetyNetInterval - DefaultHealthCheckInterval)
	assert.Never(t, func() bool { return transport.connects() > 1 }, 50*time.Millisecond, tick)

	// Health checks keep firing; the first one past the probe interval reconnects.
	require.Eventually(t, func() bool {
		clock.Advance(DefaultHealthCheckInterval)
		return transport.connects() >= 2
	}, waitFor, 20*time.Millisecond)
	waitForMode(t, c, ModePushTracking)
}

func TestCoordinator_PausesAfterErrorThreshold(t *testing.T) {
	fetcher := newFakeFetcher(always(nil, errBackendDown))
	c, clock := newTestCoordinator(t, nil, fetcher)

	require.NoError(t, c.Start(context.Background()))
	waitForMode(t, c, ModePollTracking)
	require.Eventually(t, func() bool { return c.Snapshot().ConsecutiveErrorCount == 1 }, waitFor, tick)

	clock.Advance(DefaultPollInterval)
	require.Eventually(t, func() bool { return c.Snapshot().ConsecutiveErrorCount == 2 }, waitFor, tick)
	assert.Equal(t, ModePollTracking, c.Snapshot().Mode, "below the threshold failures are silent")

	clock.Advance(DefaultPollInterval)
	waitForMode(t, c, ModeDegraded)

	state := c.Snapshot()
	assert.Equal(t, DefaultErrorThreshold, state.ConsecutiveErrorCount)
	assert.Equal(t, ActivityPaused, state.ActivityMessage)
	assert.Equal(t, IndicatorPaused, state.Indicator())
	assert.False(t, state.TrackingActive)

	for i := 0; i < 5; i++ {
		clock.Advance(DefaultSafetyNetInterval)
	}
	assert.Never(t, func() bool { return fetcher.count() > DefaultErrorThreshold }, 100*time.Millisecond, tick)

	t.Run("refresh is refused while paused", func(t *testing.T) {
		fetcher.setRespond(always(testInvoices(domain.StatusSent), nil))
		clock.Advance(DefaultSafetyNetInterval + time.Second)

		assert.ErrorIs(t, c.Refresh(), ErrTrackingPaused)
		assert.Never(t, func() bool { return fetcher.count() > DefaultErrorThreshold }, 100*time.Millisecond, tick)

		state := c.Snapshot()
		assert.Equal(t, ModeDegraded, state.Mode)
		assert.Equal(t, DefaultErrorThreshold, state.ConsecutiveErrorCount)
		assert.Empty(t, c.Invoices())
	})

	t.Run("resume re-enables tracking", func(t *testing.T) {
		fetcher.setRespond(always(testInvoices(domain.StatusPaid), nil))

		require.NoError(t, c.Resume())

		waitForMode(t, c, ModePollTracking)
		require.Eventually(t, func() bool {
			s := c.Snapshot()
			return s.ConsecutiveErrorCount == 0 && len(c.Invoices()) == 1
		}, waitFor, tick)
		assert.True(t, c.Snapshot().TrackingActive)
	})
}

func TestCoordinator_FailedInitialLoadThenPoll(t *testing.T) {
	fetcher := newFakeFetcher(func(call int) ([]domain.Invoice, error) {
		if call == 1 {
			return nil, errBackendDown
		}
		return testInvoices(domain.StatusSent), nil
	})
	c, clock := newTestCoordinator(t, nil, fetcher)

	require.NoError(t, c.Start(context.Background()))
	waitForMode(t, c, ModePollTracking)
	require.Eventually(t, func() bool { return c.Snapshot().ConsecutiveErrorCount == 1 }, waitFor, tick)
	assert.Nil(t, c.Snapshot().LastUpdateAt)

	clock.Advance(DefaultPollInterval)
	require.Eventually(t, func() bool { return len(c.Invoices()) == 1 }, waitFor, tick)

	state := c.Snapshot()
	require.NotNil(t, state.LastUpdateAt)
	assert.Equal(t, ActivityChanged, state.ActivityMessage)
	assert.Zero(t, state.ConsecutiveErrorCount)
}

func TestCoordinator_Stop(t *testing.T) {
	transport := newFakeTransport(nil)
	fetcher := newFakeFetcher(always(testInvoices(domain.StatusDraft), nil))
	c, clock := newTestCoordinator(t, transport, fetcher)

	require.NoError(t, c.Start(context.Background()))
	waitForMode(t, c, ModePushTracking)
	require.Eventually(t, func() bool { return fetcher.count() == 1 }, waitFor, tick)

	c.Stop()

	assert.Equal(t, ModeStopped, c.Snapshot().Mode)
	assert.Equal(t, IndicatorOffline, c.Snapshot().Indicator())
	assert.False(t, transport.hasSubscriber("dashboard"))

	clock.Advance(10 * DefaultSafetyNetInterval)
	assert.Never(t, func() bool { return fetcher.count() > 1 }, 100*time.Millisecond, tick)

	assert.ErrorIs(t, c.Refresh(), ErrCoordinatorNotRunning)
	assert.NotPanics(t, c.Stop)
	assert.ErrorIs(t, c.Start(context.Background()), ErrCoordinatorStarted)
}

func TestCoordinator_Refresh(t *testing.T) {
	fetcher := newFakeFetcher(always(testInvoices(domain.StatusDraft), nil))
	c, _ := newTestCoordinator(t, nil, fetcher)

	assert.ErrorIs(t, c.Refresh(), ErrCoordinatorNotRunning)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return fetcher.count() == 1 }, waitFor, tick)

	require.NoError(t, c.Refresh())
	require.Eventually(t, func() bool { return fetcher.count() == 2 }, waitFor, tick)
}

func TestCoordinator_SharedTransportKeys(t *testing.T) {
	transport := newFakeTransport(nil)
	clock := clockwork.NewFakeClock()

	var coordinators []*Coordinator
	var fetchers []*fakeFetcher
	for _, key := range []string{"dashboard", "sidebar"} {
		fetcher := newFakeFetcher(always(testInvoices(domain.StatusDraft), nil))
		c, err := NewCoordinator(DefaultCoordinatorConfig(key, testIdentity), transport, fetcher, discardLogger(),
			WithCoordinatorClock(clock))
		require.NoError(t, err)
		t.Cleanup(c.Stop)
		require.NoError(t, c.Start(context.Background()))
		coordinators = append(coordinators, c)
		fetchers = append(fetchers, fetcher)
	}

	for i, c := range coordinators {
		waitForMode(t, c, ModePushTracking)
		fetcher := fetchers[i]
		require.Eventually(t, func() bool { return fetcher.count() == 1 }, waitFor, tick)
	}
	require.True(t, transport.hasSubscriber("dashboard"))
	require.True(t, transport.hasSubscriber("sidebar"))

	coordinators[0].Stop()
	assert.False(t, transport.hasSubscriber("dashboard"))
	assert.True(t, transport.hasSubscriber("sidebar"))

	transport.deliver(domain.NewStatusChangeMessage("inv_1", domain.StatusPaid, clock.Now()))
	require.Eventually(t, func() bool { return fetchers[1].count() == 2 }, waitFor, tick)
	assert.Equal(t, 1, fetchers[0].count())
}

// Loop handlers are exercised directly below; no goroutine is running.
func newLooplessCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(DefaultCoordinatorConfig("unit", testIdentity), nil,
		newFakeFetcher(always(nil, nil)), discardLogger(), WithCoordinatorClock(clockwork.NewFakeClock()))
	require.NoError(t, err)
	c.ctx = context.Background()
	c.breaker = c.newBreaker()
	c.state.Mode = ModePollTracking
	return c
}

func TestCoordinator_FetchResults(t *testing.T) {
	t.Run("unchanged data leaves freshness untouched", func(t *testing.T) {
		c := newLooplessCoordinator(t)
		c.onFetchResult(fetchResult{seq: 1, invoices: testInvoices(domain.StatusDraft)})
		require.Nil(t, c.state.LastUpdateAt)

		c.onFetchResult(fetchResult{seq: 2, invoices: testInvoices(domain.StatusDraft), silent: true})

		assert.Nil(t, c.state.LastUpdateAt)
		assert.Empty(t, c.state.ActivityMessage)
	})

	t.Run("changed data marks an update", func(t *testing.T) {
		c := newLooplessCoordinator(t)
		c.onFetchResult(fetchResult{seq: 1, invoices: testInvoices(domain.StatusDraft)})

		c.onFetchResult(fetchResult{seq: 2, invoices: testInvoices(domain.StatusSent), silent: true})

		require.NotNil(t, c.state.LastUpdateAt)
		assert.Equal(t, ActivityChanged, c.state.ActivityMessage)
	})

	t.Run("out-of-order completion is discarded", func(t *testing.T) {
		c := newLooplessCoordinator(t)
		c.onFetchResult(fetchResult{seq: 1, invoices: testInvoices(domain.StatusDraft)})
		c.onFetchResult(fetchResult{seq: 3, invoices: testInvoices(domain.StatusPaid), silent: true})

		c.onFetchResult(fetchResult{seq: 2, invoices: testInvoices(domain.StatusSent), silent: true})

		assert.Equal(t, domain.StatusPaid, c.invoices[0].Status)
		assert.Equal(t, uint64(3), c.appliedSeq)
	})

	t.Run("success resets the error count", func(t *testing.T) {
		c := newLooplessCoordinator(t)
		c.onFetchResult(fetchResult{seq: 1, err: errBackendDown})
		c.onFetchResult(fetchResult{seq: 2, err: errBackendDown})
		require.Equal(t, 2, c.state.ConsecutiveErrorCount)

		c.onFetchResult(fetchResult{seq: 3, invoices: testInvoices(domain.StatusDraft)})

		assert.Zero(t, c.state.ConsecutiveErrorCount)
		assert.Equal(t, ModePollTracking, c.state.Mode)
	})

	t.Run("failed loud fetch still sets the baseline", func(t *testing.T) {
		c := newLooplessCoordinator(t)
		c.onFetchResult(fetchResult{seq: 1, err: errBackendDown})

		c.onFetchResult(fetchResult{seq: 2, invoices: testInvoices(domain.StatusDraft), silent: true})

		require.NotNil(t, c.state.LastUpdateAt)
		assert.Equal(t, ActivityChanged, c.state.ActivityMessage)
		assert.Len(t, c.invoices, 1)
	})

	t.Run("silent result ahead of the loud fetch is the baseline", func(t *testing.T) {
		c := newLooplessCoordinator(t)
		c.onFetchResult(fetchResult{seq: 2, invoices: testInvoices(domain.StatusDraft), silent: true})
		c.onFetchResult(fetchResult{seq: 1, invoices: testInvoices(domain.StatusDraft)})

		assert.Nil(t, c.state.LastUpdateAt)
		assert.Empty(t, c.state.ActivityMessage)
		assert.Len(t, c.invoices, 1)
	})

	t.Run("results while paused are discarded", func(t *testing.T) {
		c := newLooplessCoordinator(t)
		c.state.Mode = ModeDegraded
		c.state.ConsecutiveErrorCount = DefaultErrorThreshold

		c.onFetchResult(fetchResult{seq: 1, invoices: testInvoices(domain.StatusPaid), silent: true})

		assert.Empty(t, c.invoices)
		assert.Equal(t, DefaultErrorThreshold, c.state.ConsecutiveErrorCount)
		assert.Nil(t, c.state.LastUpdateAt)
		assert.Equal(t, ModeDegraded, c.state.Mode)
	})

	t.Run("loud fetch clears loading", func(t *testing.T) {
		c := newLooplessCoordinator(t)
		c.fetchSeq = 4
		c.state.Loading = true
		c.loadingSeq = 4

		c.onFetchResult(fetchResult{seq: 3, err: errBackendDown})
		assert.True(t, c.state.Loading)

		c.onFetchResult(fetchResult{seq: 4, invoices: testInvoices(domain.StatusDraft)})
		assert.False(t, c.state.Loading)
	})
}

func TestDescribeMessage(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	update, err := domain.NewInvoiceUpdateMessage("inv_1", "total", 10, at)
	require.NoError(t, err)
	opened, err := domain.NewEmailTrackingMessage("inv_1", domain.EmailOpened, nil, at)
	require.NoError(t, err)

	assert.Equal(t, "invoice inv_1 total updated", describeMessage(update))
	assert.Equal(t, "invoice inv_1 email opened", describeMessage(opened))
	assert.Equal(t, "invoice inv_1 is now partially paid",
		describeMessage(domain.NewStatusChangeMessage("inv_1", domain.StatusPartiallyPaid, at)))
}
