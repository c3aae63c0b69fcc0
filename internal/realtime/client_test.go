package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBaseURL  = "http://localhost:8080"
	testIdentity = "user-1"
	validFrame   = `{"type":"invoice_update","data":{"invoiceId":"inv_1","timestamp":"2024-01-01T00:00:00Z"}}`
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

func noJitter(time.Duration) time.Duration { return 0 }

func newTestClient(t *testing.T, dialer Dialer, plan ReconnectionPlan) (*Client, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	client := NewClient(testBaseURL, dialer, discardLogger(),
		WithClock(clock),
		WithReconnectionPlan(plan),
		WithJitter(noJitter),
	)
	t.Cleanup(client.Disconnect)
	return client, clock
}

func blockUntilTimer(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "expected a reconnect to be scheduled")
}

func assertNoTimer(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, clock.BlockUntilContext(ctx, 1), context.DeadlineExceeded, "expected no reconnect to be scheduled")
}

func TestClient_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("opens the derived endpoint", func(t *testing.T) {
		dialer := newFakeDialer(dialOK(newFakeConn()))
		client, _ := newTestClient(t, dialer, DefaultReconnectionPlan())

		require.NoError(t, client.Connect(ctx, testIdentity))

		assert.True(t, client.IsConnected())
		assert.Equal(t, StateConnected, client.State())
		assert.Zero(t, client.ReconnectAttempts())
		assert.Equal(t, []string{"ws://localhost:8080/api/websocket?userId=user-1"}, dialer.endpoints)
	})

	t.Run("initial dial failure is returned and not retried", func(t *testing.T) {
		dialer := newFakeDialer(dialFail())
		client, clock := newTestClient(t, dialer, DefaultReconnectionPlan())

		err := client.Connect(ctx, testIdentity)

		assert.ErrorIs(t, err, errDialRefused)
		assert.Equal(t, StateDisconnected, client.State())
		assertNoTimer(t, clock)
		assert.Equal(t, 1, dialer.calls())
	})

	t.Run("invalid base url fails before dialing", func(t *testing.T) {
		dialer := newFakeDialer()
		client := NewClient("ftp://example.com", dialer, discardLogger())

		err := client.Connect(ctx, testIdentity)

		assert.ErrorIs(t, err, ErrInvalidBaseURL)
		assert.Zero(t, dialer.calls())
	})

	t.Run("connect while connected is a no-op", func(t *testing.T) {
		dialer := newFakeDialer(dialOK(newFakeConn()), dialOK(newFakeConn()))
		client, _ := newTestClient(t, dialer, DefaultReconnectionPlan())

		require.NoError(t, client.Connect(ctx, testIdentity))
		require.NoError(t, client.Connect(ctx, testIdentity))

		assert.Equal(t, 1, dialer.calls())
	})

	t.Run("connect as another identity is rejected", func(t *testing.T) {
		dialer := newFakeDialer(dialOK(newFakeConn()))
		client, _ := newTestClient(t, dialer, DefaultReconnectionPlan())

		require.NoError(t, client.Connect(ctx, testIdentity))
		err := client.Connect(ctx, "user-2")

		assert.ErrorIs(t, err, ErrIdentityInUse)
		assert.True(t, client.IsConnected())
	})

	t.Run("connect while reconnecting dials immediately", func(t *testing.T) {
		first := newFakeConn()
		dialer := newFakeDialer(dialOK(first), dialOK(newFakeConn()))
		client, clock := newTestClient(t, dialer, DefaultReconnectionPlan())

		require.NoError(t, client.Connect(ctx, testIdentity))
		first.drop()
		blockUntilTimer(t, clock)
		assert.Equal(t, StateReconnecting, client.State())

		require.NoError(t, client.Connect(ctx, testIdentity))

		assert.True(t, client.IsConnected())
		assert.Zero(t, client.ReconnectAttempts())
		assertNoTimer(t, clock)

		clock.Advance(time.Minute)
		assert.Never(t, func() bool { return dialer.calls() > 2 }, 100*time.Millisecond, tick)
	})
}

func TestClient_ReconnectResetsAfterSuccess(t *testing.T) {
	ctx := context.Background()
	plan := ReconnectionPlan{MaxAttempts: 5, Base: time.Second, Cap: 30 * time.Second, JitterBound: time.Second}

	first, second := newFakeConn(), newFakeConn()
	dialer := newFakeDialer(dialOK(first), dialFail(), dialFail(), dialOK(second))
	client, clock := newTestClient(t, dialer, plan)

	require.NoError(t, client.Connect(ctx, testIdentity))

	// Lose the connection: retries at 1s and 2s fail, the one at 4s succeeds.
	first.drop()
	for i, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		blockUntilTimer(t, clock)
		assert.Equal(t, i+1, client.ReconnectAttempts())
		clock.Advance(delay)
		wantCalls := i + 2
		require.Eventually(t, func() bool { return dialer.calls() == wantCalls }, waitFor, tick)
	}
	require.Eventually(t, client.IsConnected, waitFor, tick)
	assert.Zero(t, client.ReconnectAttempts())

	// The next loss starts from delay(1) again, not delay(4).
	second.drop()
	blockUntilTimer(t, clock)
	assert.Equal(t, 1, client.ReconnectAttempts())
	assert.Equal(t, StateReconnecting, client.State())

	clock.Advance(plan.Delay(1, 0) - time.Millisecond)
	assert.Never(t, func() bool { return dialer.calls() > 4 }, 100*time.Millisecond, tick)

	clock.Advance(time.Millisecond)
	assert.Eventually(t, func() bool { return dialer.calls() == 5 }, waitFor, tick)
}

func TestClient_StopsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	plan := ReconnectionPlan{MaxAttempts: 2, Base: time.Second, Cap: 30 * time.Second}

	first, later := newFakeConn(), newFakeConn()
	dialer := newFakeDialer(dialOK(first), dialFail(), dialFail(), dialOK(later))
	client, clock := newTestClient(t, dialer, plan)

	require.NoError(t, client.Connect(ctx, testIdentity))
	first.drop()

	for i := 1; i <= plan.MaxAttempts; i++ {
		blockUntilTimer(t, clock)
		clock.Advance(plan.Delay(i, 0))
		wantCalls := i + 1
		require.Eventually(t, func() bool { return dialer.calls() == wantCalls }, waitFor, tick)
	}

	require.Eventually(t, func() bool { return client.State() == StateDisconnected }, waitFor, tick)
	assertNoTimer(t, clock)
	assert.Equal(t, plan.MaxAttempts, client.ReconnectAttempts())

	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return dialer.calls() > 3 }, 100*time.Millisecond, tick)

	// Only an explicit connect recovers, with a fresh budget.
	require.NoError(t, client.Connect(ctx, testIdentity))
	assert.True(t, client.IsConnected())
	assert.Zero(t, client.ReconnectAttempts())
}

func TestClient_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("failing handlers do not block others", func(t *testing.T) {
		conn := newFakeConn()
		client, _ := newTestClient(t, newFakeDialer(dialOK(conn)), DefaultReconnectionPlan())
		require.NoError(t, client.Connect(ctx, testIdentity))

		var healthyA, failing, panicking, healthyB atomic.Int32
		client.Subscribe("a", func(domain.Message) error { healthyA.Add(1); return nil })
		client.Subscribe("failing", func(domain.Message) error {
			failing.Add(1)
			return errors.New("handler failed")
		})
		client.Subscribe("panicking", func(domain.Message) error {
			panicking.Add(1)
			panic("handler panicked")
		})
		client.Subscribe("b", func(domain.Message) error { healthyB.Add(1); return nil })

		conn.deliver(validFrame)

		counters := []*atomic.Int32{&healthyA, &failing, &panicking, &healthyB}
		require.Eventually(t, func() bool {
			for _, c := range counters {
				if c.Load() != 1 {
					return false
				}
			}
			return true
		}, waitFor, tick)

		// Failing handlers stay registered and see the next message too.
		conn.deliver(validFrame)
		require.Eventually(t, func() bool { return failing.Load() == 2 && panicking.Load() == 2 }, waitFor, tick)
		assert.Equal(t, 4, client.SubscriberCount())
		assert.True(t, client.IsConnected())
	})

	t.Run("subscribe replaces handler under the same key", func(t *testing.T) {
		conn := newFakeConn()
		client, _ := newTestClient(t, newFakeDialer(dialOK(conn)), DefaultReconnectionPlan())
		require.NoError(t, client.Connect(ctx, testIdentity))

		var first, second atomic.Int32
		client.Subscribe("view", func(domain.Message) error { first.Add(1); return nil })
		client.Subscribe("view", func(domain.Message) error { second.Add(1); return nil })

		conn.deliver(validFrame)

		require.Eventually(t, func() bool { return second.Load() == 1 }, waitFor, tick)
		assert.Zero(t, first.Load())
		assert.Equal(t, 1, client.SubscriberCount())
	})

	t.Run("malformed frames are dropped without closing", func(t *testing.T) {
		conn := newFakeConn()
		client, _ := newTestClient(t, newFakeDialer(dialOK(conn)), DefaultReconnectionPlan())
		require.NoError(t, client.Connect(ctx, testIdentity))

		var received []domain.Message
		done := make(chan struct{})
		client.Subscribe("view", func(msg domain.Message) error {
			received = append(received, msg)
			close(done)
			return nil
		})

		conn.deliver(`not json`)
		conn.deliver(`{"type":"invoice_deleted","data":{"invoiceId":"inv_1","timestamp":"2024-01-01T00:00:00Z"}}`)
		conn.deliver(`{"type":"status_change","data":{"invoiceId":"inv_1","value":"LOST","timestamp":"2024-01-01T00:00:00Z"}}`)
		conn.deliver(validFrame)

		select {
		case <-done:
		case <-time.After(waitFor):
			t.Fatal("valid frame was not delivered")
		}

		require.Len(t, received, 1)
		assert.Equal(t, "inv_1", received[0].InvoiceID)
		assert.True(t, client.IsConnected())
		assert.False(t, conn.isClosed())
	})

	t.Run("unsubscribe of unknown key is a no-op", func(t *testing.T) {
		client, _ := newTestClient(t, newFakeDialer(), DefaultReconnectionPlan())
		client.Subscribe("view", func(domain.Message) error { return nil })

		client.Unsubscribe("missing")
		assert.Equal(t, 1, client.SubscriberCount())

		client.Unsubscribe("view")
		assert.Zero(t, client.SubscriberCount())
	})
}

func TestClient_Send(t *testing.T) {
	ctx := context.Background()
	msg := domain.NewStatusChangeMessage("inv_1", domain.StatusPaid, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	t.Run("writes when connected", func(t *testing.T) {
		conn := newFakeConn()
		client, _ := newTestClient(t, newFakeDialer(dialOK(conn)), DefaultReconnectionPlan())
		require.NoError(t, client.Connect(ctx, testIdentity))

		require.NoError(t, client.Send(msg))

		writes := conn.writes()
		require.Len(t, writes, 1)
		assert.JSONEq(t,
			`{"type":"status_change","data":{"invoiceId":"inv_1","field":"status","value":"PAID","timestamp":"2024-01-01T00:00:00Z"}}`,
			string(writes[0]))
	})

	t.Run("drops silently when disconnected", func(t *testing.T) {
		client, _ := newTestClient(t, newFakeDialer(), DefaultReconnectionPlan())

		assert.NoError(t, client.Send(msg))
	})

	t.Run("invalid message is an encode error", func(t *testing.T) {
		client, _ := newTestClient(t, newFakeDialer(), DefaultReconnectionPlan())

		err := client.Send(domain.Message{InvoiceID: "inv_1"})
		assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	})
}

func TestClient_Disconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("closes and clears without reconnecting", func(t *testing.T) {
		conn := newFakeConn()
		dialer := newFakeDialer(dialOK(conn))
		client, clock := newTestClient(t, dialer, DefaultReconnectionPlan())
		require.NoError(t, client.Connect(ctx, testIdentity))
		client.Subscribe("view", func(domain.Message) error { return nil })

		client.Disconnect()

		assert.Equal(t, StateDisconnected, client.State())
		assert.Zero(t, client.SubscriberCount())
		assert.True(t, conn.isClosed())
		assertNoTimer(t, clock)
		assert.Equal(t, 1, dialer.calls())

		assert.NotPanics(t, client.Disconnect)
	})

	t.Run("cancels a pending retry", func(t *testing.T) {
		conn := newFakeConn()
		dialer := newFakeDialer(dialOK(conn))
		client, clock := newTestClient(t, dialer, DefaultReconnectionPlan())
		require.NoError(t, client.Connect(ctx, testIdentity))

		conn.drop()
		blockUntilTimer(t, clock)

		client.Disconnect()
		clock.Advance(time.Minute)

		assert.Never(t, func() bool { return dialer.calls() > 1 }, 100*time.Millisecond, tick)
		assert.Equal(t, StateDisconnected, client.State())
		assert.Zero(t, client.ReconnectAttempts())
	})
}
