package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/lorrc/invoice-tracker/internal/core/domain"
)

var (
	errConnClosed  = errors.New("connection closed")
	errDialRefused = errors.New("dial refused")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory Conn. Frames pushed with deliver are returned by
// ReadMessage; drop simulates the server closing the connection.
type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-f.closed:
		return nil, errConnClosed
	default:
	}

	select {
	case data := <-f.frames:
		return data, nil
	case <-f.closed:
		return nil, errConnClosed
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errConnClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) deliver(frame string) {
	f.frames <- []byte(frame)
}

func (f *fakeConn) drop() {
	_ = f.Close()
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

// dialOutcome is one scripted Dial result: a connection or an error.
type dialOutcome struct {
	conn *fakeConn
	err  error
}

// fakeDialer replays scripted outcomes and refuses once they run out.
type fakeDialer struct {
	mu        sync.Mutex
	outcomes  []dialOutcome
	endpoints []string
}

func newFakeDialer(outcomes ...dialOutcome) *fakeDialer {
	return &fakeDialer{outcomes: outcomes}
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.endpoints = append(d.endpoints, endpoint)
	if len(d.outcomes) == 0 {
		return nil, errDialRefused
	}
	next := d.outcomes[0]
	d.outcomes = d.outcomes[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.conn, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}

func dialOK(conn *fakeConn) dialOutcome { return dialOutcome{conn: conn} }

func dialFail() dialOutcome { return dialOutcome{err: errDialRefused} }

// fakeTransport stands in for a Client in coordinator tests.
type fakeTransport struct {
	mu           sync.Mutex
	connectErr   error
	connected    bool
	connectCalls int
	handlers     map[string]Handler
}

func newFakeTransport(connectErr error) *fakeTransport {
	return &fakeTransport{connectErr: connectErr, handlers: make(map[string]Handler)}
}

func (f *fakeTransport) Connect(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Subscribe(key string, handler Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[key] = handler
}

func (f *fakeTransport) Unsubscribe(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, key)
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) State() ConnectionState {
	if f.IsConnected() {
		return StateConnected
	}
	return StateDisconnected
}

func (f *fakeTransport) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeTransport) hasSubscriber(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[key]
	return ok
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) deliver(msg domain.Message) {
	f.mu.Lock()
	handlers := make([]Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		_ = h(msg)
	}
}

// fakeFetcher answers ListInvoices from a function of the call number.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	respond func(call int) ([]domain.Invoice, error)
}

func newFakeFetcher(respond func(call int) ([]domain.Invoice, error)) *fakeFetcher {
	return &fakeFetcher{respond: respond}
}

func (f *fakeFetcher) ListInvoices(_ context.Context) ([]domain.Invoice, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	respond := f.respond
	f.mu.Unlock()
	return respond(call)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) setRespond(respond func(call int) ([]domain.Invoice, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = respond
}
