package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed between server pings before the connection is considered dead.
	pingWait = 90 * time.Second

	// Maximum frame size accepted from the server.
	maxFrameSize = 64 * 1024

	defaultHandshakeTimeout = 10 * time.Second
)

// Conn is one open persistent connection. ReadMessage blocks until a data
// frame arrives and returns an error once the connection is closed; that
// error is the close notification.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections. Dial returns once the connection is open.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	// Header is sent with the handshake, typically an Authorization bearer.
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
	PingWait         time.Duration
}

// NewWebsocketDialer returns a dialer that authenticates with token when it is non-empty.
func NewWebsocketDialer(token string) *WebsocketDialer {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebsocketDialer{
		Header:           header,
		HandshakeTimeout: defaultHandshakeTimeout,
		ReadLimit:        maxFrameSize,
		PingWait:         pingWait,
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, d.Header.Clone())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return newWebsocketConn(ws, d.ReadLimit, d.PingWait)
}

// websocketConn adapts *websocket.Conn to Conn. gorilla allows one
// concurrent writer, so writes are serialized.
type websocketConn struct {
	ws       *websocket.Conn
	pingWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWebsocketConn(ws *websocket.Conn, readLimit int64, wait time.Duration) (*websocketConn, error) {
	if readLimit <= 0 {
		readLimit = maxFrameSize
	}
	if wait <= 0 {
		wait = pingWait
	}

	c := &websocketConn{ws: ws, pingWait: wait}

	ws.SetReadLimit(readLimit)
	if err := ws.SetReadDeadline(time.Now().Add(wait)); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	// Server pings keep the read deadline moving.
	ws.SetPingHandler(func(appData string) error {
		if err := ws.SetReadDeadline(time.Now().Add(c.pingWait)); err != nil {
			return err
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	return c, nil
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			// Any data frame proves liveness.
			_ = c.ws.SetReadDeadline(time.Now().Add(c.pingWait))
			return data, nil
		}
	}
}

func (c *websocketConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
