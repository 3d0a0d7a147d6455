package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tether/internal/domain"
	"tether/internal/protocol/frame"
)

// ErrMalformed wraps a message that could not be decoded as a frame. The
// connection is still usable after it.
var ErrMalformed = frame.ErrMalformedFrame

const (
	defaultHandshakeTimeout = 15 * time.Second
	writeTimeout            = 10 * time.Second
	maxMessageSize          = 1 << 20
)

// WSDialer opens WebSocket connections to the relay's device endpoint.
type WSDialer struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

// NewWSDialer returns a dialer for the relay at base. An http(s) base is
// rewritten to ws(s) with the device endpoint path appended.
func NewWSDialer(base, token string) (*WSDialer, error) {
	u, err := WebSocketURL(base)
	if err != nil {
		return nil, err
	}
	return &WSDialer{URL: u, Token: token}, nil
}

// WebSocketURL maps a relay base URL to its device connection endpoint.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/connect"
	} else if !strings.HasSuffix(u.Path, "/v1/connect") {
		u.Path = strings.TrimRight(u.Path, "/") + "/v1/connect"
	}
	return u.String(), nil
}

// Dial connects to the relay.
func (d *WSDialer) Dial(ctx context.Context) (domain.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("relay dial %s: %w", d.URL, err)
	}
	return NewWSConn(ws), nil
}

// WSConn adapts a WebSocket to domain.Conn.
type WSConn struct {
	ws *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps an established WebSocket.
func NewWSConn(ws *websocket.Conn) *WSConn {
	ws.SetReadLimit(maxMessageSize)
	return &WSConn{ws: ws}
}

// ReadFrame blocks for the next frame. Undecodable messages return an error
// wrapping ErrMalformed; any other error means the connection is gone.
func (c *WSConn) ReadFrame() (domain.Frame, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return domain.Frame{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var f domain.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return domain.Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return f, nil
	}
}

// WriteFrame sends one frame. Safe for concurrent use.
func (c *WSConn) WriteFrame(f domain.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close message and tears the socket down. Repeated calls
// return the first result.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.wmu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

var (
	_ domain.Dialer = (*WSDialer)(nil)
	_ domain.Conn   = (*WSConn)(nil)
)
