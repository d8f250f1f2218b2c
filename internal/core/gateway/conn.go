package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beaconbot/beacon/internal/core"
)

// APIVersion is the gateway protocol version requested on connect.
const APIVersion = "10"

const (
	writeWait        = 10 * time.Second
	maxFrameSize     = 16 << 20
	handshakeTimeout = 15 * time.Second
)

// Close codes used by the gateway.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	CloseUnknownError    = 4000
	CloseAuthFailed      = 4004
	CloseInvalidSeq      = 4007
	CloseSessionTimedOut = 4009
	CloseInvalidShard    = 4010
	CloseShardingNeeded  = 4011
	CloseInvalidVersion  = 4012
	CloseInvalidIntents  = 4013
	CloseDisallowed      = 4014

	// CloseResumable is sent by the client on shutdown; any code other than
	// 1000/1001 keeps the session resumable.
	CloseResumable = 4900
)

// Conn is one gateway connection. ReadFrame is called from a single goroutine;
// WriteFrame and Close are safe for concurrent use.
type Conn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(frame *Frame) error
	Close(code int, reason string) error
}

// Dialer opens gateway connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError reports a close frame received from the gateway.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway closed connection: %d %s", e.Code, e.Reason)
}

// Fatal reports whether reconnecting cannot succeed.
func (e *CloseError) Fatal() bool {
	switch e.Code {
	case CloseAuthFailed, CloseInvalidShard, CloseShardingNeeded, CloseInvalidVersion,
		CloseInvalidIntents, CloseDisallowed:
		return true
	}
	return false
}

// InvalidatesSession reports whether the session cannot be resumed after this close.
func (e *CloseError) InvalidatesSession() bool {
	return e.Code == CloseInvalidSeq || e.Code == CloseSessionTimedOut
}

// WebsocketDialer dials gateway connections with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	url = ConnectURL(url)
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", core.ErrConnection, url, err)
	}
	ws.SetReadLimit(maxFrameSize)
	return &wsConn{ws: ws}, nil
}

// ConnectURL adds the protocol version and encoding query to a gateway URL
// unless they are already present. Resume URLs handed out by the gateway
// carry neither.
func ConnectURL(raw string) string {
	u, err := neturl.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("v") == "" {
		q.Set("v", APIVersion)
	}
	if q.Get("encoding") == "" {
		q.Set("encoding", "json")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type wsConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) ReadFrame() (*Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, fmt.Errorf("%w: read: %v", core.ErrConnection, err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", core.ErrProtocol, err)
	}
	return &frame, nil
}

func (c *wsConn) WriteFrame(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", core.ErrConnection)
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConnection, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", core.ErrConnection, err)
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
