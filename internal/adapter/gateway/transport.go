package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"

	"clawnode/internal/domain"
)

// Transport opens message connections to the gateway.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one open message connection. Read is called from a single goroutine;
// Write, Ping and Close may be called concurrently with Read.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// WebSocketTransport dials the gateway over WebSocket.
type WebSocketTransport struct {
	// ReadLimit caps the size of a single inbound message. Zero keeps the
	// library default of 32 KiB, too small for file_write attachments.
	ReadLimit  int64
	HTTPClient *http.Client
	Header     http.Header
}

// NewWebSocketTransport creates a transport with the given inbound message limit.
func NewWebSocketTransport(readLimit int64) *WebSocketTransport {
	return &WebSocketTransport{ReadLimit: readLimit}
}

// Dial opens a WebSocket connection to url.
func (t *WebSocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: t.Header,
	})
	if err != nil {
		return nil, domain.NewDomainError("WebSocketTransport.Dial", domain.ErrTransportFailure, err.Error())
	}
	if t.ReadLimit > 0 {
		ws.SetReadLimit(t.ReadLimit)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, transportErr("read", err)
		}
		if typ != websocket.MessageText {
			continue // the protocol is text-only
		}
		return data, nil
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return transportErr("write", err)
	}
	return nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	if err := c.ws.Ping(ctx); err != nil {
		return transportErr("ping", err)
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	err := c.ws.Close(websocket.StatusNormalClosure, reason)
	if err != nil && !isClosed(err) {
		return transportErr("close", err)
	}
	return nil
}

func transportErr(op string, err error) error {
	if status := websocket.CloseStatus(err); status != -1 {
		return domain.NewDomainError("wsConn."+op, domain.ErrTransportFailure,
			fmt.Sprintf("closed by peer: %d", status))
	}
	return domain.NewDomainError("wsConn."+op, domain.ErrTransportFailure, err.Error())
}

func isClosed(err error) bool {
	var ce websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}
