// Package gatewaytest provides a scriptable in-process gateway for tests
// that exercise the node over a real WebSocket connection.
package gatewaytest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"clawnode/internal/adapter/gateway"
)

// Server accepts node connections and hands each one to the test as a Peer.
type Server struct {
	srv   *httptest.Server
	peers chan *Peer
	mu    sync.Mutex
	open  []*Peer
}

// Peer is the gateway side of one node connection.
type Peer struct {
	ws        *websocket.Conn
	sendCh    chan []byte
	frames    chan gateway.Frame
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer starts a fake gateway on a loopback port.
func NewServer() *Server {
	s := &Server{peers: make(chan *Peer, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the ws:// address nodes should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	for _, p := range s.open {
		p.Close()
	}
	s.mu.Unlock()
	s.srv.Close()
}

// Accept waits for the next node connection.
func (s *Server) Accept(ctx context.Context) (*Peer, error) {
	select {
	case p := <-s.peers:
		return p, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("accept: %w", ctx.Err())
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*"},
	})
	if err != nil {
		return
	}
	ws.SetReadLimit(8 << 20)

	p := &Peer{
		ws:     ws,
		sendCh: make(chan []byte, 64),
		frames: make(chan gateway.Frame, 64),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.open = append(s.open, p)
	s.mu.Unlock()
	s.peers <- p

	go p.writeLoop()
	p.readLoop(r.Context())

	p.Close()
}

func (p *Peer) readLoop(ctx context.Context) {
	defer close(p.frames)
	for {
		_, data, err := p.ws.Read(ctx)
		if err != nil {
			return
		}
		f, err := gateway.DecodeFrame(data)
		if err != nil {
			continue
		}
		select {
		case p.frames <- f:
		case <-p.done:
			return
		}
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Send queues a frame for the node.
func (p *Peer) Send(f gateway.Frame) error {
	data, err := gateway.EncodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case p.sendCh <- data:
		return nil
	case <-p.done:
		return fmt.Errorf("send: peer closed")
	}
}

// Next returns the next frame received from the node.
func (p *Peer) Next(ctx context.Context) (gateway.Frame, error) {
	select {
	case f, ok := <-p.frames:
		if !ok {
			return nil, fmt.Errorf("next: connection closed")
		}
		return f, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("next: %w", ctx.Err())
	}
}

// NextRequest skips frames until a request arrives.
func (p *Peer) NextRequest(ctx context.Context) (*gateway.Request, error) {
	for {
		f, err := p.Next(ctx)
		if err != nil {
			return nil, err
		}
		if req, ok := f.(*gateway.Request); ok {
			return req, nil
		}
	}
}

// NextResponse skips frames until a response arrives.
func (p *Peer) NextResponse(ctx context.Context) (*gateway.Response, error) {
	for {
		f, err := p.Next(ctx)
		if err != nil {
			return nil, err
		}
		if resp, ok := f.(*gateway.Response); ok {
			return resp, nil
		}
	}
}

// Handshake sends a challenge, waits for the connect request and accepts it,
// issuing deviceToken when non-empty. It returns the connect request.
func (p *Peer) Handshake(ctx context.Context, deviceToken string) (*gateway.Request, error) {
	if err := p.Send(&gateway.Challenge{Nonce: "test-nonce", Timestamp: time.Now().UnixMilli()}); err != nil {
		return nil, err
	}
	req, err := p.NextRequest(ctx)
	if err != nil {
		return nil, err
	}
	if req.Method != gateway.MethodConnect {
		return nil, fmt.Errorf("handshake: expected connect, got %q", req.Method)
	}
	payload := map[string]any{"type": "hello-ok", "protocol": float64(3)}
	if deviceToken != "" {
		payload["auth"] = map[string]any{"deviceToken": deviceToken}
	}
	if err := p.Send(&gateway.Response{ID: req.ID, OK: true, Payload: payload}); err != nil {
		return nil, err
	}
	return req, nil
}

// Close terminates the connection from the gateway side.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.ws.Close(websocket.StatusGoingAway, "gateway closing")
	})
}
