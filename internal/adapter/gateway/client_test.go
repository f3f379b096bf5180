package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawnode/internal/domain"
)

// --- test doubles ---

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// Set by fakeTransport.configure before the client sees the conn.
	readLag   time.Duration // delay before Read reports cancellation or close
	pingErr   error
	writeErr  error
	writeGate chan struct{} // when set, Write blocks until it is closed

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		time.Sleep(c.readLag)
		return nil, domain.NewDomainError("fakeConn.Read", domain.ErrTransportFailure, "closed")
	case <-ctx.Done():
		time.Sleep(c.readLag)
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	if c.writeGate != nil {
		select {
		case <-c.writeGate:
		case <-c.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-c.closed:
		return domain.NewDomainError("fakeConn.Write", domain.ErrTransportFailure, "closed")
	default:
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.mu.Lock()
	c.written = append(c.written, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }

func (c *fakeConn) Close(string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// push delivers a frame to the client as if the gateway sent it.
func (c *fakeConn) push(t *testing.T, f Frame) {
	t.Helper()
	data, err := EncodeFrame(f)
	require.NoError(t, err)
	c.inbound <- data
}

func (c *fakeConn) frames(t *testing.T) []Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, 0, len(c.written))
	for _, data := range c.written {
		f, err := DecodeFrame(data)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) requests(t *testing.T) []*Request {
	t.Helper()
	var out []*Request
	for _, f := range c.frames(t) {
		if r, ok := f.(*Request); ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *fakeConn) responses(t *testing.T) []*Response {
	t.Helper()
	var out []*Response
	for _, f := range c.frames(t) {
		if r, ok := f.(*Response); ok {
			out = append(out, r)
		}
	}
	return out
}

// fakeTransport hands out fakeConns. Dials listed in failDials (1-based) fail.
type fakeTransport struct {
	mu        sync.Mutex
	dials     int
	failDials map[int]bool
	failAll   bool
	conns     chan *fakeConn

	// configure, when set, adjusts each conn (by 1-based dial number) before
	// it is handed to the client.
	configure func(dial int, c *fakeConn)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16), failDials: map[int]bool{}}
}

func (t *fakeTransport) Dial(context.Context, string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	dial := t.dials
	fail := t.failAll || t.failDials[dial]
	t.mu.Unlock()
	if fail {
		return nil, domain.NewDomainError("fakeTransport.Dial", domain.ErrTransportFailure, "connection refused")
	}
	c := newFakeConn()
	if t.configure != nil {
		t.configure(dial, c)
	}
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) next(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.conns:
		return c
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for dial")
		return nil
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []domain.ConnectionState
}

func (l *stateLog) record(s domain.ConnectionState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) all() []domain.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ConnectionState(nil), l.states...)
}

// delayLog replaces the reconnect timer, recording each scheduled delay and
// firing immediately.
type delayLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (l *delayLog) after(d time.Duration) <-chan time.Time {
	l.mu.Lock()
	l.delays = append(l.delays, d)
	l.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (l *delayLog) all() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.delays...)
}

func testConfig() ClientConfig {
	return ClientConfig{
		URL:           "ws://gateway.test/ws",
		AuthToken:     "auth-token",
		NodeName:      "bench-node",
		DeviceID:      "node-01TEST",
		ClientID:      "clawnode",
		Version:       "1.2.3",
		Platform:      "linux",
		Locale:        "en-US",
		UserAgent:     "clawnode/1.2.3",
		MinProtocol:   3,
		MaxProtocol:   3,
		Caps:          []string{"sensor"},
		Commands:      []string{"sensor_read"},
		Reconnect:     true,
		ReconnectBase: 100 * time.Millisecond,
		ReconnectMax:  time.Second,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, tr *fakeTransport, cfg ClientConfig, opts ...Option) (*Client, *stateLog, *delayLog) {
	t.Helper()
	states := &stateLog{}
	delays := &delayLog{}
	opts = append([]Option{WithLogger(quietLogger()), WithStateHandler(states.record)}, opts...)
	c := NewClient(cfg, tr, opts...)
	c.after = delays.after
	t.Cleanup(c.Disconnect)
	return c, states, delays
}

func waitState(t *testing.T, c *Client, want domain.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s (is %s)", want, c.State())
}

// handshake drives conn from AwaitingChallenge to Connected.
func handshake(t *testing.T, c *Client, conn *fakeConn, payload map[string]any) {
	t.Helper()
	waitState(t, c, domain.StateAwaitingChallenge)
	conn.push(t, &Challenge{Nonce: "n1", Timestamp: 1})
	require.Eventually(t, func() bool { return len(conn.requests(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	connectID := conn.requests(t)[0].ID
	if payload == nil {
		payload = map[string]any{"type": "hello-ok"}
	}
	conn.push(t, &Response{ID: connectID, OK: true, Payload: payload})
	waitState(t, c, domain.StateConnected)
}

// --- tests ---

func TestClientChallengeSendsSingleConnect(t *testing.T) {
	tr := newFakeTransport()
	c, states, _ := newTestClient(t, tr, testConfig())

	c.Connect()
	conn := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)

	conn.push(t, &Challenge{Nonce: "abc", Timestamp: 1700000000})
	waitState(t, c, domain.StateHandshaking)
	require.Eventually(t, func() bool { return len(conn.frames(t)) == 1 }, time.Second, 5*time.Millisecond)

	// Give the client a moment to misbehave before counting again.
	time.Sleep(20 * time.Millisecond)
	reqs := conn.requests(t)
	require.Len(t, reqs, 1)
	assert.Equal(t, MethodConnect, reqs[0].Method)
	assert.Equal(t, "node-1", reqs[0].ID)

	p := reqs[0].Params
	assert.Equal(t, float64(3), p["minProtocol"])
	assert.Equal(t, float64(3), p["maxProtocol"])
	assert.Equal(t, "node", p["role"])
	assert.Equal(t, map[string]any{"id": "clawnode", "version": "1.2.3", "platform": "linux", "mode": "node"}, p["client"])
	assert.Equal(t, map[string]any{"token": "auth-token"}, p["auth"])
	assert.Equal(t, map[string]any{"id": "node-01TEST"}, p["device"])
	assert.Equal(t, []any{"sensor"}, p["caps"])
	assert.Equal(t, []any{"sensor_read"}, p["commands"])
	assert.Equal(t, []any{}, p["scopes"])
	assert.Equal(t, map[string]any{}, p["permissions"])
	assert.Equal(t, "en-US", p["locale"])
	assert.Equal(t, "clawnode/1.2.3", p["userAgent"])

	assert.Equal(t, []domain.ConnectionState{
		domain.StateConnecting,
		domain.StateAwaitingChallenge,
		domain.StateHandshaking,
	}, states.all())
}

func TestClientIgnoresSecondChallenge(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestClient(t, tr, testConfig())

	c.Connect()
	conn := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)

	conn.push(t, &Challenge{Nonce: "a"})
	waitState(t, c, domain.StateHandshaking)
	conn.push(t, &Challenge{Nonce: "b"})

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, conn.requests(t), 1)
	assert.Equal(t, domain.StateHandshaking, c.State())
}

func TestClientDeviceTokenTakesPrecedence(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestClient(t, tr, testConfig())
	c.SetDeviceToken("device-token")

	c.Connect()
	conn := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
	conn.push(t, &Challenge{Nonce: "n"})

	require.Eventually(t, func() bool { return len(conn.requests(t)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]any{"token": "device-token"}, conn.requests(t)[0].Params["auth"])
}

func TestClientHelloOKAdoptsDeviceToken(t *testing.T) {
	tr := newFakeTransport()
	c, states, _ := newTestClient(t, tr, testConfig())

	c.Connect()
	conn := tr.next(t)
	handshake(t, c, conn, map[string]any{
		"type": "hello-ok",
		"auth": map[string]any{"deviceToken": "issued-token"},
	})

	assert.Equal(t, "issued-token", c.DeviceToken())
	require.Eventually(t, func() bool {
		all := states.all()
		return all[len(all)-1] == domain.StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, c.LastError())
}

func TestClientHelloOKWithoutTokenKeepsExisting(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestClient(t, tr, testConfig())
	c.SetDeviceToken("kept")

	c.Connect()
	handshake(t, c, tr.next(t), nil)
	assert.Equal(t, "kept", c.DeviceToken())
}

func TestClientPairingRequiredSendsSinglePairRequest(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestClient(t, tr, testConfig())

	c.Connect()
	conn := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
	conn.push(t, &Challenge{Nonce: "n"})
	require.Eventually(t, func() bool { return len(conn.requests(t)) == 1 }, time.Second, 5*time.Millisecond)

	conn.push(t, &Response{ID: "node-1", OK: false, Error: &FrameError{Message: "Pairing required for this device"}})
	waitState(t, c, domain.StatePairingPending)
	require.Eventually(t, func() bool { return len(conn.requests(t)) == 2 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	reqs := conn.requests(t)
	require.Len(t, reqs, 2)
	assert.Equal(t, MethodPairRequest, reqs[1].Method)
	assert.Equal(t, "node-2", reqs[1].ID)
	assert.Equal(t, map[string]any{"name": "bench-node", "deviceId": "node-01TEST"}, reqs[1].Params)
	assert.ErrorIs(t, c.LastError(), domain.ErrPairingRequired)
}

func TestClientPairingApprovedReconnectsWithNewToken(t *testing.T) {
	tr := newFakeTransport()
	c, _, delays := newTestClient(t, tr, testConfig())

	c.Connect()
	conn := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
	conn.push(t, &Challenge{Nonce: "n"})
	require.Eventually(t, func() bool { return len(conn.requests(t)) == 1 }, time.Second, 5*time.Millisecond)
	conn.push(t, &Response{ID: "node-1", OK: false, Error: &FrameError{Message: "not paired"}})
	waitState(t, c, domain.StatePairingPending)
	conn.push(t, &Response{ID: "node-2", OK: true, Payload: map[string]any{"status": "pending"}})
	conn.push(t, &Event{Name: EventPairResolved, Payload: map[string]any{"approved": true, "token": "paired-token"}})

	second := tr.next(t)
	assert.Equal(t, "paired-token", c.DeviceToken())
	assert.Empty(t, delays.all(), "approval reconnects without backoff")

	waitState(t, c, domain.StateAwaitingChallenge)
	second.push(t, &Challenge{Nonce: "n2"})
	require.Eventually(t, func() bool { return len(second.requests(t)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]any{"token": "paired-token"}, second.requests(t)[0].Params["auth"])
	assert.NoError(t, c.LastError())
}

func TestClientPairingRejectedStopsReconnecting(t *testing.T) {
	tr := newFakeTransport()
	c, _, delays := newTestClient(t, tr, testConfig())

	c.Connect()
	conn := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
	conn.push(t, &Challenge{Nonce: "n"})
	require.Eventually(t, func() bool { return len(conn.requests(t)) == 1 }, time.Second, 5*time.Millisecond)
	conn.push(t, &Response{ID: "node-1", OK: false, Error: &FrameError{Message: "pairing required"}})
	waitState(t, c, domain.StatePairingPending)
	conn.push(t, &Event{Name: EventPairResolved, Payload: map[string]any{"approved": false}})

	waitState(t, c, domain.StateDisconnected)
	require.Eventually(t, func() bool { return c.LastError() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.LastError(), domain.ErrPairingRejected)

	assert.Never(t, func() bool { return tr.dialCount() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, delays.all())
}

func TestClientPairRequestRefused(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestClient(t, tr, testConfig())

	c.Connect()
	conn := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
	conn.push(t, &Challenge{Nonce: "n"})
	require.Eventually(t, func() bool { return len(conn.requests(t)) == 1 }, time.Second, 5*time.Millisecond)
	conn.push(t, &Response{ID: "node-1", OK: false, Error: &FrameError{Message: "pairing required"}})
	require.Eventually(t, func() bool { return len(conn.requests(t)) == 2 }, time.Second, 5*time.Millisecond)
	conn.push(t, &Response{ID: "node-2", OK: false, Error: &FrameError{Message: "pairing disabled"}})

	waitState(t, c, domain.StateDisconnected)
	require.Eventually(t, func() bool { return c.LastError() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.LastError(), domain.ErrPairingRejected)
	assert.Never(t, func() bool { return tr.dialCount() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestClientAuthRejectedIsTerminal(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestClient(t, tr, testConfig())

	c.Connect()
	conn := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
	conn.push(t, &Challenge{Nonce: "n"})
	require.Eventually(t, func() bool { return len(conn.requests(t)) == 1 }, time.Second, 5*time.Millisecond)
	conn.push(t, &Response{ID: "node-1", OK: false, Error: &FrameError{Message: "invalid token"}})

	waitState(t, c, domain.StateDisconnected)
	require.Eventually(t, func() bool { return c.LastError() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.LastError(), domain.ErrAuthRejected)
	assert.Never(t, func() bool { return tr.dialCount() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	// A fresh Connect starts a new cycle.
	c.Connect()
	tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
}

func TestClientBackoffSchedule(t *testing.T) {
	tr := newFakeTransport()
	tr.failAll = true
	c, _, delays := newTestClient(t, tr, testConfig())

	c.Connect()
	require.Eventually(t, func() bool { return len(delays.all()) >= 6 }, 2*time.Second, 5*time.Millisecond)
	c.Disconnect()

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{100 * ms, 200 * ms, 400 * ms, 800 * ms, 1000 * ms, 1000 * ms}, delays.all()[:6])
	assert.ErrorIs(t, c.LastError(), domain.ErrTransportFailure)
}

func TestClientBackoffResetsAfterConnected(t *testing.T) {
	tr := newFakeTransport()
	tr.failDials[1] = true
	tr.failDials[2] = true
	c, _, delays := newTestClient(t, tr, testConfig())

	c.Connect()
	conn := tr.next(t)
	handshake(t, c, conn, nil)
	require.Len(t, delays.all(), 2)

	conn.Close("gateway went away")
	tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 100 * time.Millisecond}, delays.all())
}

func TestClientReconnectDisabled(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig()
	cfg.Reconnect = false
	c, _, delays := newTestClient(t, tr, cfg)

	c.Connect()
	conn := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
	conn.Close("drop")

	waitState(t, c, domain.StateDisconnected)
	assert.Never(t, func() bool { return tr.dialCount() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, delays.all())
}

func TestClientDropsMalformedFrames(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestClient(t, tr, testConfig())

	c.Connect()
	conn := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
	conn.inbound <- []byte(`{not json`)
	conn.inbound <- []byte(`{"type":"mystery"}`)
	conn.push(t, &Challenge{Nonce: "n"})

	waitState(t, c, domain.StateHandshaking)
	assert.Equal(t, 1, tr.dialCount())
}

func TestClientForwardsCommandsWhenConnected(t *testing.T) {
	tr := newFakeTransport()
	cmds := make(chan domain.Command, 4)
	c, _, _ := newTestClient(t, tr, testConfig(), WithCommandHandler(func(cmd domain.Command) { cmds <- cmd }))

	c.Connect()
	conn := tr.next(t)
	handshake(t, c, conn, nil)

	conn.push(t, &Request{ID: "g1", Method: "sensor_read", Params: map[string]any{"sensor": "battery"}})
	select {
	case cmd := <-cmds:
		assert.Equal(t, domain.Command{ID: "g1", Action: "sensor_read", Params: map[string]any{"sensor": "battery"}}, cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("command not forwarded")
	}
}

func TestClientRejectsCommandsBeforeConnected(t *testing.T) {
	tr := newFakeTransport()
	cmds := make(chan domain.Command, 1)
	c, _, _ := newTestClient(t, tr, testConfig(), WithCommandHandler(func(cmd domain.Command) { cmds <- cmd }))

	c.Connect()
	conn := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
	conn.push(t, &Request{ID: "early", Method: "sensor_read"})

	require.Eventually(t, func() bool { return len(conn.responses(t)) == 1 }, time.Second, 5*time.Millisecond)
	resp := conn.responses(t)[0]
	assert.Equal(t, "early", resp.ID)
	assert.False(t, resp.OK)
	assert.Equal(t, "node not connected", resp.ErrorMessage())
	assert.Empty(t, cmds)
}

func TestClientForwardsOtherEvents(t *testing.T) {
	tr := newFakeTransport()
	events := make(chan string, 4)
	c, _, _ := newTestClient(t, tr, testConfig(), WithEventHandler(func(name string, _ map[string]any) { events <- name }))

	c.Connect()
	conn := tr.next(t)
	handshake(t, c, conn, nil)
	conn.push(t, &Event{Name: "tick", Payload: map[string]any{"ts": float64(1)}})
	// Pair resolution outside pairing is an ordinary event.
	conn.push(t, &Event{Name: EventPairResolved, Payload: map[string]any{"approved": true}})

	for _, want := range []string{"tick", EventPairResolved} {
		select {
		case got := <-events:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s not forwarded", want)
		}
	}
	assert.Equal(t, domain.StateConnected, c.State())
}

func TestClientSendResponse(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestClient(t, tr, testConfig())

	// No transport: silently ignored.
	c.SendResponse("nobody", true, map[string]any{"x": 1}, "")

	c.Connect()
	conn := tr.next(t)
	handshake(t, c, conn, nil)

	c.SendResponse("g1", true, map[string]any{"level": float64(80)}, "")
	c.SendResponse("g2", false, nil, "unknown action: vibrate")

	require.Eventually(t, func() bool { return len(conn.responses(t)) == 2 }, time.Second, 5*time.Millisecond)
	resps := conn.responses(t)
	assert.Equal(t, &Response{ID: "g1", OK: true, Payload: map[string]any{"level": float64(80)}}, resps[0])
	assert.Equal(t, &Response{ID: "g2", OK: false, Error: &FrameError{Message: "unknown action: vibrate"}}, resps[1])
}

func TestClientDisconnectIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	c, _, _ := newTestClient(t, tr, testConfig())

	c.Disconnect()
	assert.Equal(t, domain.StateDisconnected, c.State())

	c.Connect()
	c.Connect() // no second loop
	conn := tr.next(t)
	handshake(t, c, conn, nil)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, domain.StateDisconnected, c.State())
	assert.Equal(t, 1, tr.dialCount())
}

func TestClientDisconnectCancelsPendingReconnect(t *testing.T) {
	tr := newFakeTransport()
	tr.failAll = true
	c := NewClient(testConfig(), tr, WithLogger(quietLogger()))
	scheduled := make(chan struct{}, 1)
	c.after = func(time.Duration) <-chan time.Time {
		select {
		case scheduled <- struct{}{}:
		default:
		}
		return make(chan time.Time) // never fires
	}

	c.Connect()
	select {
	case <-scheduled:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never scheduled")
	}

	stopped := make(chan struct{})
	go func() {
		c.Disconnect()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Disconnect blocked on reconnect wait")
	}
	assert.Equal(t, domain.StateDisconnected, c.State())
	assert.Equal(t, 1, tr.dialCount())
}

func TestClientConnectWaitsForStoppingLoop(t *testing.T) {
	tr := newFakeTransport()
	tr.configure = func(dial int, c *fakeConn) {
		if dial == 1 {
			c.readLag = 100 * time.Millisecond
		}
	}
	c, _, _ := newTestClient(t, tr, testConfig())

	c.Connect()
	first := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)

	stopped := make(chan struct{})
	go func() {
		c.Disconnect()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.cancel == nil
	}, time.Second, time.Millisecond, "Disconnect never started")

	// The first loop is still draining its read; Connect must not run beside it.
	c.Connect()
	second := tr.next(t)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return")
	}

	waitState(t, c, domain.StateAwaitingChallenge)
	second.push(t, &Challenge{Nonce: "n2"})
	waitState(t, c, domain.StateHandshaking)
	require.Eventually(t, func() bool { return len(second.requests(t)) == 1 }, time.Second, 5*time.Millisecond)

	c.SendResponse("g1", true, map[string]any{"level": float64(50)}, "")
	require.Eventually(t, func() bool { return len(second.responses(t)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, first.frames(t))
	assert.Equal(t, 2, tr.dialCount())
}

func TestClientSendQueueOverflowFailsSession(t *testing.T) {
	tr := newFakeTransport()
	gate := make(chan struct{})
	defer close(gate)
	tr.configure = func(dial int, c *fakeConn) {
		if dial == 1 {
			c.writeGate = gate
		}
	}
	cfg := testConfig()
	cfg.SendQueueSize = 4
	c, states, delays := newTestClient(t, tr, cfg)

	c.Connect()
	tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
	for i := 0; i < 10; i++ {
		c.SendResponse(fmt.Sprintf("g%d", i), true, nil, "")
	}

	tr.next(t)
	require.Eventually(t, func() bool { return len(delays.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, delays.all()[0])
	assert.ErrorIs(t, c.LastError(), domain.ErrTransportFailure)
	assert.ErrorContains(t, c.LastError(), "send queue full")
	assert.Contains(t, states.all(), domain.StateDisconnected)
}

func TestClientPingFailureReconnects(t *testing.T) {
	tr := newFakeTransport()
	tr.configure = func(dial int, c *fakeConn) {
		if dial == 1 {
			c.pingErr = domain.NewDomainError("fakeConn.Ping", domain.ErrTransportFailure, "pong timeout")
		}
	}
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	c, states, delays := newTestClient(t, tr, cfg)

	c.Connect()
	tr.next(t)
	tr.next(t)

	require.Eventually(t, func() bool { return len(delays.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, delays.all())
	assert.ErrorContains(t, c.LastError(), "pong timeout")
	assert.Equal(t, []domain.ConnectionState{
		domain.StateConnecting,
		domain.StateAwaitingChallenge,
		domain.StateDisconnected,
		domain.StateConnecting,
	}, states.all()[:4])
}

func TestClientWriteFailureReconnects(t *testing.T) {
	tr := newFakeTransport()
	tr.configure = func(dial int, c *fakeConn) {
		if dial == 1 {
			c.writeErr = domain.NewDomainError("fakeConn.Write", domain.ErrTransportFailure, "broken pipe")
		}
	}
	c, states, delays := newTestClient(t, tr, testConfig())

	c.Connect()
	first := tr.next(t)
	waitState(t, c, domain.StateAwaitingChallenge)
	first.push(t, &Challenge{Nonce: "n"})
	tr.next(t)

	require.Eventually(t, func() bool { return len(delays.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, delays.all()[0])
	assert.ErrorContains(t, c.LastError(), "broken pipe")
	assert.Empty(t, first.requests(t))
	assert.Contains(t, states.all(), domain.StateDisconnected)
}

func TestPairingRequiredMessages(t *testing.T) {
	assert.True(t, pairingRequired("pairing required"))
	assert.True(t, pairingRequired("PAIRING_REQUIRED"))
	assert.True(t, pairingRequired("device not paired"))
	assert.False(t, pairingRequired("invalid token"))
	assert.False(t, pairingRequired(""))
}
