package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"clawnode/internal/domain"
)

const (
	defaultSendQueue   = 64
	defaultDialTimeout = 15 * time.Second
	writeTimeout       = 5 * time.Second
)

// ClientConfig describes the node to the gateway and tunes the connection.
type ClientConfig struct {
	URL       string
	AuthToken string
	NodeName  string
	DeviceID  string

	ClientID  string
	Version   string
	Platform  string
	Locale    string
	UserAgent string

	MinProtocol int
	MaxProtocol int
	Scopes      []string
	Caps        []string
	Commands    []string
	Permissions map[string]bool

	Reconnect     bool
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	PingInterval  time.Duration // 0 disables keepalive pings
	DialTimeout   time.Duration
	SendQueueSize int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStateHandler registers a callback invoked on every state change, in
// order, from the client's control goroutine. It must not call Connect or
// Disconnect.
func WithStateHandler(fn func(domain.ConnectionState)) Option {
	return func(c *Client) { c.onState = fn }
}

// WithCommandHandler registers the receiver of inbound gateway requests.
// It is called from the control goroutine and must not block.
func WithCommandHandler(fn func(domain.Command)) Option {
	return func(c *Client) { c.onCommand = fn }
}

// WithEventHandler registers a callback for gateway events other than the
// handshake and pairing events the client consumes itself.
func WithEventHandler(fn func(name string, payload map[string]any)) Option {
	return func(c *Client) { c.onEvent = fn }
}

// Client maintains one logical connection to the gateway. A single control
// goroutine owns the transport and performs every state transition.
type Client struct {
	cfg       ClientConfig
	transport Transport
	logger    *slog.Logger
	onState   func(domain.ConnectionState)
	onCommand func(domain.Command)
	onEvent   func(string, map[string]any)
	after     func(time.Duration) <-chan time.Time
	backoff   *reconnectPolicy
	reqSeq    atomic.Uint64

	mu          sync.Mutex
	state       domain.ConnectionState
	deviceToken string
	lastErr     error
	sess        *session
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewClient creates a disconnected client.
func NewClient(cfg ClientConfig, transport Transport, opts ...Option) *Client {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueue
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	c := &Client{
		cfg:       cfg,
		transport: transport,
		logger:    slog.Default(),
		after:     time.After,
		backoff:   newReconnectPolicy(cfg.ReconnectBase, cfg.ReconnectMax),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect starts the connection loop. It returns once the loop is started;
// progress is reported through the state handler. Calling Connect while the
// loop is running does nothing. While a Disconnect is still stopping the
// previous loop, Connect waits for it to exit first.
func (c *Client) Connect() {
	for {
		c.mu.Lock()
		if c.done == nil {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			c.cancel, c.done = cancel, done
			c.lastErr = nil
			c.mu.Unlock()
			go c.run(ctx, done)
			return
		}
		running, done := c.cancel != nil, c.done
		c.mu.Unlock()
		if running {
			return
		}
		<-done
		c.clearDone(done)
	}
}

// Disconnect closes the connection, cancels any pending reconnect and waits
// for the control goroutine to exit. It is safe to call in any state and
// from several goroutines at once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if done == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-done
	c.clearDone(done)
}

// clearDone forgets a control goroutine that has exited. c.done stays set
// while the loop is stopping so no second loop can start beside it.
func (c *Client) clearDone(done chan struct{}) {
	c.mu.Lock()
	if c.done == done {
		c.done = nil
	}
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns why the client is not connected: the failure that ended
// the last session, or ErrPairingRequired while pairing is pending. It is nil
// once the node is connected.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// DeviceToken returns the gateway-issued device token currently held.
func (c *Client) DeviceToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceToken
}

// SetDeviceToken installs a device token, typically one restored from storage.
func (c *Client) SetDeviceToken(token string) {
	c.mu.Lock()
	c.deviceToken = token
	c.mu.Unlock()
}

// ClearDeviceToken drops the held device token so the next handshake falls
// back to the auth token.
func (c *Client) ClearDeviceToken() {
	c.SetDeviceToken("")
}

// SendResponse queues a response frame for request id without blocking.
// It does nothing when no transport is open.
func (c *Client) SendResponse(id string, ok bool, payload map[string]any, errMsg string) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		c.logger.Debug("dropping response, no open connection", "id", id)
		return
	}

	resp := &Response{ID: id, OK: ok}
	if ok {
		resp.Payload = payload
	} else {
		resp.Error = &FrameError{Message: errMsg}
	}
	c.send(sess, resp)
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	c.backoff.reset()

	for {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			c.setState(domain.StateDisconnected)
			return
		}

		// lastErr is recorded first so state handlers observe it.
		approved := errors.Is(err, errPairingApproved)
		if approved {
			c.setLastErr(nil)
		} else {
			c.setLastErr(err)
		}
		c.setState(domain.StateDisconnected)

		if approved {
			c.logger.Info("pairing approved, reconnecting")
			continue
		}

		code := domain.ErrorCodeOf(err)
		if domain.IsTerminal(err) {
			c.logger.Error("gateway refused node, not reconnecting", "error", err, "code", code)
			c.release(done)
			return
		}
		if !c.cfg.Reconnect {
			c.logger.Warn("connection lost", "error", err, "code", code)
			c.release(done)
			return
		}

		delay := c.backoff.next()
		c.logger.Warn("connection lost, reconnecting", "error", err, "code", code, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-c.after(delay):
		}
	}
}

// release clears the running loop when it stops on its own, so a later
// Connect starts a fresh one.
func (c *Client) release(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != done {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel, c.done = nil, nil
}

func (c *Client) runSession(ctx context.Context) error {
	c.setState(domain.StateConnecting)

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.transport.Dial(dialCtx, c.cfg.URL)
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.WrapOp("Client.dial", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := newSession(conn, c.cfg.SendQueueSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(sessCtx, sess)
	}()
	if c.cfg.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pingLoop(sessCtx, sess)
		}()
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.sess == sess {
			c.sess = nil
		}
		c.mu.Unlock()
		cancel()
		if err := conn.Close("node disconnecting"); err != nil {
			c.logger.Debug("close connection", "error", err)
		}
		wg.Wait()
	}()

	c.setState(domain.StateAwaitingChallenge)

	for {
		data, err := conn.Read(sessCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ferr := sess.failure(); ferr != nil {
				return ferr
			}
			return err
		}

		f, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if err := c.handleFrame(sess, f); err != nil {
			return err
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sess.sendCh:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := sess.conn.Write(wctx, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					sess.fail(err)
					_ = sess.conn.Close("write failed")
				}
				return
			}
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
			err := sess.conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					sess.fail(err)
					_ = sess.conn.Close("ping failed")
				}
				return
			}
		}
	}
}

func (c *Client) send(sess *session, f Frame) {
	data, err := EncodeFrame(f)
	if err != nil {
		c.logger.Error("encode frame", "error", err)
		return
	}
	if sess.enqueue(data) {
		return
	}
	// A frame is never dropped silently: a stalled link is failed so the
	// reconnect policy takes over.
	err = domain.NewDomainError("Client.send", domain.ErrTransportFailure, "send queue full")
	c.logger.Warn("send queue full, closing connection", "code", domain.ErrorCodeOf(err))
	sess.fail(err)
	_ = sess.conn.Close("send queue full")
}

func (c *Client) nextRequestID() string {
	return "node-" + strconv.FormatUint(c.reqSeq.Add(1), 10)
}

func (c *Client) setState(s domain.ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("connection state changed", "from", prev.String(), "state", s.String())
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Client) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// session is one open transport and its outbound queue.
type session struct {
	conn   Conn
	sendCh chan []byte

	// connectID and pairID are only touched by the control goroutine.
	connectID string
	pairID    string

	failMu  sync.Mutex
	failErr error
}

func newSession(conn Conn, queue int) *session {
	return &session{conn: conn, sendCh: make(chan []byte, queue)}
}

func (s *session) enqueue(data []byte) bool {
	select {
	case s.sendCh <- data:
		return true
	default:
		return false
	}
}

func (s *session) fail(err error) {
	s.failMu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.failMu.Unlock()
}

func (s *session) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}
