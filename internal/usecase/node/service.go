package node

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"clawnode/internal/domain"
)

const (
	storeTimeout         = 5 * time.Second
	defaultShutdownGrace = 10 * time.Second
	abandonAfter         = 5 * time.Second
)

// Service owns the node's lifetime: it restores the device identity, keeps
// the gateway connection up and routes commands to the dispatcher.
type Service struct {
	store  domain.IdentityStore
	logger *slog.Logger

	gw       Gateway
	disp     Dispatcher
	adv      Advertiser
	presence Presence
	grace    time.Duration

	mu         sync.Mutex
	runCtx     context.Context
	savedToken string
}

// NewService creates a service over store.
func NewService(store domain.IdentityStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, runCtx: context.Background(), grace: defaultShutdownGrace}
}

// Identity returns the persisted device identity, generating and saving a
// device id on first use.
func (s *Service) Identity(ctx context.Context) (domain.DeviceIdentity, error) {
	id, err := s.store.LoadDeviceID(ctx)
	if err != nil {
		return domain.DeviceIdentity{}, domain.WrapOp("Service.Identity", err)
	}
	if id == "" {
		id = newDeviceID(time.Now())
		if err := s.store.SaveDeviceID(ctx, id); err != nil {
			return domain.DeviceIdentity{}, domain.WrapOp("Service.Identity", err)
		}
		s.logger.Info("generated device id", "device_id", id)
	}

	token, err := s.store.LoadDeviceToken(ctx)
	if err != nil {
		return domain.DeviceIdentity{}, domain.WrapOp("Service.Identity", err)
	}
	s.mu.Lock()
	s.savedToken = token
	s.mu.Unlock()

	return domain.DeviceIdentity{DeviceID: id, DeviceToken: token}, nil
}

// Attach binds the gateway connection and the dispatcher. A saved device
// token is installed on gw so the first handshake can use it.
func (s *Service) Attach(gw Gateway, disp Dispatcher) {
	s.gw, s.disp = gw, disp
	s.mu.Lock()
	token := s.savedToken
	s.mu.Unlock()
	if token != "" {
		gw.SetDeviceToken(token)
	}
}

// SetAdvertiser enables local network presence for the duration of Run.
func (s *Service) SetAdvertiser(adv Advertiser, p Presence) {
	s.adv, s.presence = adv, p
}

// SetShutdownGrace bounds how long Run lets in-flight commands finish before
// cancelling them.
func (s *Service) SetShutdownGrace(d time.Duration) {
	s.grace = d
}

// HandleState persists a newly issued device token once the node is
// connected. It is the gateway client's state callback.
func (s *Service) HandleState(state domain.ConnectionState) {
	s.logger.Info("gateway connection", "state", state.String())
	if s.gw == nil {
		return
	}
	if state == domain.StateDisconnected {
		if err := s.gw.LastError(); err != nil {
			s.logger.Warn("gateway disconnected", "error", err, "code", domain.ErrorCodeOf(err))
		}
		return
	}
	if state != domain.StateConnected {
		return
	}

	token := s.gw.DeviceToken()
	s.mu.Lock()
	changed := token != "" && token != s.savedToken
	s.mu.Unlock()
	if !changed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.SaveDeviceToken(ctx, token); err != nil {
		s.logger.Error("save device token", "error", err)
		return
	}
	s.mu.Lock()
	s.savedToken = token
	s.mu.Unlock()
	s.logger.Info("device token saved")
}

// HandleCommand hands an inbound command to the dispatcher. It is the
// gateway client's command callback and does not block.
func (s *Service) HandleCommand(cmd domain.Command) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	s.disp.Dispatch(ctx, cmd)
}

// Run connects to the gateway and blocks until ctx is cancelled, then
// disconnects and waits for in-flight commands to finish. Commands outlive
// ctx by up to the shutdown grace period; after that their context is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.gw == nil || s.disp == nil {
		return domain.NewDomainError("Service.Run", domain.ErrInvalidInput, "gateway and dispatcher must be attached")
	}
	cmdCtx, cancelCmds := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCmds()
	s.mu.Lock()
	s.runCtx = cmdCtx
	s.mu.Unlock()

	var wg sync.WaitGroup
	if s.adv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.adv.Advertise(ctx, s.presence); err != nil {
				s.logger.Warn("local network advertising disabled", "error", err)
			}
		}()
	}

	s.gw.Connect()
	<-ctx.Done()

	s.logger.Info("shutting down node")
	s.gw.Disconnect()
	s.drain(cancelCmds)
	wg.Wait()
	return nil
}

// drain waits for in-flight commands. The gateway client has stopped by now,
// so no new command can arrive while waiting.
func (s *Service) drain(cancel context.CancelFunc) {
	drained := make(chan struct{})
	go func() {
		s.disp.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return
	case <-time.After(s.grace):
	}
	s.logger.Warn("cancelling in-flight commands", "grace", s.grace)
	cancel()

	select {
	case <-drained:
	case <-time.After(abandonAfter):
		s.logger.Error("in-flight commands ignored cancellation, abandoning them")
	}
}

// Forget removes the saved device token, so the next connection
// authenticates with the shared auth token and may need to pair again.
func (s *Service) Forget(ctx context.Context) error {
	if err := s.store.SaveDeviceToken(ctx, ""); err != nil {
		return fmt.Errorf("forget device token: %w", err)
	}
	s.mu.Lock()
	s.savedToken = ""
	s.mu.Unlock()
	if s.gw != nil {
		s.gw.ClearDeviceToken()
	}
	return nil
}

// newDeviceID returns "node-" followed by a ULID.
func newDeviceID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return "node-" + ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
