// Package dispatch routes inbound gateway commands to capabilities and
// returns exactly one response per command.
package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"clawnode/internal/domain"
	"clawnode/internal/infra/tracer"
	"clawnode/internal/usecase/capability"
)

// Responder delivers a command response to the gateway. Implementations
// must not block.
type Responder interface {
	SendResponse(id string, ok bool, payload map[string]any, errMsg string)
}

// Config tunes command execution.
type Config struct {
	// CommandTimeout bounds a single command. Zero disables the limit.
	CommandTimeout time.Duration
	// RateLimit is the sustained number of commands admitted per second.
	// Zero disables admission control.
	RateLimit float64
	RateBurst int
	Breaker   BreakerConfig
}

// Dispatcher executes commands concurrently, one goroutine per command.
type Dispatcher struct {
	registry  *capability.Registry
	responder Responder
	timeout   time.Duration
	limiter   *rate.Limiter
	breakers  map[string]*gobreaker.CircuitBreaker[*domain.Result]
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// New creates a dispatcher over an immutable registry.
func New(registry *capability.Registry, responder Responder, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry:  registry,
		responder: responder,
		timeout:   cfg.CommandTimeout,
		logger:    logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.Breaker.Enabled {
		d.breakers = make(map[string]*gobreaker.CircuitBreaker[*domain.Result])
		for _, name := range registry.Categories() {
			d.breakers[name] = newBreaker(name, cfg.Breaker, logger)
		}
	}
	return d
}

// Dispatch routes cmd. It never blocks on the capability: unknown actions and
// rejected commands are answered immediately, everything else runs on its
// own goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd domain.Command) {
	c, ok := d.registry.Lookup(cmd.Action)
	if !ok {
		d.fail(cmd, domain.NewDomainError("Dispatcher.Dispatch", domain.ErrUnknownAction, cmd.Action))
		return
	}
	if d.limiter != nil && !d.limiter.Allow() {
		d.fail(cmd, domain.ErrRateLimit)
		return
	}
	if err := d.registry.Validate(cmd.Action, cmd.Params); err != nil {
		d.fail(cmd, err)
		return
	}

	d.logger.Debug("dispatching command", "id", cmd.ID, "action", cmd.Action, "capability", c.Name())
	d.wg.Add(1)
	go d.run(ctx, c, cmd)
}

// Wait blocks until every dispatched command has been answered and every
// capability call has returned, including calls whose answer was a timeout.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

type outcome struct {
	res *domain.Result
	err error
}

func (d *Dispatcher) run(ctx context.Context, c domain.Capability, cmd domain.Command) {
	defer d.wg.Done()

	ctx, span := tracer.StartSpan(ctx, "dispatch."+cmd.Action,
		trace.WithAttributes(
			tracer.StringAttr("command.id", cmd.ID),
			tracer.StringAttr("capability", c.Name()),
		))
	defer span.End()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	// Buffered so a capability finishing after the deadline never blocks.
	done := make(chan outcome, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res, err := d.execute(ctx, c, cmd)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.err = domain.NewDomainError("Dispatcher.run", domain.ErrTimeout, cmd.Action)
		} else {
			out.err = domain.NewDomainError("Dispatcher.run", domain.ErrCapabilityFailure, "command cancelled")
		}
	}

	if out.err != nil {
		span.SetAttributes(tracer.StringAttr("error.code", string(domain.ErrorCodeOf(out.err))))
		tracer.RecordError(span, out.err)
		d.fail(cmd, out.err)
		return
	}
	tracer.SetOK(span)
	d.succeed(cmd, out.res)
}

// execute invokes the capability, converting panics into errors.
func (d *Dispatcher) execute(ctx context.Context, c domain.Capability, cmd domain.Command) (res *domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("capability panicked", "action", cmd.Action, "panic", r, "stack", string(debug.Stack()))
			res = nil
			err = domain.NewDomainError("Dispatcher.execute", domain.ErrCapabilityFailure, fmt.Sprintf("panic: %v", r))
		}
	}()

	cb := d.breakers[c.Name()]
	if cb == nil {
		return c.Execute(ctx, cmd)
	}
	res, err = cb.Execute(func() (*domain.Result, error) {
		return c.Execute(ctx, cmd)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewDomainError("Dispatcher.execute", domain.ErrCapabilityUnavailable, c.Name()+" circuit open")
	}
	return res, err
}

func (d *Dispatcher) succeed(cmd domain.Command, res *domain.Result) {
	if res == nil {
		d.fail(cmd, domain.NewDomainError("Dispatcher.run", domain.ErrCapabilityFailure, "no result"))
		return
	}
	if res.Status == domain.ResultError {
		msg := res.Error
		if msg == "" {
			msg = domain.ErrCapabilityFailure.Error()
		}
		d.logger.Info("command failed", "id", cmd.ID, "action", cmd.Action, "error", msg)
		d.responder.SendResponse(cmd.ID, false, nil, msg)
		return
	}

	payload := make(map[string]any, len(res.Data)+1)
	for k, v := range res.Data {
		payload[k] = v
	}
	if len(res.Attachment) > 0 {
		payload["attachment"] = base64.StdEncoding.EncodeToString(res.Attachment)
	}
	d.responder.SendResponse(cmd.ID, true, payload, "")
}

func (d *Dispatcher) fail(cmd domain.Command, err error) {
	msg := Message(err)
	d.logger.Warn("command rejected", "id", cmd.ID, "action", cmd.Action, "error", msg, "code", domain.ErrorCodeOf(err))
	d.responder.SendResponse(cmd.ID, false, nil, msg)
}

// Message renders err for the wire: the sentinel text followed by the detail,
// without the internal operation name.
func Message(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) {
		if de.Detail == "" {
			return de.Err.Error()
		}
		return de.Err.Error() + ": " + de.Detail
	}
	return err.Error()
}
