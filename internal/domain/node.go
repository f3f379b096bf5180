package domain

import (
	"context"
	"encoding/json"
)

// ConnectionState is the lifecycle state of the gateway connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAwaitingChallenge
	StateHandshaking
	StatePairingPending
	StateConnected
)

var stateNames = [...]string{
	StateDisconnected:      "disconnected",
	StateConnecting:        "connecting",
	StateAwaitingChallenge: "awaiting_challenge",
	StateHandshaking:       "handshaking",
	StatePairingPending:    "pairing_pending",
	StateConnected:         "connected",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// DeviceIdentity identifies this node to the gateway.
type DeviceIdentity struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"-"` // never serialized with the identity
}

// Command is an inbound invocation routed to a capability.
type Command struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// ResultStatus is the outcome reported by a capability.
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

// Result is the outcome of executing a command.
type Result struct {
	Status     ResultStatus
	Data       map[string]any
	Error      string
	Attachment []byte // sent base64-encoded under payload.attachment
}

// OK builds a successful result.
func OK(data map[string]any) *Result {
	return &Result{Status: ResultOK, Data: data}
}

// Fail builds an error result with the given message.
func Fail(msg string) *Result {
	return &Result{Status: ResultError, Error: msg}
}

// Capability is a named unit of device functionality invoked by the gateway.
// Execute is synchronous; the dispatcher supplies concurrency and the ctx
// deadline bounds how long the call may block.
type Capability interface {
	// Name is the capability category advertised in the connect request (e.g. "sensor").
	Name() string
	// Actions lists the command names handled by this capability.
	Actions() []string
	Execute(ctx context.Context, cmd Command) (*Result, error)
}

// SchemaProvider is implemented by capabilities that publish a JSON Schema
// for the params of some of their actions.
type SchemaProvider interface {
	ParamSchemas() map[string]json.RawMessage
}

// IdentityStore persists the device identity across restarts.
// LoadDeviceID and LoadDeviceToken return "" when nothing is stored.
type IdentityStore interface {
	LoadDeviceID(ctx context.Context) (string, error)
	SaveDeviceID(ctx context.Context, id string) error
	LoadDeviceToken(ctx context.Context) (string, error)
	SaveDeviceToken(ctx context.Context, token string) error
	Close() error
}
