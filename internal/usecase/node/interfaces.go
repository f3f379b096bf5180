package node

import (
	"context"

	"clawnode/internal/domain"
)

// Gateway is the connection to the gateway that the service drives.
type Gateway interface {
	Connect()
	Disconnect()
	State() domain.ConnectionState
	LastError() error
	DeviceToken() string
	SetDeviceToken(token string)
	ClearDeviceToken()
}

// Dispatcher executes inbound commands and answers each exactly once. Wait
// returns once every dispatched command has finished.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd domain.Command)
	Wait()
}

// Advertiser announces the node on the local network. Advertise blocks
// until ctx is cancelled.
type Advertiser interface {
	Advertise(ctx context.Context, p Presence) error
}

// Presence is what a node publishes about itself on the local network.
type Presence struct {
	Name     string
	DeviceID string
	Version  string
	Caps     []string
}

// AdvertiseConfig names the DNS-SD service a node registers under.
type AdvertiseConfig struct {
	Service string
	Domain  string
	Port    int
}
