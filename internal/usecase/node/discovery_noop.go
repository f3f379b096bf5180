//go:build !mdns

package node

import (
	"context"
	"log/slog"
)

// NoopAdvertiser stands in when mDNS support is not compiled in.
type NoopAdvertiser struct {
	logger *slog.Logger
}

// NewAdvertiser returns a NoopAdvertiser; build with -tags mdns for real
// advertising.
func NewAdvertiser(_ AdvertiseConfig, logger *slog.Logger) Advertiser {
	return &NoopAdvertiser{logger: logger}
}

func (a *NoopAdvertiser) Advertise(ctx context.Context, _ Presence) error {
	a.logger.Debug("mdns support not compiled in, skipping advertising")
	<-ctx.Done()
	return nil
}
