//go:build mdns

package node

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/grandcat/zeroconf"
)

// MDNSAdvertiser publishes the node as a DNS-SD service.
type MDNSAdvertiser struct {
	cfg    AdvertiseConfig
	logger *slog.Logger
}

// NewAdvertiser returns an mDNS advertiser.
func NewAdvertiser(cfg AdvertiseConfig, logger *slog.Logger) Advertiser {
	return &MDNSAdvertiser{cfg: cfg, logger: logger}
}

func (a *MDNSAdvertiser) Advertise(ctx context.Context, p Presence) error {
	server, err := zeroconf.Register(p.Name, a.cfg.Service, a.cfg.Domain, a.cfg.Port, presenceTXT(p), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.logger.Info("mdns advertising", "name", p.Name, "service", a.cfg.Service, "port", a.cfg.Port)

	<-ctx.Done()
	server.Shutdown()
	return nil
}

func presenceTXT(p Presence) []string {
	txt := []string{"id=" + p.DeviceID, "version=" + p.Version}
	if len(p.Caps) > 0 {
		txt = append(txt, "caps="+strings.Join(p.Caps, ","))
	}
	return txt
}
