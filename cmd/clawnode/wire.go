package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	hostcap "clawnode/internal/adapter/capability"
	"clawnode/internal/adapter/gateway"
	"clawnode/internal/adapter/identity"
	"clawnode/internal/domain"
	"clawnode/internal/infra/config"
	"clawnode/internal/security"
	"clawnode/internal/usecase/capability"
	"clawnode/internal/usecase/dispatch"
)

const clientID = "clawnode"

func openIdentityStore(cfg *config.Config) (domain.IdentityStore, error) {
	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.Identity.Backend == "sqlite" {
		store, err := identity.NewSQLiteStore(cfg.Identity.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := identity.NewFileStore(cfg.Identity.Path)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// buildRegistry registers the capabilities enabled in cfg.
func buildRegistry(cfg *config.Config, log *slog.Logger) (*capability.Registry, error) {
	caps := cfg.Capabilities
	var list []domain.Capability

	if caps.Sensor.Enabled {
		list = append(list, hostcap.NewSensor(caps.Sensor.PowerSupplyDir, cfg.Node.DataDir, log))
	}
	if caps.File.Enabled {
		sb, err := security.NewSandbox(caps.File.Roots...)
		if err != nil {
			return nil, fmt.Errorf("file sandbox: %w", err)
		}
		list = append(list, hostcap.NewFile(sb, caps.File.MaxReadBytes, caps.File.MaxWriteBytes, log))
	}
	if caps.Shell.Enabled {
		list = append(list, hostcap.NewShell(caps.Shell.Allowed, caps.Shell.Timeout, caps.Shell.MaxOutputBytes, cfg.Node.DataDir, log))
	}
	if caps.Notify.Enabled {
		list = append(list, hostcap.NewNotify(log))
	}

	b := capability.NewBuilder(log)
	for _, c := range list {
		if err := b.Register(c); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

func clientConfig(cfg *config.Config, deviceID string, reg *capability.Registry) gateway.ClientConfig {
	perms := make(map[string]bool, len(reg.Categories()))
	for _, c := range reg.Categories() {
		perms[c] = true
	}
	g := cfg.Gateway
	return gateway.ClientConfig{
		URL:           g.URL,
		AuthToken:     g.Token,
		NodeName:      cfg.Node.Name,
		DeviceID:      deviceID,
		ClientID:      clientID,
		Version:       version,
		Platform:      runtime.GOOS,
		Locale:        cfg.Node.Locale,
		UserAgent:     clientID + "/" + version,
		MinProtocol:   g.MinProtocol,
		MaxProtocol:   g.MaxProtocol,
		Scopes:        g.Scopes,
		Caps:          reg.Categories(),
		Commands:      reg.Actions(),
		Permissions:   perms,
		Reconnect:     g.Reconnect,
		ReconnectBase: g.ReconnectBase,
		ReconnectMax:  g.ReconnectMax,
		PingInterval:  g.PingInterval,
		DialTimeout:   g.DialTimeout,
	}
}

func dispatchConfig(d config.DispatchConfig) dispatch.Config {
	return dispatch.Config{
		CommandTimeout: d.CommandTimeout,
		RateLimit:      d.RateLimit,
		RateBurst:      d.RateBurst,
		Breaker: dispatch.BreakerConfig{
			Enabled:     d.CircuitBreaker.Enabled,
			MaxFailures: d.CircuitBreaker.MaxFailures,
			Timeout:     d.CircuitBreaker.Timeout,
			Interval:    d.CircuitBreaker.Interval,
		},
	}
}
