package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateNode(cfg, ve)
	validateGateway(cfg, ve)
	validateIdentity(cfg, ve)
	validateDispatch(cfg, ve)
	validateCapabilities(cfg, ve)
	validateDiscovery(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateNode(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.Node.Name) == "" {
		ve.Add("node.name must not be empty")
	}
	if cfg.Node.DataDir == "" {
		ve.Add("node.data_dir must not be empty")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.URL == "" {
		ve.Add("gateway.url is required")
	} else if u, err := url.Parse(g.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		ve.Add("gateway.url %q must be a ws:// or wss:// URL", g.URL)
	}
	if g.MinProtocol <= 0 {
		ve.Add("gateway.min_protocol must be > 0")
	}
	if g.MaxProtocol < g.MinProtocol {
		ve.Add("gateway.max_protocol (%d) must be >= min_protocol (%d)", g.MaxProtocol, g.MinProtocol)
	}
	if g.ReconnectBase <= 0 {
		ve.Add("gateway.reconnect_base must be > 0")
	}
	if g.ReconnectMax < g.ReconnectBase {
		ve.Add("gateway.reconnect_max must be >= reconnect_base")
	}
	if g.PingInterval < 0 {
		ve.Add("gateway.ping_interval must be >= 0")
	}
	if g.DialTimeout <= 0 {
		ve.Add("gateway.dial_timeout must be > 0")
	}
	if g.MaxMessageSize < 0 {
		ve.Add("gateway.max_message_size must be >= 0")
	}
}

var validIdentityBackends = map[string]bool{"file": true, "sqlite": true}

func validateIdentity(cfg *Config, ve *ValidationError) {
	if !validIdentityBackends[cfg.Identity.Backend] {
		ve.Add("identity.backend %q is invalid (want: file, sqlite)", cfg.Identity.Backend)
	}
}

func validateDispatch(cfg *Config, ve *ValidationError) {
	d := cfg.Dispatch
	if d.CommandTimeout < 0 {
		ve.Add("dispatch.command_timeout must be >= 0")
	}
	if d.ShutdownGrace < 0 {
		ve.Add("dispatch.shutdown_grace must be >= 0")
	}
	if d.RateLimit < 0 {
		ve.Add("dispatch.rate_limit must be >= 0")
	}
	if d.RateBurst < 0 {
		ve.Add("dispatch.rate_burst must be >= 0")
	}
	if d.CircuitBreaker.Enabled && d.CircuitBreaker.Timeout < 0 {
		ve.Add("dispatch.circuit_breaker.timeout must be >= 0")
	}
}

func validateCapabilities(cfg *Config, ve *ValidationError) {
	c := cfg.Capabilities
	if c.File.Enabled {
		for i, root := range c.File.Roots {
			if strings.TrimSpace(root) == "" {
				ve.Add("capabilities.file.roots[%d] must not be empty", i)
			}
		}
		if c.File.MaxReadBytes <= 0 {
			ve.Add("capabilities.file.max_read_bytes must be > 0")
		}
		if c.File.MaxWriteBytes <= 0 {
			ve.Add("capabilities.file.max_write_bytes must be > 0")
		}
	}
	if c.Shell.Enabled {
		if len(c.Shell.Allowed) == 0 {
			ve.Add("capabilities.shell.allowed must list at least one command when shell is enabled")
		}
		if c.Shell.Timeout <= 0 {
			ve.Add("capabilities.shell.timeout must be > 0")
		}
	}
	if !c.Sensor.Enabled && !c.File.Enabled && !c.Shell.Enabled && !c.Notify.Enabled {
		ve.Add("capabilities: at least one capability must be enabled")
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	if !cfg.Discovery.MDNS {
		return
	}
	if cfg.Discovery.Service == "" {
		ve.Add("discovery.service is required when mdns is enabled")
	}
	if cfg.Discovery.Port <= 0 || cfg.Discovery.Port > 65535 {
		ve.Add("discovery.port %d is out of range", cfg.Discovery.Port)
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

var validExporters = map[string]bool{"": true, "noop": true, "stdout": true}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
