package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty node name", func(c *Config) { c.Node.Name = "  " }, "node.name must not be empty"},
		{"empty data dir", func(c *Config) { c.Node.DataDir = "" }, "node.data_dir must not be empty"},
		{"missing url", func(c *Config) { c.Gateway.URL = "" }, "gateway.url is required"},
		{"http url", func(c *Config) { c.Gateway.URL = "https://gw" }, "must be a ws:// or wss:// URL"},
		{"url without host", func(c *Config) { c.Gateway.URL = "ws://" }, "must be a ws:// or wss:// URL"},
		{"zero min protocol", func(c *Config) { c.Gateway.MinProtocol = 0 }, "gateway.min_protocol must be > 0"},
		{"inverted protocol range", func(c *Config) { c.Gateway.MaxProtocol = 2 }, "gateway.max_protocol (2) must be >= min_protocol (3)"},
		{"zero reconnect base", func(c *Config) { c.Gateway.ReconnectBase = 0 }, "gateway.reconnect_base must be > 0"},
		{"max below base", func(c *Config) { c.Gateway.ReconnectMax = time.Second }, "gateway.reconnect_max must be >= reconnect_base"},
		{"negative ping", func(c *Config) { c.Gateway.PingInterval = -time.Second }, "gateway.ping_interval must be >= 0"},
		{"zero dial timeout", func(c *Config) { c.Gateway.DialTimeout = 0 }, "gateway.dial_timeout must be > 0"},
		{"unknown identity backend", func(c *Config) { c.Identity.Backend = "redis" }, `identity.backend "redis" is invalid`},
		{"negative command timeout", func(c *Config) { c.Dispatch.CommandTimeout = -1 }, "dispatch.command_timeout must be >= 0"},
		{"negative shutdown grace", func(c *Config) { c.Dispatch.ShutdownGrace = -time.Second }, "dispatch.shutdown_grace must be >= 0"},
		{"negative rate", func(c *Config) { c.Dispatch.RateLimit = -1 }, "dispatch.rate_limit must be >= 0"},
		{"blank file root", func(c *Config) { c.Capabilities.File.Roots = []string{"/srv", " "} }, "capabilities.file.roots[1] must not be empty"},
		{"zero read limit", func(c *Config) { c.Capabilities.File.MaxReadBytes = 0 }, "capabilities.file.max_read_bytes must be > 0"},
		{"shell without allowlist", func(c *Config) { c.Capabilities.Shell.Enabled = true }, "capabilities.shell.allowed must list at least one command"},
		{"nothing enabled", func(c *Config) {
			c.Capabilities.Sensor.Enabled = false
			c.Capabilities.File.Enabled = false
			c.Capabilities.Notify.Enabled = false
		}, "at least one capability must be enabled"},
		{"mdns bad port", func(c *Config) {
			c.Discovery.MDNS = true
			c.Discovery.Port = 70000
		}, "discovery.port 70000 is out of range"},
		{"bad log level", func(c *Config) { c.Logger.Level = "loud" }, `logger.level "loud" is invalid`},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }, `logger.format "xml" is invalid`},
		{"bad exporter", func(c *Config) { c.Tracer.Exporter = "zipkin" }, `tracer.exporter "zipkin" is invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateDisabledSectionsNotChecked(t *testing.T) {
	cfg := Defaults()
	cfg.Capabilities.File.Enabled = false
	cfg.Capabilities.File.MaxReadBytes = 0
	cfg.Discovery.MDNS = false
	cfg.Discovery.Port = -1
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled sections should not be validated: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.URL = ""
	cfg.Logger.Format = "xml"
	cfg.Identity.Backend = ""

	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
	if !strings.HasPrefix(err.Error(), "config validation failed:") {
		t.Errorf("unexpected message: %s", err)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
