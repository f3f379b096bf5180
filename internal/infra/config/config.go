package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"clawnode/internal/domain"
)

// Config is the top-level node configuration.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Identity     IdentityConfig     `yaml:"identity"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Includes     []string           `yaml:"includes,omitempty"`
}

// NodeConfig describes this node.
type NodeConfig struct {
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`
	Locale  string `yaml:"locale"`
}

// GatewayConfig holds the gateway connection settings.
type GatewayConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"` // may be "enc:..."
	MinProtocol    int           `yaml:"min_protocol"`
	MaxProtocol    int           `yaml:"max_protocol"`
	Scopes         []string      `yaml:"scopes"`
	Reconnect      bool          `yaml:"reconnect"`
	ReconnectBase  time.Duration `yaml:"reconnect_base"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

// IdentityConfig selects where the device id and token are persisted.
type IdentityConfig struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Path    string `yaml:"path"`
}

// DispatchConfig tunes command execution.
type DispatchConfig struct {
	CommandTimeout time.Duration        `yaml:"command_timeout"`
	ShutdownGrace  time.Duration        `yaml:"shutdown_grace"`
	RateLimit      float64              `yaml:"rate_limit"` // commands/second, 0 = unlimited
	RateBurst      int                  `yaml:"rate_burst"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the per-capability circuit breaker.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// CapabilitiesConfig enables and tunes the host capabilities.
type CapabilitiesConfig struct {
	Sensor SensorConfig `yaml:"sensor"`
	File   FileConfig   `yaml:"file"`
	Shell  ShellConfig  `yaml:"shell"`
	Notify NotifyConfig `yaml:"notify"`
}

type SensorConfig struct {
	Enabled bool `yaml:"enabled"`
	// PowerSupplyDir is read for battery state; missing means no battery.
	PowerSupplyDir string `yaml:"power_supply_dir"`
}

type FileConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Roots         []string `yaml:"roots"`
	MaxReadBytes  int64    `yaml:"max_read_bytes"`
	MaxWriteBytes int64    `yaml:"max_write_bytes"`
}

type ShellConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Allowed        []string      `yaml:"allowed"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DiscoveryConfig controls mDNS presence advertising.
type DiscoveryConfig struct {
	MDNS    bool   `yaml:"mdns"`
	Service string `yaml:"service"`
	Domain  string `yaml:"domain"`
	Port    int    `yaml:"port"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns $HOME/.clawnode, or "./data" without a home directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".clawnode")
}

func defaultNodeName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "clawnode"
	}
	return host
}

// defaultLocale derives a BCP 47 tag from LANG ("en_US.UTF-8" -> "en-US").
func defaultLocale() string {
	lang := os.Getenv("LANG")
	if i := strings.IndexAny(lang, ".@"); i >= 0 {
		lang = lang[:i]
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return "en-US"
	}
	return strings.ReplaceAll(lang, "_", "-")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Node: NodeConfig{
			Name:    defaultNodeName(),
			DataDir: dataDir,
			Locale:  defaultLocale(),
		},
		Gateway: GatewayConfig{
			URL:            "ws://127.0.0.1:18789",
			MinProtocol:    3,
			MaxProtocol:    3,
			Reconnect:      true,
			ReconnectBase:  5 * time.Second,
			ReconnectMax:   60 * time.Second,
			PingInterval:   30 * time.Second,
			DialTimeout:    15 * time.Second,
			MaxMessageSize: 8 << 20,
		},
		Identity: IdentityConfig{
			Backend: "file",
		},
		Dispatch: DispatchConfig{
			CommandTimeout: 60 * time.Second,
			ShutdownGrace:  10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Capabilities: CapabilitiesConfig{
			Sensor: SensorConfig{Enabled: true, PowerSupplyDir: "/sys/class/power_supply"},
			File: FileConfig{
				Enabled:       true,
				MaxReadBytes:  5 << 20,
				MaxWriteBytes: 5 << 20,
			},
			Shell: ShellConfig{
				Enabled:        false,
				Timeout:        30 * time.Second,
				MaxOutputBytes: 64 << 10,
			},
			Notify: NotifyConfig{Enabled: true},
		},
		Discovery: DiscoveryConfig{
			Service: "_clawnode._tcp",
			Domain:  "local.",
			Port:    18790,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, decrypts secrets,
// applies the given overrides (typically command-line flags) and validates.
// A missing file yields the defaults.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	default:
		if err := loadFile(cfg, path, data); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CLAWNODE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	} else if strings.HasPrefix(cfg.Gateway.Token, encPrefix) {
		return nil, domain.NewDomainError("config.Load", domain.ErrDecryption,
			"gateway.token is encrypted but CLAWNODE_CONFIG_KEY is not set")
	}

	for _, o := range overrides {
		o(cfg)
	}
	fillDerived(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string, data []byte) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse: "+err.Error())
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return err
		}
		// The main file takes precedence over anything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse: "+err.Error())
		}
		cfg.Includes = nil
	}
	return nil
}

// fillDerived sets paths that default to locations under the data directory.
func fillDerived(cfg *Config) {
	if cfg.Identity.Path == "" {
		name := "identity.json"
		if cfg.Identity.Backend == "sqlite" {
			name = "identity.db"
		}
		cfg.Identity.Path = filepath.Join(cfg.Node.DataDir, name)
	}
	if len(cfg.Capabilities.File.Roots) == 0 {
		cfg.Capabilities.File.Roots = []string{filepath.Join(cfg.Node.DataDir, "files")}
	}
}

// ApplyEnvOverrides maps CLAWNODE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWNODE_NODE_NAME"); v != "" {
		cfg.Node.Name = v
	}
	if v := os.Getenv("CLAWNODE_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("CLAWNODE_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("CLAWNODE_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("CLAWNODE_GATEWAY_RECONNECT"); v != "" {
		cfg.Gateway.Reconnect = v == "true"
	}
	if v := os.Getenv("CLAWNODE_IDENTITY_BACKEND"); v != "" {
		cfg.Identity.Backend = v
	}
	if v := os.Getenv("CLAWNODE_IDENTITY_PATH"); v != "" {
		cfg.Identity.Path = v
	}
	if v := os.Getenv("CLAWNODE_DISPATCH_COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatch.CommandTimeout = d
		}
	}
	if v := os.Getenv("CLAWNODE_DISPATCH_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Dispatch.RateLimit = f
		}
	}
	if v := os.Getenv("CLAWNODE_FILE_ROOTS"); v != "" {
		cfg.Capabilities.File.Roots = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CLAWNODE_SHELL_ALLOWED"); v != "" {
		cfg.Capabilities.Shell.Enabled = true
		cfg.Capabilities.Shell.Allowed = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CLAWNODE_DISCOVERY_MDNS"); v == "true" {
		cfg.Discovery.MDNS = true
	}
	if v := os.Getenv("CLAWNODE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CLAWNODE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CLAWNODE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CLAWNODE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep, trims each element and drops empty ones.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return domain.NewDomainError("config.Load", domain.ErrConfigLoad,
			fmt.Sprintf("%s has insecure permissions %o (want 0600 or 0644)", path, mode))
	}
	return nil
}
