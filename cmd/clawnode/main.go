package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"clawnode/internal/adapter/gateway"
	"clawnode/internal/infra/config"
	"clawnode/internal/infra/logger"
	"clawnode/internal/infra/tracer"
	"clawnode/internal/usecase/dispatch"
	"clawnode/internal/usecase/node"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configPath string
	url        string
	token      string
	name       string
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "clawnode: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var opts options
	flagSet := pflag.NewFlagSet("clawnode", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "path to the YAML config file")
	flagSet.StringVar(&opts.url, "url", "", "gateway WebSocket URL (overrides gateway.url)")
	flagSet.StringVar(&opts.token, "token", "", "gateway auth token (overrides gateway.token)")
	flagSet.StringVar(&opts.name, "name", "", "node display name (overrides node.name)")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	switch command {
	case "run":
		return runNode(opts)
	case "forget":
		return runForget(opts, stdout)
	case "encrypt":
		return runEncrypt(flagSet.Args(), stdin, stdout)
	case "version":
		fmt.Fprintf(stdout, "clawnode %s\n", version)
		return nil
	case "help":
		printUsage(flagSet)
		return nil
	default:
		return fmt.Errorf("unknown command %q (run 'clawnode help')", command)
	}
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `clawnode - device node for a claw gateway

Usage:
  clawnode [command] [flags]

Commands:
  run       Connect to the gateway and serve commands (default)
  forget    Delete the stored device token; the next run pairs again
  encrypt   Encrypt a secret for the config file (key in CLAWNODE_CONFIG_KEY)
  version   Print the version

Flags:
%s
Environment:
  CLAWNODE_* variables override config file values.
`, flagSet.FlagUsages())
}

// defaultConfigPath honours CLAWNODE_CONFIG, then ~/.clawnode/config.yaml.
func defaultConfigPath() string {
	if p := os.Getenv("CLAWNODE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".clawnode", "config.yaml")
}

// flagOverrides applies command-line values on top of file and env config.
func flagOverrides(opts options) func(*config.Config) {
	return func(cfg *config.Config) {
		if opts.url != "" {
			cfg.Gateway.URL = opts.url
		}
		if opts.token != "" {
			cfg.Gateway.Token = opts.token
		}
		if opts.name != "" {
			cfg.Node.Name = opts.name
		}
	}
}

func runNode(opts options) error {
	// 1. Config
	cfg, err := config.Load(opts.configPath, flagOverrides(opts))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger, "node", cfg.Node.Name)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, "clawnode", version)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	// 3. Identity
	store, err := openIdentityStore(cfg)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	defer store.Close()

	svc := node.NewService(store, log)
	ident, err := svc.Identity(ctx)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	// 4. Capabilities
	registry, err := buildRegistry(cfg, log)
	if err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}

	// 5. Gateway client and dispatcher
	client := gateway.NewClient(clientConfig(cfg, ident.DeviceID, registry),
		gateway.NewWebSocketTransport(cfg.Gateway.MaxMessageSize),
		gateway.WithLogger(log.With("component", "gateway")),
		gateway.WithStateHandler(svc.HandleState),
		gateway.WithCommandHandler(svc.HandleCommand),
		gateway.WithEventHandler(func(name string, _ map[string]any) {
			log.Debug("gateway event", "event", name)
		}),
	)
	disp := dispatch.New(registry, client, dispatchConfig(cfg.Dispatch), log.With("component", "dispatch"))
	svc.Attach(client, disp)
	svc.SetShutdownGrace(cfg.Dispatch.ShutdownGrace)

	// 6. Local network presence
	if cfg.Discovery.MDNS {
		adv := node.NewAdvertiser(node.AdvertiseConfig{
			Service: cfg.Discovery.Service,
			Domain:  cfg.Discovery.Domain,
			Port:    cfg.Discovery.Port,
		}, log)
		svc.SetAdvertiser(adv, node.Presence{
			Name:     cfg.Node.Name,
			DeviceID: ident.DeviceID,
			Version:  version,
			Caps:     registry.Categories(),
		})
	}

	log.Info("starting node",
		"device_id", ident.DeviceID,
		"gateway", cfg.Gateway.URL,
		"actions", strings.Join(registry.Actions(), ","),
	)
	return svc.Run(ctx)
}

func runForget(opts options, stdout io.Writer) error {
	cfg, err := config.Load(opts.configPath, flagOverrides(opts))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	store, err := openIdentityStore(cfg)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	defer store.Close()

	if err := node.NewService(store, nil).Forget(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "device token removed; the node will pair again on next run")
	return nil
}

// runEncrypt prints an enc: value for args[0], or for the first line of
// stdin when no argument is given.
func runEncrypt(args []string, stdin io.Reader, stdout io.Writer) error {
	passphrase := os.Getenv("CLAWNODE_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("encrypt: CLAWNODE_CONFIG_KEY must be set")
	}

	var plaintext string
	if len(args) > 0 {
		plaintext = args[0]
	} else {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("encrypt: read stdin: %w", err)
		}
		plaintext = strings.TrimRight(line, "\r\n")
	}
	if plaintext == "" {
		return errors.New("encrypt: nothing to encrypt")
	}

	enc, err := config.EncryptValue(plaintext, passphrase)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	fmt.Fprintf(stdout, "enc:%s\n", enc)
	return nil
}
