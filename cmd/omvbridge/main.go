// Command omvbridge publishes openmediavault appliance state to an
// MQTT (or NATS) bus with Home Assistant discovery.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/nugget/omvbridge/internal/buildinfo"
	"github.com/nugget/omvbridge/internal/collector"
	"github.com/nugget/omvbridge/internal/config"
	"github.com/nugget/omvbridge/internal/connwatch"
	"github.com/nugget/omvbridge/internal/mqtt"
	"github.com/nugget/omvbridge/internal/omv"
	"github.com/nugget/omvbridge/internal/poller"
	"github.com/nugget/omvbridge/internal/rate"
	"github.com/nugget/omvbridge/internal/session"
	"github.com/nugget/omvbridge/internal/status"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Manual parsing keeps run() free of flag.CommandLine globals so
	// tests can call it concurrently.
	var configPath string
	var outputFmt string
	var command string
	var commandArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-"):
			commandArgs = append(commandArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(commandArgs) > 0 {
			dir = commandArgs[0]
		}
		return runInit(stdout, dir)
	case "check":
		return runCheck(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runCheck loads and validates the configuration and prints the
// effective values as YAML with secrets masked.
func runCheck(w io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", cfgPath, err)
	}

	masked := cfg.Masked()
	fmt.Fprintf(w, "# %s: ok\n", cfgPath)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(masked); err != nil {
		return err
	}
	return enc.Close()
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "omvbridge - openmediavault to MQTT bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: omvbridge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Poll the appliance and publish until interrupted")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: current directory)")
	fmt.Fprintln(w, "  check        Validate the config file and print effective values")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting omvbridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", cfgPath, err)
	}

	// Validate already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	masked := cfg.Masked()
	logger.Info("config loaded",
		"path", cfgPath,
		"broker", masked.MQTT.Broker,
		"prefix", cfg.MQTT.Prefix,
		"retain", cfg.MQTT.Retain,
		"qos", cfg.MQTT.QoS,
		"omv_url", cfg.OMV.URL,
		"omv_username", cfg.OMV.Username,
		"omv_password", masked.OMV.Password,
		"scan_interval", cfg.Poll.ScanInterval(),
		"login_interval", cfg.Poll.LoginInterval(),
		"discovery", cfg.Discovery.Enabled,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Appliance ---
	client := omv.NewClient(omv.ClientConfig{
		URL:                cfg.OMV.URL,
		Username:           cfg.OMV.Username,
		Password:           cfg.OMV.Password,
		InsecureSkipVerify: cfg.OMV.InsecureSkipVerify,
		Timeout:            cfg.OMV.Timeout(),
		Logger:             logger.With("component", "omv"),
	})
	sess := session.New(client, cfg.Poll.LoginInterval(), logger.With("component", "session"))

	// --- Broker ---
	prefix := strings.Trim(cfg.MQTT.Prefix, "/")
	username, password := cfg.MQTT.Credentials()
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = mqtt.ClientID(prefix)
	}
	broker, err := mqtt.NewBroker(mqtt.BrokerConfig{
		URL:               cfg.MQTT.Broker,
		Username:          username,
		Password:          password,
		ClientID:          clientID,
		AvailabilityTopic: prefix + "/availability",
	}, logger.With("component", "broker"))
	if err != nil {
		return err
	}
	if err := broker.Start(ctx); err != nil {
		return err
	}
	defer func() {
		// The signal context is already cancelled; give the offline
		// message its own deadline.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := broker.Stop(stopCtx); err != nil {
			logger.Warn("broker stop failed", "error", err)
		}
	}()

	pub := mqtt.NewPublisher(broker, mqtt.PublisherConfig{
		Prefix: prefix,
		Retain: cfg.MQTT.Retain,
		QoS:    byte(cfg.MQTT.QoS),
	}, logger.With("component", "publisher"))
	reg := mqtt.NewRegistrar(pub, mqtt.RegistrarConfig{
		Enabled:         cfg.Discovery.Enabled,
		DiscoveryPrefix: cfg.Discovery.Prefix,
		ScanInterval:    cfg.Poll.ScanInterval(),
	}, logger.With("component", "discovery"))

	// --- Health ---
	connMgr := connwatch.NewManager(logger.With("component", "connwatch"))
	defer connMgr.Stop()
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:     "omv",
		Check:    client.Ping,
		OnChange: invalidateOnOutage(sess),
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "broker",
		Check: func(ctx context.Context) error {
			if broker.Connected() {
				return nil
			}
			return broker.AwaitConnection(ctx)
		},
	})

	// --- Collectors ---
	deps := collector.Deps{
		API:       client,
		Publisher: pub,
		Registrar: reg,
		Devices:   collector.NewDevices(prefix, client.BaseURL()),
		Logger:    logger.With("component", "collector"),
	}
	collectors := []collector.Collector{
		collector.NewServices(deps),
		collector.NewSystem(deps),
		collector.NewNetworks(deps, rate.NewTracker(), cfg.OMV.ExposeNetworks),
		collector.NewDisks(deps),
	}

	commands := collector.NewCommands(client, sess, pub, logger.With("component", "commands"))
	if err := commands.Subscribe(ctx); err != nil {
		return err
	}
	defer commands.Wait()

	poll := poller.New(poller.Config{
		Session:    sess,
		Collectors: collectors,
		Interval:   cfg.Poll.ScanInterval(),
		Logger:     logger.With("component", "poller"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		poll.Start(gctx)
		return nil
	})
	if cfg.Status.Enabled() {
		srv := status.NewServer(status.Config{
			Address: cfg.Status.Address,
			Port:    cfg.Status.Port,
			Health:  connMgr,
			Cycles:  poll,
			Session: sess,
			Logger:  logger.With("component", "status"),
		})
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// invalidateOnOutage drops the cached appliance session when the
// appliance stops answering, so the first cycle after recovery logs in
// instead of spending a request on a session the restart discarded.
func invalidateOnOutage(sess *session.Manager) func(bool, error) {
	return func(ready bool, _ error) {
		if !ready {
			sess.Invalidate()
		}
	}
}
