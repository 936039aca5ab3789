// ErgoAlert watches a posture-sensing device over MQTT and raises an
// alert when the wearer slouches.
//
// It connects to an MQTT broker over WebSocket, subscribes to the
// device's alert topic, and shows the result on a live web dashboard.
// The dashboard can also push a new desired angle to the device or
// publish a test alert. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	ergoalert serve                Start the dashboard
//	ergoalert watch                Stream the activity log to the terminal
//	ergoalert send-config <angle>  Publish a desired angle and exit
//	ergoalert test-alert           Publish a test alert and exit
//	ergoalert init [dir]           Write a default config.yaml
//	ergoalert version              Print version and build information
//	ergoalert -o json version      Output version information as JSON
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
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/ergoalert/internal/activity"
	"github.com/nugget/ergoalert/internal/broker"
	"github.com/nugget/ergoalert/internal/broker/mqtt3"
	"github.com/nugget/ergoalert/internal/broker/mqtt5"
	"github.com/nugget/ergoalert/internal/buildinfo"
	"github.com/nugget/ergoalert/internal/config"
	"github.com/nugget/ergoalert/internal/events"
	"github.com/nugget/ergoalert/internal/monitor"
	"github.com/nugget/ergoalert/internal/tone"
	"github.com/nugget/ergoalert/internal/web"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the ergoalert command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown.
//   - stdout receives command output and, for serve, structured logs.
//     stderr receives structured logs for the terminal-oriented commands.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
	case "watch":
		return runWatch(ctx, stdout, stderr, configPath)
	case "send-config":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: ergoalert send-config <angle>")
		}
		angle, err := strconv.ParseFloat(cmdArgs[0], 64)
		if err != nil {
			return fmt.Errorf("send-config: invalid angle %q", cmdArgs[0])
		}
		return runPublish(ctx, stdout, stderr, configPath, "send config", func(m *monitor.Monitor) error {
			return m.SendConfig(angle)
		})
	case "test-alert":
		return runPublish(ctx, stdout, stderr, configPath, "send test alert", func(m *monitor.Monitor) error {
			return m.SendTestAlert()
		})
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
	for _, kv := range [][2]string{
		{"version", info.Version},
		{"git_commit", info.GitCommit},
		{"build_time", info.BuildTime},
		{"go_version", info.GoVersion},
		{"os", info.OS},
		{"arch", info.Arch},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", kv[0]+":", kv[1])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "ErgoAlert - posture alert monitor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ergoalert [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                Start the web dashboard")
	fmt.Fprintln(w, "  watch                Connect and stream the activity log to the terminal")
	fmt.Fprintln(w, "  send-config <angle>  Publish a desired angle to the device and exit")
	fmt.Fprintln(w, "  test-alert           Publish a test alert and exit")
	fmt.Fprintln(w, "  init [dir]           Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/ergoalert/config.yaml, /etc/ergoalert/config.yaml")
	return nil
}

// runServe starts the dashboard and blocks until a shutdown signal
// arrives. The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains and live feeds close
//  3. The broker session disconnects
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting ErgoAlert", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"broker", cfg.Broker.URL,
		"protocol_version", cfg.Broker.ProtocolVersion,
	)

	bus := events.New()
	mon := monitor.New(monitor.Config{
		Transport:      openTransport(cfg.Broker, logger),
		ConnectTimeout: cfg.Broker.ConnectTimeout(),
		KeepAlive:      cfg.Broker.KeepAlive(),
		Settings:       settingsFromConfig(cfg),
		LogCapacity:    cfg.LogCapacity,
		Tone:           tone.NewBroadcast(bus, logger),
		Bus:            bus,
		Logger:         logger,
	})
	defer mon.Close()

	server := web.NewWebServer(web.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		Monitor: mon,
		Bus:     bus,
		Version: buildinfo.Version,
		Logger:  logger,
	})

	if cfg.Broker.AutoConnect {
		if err := mon.Connect(mon.Settings()); err != nil {
			logger.Warn("auto connect rejected", "error", err)
		}
	}

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("dashboard shutdown failed", "error", err)
		}
	}()

	if err := server.Start(); err != nil {
		return err
	}

	logger.Info("ErgoAlert stopped")
	return nil
}

// runWatch connects immediately and prints every activity log line to
// stdout until interrupted. A failed connect or a lost connection ends
// the command with an error; there is no retry.
func runWatch(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)
	out := &lockedWriter{w: stdout}

	bus := events.New()
	feed := bus.Subscribe(64)
	defer bus.Unsubscribe(feed)

	mon := monitor.New(monitor.Config{
		Transport:      openTransport(cfg.Broker, logger),
		ConnectTimeout: cfg.Broker.ConnectTimeout(),
		KeepAlive:      cfg.Broker.KeepAlive(),
		Settings:       settingsFromConfig(cfg),
		LogCapacity:    cfg.LogCapacity,
		Tone:           alertTone(cfg, bus, out, logger),
		Bus:            bus,
		Logger:         logger,
	})
	defer mon.Close()
	mon.Log().OnAppend(func(e activity.Entry) { fmt.Fprintln(out, e.String()) })

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := mon.Connect(mon.Settings()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-feed:
			if err := sessionFailure(e); err != nil {
				return err
			}
		}
	}
}

// alertTone builds the watch-mode emitter. The tone event always goes
// to the bus; terminal_bell adds a BEL on w.
func alertTone(cfg *config.Config, bus *events.Bus, w io.Writer, logger *slog.Logger) tone.Emitter {
	broadcast := tone.NewBroadcast(bus, logger)
	if !cfg.Tone.TerminalBell {
		return broadcast
	}
	return tone.Multi{broadcast, tone.NewBell(w)}
}

// runPublish connects, waits for the session to come up, publishes once
// and disconnects.
func runPublish(ctx context.Context, stdout, stderr io.Writer, configPath, what string, publish func(*monitor.Monitor) error) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	bus := events.New()
	feed := bus.Subscribe(64)
	defer bus.Unsubscribe(feed)

	mon := monitor.New(monitor.Config{
		Transport:      openTransport(cfg.Broker, logger),
		ConnectTimeout: cfg.Broker.ConnectTimeout(),
		KeepAlive:      cfg.Broker.KeepAlive(),
		Settings:       settingsFromConfig(cfg),
		LogCapacity:    cfg.LogCapacity,
		Bus:            bus,
		Logger:         logger,
	})
	defer mon.Close()

	if err := mon.Connect(mon.Settings()); err != nil {
		return err
	}

	// The session enforces its own connect timeout; the extra second
	// only guards against a missed event.
	wait := time.NewTimer(cfg.Broker.ConnectTimeout() + time.Second)
	defer wait.Stop()
	for connected := false; !connected; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait.C:
			return fmt.Errorf("%s: %w", what, broker.ErrConnectTimeout)
		case e := <-feed:
			if err := sessionFailure(e); err != nil {
				return fmt.Errorf("%s: %w", what, err)
			}
			connected = e.Kind == events.KindState && e.Data["event"] == string(broker.EventConnected)
		}
	}

	if err := publish(mon); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	for _, e := range mon.Log().Entries() {
		fmt.Fprintln(stdout, e.String())
	}
	return nil
}

// sessionFailure turns a terminal session event into an error.
func sessionFailure(e events.Event) error {
	if e.Kind != events.KindState {
		return nil
	}
	switch e.Data["event"] {
	case string(broker.EventConnectFailed):
		return fmt.Errorf("connect failed: %v", e.Data["error"])
	case string(broker.EventConnectionLost):
		return fmt.Errorf("connection lost: %v", e.Data["error"])
	}
	return nil
}

// openTransport picks the MQTT transport for the configured protocol
// version. Tests replace it with a scripted transport.
var openTransport = func(cfg config.BrokerConfig, logger *slog.Logger) broker.Transport {
	if cfg.ProtocolVersion == mqtt5.ProtocolVersion {
		return mqtt5.New(mqtt5.Config{SOCKS5Proxy: cfg.SOCKS5Proxy, Logger: logger})
	}
	if cfg.SOCKS5Proxy != "" {
		logger.Warn("socks5_proxy is ignored by the MQTT 3.1.1 transport")
	}
	return mqtt3.New(logger)
}

func settingsFromConfig(cfg *config.Config) monitor.Settings {
	return monitor.Settings{
		BrokerURL:    cfg.Broker.URL,
		ClientID:     cfg.Broker.ClientID,
		AlertTopic:   cfg.Topics.Alert,
		ConfigTopic:  cfg.Topics.Config,
		DeviceID:     cfg.Device.ID,
		DesiredAngle: cfg.Device.DesiredAngle,
	}
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
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

// configuredLogger builds the logger described by cfg. The level was
// checked by config.Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations, and the built-in
// defaults apply when nothing is found.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "(defaults)", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// lockedWriter serializes writes from session goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
