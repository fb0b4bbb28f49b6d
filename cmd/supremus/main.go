// Supremus is the operator CLI for a chat assistant's conversation
// memory: per-user and per-group history, group participant
// directories and the transport's credential record.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	supremus init [dir]                  Initialize a working directory with defaults
//	supremus status                      Show the active backend and stored keys
//	supremus migrate                     Copy the fallback snapshot into the database
//	supremus history <chat-id>           Print a conversation's history
//	supremus reset <chat-id>             Clear a conversation's history
//	supremus creds [clear]               Show or clear the credential record
//	supremus preview <chat-id> <text>    Print the prompt a message would produce
//	supremus version                     Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kurameshinatsuki/supremus/internal/config"
	"github.com/kurameshinatsuki/supremus/internal/events"
	"github.com/kurameshinatsuki/supremus/internal/store"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so commands can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// env carries the parsed global flags and output streams to a command.
type env struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	outputFmt  string // "text" or "json"
	logLevel   string // overrides the config file when set
}

// run is the real entry point. Arguments are parsed by hand rather
// than with the flag package to avoid package-level state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	e := &env{stdout: stdout, stderr: stderr}
	var name string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case name != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			e.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			e.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			e.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			e.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			e.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-v" || args[i] == "--verbose":
			e.logLevel = "debug"
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			name = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if e.outputFmt == "" {
		e.outputFmt = "text"
	}
	if e.outputFmt != "text" && e.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", e.outputFmt)
	}

	if name == "" || name == "help" {
		return printUsage(stdout)
	}
	cmd, ok := lookup(name)
	if !ok {
		return fmt.Errorf("unknown command: %s", name)
	}
	if len(cmdArgs) < cmd.minArgs {
		return fmt.Errorf("usage: supremus %s %s", cmd.name, cmd.args)
	}
	return cmd.run(ctx, e, cmdArgs)
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Supremus - conversation memory for chat assistants")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: supremus [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-26s %s\n", strings.TrimSpace(c.name+" "+c.args), c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -v, --verbose     Log at debug level")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// newLogger creates a slog.Logger with the given level and format.
// Logs go to w; command output goes to stdout.
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

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
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

// session is the state shared by commands that touch the store.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus
	sub    <-chan events.Event
	store  *store.Store
}

// open loads the config, builds the logger and opens the store. The
// caller must call close.
func (e *env) open(ctx context.Context) (*session, error) {
	cfg, cfgPath, err := loadConfig(e.configPath)
	if err != nil {
		return nil, err
	}

	levelName := cfg.LogLevel
	if e.logLevel != "" {
		levelName = e.logLevel
	}
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger := newLogger(e.stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	bus := events.New()
	rt := &session{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		sub:    bus.Subscribe(64),
	}
	rt.store, err = store.Open(ctx, storeConfig(cfg), logger, bus)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// close drains pending events to the debug log and closes the store.
func (rt *session) close() {
	for _, ev := range events.Collect(rt.sub, eventDrainTimeout) {
		rt.logger.Debug("event", "source", ev.Source, "kind", ev.Kind, "data", ev.Data)
	}
	rt.bus.Unsubscribe(rt.sub)
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("close store", "error", err)
	}
}

// storeConfig maps the YAML storage and history sections onto the
// store's configuration.
func storeConfig(cfg *config.Config) store.Config {
	r := cfg.Storage.Relational
	h := cfg.History
	sc := store.Config{
		Relational: store.RelationalConfig{
			Driver:          r.Driver,
			DSN:             r.DSN,
			MaxOpenConns:    r.MaxOpenConns,
			MaxIdleConns:    r.MaxIdleConns,
			ConnMaxIdleTime: r.ConnMaxIdleTime,
			AcquireTimeout:  r.AcquireTimeout,
		},
		FallbackPath:   cfg.Storage.FallbackPath,
		ConnectTimeout: cfg.Storage.ConnectTimeout,
		MigrateWorkers: cfg.Storage.MigrateWorkers,
	}
	sc.Limits.UserRetention = h.UserRetention
	sc.Limits.GroupRetention = h.GroupRetention
	sc.Limits.PrivateContext = h.PrivateContext
	sc.Limits.GroupContext = h.GroupContext
	return sc
}

// writeJSON encodes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
