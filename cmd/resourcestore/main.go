// Package main is the entry point for the resourcestore command-line tool:
// object-store operations against the configured backend, checksum and
// archive utilities, and the diagnostic HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bleepstore/resourcestore/internal/config"
	"github.com/bleepstore/resourcestore/internal/logging"
	"github.com/bleepstore/resourcestore/internal/metrics"
	"github.com/bleepstore/resourcestore/internal/storage"
)

// errUsage marks errors caused by a malformed command line.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// app carries what every subcommand needs.
type app struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
}

// command is one subcommand. args excludes the subcommand name.
type command struct {
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"put":     {"put <bucket> <key> <file> [--md5]", cmdPut},
		"get":     {"get <bucket> <key> [out]", cmdGet},
		"cat":     {"cat <bucket> <key>", cmdCat},
		"ls":      {"ls <bucket> [prefix]", cmdList},
		"cp":      {"cp <src-bucket> <src-key> <dst-bucket> <dst-key>", cmdCopy},
		"rm":      {"rm <bucket> <key>", cmdRemove},
		"rm-tree": {"rm-tree <bucket> <prefix>", cmdRemoveTree},
		"exists":  {"exists <bucket> <key>", cmdExists},
		"digest":  {"digest <file> [--sidecar]", cmdDigest},
		"verify":  {"verify <file>", cmdVerify},
		"inspect": {"inspect <zip>", cmdInspect},
		"res-cat": {"res-cat <path>", cmdResourceCat},
		"res-put": {"res-put <path> <file>", cmdResourcePut},
		"serve":   {"serve [--host h] [--port p]", cmdServe},
		"reset":   {"reset", cmdReset},
	}
}

var commandOrder = []string{
	"put", "get", "cat", "ls", "cp", "rm", "rm-tree", "exists",
	"digest", "verify", "inspect", "res-cat", "res-put", "serve", "reset",
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flagSet := pflag.NewFlagSet("resourcestore", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	configPath := flagSet.String("config", "", "path to configuration file (default: built-in defaults)")
	overridePath := flagSet.String("override", "resourcestore.local.yaml", "optional override file merged over --config")
	logLevel := flagSet.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flagSet.String("log-format", "", "log format: text, json (default: from config or text)")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stderr, flagSet)
		return fmt.Errorf("%w: no command given", errUsage)
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, rest[0])
	}

	cfg, err := config.Load(*configPath, *overridePath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// Command-line flags override config file values.
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, stderr)

	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	a := &app{cfg: cfg, stdout: stdout, stderr: stderr}
	return cmd.run(ctx, a, rest[1:])
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: resourcestore [global flags] <command> [args]\n\nCommands:\n")
	for _, name := range commandOrder {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
	fmt.Fprintf(w, "\nGlobal flags:\n%s", flagSet.FlagUsages())
}

// openBackend builds the configured backend, instrumented when metrics are
// enabled.
func (a *app) openBackend(ctx context.Context) (storage.Backend, error) {
	b, err := storage.New(ctx, a.cfg.Storage)
	if err != nil {
		return nil, err
	}
	if a.cfg.Metrics.Enabled {
		return storage.Instrumented(b, a.cfg.Storage.Backend), nil
	}
	return b, nil
}

// parseArgs parses a subcommand's own flags and checks the positional
// argument count lies in [min, max].
func parseArgs(name string, flagSet *pflag.FlagSet, args []string, min, max int) ([]string, error) {
	if err := flagSet.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errUsage, name, err)
	}
	pos := flagSet.Args()
	if len(pos) < min || len(pos) > max {
		return nil, fmt.Errorf("%w: %s", errUsage, commands[name].usage)
	}
	return pos, nil
}
