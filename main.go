package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"udpxfer/config"
	"udpxfer/storage"
)

const usage = `usage: udpxfer <command> [flags] [args]

commands:
  serve      serve files from a directory over UDP
  get        fetch files by name, or prompt for names when none are given
  history    list recorded transfers
  discover   list senders advertised on the local network

Run "udpxfer <command> -h" for the flags of one command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "udpxfer:", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("a command is required")
	}

	switch args[0] {
	case "help", "-h", "-help", "--help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a := &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}

	switch args[0] {
	case "serve":
		return a.serve(ctx, args[1:])
	case "get":
		return a.get(ctx, args[1:])
	case "history":
		return a.history(args[1:])
	case "discover":
		return a.discover(ctx, args[1:])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// app carries the loaded configuration and the process streams through a command.
type app struct {
	cfg     *config.TransferConfig
	cfgPath string
	dataDir string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// newFlagSet returns a flag set that writes usage to the app's stderr.
func (a *app) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// bindTransferFlags exposes the settings both ends share. Defaults come from config.json.
func bindTransferFlags(fs *flag.FlagSet, cfg *config.TransferConfig) {
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "payload bytes per chunk, must match the peer")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "receive buffer size in bytes")
	fs.IntVar(&cfg.PhaseTimeoutMillis, "timeout-ms", cfg.PhaseTimeoutMillis, "per-phase receive timeout in milliseconds")
	fs.IntVar(&cfg.MaxRetries, "retries", cfg.MaxRetries, "consecutive timeouts tolerated per phase")
	fs.BoolVar(&cfg.HistoryEnabled, "history", cfg.HistoryEnabled, "record transfers in the history database")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
}

func (a *app) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration (%s): %w", a.cfgPath, err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.Level = atomicLevel
	zapConfig.Development = false
	zapConfig.DisableStacktrace = true
	zapConfig.DisableCaller = true

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// openStore opens the history database when history is enabled. The returned
// close function is always safe to call.
func (a *app) openStore(logger *zap.Logger) (*storage.Store, func(), error) {
	if !a.cfg.HistoryEnabled {
		return nil, func() {}, nil
	}
	store, dbPath, err := storage.Open(a.dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open history database: %w", err)
	}
	logger.Debug("history database opened", zap.String("path", dbPath))
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}, nil
}
