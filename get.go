package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"

	"udpxfer/discovery"
	"udpxfer/models"
	"udpxfer/network"
	"udpxfer/storage"
)

const progressTemplate = `{{string . "prefix"}} {{counters . }} {{bar . }} {{percent . }} {{etime . }}`

// getOptions holds the per-invocation settings of the get command.
type getOptions struct {
	address  string
	seed     uint64
	quiet    bool
	asJSON   bool
	logger   *zap.Logger
	store    *storage.Store
	progress func(filename string) *pb.ProgressBar
}

func (a *app) get(ctx context.Context, args []string) error {
	cfg := a.cfg
	fs := a.newFlagSet("get")
	server := fs.String("server", "", "sender host:port (default: a discovered sender, then server_address)")
	fs.StringVar(&cfg.DownloadDirectory, "out", cfg.DownloadDirectory, "directory fetched files are written to")
	fs.Float64Var(&cfg.LossProbability, "loss", cfg.LossProbability, "probability in [0, 1) of discarding each received data frame")
	seed := fs.Uint64("seed", 0, "seed for the loss generator (0 picks one at random)")
	fs.IntVar(&cfg.MaxReconcileRounds, "rounds", cfg.MaxReconcileRounds, "missing-chunk reconciliation rounds")
	fs.IntVar(&cfg.MaxResendRequestSize, "max-request", cfg.MaxResendRequestSize, "byte bound of one RESEND request")
	fs.BoolVar(&cfg.DiscoveryEnabled, "discovery", cfg.DiscoveryEnabled, "look up a sender via mDNS when -server is not set")
	quiet := fs.Bool("quiet", false, "disable the progress bar")
	asJSON := fs.Bool("json", false, "print each result as JSON")
	bindTransferFlags(fs, cfg)
	if err := a.parse(fs, args); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := a.openStore(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := os.MkdirAll(cfg.DownloadDirectory, 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	address, err := a.resolveServer(ctx, *server, logger)
	if err != nil {
		return err
	}

	opts := getOptions{
		address:  address,
		seed:     *seed,
		quiet:    *quiet,
		asJSON:   *asJSON,
		logger:   logger,
		store:    store,
		progress: a.newProgressBar,
	}

	if fs.NArg() == 0 {
		return a.interactive(ctx, opts)
	}

	var errs []error
	for _, name := range fs.Args() {
		if err := a.fetchOne(ctx, opts, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// resolveServer picks the sender address: the flag, then a discovered sender
// with a matching chunk size, then server_address from config.json.
func (a *app) resolveServer(ctx context.Context, flagValue string, logger *zap.Logger) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if a.cfg.DiscoveryEnabled {
		sender, err := discovery.LookupFirst(ctx, discovery.Config{NodeID: a.cfg.NodeID}, a.cfg.ChunkSize)
		switch {
		case err == nil:
			fmt.Fprintf(a.stderr, "Using sender %q at %s\n", sender.NodeName, sender.Address())
			return sender.Address(), nil
		case ctx.Err() != nil:
			return "", ctx.Err()
		default:
			logger.Info("no sender discovered, using configured address",
				zap.String("address", a.cfg.ServerAddress), zap.Error(err))
		}
	}
	if a.cfg.ServerAddress == "" {
		return "", errors.New("no sender address: pass -server or set server_address")
	}
	return a.cfg.ServerAddress, nil
}

// interactive prompts for file names until EOF, "quit" or "exit".
func (a *app) interactive(ctx context.Context, opts getOptions) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(a.stdout, "file> ")
		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.stdout)
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			fmt.Fprintln(a.stdout)
			select {
			case err := <-readErr:
				return err
			default:
				return nil
			}
		}

		name := strings.TrimSpace(line)
		switch strings.ToLower(name) {
		case "":
			continue
		case "quit", "exit":
			return nil
		}

		if err := a.fetchOne(ctx, opts, name); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(a.stdout, "fetch %q failed: %v\n", name, err)
		}
	}
}

// fetchOne runs one transfer on a fresh socket so frames left over from an
// earlier fetch cannot leak into this one.
func (a *app) fetchOne(ctx context.Context, opts getOptions, filename string) error {
	cfg := a.cfg
	dest, err := destinationPath(cfg.DownloadDirectory, filename)
	if err != nil {
		return err
	}

	ch, err := network.DialChannel(opts.address, cfg.BufferSize)
	if err != nil {
		return err
	}
	defer ch.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stopClose()

	policy := network.RetryPolicy{MaxRetries: cfg.MaxRetries, Timeout: cfg.PhaseTimeout()}
	receiverOptions := network.ReceiverOptions{
		ChunkSize:            cfg.ChunkSize,
		HandshakePolicy:      policy,
		CollectPolicy:        policy,
		MaxResendRequestSize: cfg.MaxResendRequestSize,
		DefaultBatchSize:     cfg.DefaultBatchSize,
		BatchShrinkStep:      cfg.BatchShrinkStep,
		MaxReconcileRounds:   cfg.MaxReconcileRounds,
		Loss:                 lossPolicy(cfg.LossProbability, opts.seed),
		Logger:               opts.logger,
		Store:                opts.store,
	}

	var bar *pb.ProgressBar
	if !opts.quiet && opts.progress != nil {
		bar = opts.progress(filename)
		receiverOptions.OnProgress = func(p network.Progress) {
			if p.Total > 0 {
				bar.SetTotal(int64(p.Total))
			}
			bar.SetCurrent(int64(p.Received))
		}
	}

	receiver, err := network.NewReceiver(ch, receiverOptions)
	if err != nil {
		return err
	}
	result, fetchErr := receiver.Fetch(ctx, filename, dest)
	if bar != nil {
		bar.Finish()
	}

	if err := a.printResult(result, opts.asJSON); err != nil {
		return errors.Join(fetchErr, err)
	}
	return fetchErr
}

func (a *app) newProgressBar(filename string) *pb.ProgressBar {
	bar := pb.ProgressBarTemplate(progressTemplate).New(0)
	bar.SetWriter(a.stderr)
	bar.Set("prefix", filepath.Base(filename))
	return bar.Start()
}

func (a *app) printResult(result *network.Result, asJSON bool) error {
	view := fetchResultModel(result)
	if asJSON {
		return writeJSON(a.stdout, view)
	}

	if result.State != network.StateSuccess {
		fmt.Fprintf(a.stdout, "%s: %s after %.1fs, %d of %d chunks missing (%d resend rounds)\n",
			view.Filename, view.State, view.Seconds, len(view.Missing), view.TotalChunks, view.ResendRounds)
		return nil
	}
	fmt.Fprintf(a.stdout, "%s: saved %d bytes in %d chunks to %s in %.1fs (%d resend rounds)\n",
		view.Filename, view.Bytes, view.TotalChunks, view.OutputPath, view.Seconds, view.ResendRounds)
	return nil
}

// destinationPath maps a requested name onto the download directory. Only the
// final path element is kept so a request cannot write outside dir.
func destinationPath(dir, filename string) (string, error) {
	base := filepath.Base(filepath.FromSlash(strings.TrimSpace(filename)))
	switch base {
	case "", ".", "..", string(filepath.Separator):
		return "", fmt.Errorf("invalid file name %q", filename)
	}
	return filepath.Join(dir, base), nil
}

// lossPolicy returns the emulated loss for probability, drawing a seed when none is given.
func lossPolicy(probability float64, seed uint64) network.DropPolicy {
	if probability <= 0 {
		return network.NoLoss
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return network.RandomLoss(probability, seed)
}

func fetchResultModel(result *network.Result) models.FetchResult {
	return models.FetchResult{
		TransferID:   result.TransferID,
		Filename:     result.Filename,
		State:        result.State.String(),
		TotalChunks:  result.TotalChunks,
		Bytes:        result.Bytes,
		ResendRounds: result.ResendRounds,
		Missing:      result.Missing,
		OutputPath:   result.OutputPath,
		Reason:       result.Reason,
		Seconds:      result.Duration.Seconds(),
	}
}
