package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"udpxfer/storage"
)

var (
	// ErrNoResponse indicates the sender never answered the initial request.
	ErrNoResponse = errors.New("network: no response from sender")
	// ErrChunkSizeMismatch indicates the sender splits files with a different chunk size.
	ErrChunkSizeMismatch = errors.New("network: chunk size mismatch")
)

// DefaultMaxReconcileRounds is the number of missing-set reconciliation rounds.
const DefaultMaxReconcileRounds = 1

// Progress is reported each time the receiving session accepts a chunk or changes state.
type Progress struct {
	TransferID string
	Filename   string
	State      State
	Received   int
	Total      int
	Bytes      int64
}

// ReceiverOptions configures the receiving side.
type ReceiverOptions struct {
	ChunkSize int

	HandshakePolicy RetryPolicy
	CollectPolicy   RetryPolicy

	// MaxResendRequestSize must not exceed the sender's buffer size; the
	// sender rejects longer requests as invalid.
	MaxResendRequestSize int
	DefaultBatchSize     int
	BatchShrinkStep      int
	MaxReconcileRounds   int

	// Loss, when set, discards received data frames to emulate an unreliable link.
	Loss DropPolicy

	Logger        *zap.Logger
	Store         *storage.Store
	OnProgress    func(Progress)
	OnStateChange func(State)
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	out.HandshakePolicy = out.HandshakePolicy.withDefaults()
	out.CollectPolicy = out.CollectPolicy.withDefaults()
	if out.MaxResendRequestSize <= 0 {
		out.MaxResendRequestSize = DefaultMaxResendRequestSize
	}
	if out.DefaultBatchSize <= 0 {
		out.DefaultBatchSize = DefaultBatchSize
	}
	if out.BatchShrinkStep <= 0 {
		out.BatchShrinkStep = DefaultBatchShrinkStep
	}
	if out.MaxReconcileRounds <= 0 {
		out.MaxReconcileRounds = DefaultMaxReconcileRounds
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Result is the terminal outcome of one Fetch.
type Result struct {
	TransferID   string
	Filename     string
	State        State
	TotalChunks  int
	Bytes        int64
	ResendRounds int
	Requested    [][]int
	Missing      []int
	OutputPath   string
	Reason       string
	Duration     time.Duration
}

// Receiver fetches files from one sender over a Channel.
type Receiver struct {
	channel Channel
	peer    string
	options ReceiverOptions
	logger  *zap.Logger
}

// NewReceiver wraps ch. The receiver does not take ownership of ch.
func NewReceiver(ch Channel, options ReceiverOptions) (*Receiver, error) {
	if ch == nil {
		return nil, errors.New("channel is required")
	}
	opts := options.withDefaults()
	logger := opts.Logger.With(zap.String("component", "receiver"))

	var peer string
	if addressed, ok := ch.(interface{ RemoteAddr() string }); ok {
		peer = addressed.RemoteAddr()
	}

	return &Receiver{
		channel: NewLossyChannel(ch, opts.Loss, logger),
		peer:    peer,
		options: opts,
		logger:  logger,
	}, nil
}

// Fetch requests filename and writes it to destPath once every chunk is verified.
//
// Result is always non-nil. On failure its State is StatePartialFailure and
// nothing is written to destPath.
func (r *Receiver) Fetch(ctx context.Context, filename, destPath string) (*Result, error) {
	started := time.Now()
	session := newSession(uuid.NewString(), filename, r.options.OnStateChange)
	logger := r.logger.With(zap.String("transfer_id", session.TransferID), zap.String("file", filename))

	r.recordStart(session)

	err := r.run(ctx, session, destPath, logger)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("transfer aborted: %w", ctx.Err())
	}
	result := &Result{
		TransferID:   session.TransferID,
		Filename:     filename,
		TotalChunks:  max(session.TotalChunks, 0),
		Bytes:        session.Store.Bytes(),
		ResendRounds: session.ResendRounds,
		Requested:    session.Requested,
		Duration:     time.Since(started),
	}
	if err != nil {
		session.setState(StatePartialFailure)
		result.State = StatePartialFailure
		result.Missing = session.missing()
		result.Reason = err.Error()
		logger.Warn("transfer failed", zap.Error(err), zap.Ints("missing", result.Missing))
	} else {
		session.setState(StateSuccess)
		result.State = StateSuccess
		result.OutputPath = destPath
		logger.Info("transfer complete",
			zap.Int("total_chunks", result.TotalChunks),
			zap.Int64("bytes", result.Bytes),
			zap.Int("resend_rounds", result.ResendRounds),
			zap.Duration("elapsed", result.Duration),
		)
	}
	r.emitProgress(session)
	r.recordFinish(session, result)
	return result, err
}

func (r *Receiver) run(ctx context.Context, session *Session, destPath string, logger *zap.Logger) error {
	if err := r.handshake(ctx, session, logger); err != nil {
		return err
	}

	session.setState(StateCollecting)
	r.emitProgress(session)
	if err := r.collect(ctx, session, nil, logger); err != nil {
		return err
	}

	if err := r.reconcile(ctx, session, logger); err != nil {
		return err
	}

	session.setState(StateFinalizing)
	return r.finalize(session, destPath, logger)
}

func (r *Receiver) handshake(ctx context.Context, session *Session, logger *zap.Logger) error {
	session.setState(StateRequesting)
	request := EncodeGet(session.Filename)
	policy := r.options.HandshakePolicy
	needSend := true
	attempts := 0

	err := policy.Run(ctx, func(ctx context.Context, timeouts int) (Step, error) {
		if needSend {
			attempts++
			if err := r.channel.Send(request); err != nil {
				return StepDone, fmt.Errorf("send request: %w", err)
			}
			logger.Debug("request sent", zap.Int("attempt", attempts))
			needSend = false
		}

		frame, err := r.channel.Receive(policy.Timeout)
		if errors.Is(err, ErrTimeout) {
			logger.Warn("no response to request", zap.Int("attempt", attempts), zap.Int("max_retries", policy.MaxRetries))
			needSend = true
			return StepTimeout, nil
		}
		if err != nil {
			return StepDone, err
		}

		switch Classify(frame) {
		case FrameKindOK:
			session.setState(StateAwaitingManifest)
			return StepProgress, nil
		case FrameKindError:
			return StepDone, ParseError(frame)
		case FrameKindText:
			total, err := ParseManifest(frame)
			if err != nil {
				logger.Debug("ignoring unexpected text frame", zap.ByteString("frame", frame))
				return StepIgnored, nil
			}
			session.TotalChunks = total
			return StepDone, nil
		default:
			// Stale EOF or data from an earlier stream.
			return StepIgnored, nil
		}
	})
	if errors.Is(err, ErrRetriesExhausted) {
		return fmt.Errorf("%w after %d attempts: %w", ErrNoResponse, attempts, err)
	}
	if err != nil {
		return err
	}

	logger.Info("manifest received", zap.Int("total_chunks", session.TotalChunks))
	return nil
}

// collect receives data frames until EOF, until every wanted sequence is
// stored, or until the collect policy runs out of consecutive timeouts.
// A nil batch accepts any sequence in the manifest.
func (r *Receiver) collect(ctx context.Context, session *Session, batch []int, logger *zap.Logger) error {
	var pending map[int]struct{}
	if batch != nil {
		pending = make(map[int]struct{}, len(batch))
		for _, seq := range batch {
			if !session.Store.Has(seq) {
				pending[seq] = struct{}{}
			}
		}
	}
	satisfied := func() bool {
		if pending != nil {
			return len(pending) == 0
		}
		return session.complete()
	}
	if satisfied() {
		session.staleEOFs++
		return nil
	}

	policy := r.options.CollectPolicy
	err := policy.Run(ctx, func(ctx context.Context, timeouts int) (Step, error) {
		frame, err := r.channel.Receive(policy.Timeout)
		if errors.Is(err, ErrTimeout) {
			logger.Warn("timed out waiting for chunks",
				zap.Int("attempt", timeouts+1),
				zap.Int("max_retries", policy.MaxRetries),
				zap.Int("received", session.Store.Len()),
				zap.Int("total_chunks", session.TotalChunks),
			)
			return StepTimeout, nil
		}
		if err != nil {
			return StepDone, err
		}

		switch Classify(frame) {
		case FrameKindEOF:
			if session.staleEOFs > 0 {
				session.staleEOFs--
				return StepIgnored, nil
			}
			return StepDone, nil
		case FrameKindError:
			return StepDone, ParseError(frame)
		case FrameKindData:
		default:
			return StepIgnored, nil
		}

		stored, err := r.accept(session, frame, pending, logger)
		if err != nil {
			return StepDone, err
		}
		if !stored {
			return StepIgnored, nil
		}
		r.emitProgress(session)

		if satisfied() {
			// The end marker for this phase is still on its way.
			session.staleEOFs++
			return StepDone, nil
		}
		return StepProgress, nil
	})
	if errors.Is(err, ErrRetriesExhausted) {
		logger.Warn("collection phase exhausted retries", zap.Int("missing", len(session.missing())))
		return nil
	}
	return err
}

// accept validates one data frame and stores it. Frames that are malformed,
// out of range, outside the current batch, duplicated or corrupt are dropped.
// A verified chunk whose length disagrees with the configured chunk size ends
// the session with ErrChunkSizeMismatch.
func (r *Receiver) accept(session *Session, frame []byte, pending map[int]struct{}, logger *zap.Logger) (bool, error) {
	chunk, err := DecodeDataFrame(frame)
	if err != nil {
		logger.Debug("dropping malformed frame", zap.Error(err))
		return false, nil
	}
	if chunk.Sequence >= session.TotalChunks {
		logger.Debug("dropping out of range chunk", zap.Int("seq", chunk.Sequence), zap.Int("total_chunks", session.TotalChunks))
		return false, nil
	}
	if pending != nil {
		if _, ok := pending[chunk.Sequence]; !ok {
			return false, nil
		}
	}
	if session.Store.Has(chunk.Sequence) {
		return false, nil
	}
	if !chunk.Verify() {
		logger.Warn("dropping chunk", zap.Int("seq", chunk.Sequence), zap.Error(ErrChecksumMismatch))
		return false, nil
	}
	if !r.sizeMatches(session, chunk) {
		return false, fmt.Errorf("%w: chunk %d of %d carries %d bytes, local chunk size is %d",
			ErrChunkSizeMismatch, chunk.Sequence, session.TotalChunks, len(chunk.Payload), r.options.ChunkSize)
	}

	session.Store.Put(chunk.Sequence, chunk.Payload)
	if pending != nil {
		delete(pending, chunk.Sequence)
	}
	return true, nil
}

// sizeMatches reports whether chunk has the length the local chunk size
// implies: exactly ChunkSize for every chunk but the last, at most ChunkSize
// for the last.
func (r *Receiver) sizeMatches(session *Session, chunk Chunk) bool {
	if len(chunk.Payload) > r.options.ChunkSize {
		return false
	}
	if chunk.Sequence < session.TotalChunks-1 {
		return len(chunk.Payload) == r.options.ChunkSize
	}
	return true
}

func (r *Receiver) reconcile(ctx context.Context, session *Session, logger *zap.Logger) error {
	for round := 0; round < r.options.MaxReconcileRounds; round++ {
		missing := session.missing()
		if len(missing) == 0 {
			return nil
		}
		session.setState(StateReconciling)

		batches, err := PlanResendBatches(
			missing,
			r.options.MaxResendRequestSize,
			r.options.DefaultBatchSize,
			r.options.BatchShrinkStep,
		)
		if err != nil {
			return err
		}

		session.ResendRounds++
		logger.Info("requesting missing chunks",
			zap.Int("round", session.ResendRounds),
			zap.Int("missing", len(missing)),
			zap.Int("batches", len(batches)),
		)
		r.recordResendRound(session)

		for _, batch := range batches {
			if err := ctx.Err(); err != nil {
				return err
			}
			request := EncodeResend(batch)
			if err := r.channel.Send(request); err != nil {
				return fmt.Errorf("send resend request: %w", err)
			}
			session.recordBatch(batch)
			err := r.collect(ctx, session, batch, logger)
			if errors.Is(err, ErrInvalidRequest) {
				// Our requests are well formed, so the sender could not read all of it.
				return fmt.Errorf("%w: sender rejected a %d byte request, lower the resend request size to its buffer size: %w",
					ErrResendRequestTooLarge, len(request), err)
			}
			if err != nil {
				return err
			}
		}
	}

	if missing := session.missing(); len(missing) > 0 {
		return &IncompleteTransferError{Missing: missing}
	}
	return nil
}

func (r *Receiver) finalize(session *Session, destPath string, logger *zap.Logger) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	tempPath := destPath + ".part"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	writer := bufio.NewWriter(file)
	written, err := session.Store.Assemble(writer, session.TotalChunks)
	if err == nil {
		err = writer.Flush()
	}
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("assemble %q: %w", destPath, err)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("finalize %q: %w", destPath, err)
	}
	logger.Debug("file written", zap.String("path", destPath), zap.Int64("bytes", written))
	return nil
}

func (r *Receiver) emitProgress(session *Session) {
	if r.options.OnProgress == nil {
		return
	}
	r.options.OnProgress(Progress{
		TransferID: session.TransferID,
		Filename:   session.Filename,
		State:      session.State,
		Received:   session.Store.Len(),
		Total:      max(session.TotalChunks, 0),
		Bytes:      session.Store.Bytes(),
	})
}

func (r *Receiver) recordStart(session *Session) {
	if r.options.Store == nil {
		return
	}
	err := r.options.Store.SaveTransfer(storage.Transfer{
		TransferID:  session.TransferID,
		Direction:   storage.TransferDirectionReceive,
		PeerAddress: r.peer,
		Filename:    session.Filename,
		ChunkSize:   r.options.ChunkSize,
		Status:      storage.TransferStatusPending,
	})
	if err != nil {
		r.logger.Warn("record transfer failed", zap.String("transfer_id", session.TransferID), zap.Error(err))
	}
}

func (r *Receiver) recordResendRound(session *Session) {
	if r.options.Store == nil {
		return
	}
	if err := r.options.Store.IncrementResendRounds(session.TransferID); err != nil {
		r.logger.Warn("record resend round failed", zap.String("transfer_id", session.TransferID), zap.Error(err))
	}
}

func (r *Receiver) recordFinish(session *Session, result *Result) {
	if r.options.Store == nil {
		return
	}
	status := storage.TransferStatusComplete
	if result.State != StateSuccess {
		status = storage.TransferStatusFailed
	}
	err := r.options.Store.FinishTransfer(session.TransferID, storage.TransferOutcome{
		Status:        status,
		Reason:        result.Reason,
		TotalChunks:   result.TotalChunks,
		ResendRounds:  result.ResendRounds,
		MissingChunks: result.Missing,
	})
	if err != nil {
		r.logger.Warn("record transfer outcome failed", zap.String("transfer_id", session.TransferID), zap.Error(err))
	}
}
