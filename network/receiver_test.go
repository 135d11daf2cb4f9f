package network

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"udpxfer/storage"
)

// fakeSender answers GET and RESEND for one in-memory file.
type fakeSender struct {
	data      []byte
	chunkSize int
	// emit rewrites the frames sent for one chunk; nil sends the chunk unchanged.
	emit func(seq int, resend bool, frame []byte) [][]byte
	// ignoreGets drops this many GET requests before answering.
	ignoreGets int
	notFound   bool

	gets    int
	resends [][]int
}

func (f *fakeSender) respond(frame []byte) [][]byte {
	req, err := ParseRequest(frame)
	if err != nil {
		return [][]byte{EncodeError(ErrorCodeInvalidRequest)}
	}

	total := ChunkCount(int64(len(f.data)), f.chunkSize)
	var out [][]byte
	switch req.Verb {
	case VerbGet:
		f.gets++
		if f.gets <= f.ignoreGets {
			return nil
		}
		if f.notFound {
			return [][]byte{EncodeError(ErrorCodeFileNotFound)}
		}
		out = append(out, OKFrame(), EncodeManifest(total))
		for seq := 0; seq < total; seq++ {
			out = append(out, f.frames(seq, false)...)
		}
	case VerbResend:
		f.resends = append(f.resends, req.Sequences)
		for _, seq := range req.Sequences {
			if seq < total {
				out = append(out, f.frames(seq, true)...)
			}
		}
	}
	return append(out, EOFFrame())
}

func (f *fakeSender) frames(seq int, resend bool) [][]byte {
	start := seq * f.chunkSize
	end := min(start+f.chunkSize, len(f.data))
	frame := EncodeDataFrame(seq, f.data[start:end])
	if f.emit == nil {
		return [][]byte{frame}
	}
	return f.emit(seq, resend, frame)
}

func newTestReceiver(t *testing.T, sender *fakeSender, mutate func(*ReceiverOptions)) (*Receiver, *pipeChannel) {
	t.Helper()
	pipe := newPipeChannel(sender.respond)
	opts := ReceiverOptions{
		ChunkSize:       sender.chunkSize,
		HandshakePolicy: RetryPolicy{MaxRetries: 3, Timeout: 50 * time.Millisecond},
		CollectPolicy:   RetryPolicy{MaxRetries: 2, Timeout: 50 * time.Millisecond},
		Logger:          testLogger(t),
	}
	if mutate != nil {
		mutate(&opts)
	}
	receiver, err := NewReceiver(pipe, opts)
	if err != nil {
		t.Fatalf("NewReceiver failed: %v", err)
	}
	return receiver, pipe
}

func corrupt(frame []byte) []byte {
	out := append([]byte(nil), frame...)
	out[len(out)-1] ^= 0x5a
	return out
}

func assertNoOutput(t *testing.T, dest string) {
	t.Helper()
	for _, path := range []string{dest, dest + ".part"} {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected %s to be absent, stat err=%v", path, err)
		}
	}
}

func TestReceiverIgnoresDuplicateCorruptAndMalformedFrames(t *testing.T) {
	data := fixtureBytes(40)
	sender := &fakeSender{
		data:      data,
		chunkSize: 8,
		emit: func(seq int, _ bool, frame []byte) [][]byte {
			corruptOversized := corrupt(EncodeDataFrame(seq, make([]byte, 9)))
			return [][]byte{corrupt(frame), corruptOversized, []byte("garbage|frame"), frame, frame}
		},
	}
	receiver, _ := newTestReceiver(t, sender, nil)

	dest := filepath.Join(t.TempDir(), "out.bin")
	result, err := receiver.Fetch(context.Background(), "f", dest)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.State != StateSuccess || result.ResendRounds != 0 || result.TotalChunks != 5 {
		t.Fatalf("unexpected result: %+v", result)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("output differs from source")
	}
}

func TestReceiverFailsOnChunkSizeMismatch(t *testing.T) {
	for name, tc := range map[string]struct {
		senderChunk   int
		receiverChunk int
	}{
		"sender larger":  {senderChunk: 16, receiverChunk: 8},
		"sender smaller": {senderChunk: 8, receiverChunk: 16},
	} {
		t.Run(name, func(t *testing.T) {
			sender := &fakeSender{data: fixtureBytes(40), chunkSize: tc.senderChunk}
			receiver, _ := newTestReceiver(t, sender, func(o *ReceiverOptions) {
				o.ChunkSize = tc.receiverChunk
			})

			dest := filepath.Join(t.TempDir(), "out.bin")
			result, err := receiver.Fetch(context.Background(), "f", dest)
			if !errors.Is(err, ErrChunkSizeMismatch) {
				t.Fatalf("expected ErrChunkSizeMismatch, got %v", err)
			}
			if result.State != StatePartialFailure || result.ResendRounds != 0 {
				t.Fatalf("expected an immediate failure, got %+v", result)
			}
			if len(sender.resends) != 0 {
				t.Fatalf("expected no resend requests, got %v", sender.resends)
			}
			assertNoOutput(t, dest)
		})
	}
}

func TestReceiverAcceptsShortLastChunk(t *testing.T) {
	data := fixtureBytes(45)
	receiver, _ := newTestReceiver(t, &fakeSender{data: data, chunkSize: 10}, nil)

	dest := filepath.Join(t.TempDir(), "out.bin")
	if _, err := receiver.Fetch(context.Background(), "f", dest); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("output differs from source")
	}
}

func TestReceiverRecoversCorruptChunkThroughResend(t *testing.T) {
	data := fixtureBytes(30)
	sender := &fakeSender{
		data:      data,
		chunkSize: 10,
		emit: func(seq int, resend bool, frame []byte) [][]byte {
			if seq == 1 && !resend {
				return [][]byte{corrupt(frame)}
			}
			return [][]byte{frame}
		},
	}
	receiver, _ := newTestReceiver(t, sender, nil)

	dest := filepath.Join(t.TempDir(), "out.bin")
	result, err := receiver.Fetch(context.Background(), "f", dest)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.ResendRounds != 1 || !reflect.DeepEqual(result.Requested, [][]int{{1}}) {
		t.Fatalf("expected one resend of [1], got rounds=%d requested=%v", result.ResendRounds, result.Requested)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, data) {
		t.Fatal("output differs from source")
	}
}

func TestReceiverReportsExactMissingAfterBoundedRetries(t *testing.T) {
	sender := &fakeSender{
		data:      fixtureBytes(70),
		chunkSize: 10,
		emit: func(seq int, _ bool, frame []byte) [][]byte {
			if seq == 2 || seq == 5 {
				return nil
			}
			return [][]byte{frame}
		},
	}
	receiver, _ := newTestReceiver(t, sender, nil)

	dest := filepath.Join(t.TempDir(), "out.bin")
	result, err := receiver.Fetch(context.Background(), "f", dest)
	if !errors.Is(err, ErrIncompleteTransfer) {
		t.Fatalf("expected ErrIncompleteTransfer, got %v", err)
	}
	var incomplete *IncompleteTransferError
	if !errors.As(err, &incomplete) || !reflect.DeepEqual(incomplete.Missing, []int{2, 5}) {
		t.Fatalf("unexpected missing report: %v", err)
	}
	if result.State != StatePartialFailure || !reflect.DeepEqual(result.Missing, []int{2, 5}) {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !reflect.DeepEqual(sender.resends, [][]int{{2, 5}}) {
		t.Fatalf("unexpected resend requests: %v", sender.resends)
	}
	assertNoOutput(t, dest)
}

func TestReceiverAcceptsOnlyCurrentBatchDuringResend(t *testing.T) {
	sender := &fakeSender{
		data:      fixtureBytes(40),
		chunkSize: 10,
	}
	sender.emit = func(seq int, resend bool, frame []byte) [][]byte {
		if !resend {
			if seq == 0 {
				return [][]byte{frame}
			}
			return nil
		}
		switch seq {
		case 1:
			// Chunk 3 arrives early, while only [1] is being collected.
			return [][]byte{frame, EncodeDataFrame(3, sender.data[30:40])}
		case 3:
			return nil
		default:
			return [][]byte{frame}
		}
	}
	receiver, _ := newTestReceiver(t, sender, func(o *ReceiverOptions) {
		o.MaxResendRequestSize = len("RESEND 1")
		o.DefaultBatchSize = 1
		o.BatchShrinkStep = 1
	})

	result, err := receiver.Fetch(context.Background(), "f", filepath.Join(t.TempDir(), "out.bin"))
	if !errors.Is(err, ErrIncompleteTransfer) {
		t.Fatalf("expected ErrIncompleteTransfer, got %v", err)
	}
	if !reflect.DeepEqual(result.Missing, []int{3}) {
		t.Fatalf("expected only chunk 3 missing, got %v", result.Missing)
	}
	if !reflect.DeepEqual(result.Requested, [][]int{{1}, {2}, {3}}) {
		t.Fatalf("unexpected batches: %v", result.Requested)
	}
}

func TestReceiverRetriesRequestUntilAnswered(t *testing.T) {
	data := fixtureBytes(15)
	sender := &fakeSender{data: data, chunkSize: 10, ignoreGets: 2}
	receiver, pipe := newTestReceiver(t, sender, nil)

	dest := filepath.Join(t.TempDir(), "out.bin")
	if _, err := receiver.Fetch(context.Background(), "f", dest); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if sender.gets != 3 {
		t.Fatalf("expected 3 GET attempts, got %d", sender.gets)
	}
	if len(pipe.sentFrames()) != 3 {
		t.Fatalf("expected 3 frames sent, got %d", len(pipe.sentFrames()))
	}
}

func TestReceiverNoResponse(t *testing.T) {
	receiver, pipe := newTestReceiver(t, &fakeSender{chunkSize: 10, ignoreGets: 1 << 30}, nil)

	dest := filepath.Join(t.TempDir(), "out.bin")
	result, err := receiver.Fetch(context.Background(), "f", dest)
	if !errors.Is(err, ErrNoResponse) || !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrNoResponse, got %v", err)
	}
	if result.State != StatePartialFailure {
		t.Fatalf("unexpected state %s", result.State)
	}
	if len(pipe.sentFrames()) != 3 {
		t.Fatalf("expected 3 GET attempts, got %d", len(pipe.sentFrames()))
	}
	assertNoOutput(t, dest)
}

func TestReceiverFileNotFound(t *testing.T) {
	receiver, _ := newTestReceiver(t, &fakeSender{chunkSize: 10, notFound: true}, nil)

	dest := filepath.Join(t.TempDir(), "out.bin")
	result, err := receiver.Fetch(context.Background(), "missing.txt", dest)
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != ErrorCodeFileNotFound {
		t.Fatalf("expected RemoteError carrying the sender message, got %v", err)
	}
	if result.Reason == "" {
		t.Fatal("expected a failure reason")
	}
	assertNoOutput(t, dest)
}

func TestReceiverZeroByteFile(t *testing.T) {
	receiver, _ := newTestReceiver(t, &fakeSender{chunkSize: 10}, nil)

	dest := filepath.Join(t.TempDir(), "nested", "empty.bin")
	result, err := receiver.Fetch(context.Background(), "empty", dest)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.TotalChunks != 0 {
		t.Fatalf("expected 0 chunks, got %d", result.TotalChunks)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty output, got %d bytes", info.Size())
	}
}

func TestReceiverFailsLoudlyWhenResendCannotFit(t *testing.T) {
	sender := &fakeSender{
		data:      fixtureBytes(20),
		chunkSize: 10,
		emit: func(seq int, _ bool, frame []byte) [][]byte {
			if seq == 1 {
				return nil
			}
			return [][]byte{frame}
		},
	}
	receiver, _ := newTestReceiver(t, sender, func(o *ReceiverOptions) {
		o.MaxResendRequestSize = 4
	})

	_, err := receiver.Fetch(context.Background(), "f", filepath.Join(t.TempDir(), "out.bin"))
	if !errors.Is(err, ErrResendRequestTooLarge) {
		t.Fatalf("expected ErrResendRequestTooLarge, got %v", err)
	}
	if len(sender.resends) != 0 {
		t.Fatalf("expected no resend to be sent, got %v", sender.resends)
	}
}

func TestReceiverAbortsOnCancelledContext(t *testing.T) {
	receiver, _ := newTestReceiver(t, &fakeSender{data: fixtureBytes(10), chunkSize: 10}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "out.bin")
	result, err := receiver.Fetch(ctx, "f", dest)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.State != StatePartialFailure {
		t.Fatalf("unexpected state %s", result.State)
	}
	assertNoOutput(t, dest)
}

func TestReceiverReportsProgressAndHistory(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	var last Progress
	var states []State
	sender := &fakeSender{
		data:      fixtureBytes(25),
		chunkSize: 10,
		emit: func(seq int, resend bool, frame []byte) [][]byte {
			if seq == 2 && !resend {
				return nil
			}
			return [][]byte{frame}
		},
	}
	receiver, _ := newTestReceiver(t, sender, func(o *ReceiverOptions) {
		o.Store = store
		o.OnProgress = func(p Progress) { last = p }
		o.OnStateChange = func(s State) { states = append(states, s) }
	})

	result, err := receiver.Fetch(context.Background(), "report.txt", filepath.Join(t.TempDir(), "out.bin"))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if last.Received != 3 || last.Total != 3 || last.State != StateSuccess || last.Bytes != 25 {
		t.Fatalf("unexpected final progress: %+v", last)
	}
	wantStates := []State{StateAwaitingManifest, StateCollecting, StateReconciling, StateFinalizing, StateSuccess}
	if !reflect.DeepEqual(states, wantStates) {
		t.Fatalf("unexpected state transitions: %v", states)
	}

	record, err := store.GetTransfer(result.TransferID)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if record.Direction != storage.TransferDirectionReceive || record.Status != storage.TransferStatusComplete {
		t.Fatalf("unexpected history record: %+v", record)
	}
	if record.TotalChunks != 3 || record.ResendRounds != 1 || record.FinishedAt == nil {
		t.Fatalf("unexpected history counters: %+v", record)
	}
}
