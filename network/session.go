package network

import (
	"errors"
	"fmt"
	"io"
	"slices"
)

// State is the receiving session's position in the transfer state machine.
type State int

const (
	StateRequesting State = iota
	StateAwaitingManifest
	StateCollecting
	StateReconciling
	StateFinalizing
	StateSuccess
	StatePartialFailure
)

func (s State) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateAwaitingManifest:
		return "awaiting_manifest"
	case StateCollecting:
		return "collecting"
	case StateReconciling:
		return "reconciling"
	case StateFinalizing:
		return "finalizing"
	case StateSuccess:
		return "success"
	case StatePartialFailure:
		return "partial_failure"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChunkStore holds verified payloads keyed by sequence number. It only grows.
type ChunkStore struct {
	chunks map[int][]byte
	bytes  int64
}

// NewChunkStore returns an empty store.
func NewChunkStore() *ChunkStore {
	return &ChunkStore{chunks: make(map[int][]byte)}
}

// Put stores payload under seq. It returns false, leaving the store
// unchanged, when seq is already present.
func (c *ChunkStore) Put(seq int, payload []byte) bool {
	if _, ok := c.chunks[seq]; ok {
		return false
	}
	c.chunks[seq] = payload
	c.bytes += int64(len(payload))
	return true
}

func (c *ChunkStore) Has(seq int) bool {
	_, ok := c.chunks[seq]
	return ok
}

func (c *ChunkStore) Len() int {
	return len(c.chunks)
}

// Bytes returns the total payload size stored so far.
func (c *ChunkStore) Bytes() int64 {
	return c.bytes
}

// Missing returns, in ascending order, every sequence in [0, total) not yet stored.
func (c *ChunkStore) Missing(total int) []int {
	missing := make([]int, 0, max(total-len(c.chunks), 0))
	for seq := range total {
		if _, ok := c.chunks[seq]; !ok {
			missing = append(missing, seq)
		}
	}
	return missing
}

// Assemble writes sequences 0..total-1 to w in ascending order.
// It refuses to write anything if a sequence is missing.
func (c *ChunkStore) Assemble(w io.Writer, total int) (int64, error) {
	if missing := c.Missing(total); len(missing) > 0 {
		return 0, &IncompleteTransferError{Missing: missing}
	}
	var written int64
	for seq := range total {
		n, err := w.Write(c.chunks[seq])
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write chunk %d: %w", seq, err)
		}
	}
	return written, nil
}

// ErrIncompleteTransfer indicates chunks were still missing after every resend round.
var ErrIncompleteTransfer = errors.New("network: incomplete transfer")

// IncompleteTransferError lists the sequences that could not be recovered.
type IncompleteTransferError struct {
	Missing []int
}

func (e *IncompleteTransferError) Error() string {
	const shown = 16
	if len(e.Missing) > shown {
		return fmt.Sprintf("incomplete transfer: %d chunks missing, first %v", len(e.Missing), e.Missing[:shown])
	}
	return fmt.Sprintf("incomplete transfer: %d chunks missing %v", len(e.Missing), e.Missing)
}

func (e *IncompleteTransferError) Unwrap() error {
	return ErrIncompleteTransfer
}

// Session is one request-to-completion exchange for a single file.
type Session struct {
	TransferID string
	Filename   string
	State      State
	// TotalChunks is -1 until the manifest arrives.
	TotalChunks int
	Store       *ChunkStore

	// ResendRounds counts reconciliation rounds that issued at least one RESEND.
	ResendRounds int
	// Requested holds every RESEND batch in the order it was sent.
	Requested [][]int

	// staleEOFs counts end markers still in flight from phases that finished
	// before reading them.
	staleEOFs int

	onStateChange func(State)
}

func newSession(transferID, filename string, onStateChange func(State)) *Session {
	return &Session{
		TransferID:    transferID,
		Filename:      filename,
		State:         StateRequesting,
		TotalChunks:   -1,
		Store:         NewChunkStore(),
		onStateChange: onStateChange,
	}
}

func (s *Session) setState(state State) {
	if s.State == state {
		return
	}
	s.State = state
	if s.onStateChange != nil {
		s.onStateChange(state)
	}
}

func (s *Session) complete() bool {
	return s.TotalChunks >= 0 && s.Store.Len() >= s.TotalChunks
}

func (s *Session) missing() []int {
	if s.TotalChunks < 0 {
		return nil
	}
	return s.Store.Missing(s.TotalChunks)
}

func (s *Session) recordBatch(batch []int) {
	s.Requested = append(s.Requested, slices.Clone(batch))
}
