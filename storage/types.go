package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferDirectionSend marks a transfer served to a peer.
	TransferDirectionSend = "send"
	// TransferDirectionReceive marks a transfer fetched from a sender.
	TransferDirectionReceive = "receive"
)

const (
	// TransferStatusPending is a receive that has not finished yet.
	TransferStatusPending = "pending"
	// TransferStatusServing is a send whose chunks were streamed and may still be re-requested.
	TransferStatusServing = "serving"
	// TransferStatusComplete is a receive whose file was reassembled.
	TransferStatusComplete = "complete"
	// TransferStatusFailed is a transfer that ended in partial failure.
	TransferStatusFailed = "failed"
)

// Transfer is the SQLite representation of one transfer session.
type Transfer struct {
	TransferID    string
	Direction     string
	PeerAddress   string
	Filename      string
	ChunkSize     int
	TotalChunks   int
	ResendRounds  int
	MissingChunks []int
	Status        string
	Reason        string
	StartedAt     int64
	FinishedAt    *int64
}

// TransferOutcome is the terminal state written when a session ends.
type TransferOutcome struct {
	Status        string
	Reason        string
	TotalChunks   int
	ResendRounds  int
	MissingChunks []int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusServing, TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func encodeSequences(sequences []int) string {
	parts := make([]string, len(sequences))
	for i, seq := range sequences {
		parts[i] = strconv.Itoa(seq)
	}
	return strings.Join(parts, ",")
}

func decodeSequences(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		seq, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("decode sequence %q: %w", part, err)
		}
		out = append(out, seq)
	}
	return out, nil
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
