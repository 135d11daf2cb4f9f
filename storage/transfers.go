package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const selectTransferColumns = `SELECT
	transfer_id,
	direction,
	peer_address,
	filename,
	chunk_size,
	total_chunks,
	resend_rounds,
	missing_chunks,
	status,
	reason,
	started_at,
	finished_at
FROM transfers`

// SaveTransfer inserts a new transfer row.
func (s *Store) SaveTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = TransferStatusPending
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_address,
			filename,
			chunk_size,
			total_chunks,
			resend_rounds,
			missing_chunks,
			status,
			reason,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.Direction,
		transfer.PeerAddress,
		transfer.Filename,
		transfer.ChunkSize,
		transfer.TotalChunks,
		transfer.ResendRounds,
		encodeSequences(transfer.MissingChunks),
		transfer.Status,
		transfer.Reason,
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}
	return nil
}

// FinishTransfer writes the terminal outcome of a transfer.
func (s *Store) FinishTransfer(transferID string, outcome TransferOutcome) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(outcome.Status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
			reason = ?,
			total_chunks = ?,
			resend_rounds = ?,
			missing_chunks = ?,
			finished_at = ?
		WHERE transfer_id = ?`,
		outcome.Status,
		outcome.Reason,
		outcome.TotalChunks,
		outcome.ResendRounds,
		encodeSequences(outcome.MissingChunks),
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", transferID, err)
	}
	return requireRowAffected(res, transferID)
}

// IncrementResendRounds counts one served retransmission request.
func (s *Store) IncrementResendRounds(transferID string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET resend_rounds = resend_rounds + 1
		WHERE transfer_id = ?`,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("increment resend rounds %q: %w", transferID, err)
	}
	return requireRowAffected(res, transferID)
}

// GetTransfer fetches one transfer by ID.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(selectTransferColumns+` WHERE transfer_id = ?`, transferID)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListTransfers returns the most recent transfers, optionally filtered by direction.
func (s *Store) ListTransfers(direction string, limit int) ([]Transfer, error) {
	query := selectTransferColumns
	args := make([]any, 0, 2)
	if direction != "" {
		if err := validateTransferDirection(direction); err != nil {
			return nil, err
		}
		query += " WHERE direction = ?"
		args = append(args, direction)
	}
	query += " ORDER BY started_at DESC, transfer_id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		transfer   Transfer
		missing    string
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.Direction,
		&transfer.PeerAddress,
		&transfer.Filename,
		&transfer.ChunkSize,
		&transfer.TotalChunks,
		&transfer.ResendRounds,
		&missing,
		&transfer.Status,
		&transfer.Reason,
		&transfer.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	sequences, err := decodeSequences(missing)
	if err != nil {
		return nil, err
	}
	transfer.MissingChunks = sequences
	transfer.FinishedAt = int64Ptr(finishedAt)
	return &transfer, nil
}

func requireRowAffected(res sql.Result, transferID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
