package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"PayLinkRelay/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const submissionColumns = `
	id, kind, chain_id, contract, bill_id, authorizer, auth_nonce,
	tx_hash, status, error_code, block_number, created_at, updated_at`

func (s *Store) Begin(ctx context.Context, sub *models.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Status = models.SubmissionPending
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO relay_submissions (
			id, kind, chain_id, contract, bill_id, authorizer, auth_nonce, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at
	`,
		sub.ID,
		sub.Kind,
		sub.ChainID,
		sub.Contract,
		sub.BillID,
		sub.Authorizer,
		sub.AuthNonce,
		sub.Status,
	)
	return row.Scan(&sub.CreatedAt, &sub.UpdatedAt)
}

func (s *Store) MarkSubmitted(ctx context.Context, id string, txHash common.Hash) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE relay_submissions
		SET status='submitted', tx_hash=$2, updated_at=now()
		WHERE id=$1 AND status='pending'
	`, id, txHash.Hex())
	return err
}

// MarkOutcome records a final or indeterminate status. Confirmed and
// reverted rows are terminal and are never overwritten.
func (s *Store) MarkOutcome(ctx context.Context, id string, status models.SubmissionStatus, code string, blockNumber uint64) error {
	var errCode *string
	if code != "" {
		errCode = &code
	}
	var block *int64
	if blockNumber > 0 {
		b := int64(blockNumber)
		block = &b
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE relay_submissions
		SET status=$2, error_code=$3, block_number=COALESCE($4, block_number), updated_at=now()
		WHERE id=$1 AND status NOT IN ('confirmed','reverted')
	`, id, status, errCode, block)
	return err
}

func (s *Store) FindConfirmed(ctx context.Context, kind models.SubmissionKind, chainID, contract, billID string) (*models.Submission, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+submissionColumns+`
		FROM relay_submissions
		WHERE kind=$1 AND chain_id=$2 AND contract=$3 AND bill_id=$4 AND status='confirmed'
		ORDER BY updated_at DESC
		LIMIT 1
	`, kind, chainID, contract, billID)
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM relay_submissions WHERE id=$1`, id)
	return scanSubmission(row)
}

// ListUnresolved returns submitted or indeterminate rows with a transaction
// hash that have not been touched since before olderThan.
func (s *Store) ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]*models.Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+submissionColumns+`
		FROM relay_submissions
		WHERE status IN ('submitted','indeterminate') AND tx_hash IS NOT NULL AND updated_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Touch bumps updated_at so a still-pending row is not rechecked at once.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE relay_submissions SET updated_at=now() WHERE id=$1`, id)
	return err
}

func scanSubmission(row pgx.Row) (*models.Submission, error) {
	var sub models.Submission
	var authorizer, authNonce, txHash, errorCode sql.NullString
	var block sql.NullInt64
	err := row.Scan(
		&sub.ID,
		&sub.Kind,
		&sub.ChainID,
		&sub.Contract,
		&sub.BillID,
		&authorizer,
		&authNonce,
		&txHash,
		&sub.Status,
		&errorCode,
		&block,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if authorizer.Valid {
		sub.Authorizer = &authorizer.String
	}
	if authNonce.Valid {
		sub.AuthNonce = &authNonce.String
	}
	if txHash.Valid {
		sub.TxHash = &txHash.String
	}
	if errorCode.Valid {
		sub.ErrorCode = &errorCode.String
	}
	if block.Valid {
		sub.BlockNumber = &block.Int64
	}
	return &sub, nil
}
