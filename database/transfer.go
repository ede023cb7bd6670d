/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jerry-enebeli/remit/internal/apierror"
	"github.com/jerry-enebeli/remit/model"
)

const transferColumns = `id, idempotency_key, from_account_id, to_account_id, amount, currency, status,
	failure_reason, attempts, recovery_attempts, claim_token, claimed_at, created_at, processed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransfer(row rowScanner) (*model.Transfer, error) {
	var (
		t             model.Transfer
		status        string
		failureReason sql.NullString
		claimToken    sql.NullString
		claimedAt     sql.NullTime
		processedAt   sql.NullTime
	)
	err := row.Scan(&t.ID, &t.IdempotencyKey, &t.FromAccountID, &t.ToAccountID, &t.Amount, &t.Currency, &status,
		&failureReason, &t.Attempts, &t.RecoveryAttempts, &claimToken, &claimedAt, &t.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.TransferStatus(status)
	t.FailureReason = failureReason.String
	t.ClaimToken = claimToken.String
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	if processedAt.Valid {
		t.ProcessedAt = &processedAt.Time
	}
	return &t, nil
}

func (d Datasource) FindByIdempotencyKey(ctx context.Context, key string) (*model.Transfer, error) {
	row := d.q().QueryRowContext(ctx, `SELECT `+transferColumns+` FROM remit.transfers WHERE idempotency_key = $1`, key)
	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transfer with key '%s' not found", key), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transfer", err)
	}
	return transfer, nil
}

// CreatePending inserts a PENDING record claimed by transfer.ClaimToken. The
// unique index on idempotency_key makes the insert the arbiter between
// concurrent first attempts.
func (d Datasource) CreatePending(ctx context.Context, transfer *model.Transfer) (*model.Transfer, error) {
	row := d.q().QueryRowContext(ctx, `
		INSERT INTO remit.transfers (idempotency_key, from_account_id, to_account_id, amount, currency, status, attempts, claim_token, claimed_at)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', 1, $6, NOW())
		RETURNING `+transferColumns,
		transfer.IdempotencyKey, transfer.FromAccountID, transfer.ToAccountID, transfer.Amount, transfer.Currency, transfer.ClaimToken)
	created, err := scanTransfer(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrDuplicateKey, fmt.Sprintf("Transfer with key '%s' already exists", transfer.IdempotencyKey), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create transfer", err)
	}
	return created, nil
}

// ClaimPending takes over a PENDING record that is unclaimed or whose claim
// was taken before staleBefore.
func (d Datasource) ClaimPending(ctx context.Context, key, token string, staleBefore time.Time) (*model.Transfer, error) {
	row := d.q().QueryRowContext(ctx, `
		UPDATE remit.transfers
		SET claim_token = $2, claimed_at = NOW(), attempts = attempts + 1
		WHERE idempotency_key = $1 AND status = 'PENDING' AND (claim_token IS NULL OR claimed_at < $3)
		RETURNING `+transferColumns, key, token, staleBefore)
	claimed, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrStaleClaim, fmt.Sprintf("Transfer with key '%s' is not claimable", key), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim transfer", err)
	}
	return claimed, nil
}

func (d Datasource) ReleasePending(ctx context.Context, id int64, token, reason string) error {
	return d.execClaimed(ctx, `
		UPDATE remit.transfers
		SET claim_token = NULL, claimed_at = NULL, failure_reason = $3
		WHERE id = $1 AND claim_token = $2 AND status = 'PENDING'
	`, id, token, reason)
}

func (d Datasource) MarkCompleted(ctx context.Context, id int64, token string) error {
	return d.execClaimed(ctx, `
		UPDATE remit.transfers
		SET status = 'COMPLETED', failure_reason = NULL, claim_token = NULL, processed_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND status = 'PENDING'
	`, id, token)
}

func (d Datasource) MarkFailed(ctx context.Context, id int64, token, reason string) error {
	return d.execClaimed(ctx, `
		UPDATE remit.transfers
		SET status = 'FAILED', failure_reason = $3, claim_token = NULL, processed_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND status = 'PENDING'
	`, id, token, reason)
}

// execClaimed runs a write guarded by the caller's claim token.
func (d Datasource) execClaimed(ctx context.Context, query string, id int64, args ...interface{}) error {
	result, err := d.q().ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update transfer", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrStaleClaim, fmt.Sprintf("Transfer %d is no longer claimed by this attempt", id), nil)
	}
	return nil
}

// GetStalePendingTransfers lists PENDING records whose claim, or creation when
// unclaimed, is older than staleBefore.
func (d Datasource) GetStalePendingTransfers(ctx context.Context, staleBefore time.Time, limit int) ([]*model.Transfer, error) {
	rows, err := d.q().QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM remit.transfers
		WHERE status = 'PENDING' AND COALESCE(claimed_at, created_at) < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, staleBefore, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pending transfers", err)
	}
	defer rows.Close()
	return scanTransfers(rows)
}

func (d Datasource) BumpRecoveryAttempt(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := d.q().QueryRowContext(ctx, `
		UPDATE remit.transfers SET recovery_attempts = recovery_attempts + 1
		WHERE id = $1
		RETURNING recovery_attempts
	`, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transfer %d not found", id), nil)
		}
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update recovery attempts", err)
	}
	return attempts, nil
}

// GetTransfers pages through records, newest first. An empty status matches all.
func (d Datasource) GetTransfers(ctx context.Context, status model.TransferStatus, limit, offset int) ([]*model.Transfer, error) {
	rows, err := d.q().QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM remit.transfers
		WHERE ($1 = '' OR status = $1)
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transfers", err)
	}
	defer rows.Close()
	return scanTransfers(rows)
}

func scanTransfers(rows *sql.Rows) ([]*model.Transfer, error) {
	transfers := []*model.Transfer{}
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transfer data", err)
		}
		transfers = append(transfers, transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transfers", err)
	}
	return transfers, nil
}
