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

	"github.com/jerry-enebeli/remit/internal/apierror"
	"github.com/jerry-enebeli/remit/model"
	"github.com/shopspring/decimal"
)

// GetBalance returns the amount and version of an account's balance.
func (d Datasource) GetBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	balance := &model.Balance{}
	err := d.q().QueryRowContext(ctx, `
		SELECT account_id, amount, currency, version, updated_at
		FROM remit.balances
		WHERE account_id = $1
	`, accountID).Scan(&balance.AccountID, &balance.Amount, &balance.Currency, &balance.Version, &balance.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Balance for account '%s' not found", accountID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve balance", err)
	}
	return balance, nil
}

// UpdateBalance writes amount only if the stored version still equals
// expectedVersion. The version is incremented by the same statement.
func (d Datasource) UpdateBalance(ctx context.Context, accountID string, amount decimal.Decimal, expectedVersion int64) error {
	result, err := d.q().ExecContext(ctx, `
		UPDATE remit.balances
		SET amount = $2, version = version + 1, updated_at = NOW()
		WHERE account_id = $1 AND version = $3
	`, accountID, amount, expectedVersion)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update balance", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// Zero rows is either a missing account or a moved version.
	var exists bool
	err = d.q().QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM remit.balances WHERE account_id = $1)`, accountID).Scan(&exists)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check balance", err)
	}
	if !exists {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Balance for account '%s' not found", accountID), nil)
	}
	return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Optimistic locking failure: balance for account '%s' was updated by another transaction", accountID), nil)
}
