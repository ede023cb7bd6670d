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

// CreateAccount inserts an account together with its opening balance.
func (d Datasource) CreateAccount(ctx context.Context, account *model.Account, opening decimal.Decimal) (*model.Account, error) {
	err := d.WithTx(ctx, func(s Store) error {
		tx := s.(Datasource)
		err := tx.q().QueryRowContext(ctx, `
			INSERT INTO remit.accounts (account_id, owner, currency, created_at)
			VALUES ($1, $2, $3, NOW())
			RETURNING created_at
		`, account.AccountID, account.Owner, account.Currency).Scan(&account.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Account '%s' already exists", account.AccountID), err)
			}
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create account", err)
		}

		balance := &model.Balance{AccountID: account.AccountID, Amount: opening, Currency: account.Currency}
		err = tx.q().QueryRowContext(ctx, `
			INSERT INTO remit.balances (account_id, amount, currency, version, updated_at)
			VALUES ($1, $2, $3, 0, NOW())
			RETURNING version, updated_at
		`, account.AccountID, opening, account.Currency).Scan(&balance.Version, &balance.UpdatedAt)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create balance", err)
		}
		account.Balance = balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccountByID returns an account with its current balance.
func (d Datasource) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	account := &model.Account{Balance: &model.Balance{}}
	err := d.q().QueryRowContext(ctx, `
		SELECT a.account_id, a.owner, a.currency, a.created_at, b.amount, b.version, b.updated_at
		FROM remit.accounts a
		JOIN remit.balances b ON b.account_id = a.account_id
		WHERE a.account_id = $1
	`, id).Scan(&account.AccountID, &account.Owner, &account.Currency, &account.CreatedAt,
		&account.Balance.Amount, &account.Balance.Version, &account.Balance.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Account with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve account", err)
	}
	account.Balance.AccountID = account.AccountID
	account.Balance.Currency = account.Currency
	return account, nil
}

func (d Datasource) CountAccounts(ctx context.Context) (int64, error) {
	var count int64
	if err := d.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM remit.accounts`).Scan(&count); err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count accounts", err)
	}
	return count, nil
}
