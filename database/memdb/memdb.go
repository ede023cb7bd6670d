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

// Package memdb is an in-process IDataSource with the same conditional-write
// and unique-key behaviour as the Postgres store. Writes made inside WithTx
// are staged and validated again at commit, so two transactions racing on
// one balance produce a CONFLICT for the loser exactly like the SQL version.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jerry-enebeli/remit/database"
	"github.com/jerry-enebeli/remit/internal/apierror"
	"github.com/jerry-enebeli/remit/model"
	"github.com/shopspring/decimal"
)

type DB struct {
	mu        sync.Mutex
	accounts  map[string]model.Account
	balances  map[string]model.Balance
	transfers map[int64]model.Transfer
	byKey     map[string]int64
	nextID    int64
	now       func() time.Time
}

func New() *DB {
	return &DB{
		accounts:  make(map[string]model.Account),
		balances:  make(map[string]model.Balance),
		transfers: make(map[int64]model.Transfer),
		byKey:     make(map[string]int64),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for claim and processing timestamps.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

// TotalBalance sums every balance. Used to check conservation.
func (db *DB) TotalBalance() decimal.Decimal {
	db.mu.Lock()
	defer db.mu.Unlock()
	total := decimal.Zero
	for _, b := range db.balances {
		total = total.Add(b.Amount)
	}
	return total
}

type stagedBalance struct {
	baseVersion int64
	amount      decimal.Decimal
	version     int64
}

type stagedTransfer struct {
	token string
	apply func(t *model.Transfer, now time.Time)
}

type txState struct {
	balances  map[string]*stagedBalance
	transfers map[int64]stagedTransfer
}

// store is the view handed to callers. tx is nil outside WithTx.
type store struct {
	db *DB
	tx *txState
}

func (db *DB) view() store {
	return store{db: db}
}

func (db *DB) WithTx(ctx context.Context, fn func(database.Store) error) error {
	return db.view().WithTx(ctx, fn)
}

func (s store) WithTx(ctx context.Context, fn func(database.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx := store{db: s.db, tx: &txState{
		balances:  make(map[string]*stagedBalance),
		transfers: make(map[int64]stagedTransfer),
	}}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return s.db.commit(tx.tx)
}

func (db *DB) commit(tx *txState) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for accountID, staged := range tx.balances {
		current, ok := db.balances[accountID]
		if !ok {
			return notFoundBalance(accountID)
		}
		if current.Version != staged.baseVersion {
			return conflict(accountID)
		}
	}
	for id, staged := range tx.transfers {
		current, ok := db.transfers[id]
		if !ok || current.Status != model.StatusPending || current.ClaimToken != staged.token {
			return staleClaim(id)
		}
	}

	now := db.now()
	for accountID, staged := range tx.balances {
		b := db.balances[accountID]
		b.Amount = staged.amount
		b.Version = staged.version
		b.UpdatedAt = now
		db.balances[accountID] = b
	}
	for id, staged := range tx.transfers {
		t := db.transfers[id]
		staged.apply(&t, now)
		db.transfers[id] = t
	}
	return nil
}

func (db *DB) Ping(_ context.Context) error {
	return nil
}

func (db *DB) GetBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	return db.view().GetBalance(ctx, accountID)
}

func (s store) GetBalance(_ context.Context, accountID string) (*model.Balance, error) {
	if s.tx != nil {
		if staged, ok := s.tx.balances[accountID]; ok {
			s.db.mu.Lock()
			b := s.db.balances[accountID]
			s.db.mu.Unlock()
			b.Amount = staged.amount
			b.Version = staged.version
			return &b, nil
		}
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.balances[accountID]
	if !ok {
		return nil, notFoundBalance(accountID)
	}
	return &b, nil
}

func (db *DB) UpdateBalance(ctx context.Context, accountID string, amount decimal.Decimal, expectedVersion int64) error {
	return db.view().UpdateBalance(ctx, accountID, amount, expectedVersion)
}

func (s store) UpdateBalance(_ context.Context, accountID string, amount decimal.Decimal, expectedVersion int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	current, ok := s.db.balances[accountID]
	if !ok {
		return notFoundBalance(accountID)
	}

	if s.tx == nil {
		if current.Version != expectedVersion {
			return conflict(accountID)
		}
		current.Amount = amount
		current.Version++
		current.UpdatedAt = s.db.now()
		s.db.balances[accountID] = current
		return nil
	}

	if staged, ok := s.tx.balances[accountID]; ok {
		if staged.version != expectedVersion {
			return conflict(accountID)
		}
		staged.amount = amount
		staged.version++
		return nil
	}
	if current.Version != expectedVersion {
		return conflict(accountID)
	}
	s.tx.balances[accountID] = &stagedBalance{baseVersion: current.Version, amount: amount, version: current.Version + 1}
	return nil
}

func (db *DB) FindByIdempotencyKey(ctx context.Context, key string) (*model.Transfer, error) {
	return db.view().FindByIdempotencyKey(ctx, key)
}

func (s store) FindByIdempotencyKey(_ context.Context, key string) (*model.Transfer, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	id, ok := s.db.byKey[key]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transfer with key '%s' not found", key), nil)
	}
	t := s.db.transfers[id]
	return &t, nil
}

func (db *DB) CreatePending(ctx context.Context, transfer *model.Transfer) (*model.Transfer, error) {
	return db.view().CreatePending(ctx, transfer)
}

func (s store) CreatePending(_ context.Context, transfer *model.Transfer) (*model.Transfer, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, exists := s.db.byKey[transfer.IdempotencyKey]; exists {
		return nil, apierror.NewAPIError(apierror.ErrDuplicateKey, fmt.Sprintf("Transfer with key '%s' already exists", transfer.IdempotencyKey), nil)
	}
	s.db.nextID++
	now := s.db.now()
	created := model.Transfer{
		ID:             s.db.nextID,
		IdempotencyKey: transfer.IdempotencyKey,
		FromAccountID:  transfer.FromAccountID,
		ToAccountID:    transfer.ToAccountID,
		Amount:         transfer.Amount,
		Currency:       transfer.Currency,
		Status:         model.StatusPending,
		Attempts:       1,
		ClaimToken:     transfer.ClaimToken,
		ClaimedAt:      &now,
		CreatedAt:      now,
	}
	s.db.transfers[created.ID] = created
	s.db.byKey[created.IdempotencyKey] = created.ID
	return &created, nil
}

func (db *DB) ClaimPending(ctx context.Context, key, token string, staleBefore time.Time) (*model.Transfer, error) {
	return db.view().ClaimPending(ctx, key, token, staleBefore)
}

func (s store) ClaimPending(_ context.Context, key, token string, staleBefore time.Time) (*model.Transfer, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	id, ok := s.db.byKey[key]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrStaleClaim, fmt.Sprintf("Transfer with key '%s' is not claimable", key), nil)
	}
	t := s.db.transfers[id]
	claimable := t.Status == model.StatusPending &&
		(t.ClaimToken == "" || t.ClaimedAt == nil || t.ClaimedAt.Before(staleBefore))
	if !claimable {
		return nil, apierror.NewAPIError(apierror.ErrStaleClaim, fmt.Sprintf("Transfer with key '%s' is not claimable", key), nil)
	}
	now := s.db.now()
	t.ClaimToken = token
	t.ClaimedAt = &now
	t.Attempts++
	s.db.transfers[id] = t
	return &t, nil
}

func (db *DB) ReleasePending(ctx context.Context, id int64, token, reason string) error {
	return db.view().ReleasePending(ctx, id, token, reason)
}

func (s store) ReleasePending(_ context.Context, id int64, token, reason string) error {
	return s.claimedWrite(id, token, func(t *model.Transfer, _ time.Time) {
		t.ClaimToken = ""
		t.ClaimedAt = nil
		t.FailureReason = reason
	})
}

func (db *DB) MarkCompleted(ctx context.Context, id int64, token string) error {
	return db.view().MarkCompleted(ctx, id, token)
}

func (s store) MarkCompleted(_ context.Context, id int64, token string) error {
	return s.claimedWrite(id, token, func(t *model.Transfer, now time.Time) {
		t.Status = model.StatusCompleted
		t.FailureReason = ""
		t.ClaimToken = ""
		t.ProcessedAt = &now
	})
}

func (db *DB) MarkFailed(ctx context.Context, id int64, token, reason string) error {
	return db.view().MarkFailed(ctx, id, token, reason)
}

func (s store) MarkFailed(_ context.Context, id int64, token, reason string) error {
	return s.claimedWrite(id, token, func(t *model.Transfer, now time.Time) {
		t.Status = model.StatusFailed
		t.FailureReason = reason
		t.ClaimToken = ""
		t.ProcessedAt = &now
	})
}

// claimedWrite applies w immediately outside a transaction, or validates and
// stages it for commit inside one.
func (s store) claimedWrite(id int64, token string, w func(t *model.Transfer, now time.Time)) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	t, ok := s.db.transfers[id]
	if !ok || t.Status != model.StatusPending || t.ClaimToken != token {
		return staleClaim(id)
	}
	if s.tx == nil {
		w(&t, s.db.now())
		s.db.transfers[id] = t
		return nil
	}
	if _, ok := s.tx.transfers[id]; ok {
		// an earlier staged write already resolved or released the record
		return staleClaim(id)
	}
	s.tx.transfers[id] = stagedTransfer{token: token, apply: w}
	return nil
}

func (db *DB) GetStalePendingTransfers(ctx context.Context, staleBefore time.Time, limit int) ([]*model.Transfer, error) {
	return db.view().GetStalePendingTransfers(ctx, staleBefore, limit)
}

func (s store) GetStalePendingTransfers(_ context.Context, staleBefore time.Time, limit int) ([]*model.Transfer, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	stale := []*model.Transfer{}
	for _, t := range s.db.transfers {
		if t.Status != model.StatusPending {
			continue
		}
		since := t.CreatedAt
		if t.ClaimedAt != nil {
			since = *t.ClaimedAt
		}
		if since.Before(staleBefore) {
			t := t
			stale = append(stale, &t)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (db *DB) BumpRecoveryAttempt(ctx context.Context, id int64) (int, error) {
	return db.view().BumpRecoveryAttempt(ctx, id)
}

func (s store) BumpRecoveryAttempt(_ context.Context, id int64) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.transfers[id]
	if !ok {
		return 0, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transfer %d not found", id), nil)
	}
	t.RecoveryAttempts++
	s.db.transfers[id] = t
	return t.RecoveryAttempts, nil
}

func (db *DB) GetTransfers(ctx context.Context, status model.TransferStatus, limit, offset int) ([]*model.Transfer, error) {
	return db.view().GetTransfers(ctx, status, limit, offset)
}

func (s store) GetTransfers(_ context.Context, status model.TransferStatus, limit, offset int) ([]*model.Transfer, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	matched := []*model.Transfer{}
	for _, t := range s.db.transfers {
		if status != "" && t.Status != status {
			continue
		}
		t := t
		matched = append(matched, &t)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if offset >= len(matched) {
		return []*model.Transfer{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (db *DB) CreateAccount(ctx context.Context, account *model.Account, opening decimal.Decimal) (*model.Account, error) {
	return db.view().CreateAccount(ctx, account, opening)
}

func (s store) CreateAccount(_ context.Context, account *model.Account, opening decimal.Decimal) (*model.Account, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, exists := s.db.accounts[account.AccountID]; exists {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Account '%s' already exists", account.AccountID), nil)
	}
	now := s.db.now()
	account.CreatedAt = now
	balance := model.Balance{AccountID: account.AccountID, Amount: opening, Currency: account.Currency, UpdatedAt: now}
	stored := *account
	stored.Balance = nil
	s.db.accounts[account.AccountID] = stored
	s.db.balances[account.AccountID] = balance
	account.Balance = &balance
	return account, nil
}

func (db *DB) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	return db.view().GetAccountByID(ctx, id)
}

func (s store) GetAccountByID(_ context.Context, id string) (*model.Account, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	account, ok := s.db.accounts[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Account with ID '%s' not found", id), nil)
	}
	balance := s.db.balances[id]
	account.Balance = &balance
	return &account, nil
}

func (db *DB) CountAccounts(ctx context.Context) (int64, error) {
	return db.view().CountAccounts(ctx)
}

func (s store) CountAccounts(_ context.Context) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return int64(len(s.db.accounts)), nil
}

func notFoundBalance(accountID string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Balance for account '%s' not found", accountID), nil)
}

func conflict(accountID string) error {
	return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Optimistic locking failure: balance for account '%s' was updated by another transaction", accountID), nil)
}

func staleClaim(id int64) error {
	return apierror.NewAPIError(apierror.ErrStaleClaim, fmt.Sprintf("Transfer %d is no longer claimed by this attempt", id), nil)
}

var (
	_ database.IDataSource = (*DB)(nil)
	_ database.Store       = store{}
)
