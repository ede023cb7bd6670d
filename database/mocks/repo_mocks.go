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
package mocks

import (
	"context"
	"time"

	"github.com/jerry-enebeli/remit/database"
	"github.com/jerry-enebeli/remit/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// WithTx records the call and then runs fn against the mock itself, so the
// expectations set for the inner calls apply unchanged.
func (m *MockDataSource) WithTx(ctx context.Context, fn func(database.Store) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m)
}

func (m *MockDataSource) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Ledger methods

func (m *MockDataSource) GetBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	args := m.Called(ctx, accountID)
	balance, _ := args.Get(0).(*model.Balance)
	return balance, args.Error(1)
}

func (m *MockDataSource) UpdateBalance(ctx context.Context, accountID string, amount decimal.Decimal, expectedVersion int64) error {
	args := m.Called(ctx, accountID, amount, expectedVersion)
	return args.Error(0)
}

// Transfer log methods

func (m *MockDataSource) FindByIdempotencyKey(ctx context.Context, key string) (*model.Transfer, error) {
	args := m.Called(ctx, key)
	transfer, _ := args.Get(0).(*model.Transfer)
	return transfer, args.Error(1)
}

func (m *MockDataSource) CreatePending(ctx context.Context, transfer *model.Transfer) (*model.Transfer, error) {
	args := m.Called(ctx, transfer)
	created, _ := args.Get(0).(*model.Transfer)
	return created, args.Error(1)
}

func (m *MockDataSource) ClaimPending(ctx context.Context, key, token string, staleBefore time.Time) (*model.Transfer, error) {
	args := m.Called(ctx, key, token, staleBefore)
	claimed, _ := args.Get(0).(*model.Transfer)
	return claimed, args.Error(1)
}

func (m *MockDataSource) ReleasePending(ctx context.Context, id int64, token, reason string) error {
	args := m.Called(ctx, id, token, reason)
	return args.Error(0)
}

func (m *MockDataSource) MarkCompleted(ctx context.Context, id int64, token string) error {
	args := m.Called(ctx, id, token)
	return args.Error(0)
}

func (m *MockDataSource) MarkFailed(ctx context.Context, id int64, token, reason string) error {
	args := m.Called(ctx, id, token, reason)
	return args.Error(0)
}

func (m *MockDataSource) GetStalePendingTransfers(ctx context.Context, staleBefore time.Time, limit int) ([]*model.Transfer, error) {
	args := m.Called(ctx, staleBefore, limit)
	transfers, _ := args.Get(0).([]*model.Transfer)
	return transfers, args.Error(1)
}

func (m *MockDataSource) BumpRecoveryAttempt(ctx context.Context, id int64) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockDataSource) GetTransfers(ctx context.Context, status model.TransferStatus, limit, offset int) ([]*model.Transfer, error) {
	args := m.Called(ctx, status, limit, offset)
	transfers, _ := args.Get(0).([]*model.Transfer)
	return transfers, args.Error(1)
}

// Account methods

func (m *MockDataSource) CreateAccount(ctx context.Context, account *model.Account, opening decimal.Decimal) (*model.Account, error) {
	args := m.Called(ctx, account, opening)
	created, _ := args.Get(0).(*model.Account)
	return created, args.Error(1)
}

func (m *MockDataSource) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	args := m.Called(ctx, id)
	account, _ := args.Get(0).(*model.Account)
	return account, args.Error(1)
}

func (m *MockDataSource) CountAccounts(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

var _ database.IDataSource = (*MockDataSource)(nil)
