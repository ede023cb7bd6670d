package database

import (
	"context"
	"time"

	"github.com/jerry-enebeli/remit/model"
	"github.com/shopspring/decimal"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error // Runs fn in one scoped transaction
	Ping(ctx context.Context) error
}

// Store is the set of operations available both inside and outside WithTx.
type Store interface {
	ledger
	transferLog
	account
}

// ledger is the balance compare-and-swap store.
type ledger interface {
	GetBalance(ctx context.Context, accountID string) (*model.Balance, error)                                    // NOT_FOUND when the account has no balance
	UpdateBalance(ctx context.Context, accountID string, amount decimal.Decimal, expectedVersion int64) error // CONFLICT when the version moved
}

// transferLog persists one record per idempotency key.
type transferLog interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*model.Transfer, error)
	CreatePending(ctx context.Context, transfer *model.Transfer) (*model.Transfer, error)                   // DUPLICATE_KEY when the key exists
	ClaimPending(ctx context.Context, key, token string, staleBefore time.Time) (*model.Transfer, error)    // STALE_CLAIM when another attempt holds a live claim
	ReleasePending(ctx context.Context, id int64, token, reason string) error                               // Drops the claim, record stays PENDING
	MarkCompleted(ctx context.Context, id int64, token string) error                                        // STALE_CLAIM unless PENDING and claimed by token
	MarkFailed(ctx context.Context, id int64, token, reason string) error                                   // STALE_CLAIM unless PENDING and claimed by token
	GetStalePendingTransfers(ctx context.Context, staleBefore time.Time, limit int) ([]*model.Transfer, error) // Pending records with no live claim
	BumpRecoveryAttempt(ctx context.Context, id int64) (int, error)                                         // Returns the new recovery attempt count
	GetTransfers(ctx context.Context, status model.TransferStatus, limit, offset int) ([]*model.Transfer, error)
}

// account defines methods for handling accounts.
type account interface {
	CreateAccount(ctx context.Context, account *model.Account, opening decimal.Decimal) (*model.Account, error)
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)
	CountAccounts(ctx context.Context) (int64, error)
}
