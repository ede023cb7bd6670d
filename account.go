package remit

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jerry-enebeli/remit/model"
)

// CreateAccount opens an account with its initial balance.
func (r *Remit) CreateAccount(ctx context.Context, account *model.Account, opening decimal.Decimal) (*model.Account, error) {
	account.Currency = strings.ToUpper(strings.TrimSpace(account.Currency))
	err := validation.ValidateStruct(account,
		validation.Field(&account.AccountID, validation.Required),
		validation.Field(&account.Owner, validation.Required),
		validation.Field(&account.Currency, validation.Required, validation.Length(3, 3)),
	)
	if err != nil {
		return nil, err
	}
	if opening.IsNegative() {
		return nil, validation.Errors{"opening_balance": validation.NewError("validation_negative", "must not be negative")}
	}
	return r.datasource.CreateAccount(ctx, account, opening)
}

func (r *Remit) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return r.datasource.GetAccountByID(ctx, id)
}

type seedAccount struct {
	account model.Account
	opening decimal.Decimal
}

var defaultSeed = []seedAccount{
	{account: model.Account{AccountID: "DE123456789", Owner: "Alice", Currency: "EUR"}, opening: decimal.RequireFromString("1000.00")},
	{account: model.Account{AccountID: "FR987654321", Owner: "Bob", Currency: "EUR"}, opening: decimal.RequireFromString("500.00")},
}

// Seed creates the demo accounts when the store has none. It returns how
// many accounts were created.
func (r *Remit) Seed(ctx context.Context) (int, error) {
	count, err := r.datasource.CountAccounts(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logrus.Infof("Skipping seed, %d accounts already exist", count)
		return 0, nil
	}

	for _, s := range defaultSeed {
		account := s.account
		if _, err := r.datasource.CreateAccount(ctx, &account, s.opening); err != nil {
			return 0, err
		}
		logrus.Infof("Seeded account %s (%s) with %s %s", account.AccountID, account.Owner, s.opening.StringFixed(2), account.Currency)
	}
	return len(defaultSeed), nil
}
