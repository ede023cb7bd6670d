package model

import (
	"github.com/shopspring/decimal"

	"github.com/jerry-enebeli/remit/model"
)

type CreateAccount struct {
	AccountID      string          `json:"account_id"`
	Owner          string          `json:"owner"`
	Currency       string          `json:"currency"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

func (a *CreateAccount) ToAccount() *model.Account {
	return &model.Account{
		AccountID: a.AccountID,
		Owner:     a.Owner,
		Currency:  a.Currency,
	}
}
