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
package model

import (
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/jerry-enebeli/remit/model"
)

// QueueTransfer is the body of POST /transfers.
type QueueTransfer struct {
	TransactionID string          `json:"transaction_id"`
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

type QueuedTransfer struct {
	TransactionID string `json:"transaction_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

type ReconcileRequest struct {
	ThresholdSeconds int `json:"threshold_seconds"`
}

type ReconcileResult struct {
	Processed int    `json:"processed"`
	Threshold string `json:"threshold"`
}

func positiveAmount(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("invalid amount")
	}
	if !amount.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}

func (t *QueueTransfer) ValidateQueueTransfer() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.TransactionID, validation.Required),
		validation.Field(&t.FromAccountID, validation.Required),
		validation.Field(&t.ToAccountID, validation.Required, validation.NotIn(t.FromAccountID).Error("must differ from from_account_id")),
		validation.Field(&t.Amount, validation.By(positiveAmount)),
		validation.Field(&t.Currency, validation.Required, validation.Length(3, 3)),
	)
}

func (t *QueueTransfer) ToTransferEvent() model.TransferEvent {
	return model.TransferEvent{
		TransactionID: t.TransactionID,
		FromAccountID: t.FromAccountID,
		ToAccountID:   t.ToAccountID,
		Amount:        t.Amount,
		Currency:      strings.ToUpper(t.Currency),
		Timestamp:     time.Now().UTC(),
	}
}

func (a *CreateAccount) ValidateCreateAccount() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.AccountID, validation.Required),
		validation.Field(&a.Owner, validation.Required),
		validation.Field(&a.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&a.OpeningBalance, validation.By(func(value interface{}) error {
			if amount, ok := value.(decimal.Decimal); ok && amount.IsNegative() {
				return errors.New("must not be negative")
			}
			return nil
		})),
	)
}

func (r *ReconcileRequest) Threshold() time.Duration {
	return time.Duration(r.ThresholdSeconds) * time.Second
}

// ParseStatus accepts an empty filter or one of the record statuses in any
// case.
func ParseStatus(raw string) (model.TransferStatus, error) {
	if raw == "" {
		return "", nil
	}
	status := model.TransferStatus(strings.ToUpper(raw))
	switch status {
	case model.StatusPending, model.StatusCompleted, model.StatusFailed:
		return status, nil
	}
	return "", errors.New("status must be one of PENDING, COMPLETED, FAILED")
}
