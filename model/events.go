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
	"encoding/json"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// TransferEvent is the payload carried on the transfer topic. TransactionID
// doubles as the idempotency key.
type TransferEvent struct {
	TransactionID string          `json:"transactionId"`
	FromAccountID string          `json:"fromAccountId"`
	ToAccountID   string          `json:"toAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DeadLetterEvent is the quarantined form of an event whose processing could
// not reach a terminal outcome.
type DeadLetterEvent struct {
	TransferEvent
	ErrorClass   string `json:"errorClass"`
	ErrorMessage string `json:"errorMessage"`
}

func positiveAmount(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("must be a decimal amount")
	}
	if !amount.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}

// Validate checks the shape of an event before it is published. The engine
// records business violations itself, so consumers do not call this.
func (e TransferEvent) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.TransactionID, validation.Required),
		validation.Field(&e.FromAccountID, validation.Required),
		validation.Field(&e.ToAccountID, validation.Required, validation.NotIn(e.FromAccountID).Error("must differ from fromAccountId")),
		validation.Field(&e.Amount, validation.By(positiveAmount)),
		validation.Field(&e.Currency, validation.Required, validation.Length(3, 3)),
	)
}

func (e TransferEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeTransferEvent parses a broker payload.
func DecodeTransferEvent(payload []byte) (TransferEvent, error) {
	var event TransferEvent
	err := json.Unmarshal(payload, &event)
	return event, err
}
