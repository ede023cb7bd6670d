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
	"time"

	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	StatusPending   TransferStatus = "PENDING"
	StatusCompleted TransferStatus = "COMPLETED"
	StatusFailed    TransferStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TransferStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transfer is the transaction log record of one idempotency key.
type Transfer struct {
	ID               int64           `json:"id"`
	IdempotencyKey   string          `json:"idempotency_key"`
	FromAccountID    string          `json:"from_account_id"`
	ToAccountID      string          `json:"to_account_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           TransferStatus  `json:"status"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	Attempts         int             `json:"attempts"`
	RecoveryAttempts int             `json:"recovery_attempts"`
	ClaimToken       string          `json:"-"`
	ClaimedAt        *time.Time      `json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
}

// ClaimExpired reports whether the lease on a pending record is absent or
// older than timeout as seen at now.
func (t *Transfer) ClaimExpired(now time.Time, timeout time.Duration) bool {
	if t.ClaimToken == "" || t.ClaimedAt == nil {
		return true
	}
	return now.Sub(*t.ClaimedAt) >= timeout
}

// Event rebuilds the inbound event the record was created from.
func (t *Transfer) Event() TransferEvent {
	return TransferEvent{
		TransactionID: t.IdempotencyKey,
		FromAccountID: t.FromAccountID,
		ToAccountID:   t.ToAccountID,
		Amount:        t.Amount,
		Currency:      t.Currency,
		Timestamp:     t.CreatedAt,
	}
}

func (t *Transfer) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}
