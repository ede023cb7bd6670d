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

package remit

import (
	"errors"
	"fmt"

	"github.com/jerry-enebeli/remit/database"
	"github.com/jerry-enebeli/remit/internal/apierror"
)

// ErrorKind classifies why a transfer attempt did not complete.
type ErrorKind string

const (
	KindAccountNotFound     ErrorKind = "AccountNotFound"
	KindInsufficientFunds   ErrorKind = "InsufficientFunds"
	KindInvalidTransfer     ErrorKind = "InvalidTransfer"
	KindContended           ErrorKind = "Contended"
	KindInfrastructureError ErrorKind = "InfrastructureError"
	KindMalformedEvent      ErrorKind = "MalformedEvent"
)

// TransferError is the only error type ApplyTransfer returns. Retryable is
// what the dispatcher acts on; Kind is carried for logs and dead letters.
type TransferError struct {
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func contended(err error) *TransferError {
	return &TransferError{Kind: KindContended, Retryable: true, Err: err}
}

func infrastructure(err error) *TransferError {
	return &TransferError{Kind: KindInfrastructureError, Retryable: true, Err: err}
}

func malformedEvent(err error) *TransferError {
	return &TransferError{Kind: KindMalformedEvent, Retryable: false, Err: err}
}

// classifyStoreError maps an error coming out of the store to the engine's
// taxonomy. Lost version races, lost claims and transactions Postgres
// aborted as deadlocked or unserializable mean another attempt moved first,
// everything else is the store being unavailable.
func classifyStoreError(err error) *TransferError {
	var te *TransferError
	if errors.As(err, &te) {
		return te
	}
	if apierror.HasCode(err, apierror.ErrConflict) || apierror.HasCode(err, apierror.ErrStaleClaim) || database.IsTransactionConflict(err) {
		return contended(err)
	}
	return infrastructure(err)
}

// IsRetryable reports whether err should be redelivered. Errors that did not
// come from the engine are treated as infrastructure failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

// ErrorClass names err for dead-letter records.
func ErrorClass(err error) string {
	var te *TransferError
	if errors.As(err, &te) {
		return string(te.Kind)
	}
	return string(KindInfrastructureError)
}
