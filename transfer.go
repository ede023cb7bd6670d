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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jerry-enebeli/remit/database"
	"github.com/jerry-enebeli/remit/internal/apierror"
	"github.com/jerry-enebeli/remit/internal/cache"
	"github.com/jerry-enebeli/remit/model"
)

var (
	tracer = otel.Tracer("remit.transfer")
)

// OutcomeStatus is the terminal result of one ApplyTransfer call.
type OutcomeStatus string

const (
	OutcomeCompleted        OutcomeStatus = "COMPLETED"
	OutcomeAlreadyProcessed OutcomeStatus = "ALREADY_PROCESSED"
	OutcomeFailed           OutcomeStatus = "FAILED"
)

// Outcome is returned when a transfer reached, or had already reached, a
// terminal record. Kind and Reason are set for OutcomeFailed.
type Outcome struct {
	Status   OutcomeStatus
	Transfer *model.Transfer
	Kind     ErrorKind
	Reason   string
}

type EngineOptions struct {
	// ClaimTimeout is how long an attempt may hold a PENDING record before
	// another attempt is allowed to take it over.
	ClaimTimeout time.Duration
	// CacheTTL bounds how long terminal records are served from cache.
	CacheTTL time.Duration
}

// TransferEngine applies transfer events to the ledger exactly once per
// idempotency key.
type TransferEngine struct {
	datasource   database.IDataSource
	cache        cache.Cache
	notifier     Notifier
	claimTimeout time.Duration
	cacheTTL     time.Duration
	now          func() time.Time
}

// NewTransferEngine builds an engine. c and notifier may be nil.
func NewTransferEngine(ds database.IDataSource, c cache.Cache, notifier Notifier, opts EngineOptions) *TransferEngine {
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 30 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &TransferEngine{
		datasource:   ds,
		cache:        c,
		notifier:     notifier,
		claimTimeout: opts.ClaimTimeout,
		cacheTTL:     opts.CacheTTL,
		now:          time.Now,
	}
}

func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	logrus.Errorf("%s: %v", msg, err)
	return err
}

func cacheKey(idempotencyKey string) string {
	return "remit:transfer:" + idempotencyKey
}

// ApplyTransfer moves event.Amount from the source to the destination
// account. A nil error always comes with a terminal Outcome; a non-nil error
// is a *TransferError and means no terminal record was written by this call.
func (e *TransferEngine) ApplyTransfer(ctx context.Context, event model.TransferEvent) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "ApplyTransfer")
	defer span.End()
	span.SetAttributes(attribute.String("transfer.idempotency_key", event.TransactionID))

	if strings.TrimSpace(event.TransactionID) == "" {
		return Outcome{}, logAndRecordError(span, "rejecting transfer event", malformedEvent(errors.New("transactionId is required")))
	}

	if record, ok := e.cachedTransfer(ctx, event.TransactionID); ok {
		span.AddEvent("terminal record served from cache")
		return Outcome{Status: OutcomeAlreadyProcessed, Transfer: record}, nil
	}

	record, token, err := e.claim(ctx, event)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	if record.Status.IsTerminal() {
		e.cacheTransfer(ctx, record)
		span.AddEvent("already processed")
		return Outcome{Status: OutcomeAlreadyProcessed, Transfer: record}, nil
	}

	outcome, err := e.apply(ctx, record, token)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	span.SetAttributes(attribute.String("transfer.outcome", string(outcome.Status)))
	e.postTransferActions(ctx, outcome.Transfer)
	return outcome, nil
}

// claim returns the record for event's key together with the claim token
// this attempt holds on it. A terminal record comes back without a token.
func (e *TransferEngine) claim(ctx context.Context, event model.TransferEvent) (*model.Transfer, string, error) {
	ctx, span := tracer.Start(ctx, "ClaimTransfer")
	defer span.End()

	existing, err := e.datasource.FindByIdempotencyKey(ctx, event.TransactionID)
	if err == nil {
		return e.resume(ctx, existing)
	}
	if !apierror.HasCode(err, apierror.ErrNotFound) {
		return nil, "", infrastructure(err)
	}

	token := uuid.NewString()
	created, err := e.datasource.CreatePending(ctx, &model.Transfer{
		IdempotencyKey: event.TransactionID,
		FromAccountID:  event.FromAccountID,
		ToAccountID:    event.ToAccountID,
		Amount:         event.Amount,
		Currency:       event.Currency,
		Status:         model.StatusPending,
		ClaimToken:     token,
	})
	if err == nil {
		return created, token, nil
	}
	if !apierror.HasCode(err, apierror.ErrDuplicateKey) {
		return nil, "", infrastructure(err)
	}

	// lost the insert race, go with whatever the winner wrote
	span.AddEvent("duplicate key on create")
	existing, err = e.datasource.FindByIdempotencyKey(ctx, event.TransactionID)
	if err != nil {
		return nil, "", infrastructure(err)
	}
	return e.resume(ctx, existing)
}

// resume takes over a PENDING record when no live attempt holds it.
func (e *TransferEngine) resume(ctx context.Context, existing *model.Transfer) (*model.Transfer, string, error) {
	if existing.Status.IsTerminal() {
		return existing, "", nil
	}

	token := uuid.NewString()
	claimed, err := e.datasource.ClaimPending(ctx, existing.IdempotencyKey, token, e.now().Add(-e.claimTimeout))
	if err != nil {
		if apierror.HasCode(err, apierror.ErrStaleClaim) {
			return nil, "", contended(fmt.Errorf("transfer %s is being processed by another attempt", existing.IdempotencyKey))
		}
		return nil, "", infrastructure(err)
	}
	logrus.WithFields(logrus.Fields{
		"transaction_id": claimed.IdempotencyKey,
		"attempts":       claimed.Attempts,
	}).Info("resuming pending transfer")
	return claimed, token, nil
}

// validateTransfer checks the rules that hold regardless of balances.
func validateTransfer(record *model.Transfer) (ErrorKind, string) {
	switch {
	case record.FromAccountID == "" || record.ToAccountID == "":
		return KindInvalidTransfer, "Source and target accounts are required"
	case record.FromAccountID == record.ToAccountID:
		return KindInvalidTransfer, fmt.Sprintf("Source and target account must differ: %s", record.FromAccountID)
	case !record.Amount.IsPositive():
		return KindInvalidTransfer, fmt.Sprintf("Transfer amount must be positive: %s", record.Amount.String())
	}
	return "", ""
}

// apply runs the balance mutation for a claimed record. Every exit either
// commits a terminal status or rolls back and releases the claim.
func (e *TransferEngine) apply(ctx context.Context, record *model.Transfer, token string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "ApplyBalances")
	defer span.End()

	if kind, reason := validateTransfer(record); kind != "" {
		outcome, err := e.fail(ctx, e.datasource, record, token, kind, reason)
		if err != nil {
			return Outcome{}, e.release(ctx, record, token, err)
		}
		return outcome, nil
	}

	var outcome Outcome
	err := e.datasource.WithTx(ctx, func(tx database.Store) error {
		source, err := tx.GetBalance(ctx, record.FromAccountID)
		if err != nil {
			if apierror.HasCode(err, apierror.ErrNotFound) {
				outcome, err = e.fail(ctx, tx, record, token, KindAccountNotFound, fmt.Sprintf("Source account not found: %s", record.FromAccountID))
			}
			return err
		}
		target, err := tx.GetBalance(ctx, record.ToAccountID)
		if err != nil {
			if apierror.HasCode(err, apierror.ErrNotFound) {
				outcome, err = e.fail(ctx, tx, record, token, KindAccountNotFound, fmt.Sprintf("Target account not found: %s", record.ToAccountID))
			}
			return err
		}

		if source.Currency != record.Currency || target.Currency != record.Currency {
			reason := fmt.Sprintf("Currency mismatch: transfer in %s between %s (%s) and %s (%s)",
				record.Currency, source.AccountID, source.Currency, target.AccountID, target.Currency)
			outcome, err = e.fail(ctx, tx, record, token, KindInvalidTransfer, reason)
			return err
		}
		if !source.CanDebit(record.Amount) {
			outcome, err = e.fail(ctx, tx, record, token, KindInsufficientFunds, fmt.Sprintf("Insufficient funds in account: %s", record.FromAccountID))
			return err
		}

		if err := tx.UpdateBalance(ctx, source.AccountID, source.Amount.Sub(record.Amount), source.Version); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, target.AccountID, target.Amount.Add(record.Amount), target.Version); err != nil {
			return err
		}
		if err := tx.MarkCompleted(ctx, record.ID, token); err != nil {
			return err
		}
		outcome = Outcome{Status: OutcomeCompleted, Transfer: e.resolved(record, model.StatusCompleted, "")}
		return nil
	})
	if err != nil {
		return Outcome{}, e.release(ctx, record, token, err)
	}
	return outcome, nil
}

// fail records a business-rule failure through s, which is either the
// datasource or the open transaction.
func (e *TransferEngine) fail(ctx context.Context, s database.Store, record *model.Transfer, token string, kind ErrorKind, reason string) (Outcome, error) {
	if err := s.MarkFailed(ctx, record.ID, token, reason); err != nil {
		return Outcome{}, err
	}
	logrus.WithFields(logrus.Fields{
		"transaction_id": record.IdempotencyKey,
		"kind":           kind,
	}).Warnf("transfer failed: %s", reason)
	return Outcome{Status: OutcomeFailed, Transfer: e.resolved(record, model.StatusFailed, reason), Kind: kind, Reason: reason}, nil
}

// release drops the claim after a rolled back attempt so the next delivery
// can take the record without waiting for the claim timeout.
func (e *TransferEngine) release(ctx context.Context, record *model.Transfer, token string, cause error) error {
	classified := classifyStoreError(cause)
	ctx = context.WithoutCancel(ctx)
	if err := e.datasource.ReleasePending(ctx, record.ID, token, string(classified.Kind)); err != nil && !apierror.HasCode(err, apierror.ErrStaleClaim) {
		logrus.Errorf("failed to release claim on transfer %s: %v", record.IdempotencyKey, err)
	}
	logrus.WithFields(logrus.Fields{
		"transaction_id": record.IdempotencyKey,
		"kind":           classified.Kind,
	}).Warnf("transfer attempt rolled back: %v", cause)
	return classified
}

func (e *TransferEngine) resolved(record *model.Transfer, status model.TransferStatus, reason string) *model.Transfer {
	resolved := *record
	now := e.now()
	resolved.Status = status
	resolved.FailureReason = reason
	resolved.ClaimToken = ""
	resolved.ClaimedAt = nil
	resolved.ProcessedAt = &now
	return &resolved
}

// Abandon fails a record that the dispatcher gave up on. A record that is
// terminal or still claimed by a live attempt is left alone.
func (e *TransferEngine) Abandon(ctx context.Context, event model.TransferEvent, cause error) error {
	reason := "retry budget exhausted"
	if cause != nil {
		reason = fmt.Sprintf("retry budget exhausted: %v", cause)
	}
	return e.FailPending(ctx, event.TransactionID, reason)
}

// FailPending claims the PENDING record for key and marks it FAILED.
func (e *TransferEngine) FailPending(ctx context.Context, key, reason string) error {
	ctx, span := tracer.Start(ctx, "FailPending")
	defer span.End()

	existing, err := e.datasource.FindByIdempotencyKey(ctx, key)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return nil
		}
		return logAndRecordError(span, "failed to load transfer", err)
	}
	if existing.Status.IsTerminal() {
		return nil
	}

	token := uuid.NewString()
	claimed, err := e.datasource.ClaimPending(ctx, key, token, e.now().Add(-e.claimTimeout))
	if err != nil {
		if apierror.HasCode(err, apierror.ErrStaleClaim) {
			logrus.Warnf("transfer %s is claimed by a live attempt, not failing it", key)
			return nil
		}
		return logAndRecordError(span, "failed to claim transfer", err)
	}

	outcome, err := e.fail(ctx, e.datasource, claimed, token, KindContended, reason)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrStaleClaim) {
			return nil
		}
		return logAndRecordError(span, "failed to mark transfer failed", err)
	}
	e.postTransferActions(ctx, outcome.Transfer)
	return nil
}

// GetTransfer reads the record for key, terminal records from cache first.
func (e *TransferEngine) GetTransfer(ctx context.Context, key string) (*model.Transfer, error) {
	if record, ok := e.cachedTransfer(ctx, key); ok {
		return record, nil
	}
	record, err := e.datasource.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if record.Status.IsTerminal() {
		e.cacheTransfer(ctx, record)
	}
	return record, nil
}

func (e *TransferEngine) cachedTransfer(ctx context.Context, key string) (*model.Transfer, bool) {
	if e.cache == nil {
		return nil, false
	}
	var raw []byte
	if err := e.cache.Get(ctx, cacheKey(key), &raw); err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logrus.Warnf("transfer cache read failed for %s: %v", key, err)
		}
		return nil, false
	}
	var record model.Transfer
	if err := json.Unmarshal(raw, &record); err != nil || !record.Status.IsTerminal() {
		return nil, false
	}
	return &record, true
}

// cacheTransfer stores terminal records only; they never change again.
func (e *TransferEngine) cacheTransfer(ctx context.Context, record *model.Transfer) {
	if e.cache == nil || record == nil || !record.Status.IsTerminal() {
		return
	}
	raw, err := record.ToJSON()
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, cacheKey(record.IdempotencyKey), raw, e.cacheTTL); err != nil {
		logrus.Warnf("transfer cache write failed for %s: %v", record.IdempotencyKey, err)
	}
}

func (e *TransferEngine) postTransferActions(ctx context.Context, record *model.Transfer) {
	e.cacheTransfer(ctx, record)
	if e.notifier == nil || record == nil {
		return
	}
	err := e.notifier.SendWebhook(ctx, NewWebhook{
		Event:   getEventFromStatus(record.Status),
		Payload: record,
	})
	if err != nil {
		logrus.Errorf("failed to send webhook for transfer %s: %v", record.IdempotencyKey, err)
	}
}
