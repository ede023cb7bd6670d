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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jerry-enebeli/remit/database/memdb"
	"github.com/jerry-enebeli/remit/database/mocks"
	"github.com/jerry-enebeli/remit/internal/apierror"
	"github.com/jerry-enebeli/remit/internal/cache"
	"github.com/jerry-enebeli/remit/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newMemEngine(t *testing.T, accounts map[string]string) (*TransferEngine, *memdb.DB) {
	t.Helper()
	db := memdb.New()
	for id, opening := range accounts {
		_, err := db.CreateAccount(context.Background(), &model.Account{AccountID: id, Owner: gofakeit.Name(), Currency: "EUR"}, dec(opening))
		require.NoError(t, err)
	}
	return NewTransferEngine(db, nil, nil, EngineOptions{}), db
}

func transferEvent(key, from, to, amount string) model.TransferEvent {
	return model.TransferEvent{
		TransactionID: key,
		FromAccountID: from,
		ToAccountID:   to,
		Amount:        dec(amount),
		Currency:      "EUR",
		Timestamp:     time.Now(),
	}
}

func balanceOf(t *testing.T, db *memdb.DB, id string) decimal.Decimal {
	t.Helper()
	b, err := db.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b.Amount
}

// applyUntilTerminal retries retryable errors the way the dispatcher would,
// without the waits.
func applyUntilTerminal(t *testing.T, e *TransferEngine, event model.TransferEvent) Outcome {
	t.Helper()
	for i := 0; i < 10000; i++ {
		outcome, err := e.ApplyTransfer(context.Background(), event)
		if err == nil {
			return outcome
		}
		if !IsRetryable(err) {
			t.Errorf("unexpected non-retryable error: %v", err)
			return Outcome{}
		}
		time.Sleep(time.Millisecond)
	}
	t.Errorf("transfer %s never reached a terminal outcome", event.TransactionID)
	return Outcome{}
}

func TestApplyTransfer_WorkedExample(t *testing.T) {
	ctx := context.Background()
	engine, db := newMemEngine(t, map[string]string{"ACC1": "1000.00", "ACC2": "500.00"})

	outcome, err := engine.ApplyTransfer(ctx, transferEvent("tx-1", "ACC1", "ACC2", "100.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Status)
	assert.True(t, dec("900.00").Equal(balanceOf(t, db, "ACC1")))
	assert.True(t, dec("600.00").Equal(balanceOf(t, db, "ACC2")))

	record, err := db.FindByIdempotencyKey(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, record.Status)
	assert.NotNil(t, record.ProcessedAt)

	outcome, err = engine.ApplyTransfer(ctx, transferEvent("tx-1", "ACC1", "ACC2", "100.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome.Status)
	assert.True(t, dec("900.00").Equal(balanceOf(t, db, "ACC1")))

	outcome, err = engine.ApplyTransfer(ctx, transferEvent("tx-2", "ACC1", "ACC2", "2000.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, KindInsufficientFunds, outcome.Kind)
	assert.Equal(t, "Insufficient funds in account: ACC1", outcome.Reason)
	assert.True(t, dec("900.00").Equal(balanceOf(t, db, "ACC1")))
	assert.True(t, dec("600.00").Equal(balanceOf(t, db, "ACC2")))

	record, err = db.FindByIdempotencyKey(ctx, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, record.Status)
	assert.Contains(t, record.FailureReason, "Insufficient funds")
}

func TestApplyTransfer_RepeatedSubmissionsMutateOnce(t *testing.T) {
	engine, db := newMemEngine(t, map[string]string{"ACC1": "1000.00", "ACC2": "500.00"})
	event := transferEvent(gofakeit.UUID(), "ACC1", "ACC2", "25.50")

	counts := map[OutcomeStatus]int{}
	for i := 0; i < 5; i++ {
		outcome, err := engine.ApplyTransfer(context.Background(), event)
		require.NoError(t, err)
		counts[outcome.Status]++
	}

	assert.Equal(t, 1, counts[OutcomeCompleted])
	assert.Equal(t, 4, counts[OutcomeAlreadyProcessed])
	assert.True(t, dec("974.50").Equal(balanceOf(t, db, "ACC1")))
	assert.True(t, dec("525.50").Equal(balanceOf(t, db, "ACC2")))
}

func TestApplyTransfer_ConcurrentDeliveriesOfOneKey(t *testing.T) {
	engine, db := newMemEngine(t, map[string]string{"ACC1": "1000.00", "ACC2": "500.00"})
	event := transferEvent("tx-dup", "ACC1", "ACC2", "100.00")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []OutcomeStatus
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := applyUntilTerminal(t, engine, event)
			mu.Lock()
			outcomes = append(outcomes, outcome.Status)
			mu.Unlock()
		}()
	}
	wg.Wait()

	completed := 0
	for _, status := range outcomes {
		if status == OutcomeCompleted {
			completed++
		} else {
			assert.Equal(t, OutcomeAlreadyProcessed, status)
		}
	}
	assert.Equal(t, 1, completed)
	assert.True(t, dec("900.00").Equal(balanceOf(t, db, "ACC1")))
	assert.True(t, dec("600.00").Equal(balanceOf(t, db, "ACC2")))
}

func TestApplyTransfer_ConcurrentContentionConservesMoney(t *testing.T) {
	engine, db := newMemEngine(t, map[string]string{"ACC1": "1000.00", "ACC2": "1000.00", "ACC3": "1000.00"})
	total := db.TotalBalance()

	pairs := [][2]string{{"ACC1", "ACC2"}, {"ACC2", "ACC3"}, {"ACC3", "ACC1"}, {"ACC1", "ACC3"}}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		pair := pairs[i%len(pairs)]
		event := transferEvent(fmt.Sprintf("tx-%d", i), pair[0], pair[1], "10.00")
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := applyUntilTerminal(t, engine, event)
			assert.Equal(t, OutcomeCompleted, outcome.Status)
		}()
	}
	wg.Wait()

	assert.True(t, total.Equal(db.TotalBalance()), "expected %s got %s", total, db.TotalBalance())
	// ACC1 sends 20 transfers and receives 10, ACC3 receives 20 and sends 10
	assert.True(t, dec("900.00").Equal(balanceOf(t, db, "ACC1")))
	assert.True(t, dec("1000.00").Equal(balanceOf(t, db, "ACC2")))
	assert.True(t, dec("1100.00").Equal(balanceOf(t, db, "ACC3")))
}

func TestApplyTransfer_AccountNotFound(t *testing.T) {
	ctx := context.Background()
	engine, db := newMemEngine(t, map[string]string{"ACC1": "1000.00"})

	outcome, err := engine.ApplyTransfer(ctx, transferEvent("tx-src", "MISSING", "ACC1", "10.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, KindAccountNotFound, outcome.Kind)
	assert.Equal(t, "Source account not found: MISSING", outcome.Reason)

	outcome, err = engine.ApplyTransfer(ctx, transferEvent("tx-dst", "ACC1", "MISSING", "10.00"))
	require.NoError(t, err)
	assert.Equal(t, "Target account not found: MISSING", outcome.Reason)
	assert.True(t, dec("1000.00").Equal(balanceOf(t, db, "ACC1")))

	record, err := db.FindByIdempotencyKey(ctx, "tx-dst")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, record.Status)
}

func TestApplyTransfer_InvalidTransfers(t *testing.T) {
	ctx := context.Background()
	engine, db := newMemEngine(t, map[string]string{"ACC1": "1000.00", "ACC2": "500.00"})
	_, err := db.CreateAccount(ctx, &model.Account{AccountID: "USD1", Owner: "Carol", Currency: "USD"}, dec("100.00"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		event  model.TransferEvent
		reason string
	}{
		{"same account", transferEvent("tx-same", "ACC1", "ACC1", "10.00"), "Source and target account must differ: ACC1"},
		{"zero amount", transferEvent("tx-zero", "ACC1", "ACC2", "0"), "Transfer amount must be positive: 0"},
		{"negative amount", transferEvent("tx-neg", "ACC1", "ACC2", "-5.00"), "Transfer amount must be positive: -5"},
		{"currency mismatch", transferEvent("tx-usd", "ACC1", "USD1", "5.00"), "Currency mismatch: transfer in EUR between ACC1 (EUR) and USD1 (USD)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := engine.ApplyTransfer(ctx, tt.event)
			require.NoError(t, err)
			assert.Equal(t, OutcomeFailed, outcome.Status)
			assert.Equal(t, KindInvalidTransfer, outcome.Kind)
			assert.Equal(t, tt.reason, outcome.Reason)
		})
	}
	assert.True(t, dec("1000.00").Equal(balanceOf(t, db, "ACC1")))
	assert.True(t, dec("500.00").Equal(balanceOf(t, db, "ACC2")))
}

func TestApplyTransfer_MissingKeyIsMalformed(t *testing.T) {
	engine, _ := newMemEngine(t, nil)

	_, err := engine.ApplyTransfer(context.Background(), transferEvent("", "ACC1", "ACC2", "1.00"))
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, "MalformedEvent", ErrorClass(err))
}

func TestApplyTransfer_ResumesCrashRemnant(t *testing.T) {
	ctx := context.Background()
	engine, db := newMemEngine(t, map[string]string{"ACC1": "1000.00", "ACC2": "500.00"})

	crashedAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return crashedAt })
	_, err := db.CreatePending(ctx, &model.Transfer{
		IdempotencyKey: "tx-crash", FromAccountID: "ACC1", ToAccountID: "ACC2",
		Amount: dec("50.00"), Currency: "EUR", ClaimToken: "dead-worker",
	})
	require.NoError(t, err)

	// the crashed claim is still live
	engine.now = func() time.Time { return crashedAt.Add(5 * time.Second) }
	_, err = engine.ApplyTransfer(ctx, transferEvent("tx-crash", "ACC1", "ACC2", "50.00"))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "Contended", ErrorClass(err))

	engine.now = func() time.Time { return crashedAt.Add(time.Minute) }
	outcome, err := engine.ApplyTransfer(ctx, transferEvent("tx-crash", "ACC1", "ACC2", "50.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Status)
	assert.True(t, dec("950.00").Equal(balanceOf(t, db, "ACC1")))

	record, err := db.FindByIdempotencyKey(ctx, "tx-crash")
	require.NoError(t, err)
	assert.Equal(t, 2, record.Attempts)
}

func TestApplyTransfer_VersionConflictRollsBackAndReleases(t *testing.T) {
	ds := new(mocks.MockDataSource)
	engine := NewTransferEngine(ds, nil, nil, EngineOptions{})
	event := transferEvent("tx-9", "ACC1", "ACC2", "10.00")
	pending := &model.Transfer{ID: 7, IdempotencyKey: "tx-9", FromAccountID: "ACC1", ToAccountID: "ACC2", Amount: dec("10.00"), Currency: "EUR", Status: model.StatusPending}

	ds.On("FindByIdempotencyKey", mock.Anything, "tx-9").Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", nil)).Once()
	ds.On("CreatePending", mock.Anything, mock.MatchedBy(func(t *model.Transfer) bool {
		return t.IdempotencyKey == "tx-9" && t.ClaimToken != ""
	})).Return(pending, nil)
	ds.On("WithTx", mock.Anything).Return(nil)
	ds.On("GetBalance", mock.Anything, "ACC1").Return(&model.Balance{AccountID: "ACC1", Amount: dec("100.00"), Currency: "EUR", Version: 3}, nil)
	ds.On("GetBalance", mock.Anything, "ACC2").Return(&model.Balance{AccountID: "ACC2", Amount: dec("5.00"), Currency: "EUR", Version: 1}, nil)
	ds.On("UpdateBalance", mock.Anything, "ACC1", mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(dec("90.00")) }), int64(3)).Return(apierror.NewAPIError(apierror.ErrConflict, "version moved", nil))
	ds.On("ReleasePending", mock.Anything, int64(7), mock.AnythingOfType("string"), "Contended").Return(nil)

	_, err := engine.ApplyTransfer(context.Background(), event)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "Contended", ErrorClass(err))

	ds.AssertExpectations(t)
	ds.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyTransfer_DuplicateKeyOnCreateRereads(t *testing.T) {
	ds := new(mocks.MockDataSource)
	engine := NewTransferEngine(ds, nil, nil, EngineOptions{})
	completed := &model.Transfer{ID: 3, IdempotencyKey: "tx-race", Status: model.StatusCompleted}

	ds.On("FindByIdempotencyKey", mock.Anything, "tx-race").Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", nil)).Once()
	ds.On("CreatePending", mock.Anything, mock.Anything).Return(nil, apierror.NewAPIError(apierror.ErrDuplicateKey, "exists", nil))
	ds.On("FindByIdempotencyKey", mock.Anything, "tx-race").Return(completed, nil).Once()

	outcome, err := engine.ApplyTransfer(context.Background(), transferEvent("tx-race", "ACC1", "ACC2", "1.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome.Status)
	assert.Equal(t, completed, outcome.Transfer)
	ds.AssertExpectations(t)
}

func TestApplyTransfer_StoreUnavailableIsRetryable(t *testing.T) {
	ds := new(mocks.MockDataSource)
	engine := NewTransferEngine(ds, nil, nil, EngineOptions{})

	ds.On("FindByIdempotencyKey", mock.Anything, "tx-down").Return(nil, apierror.NewAPIError(apierror.ErrInternalServer, "boom", errors.New("connection refused")))

	_, err := engine.ApplyTransfer(context.Background(), transferEvent("tx-down", "ACC1", "ACC2", "1.00"))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "InfrastructureError", ErrorClass(err))
}

func TestApplyTransfer_TerminalRecordsAreServedFromCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := cache.New(client)

	_, db := newMemEngine(t, map[string]string{"ACC1": "1000.00", "ACC2": "500.00"})
	engine := NewTransferEngine(db, c, nil, EngineOptions{CacheTTL: time.Minute})
	_, err := engine.ApplyTransfer(ctx, transferEvent("tx-cache", "ACC1", "ACC2", "1.00"))
	require.NoError(t, err)

	// a store that knows nothing proves the second call never reaches it
	ds := new(mocks.MockDataSource)
	cached := NewTransferEngine(ds, c, nil, EngineOptions{})
	outcome, err := cached.ApplyTransfer(ctx, transferEvent("tx-cache", "ACC1", "ACC2", "1.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome.Status)
	assert.Equal(t, model.StatusCompleted, outcome.Transfer.Status)
	ds.AssertNotCalled(t, "FindByIdempotencyKey", mock.Anything, mock.Anything)

	record, err := cached.GetTransfer(ctx, "tx-cache")
	require.NoError(t, err)
	assert.True(t, dec("1.00").Equal(record.Amount))
}

type recordingNotifier struct {
	mu       sync.Mutex
	webhooks []NewWebhook
}

func (n *recordingNotifier) SendWebhook(_ context.Context, w NewWebhook) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.webhooks = append(n.webhooks, w)
	return nil
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var events []string
	for _, w := range n.webhooks {
		events = append(events, w.Event)
	}
	return events
}

func TestApplyTransfer_SendsWebhooks(t *testing.T) {
	ctx := context.Background()
	_, db := newMemEngine(t, map[string]string{"ACC1": "10.00", "ACC2": "0.00"})
	notifier := &recordingNotifier{}
	engine := NewTransferEngine(db, nil, notifier, EngineOptions{})

	_, err := engine.ApplyTransfer(ctx, transferEvent("tx-a", "ACC1", "ACC2", "5.00"))
	require.NoError(t, err)
	_, err = engine.ApplyTransfer(ctx, transferEvent("tx-b", "ACC1", "ACC2", "50.00"))
	require.NoError(t, err)
	_, err = engine.ApplyTransfer(ctx, transferEvent("tx-a", "ACC1", "ACC2", "5.00"))
	require.NoError(t, err)

	assert.Equal(t, []string{EventTransferCompleted, EventTransferFailed}, notifier.events())
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	engine, db := newMemEngine(t, map[string]string{"ACC1": "1000.00", "ACC2": "500.00"})

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return start })
	_, err := db.CreatePending(ctx, &model.Transfer{
		IdempotencyKey: "tx-live", FromAccountID: "ACC1", ToAccountID: "ACC2", Amount: dec("1.00"), Currency: "EUR", ClaimToken: "worker-a",
	})
	require.NoError(t, err)
	stale, err := db.CreatePending(ctx, &model.Transfer{
		IdempotencyKey: "tx-stale", FromAccountID: "ACC1", ToAccountID: "ACC2", Amount: dec("1.00"), Currency: "EUR", ClaimToken: "worker-b",
	})
	require.NoError(t, err)
	require.NoError(t, db.ReleasePending(ctx, stale.ID, "worker-b", "Contended"))

	engine.now = func() time.Time { return start.Add(time.Second) }
	cause := contended(errors.New("busy"))

	require.NoError(t, engine.Abandon(ctx, transferEvent("tx-live", "ACC1", "ACC2", "1.00"), cause))
	live, err := db.FindByIdempotencyKey(ctx, "tx-live")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, live.Status)

	require.NoError(t, engine.Abandon(ctx, transferEvent("tx-stale", "ACC1", "ACC2", "1.00"), cause))
	failed, err := db.FindByIdempotencyKey(ctx, "tx-stale")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Equal(t, "retry budget exhausted: Contended: busy", failed.FailureReason)

	// unknown and terminal keys are no-ops
	assert.NoError(t, engine.Abandon(ctx, transferEvent("tx-unknown", "ACC1", "ACC2", "1.00"), cause))
	assert.NoError(t, engine.Abandon(ctx, transferEvent("tx-stale", "ACC1", "ACC2", "1.00"), cause))
	assert.True(t, dec("1000.00").Equal(balanceOf(t, db, "ACC1")))
}
