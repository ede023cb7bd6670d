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
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jerry-enebeli/remit/config"
	"github.com/jerry-enebeli/remit/database"
	redlock "github.com/jerry-enebeli/remit/internal/lock"
	"github.com/jerry-enebeli/remit/model"
)

const (
	reconcilerLockKey = "remit:reconciler:lock"
	// MinReconcileThreshold keeps a manual run from touching records that a
	// live attempt may still be working on.
	MinReconcileThreshold = 2 * time.Minute
)

// Recoverer is the part of the engine the reconciler replays records through.
type Recoverer interface {
	ApplyTransfer(ctx context.Context, event model.TransferEvent) (Outcome, error)
	FailPending(ctx context.Context, key, reason string) error
}

// Reconciler resolves PENDING records left behind by attempts that crashed
// or gave up, by replaying them through the engine. Only one instance sweeps
// at a time across processes.
type Reconciler struct {
	engine              Recoverer
	datasource          database.IDataSource
	redis               redis.UniversalClient
	batchSize           int
	maxWorkers          int
	pollInterval        time.Duration
	stuckThreshold      time.Duration
	maxRecoveryAttempts int
	now                 func() time.Time
	stopCh              chan struct{}
	wg                  sync.WaitGroup
	running             bool
	mu                  sync.Mutex
}

func NewReconciler(engine Recoverer, ds database.IDataSource, redisClient redis.UniversalClient, cfg config.ReconcilerConfig) *Reconciler {
	return &Reconciler{
		engine:              engine,
		datasource:          ds,
		redis:               redisClient,
		batchSize:           cfg.BatchSize,
		maxWorkers:          cfg.MaxWorkers,
		pollInterval:        cfg.PollInterval(),
		stuckThreshold:      cfg.StuckThreshold(),
		maxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		now:                 time.Now,
		stopCh:              make(chan struct{}),
	}
}

func (p *Reconciler) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Pending transfer reconciler started")
}

func (p *Reconciler) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Pending transfer reconciler stopped")
}

func (p *Reconciler) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Pending transfer reconciler context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Pending transfer reconciler stop signal received")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep runs one scheduled pass unless another process holds the lock.
func (p *Reconciler) sweep(ctx context.Context) {
	locker := redlock.NewLocker(p.redis, reconcilerLockKey, model.GenerateUUIDWithSuffix("rec"))
	if err := locker.Lock(ctx, p.lockTTL()); err != nil {
		if !errors.Is(err, redlock.ErrLockHeld) {
			logrus.Errorf("failed to acquire reconciler lock: %v", err)
		}
		return
	}
	defer p.unlock(locker)

	p.recoverWithThreshold(ctx, p.stuckThreshold, locker)
}

// Reconcile runs one pass now, waiting for a concurrent pass to finish
// first. threshold is raised to MinReconcileThreshold when lower.
func (p *Reconciler) Reconcile(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < MinReconcileThreshold {
		threshold = MinReconcileThreshold
	}
	locker := redlock.NewLocker(p.redis, reconcilerLockKey, model.GenerateUUIDWithSuffix("rec"))
	if err := locker.WaitLock(ctx, p.lockTTL(), 30*time.Second); err != nil {
		return 0, err
	}
	defer p.unlock(locker)

	return p.recoverWithThreshold(ctx, threshold, locker), nil
}

func (p *Reconciler) lockTTL() time.Duration {
	ttl := 2 * p.pollInterval
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func (p *Reconciler) unlock(locker *redlock.Locker) {
	if err := locker.Unlock(context.Background()); err != nil {
		logrus.Warnf("failed to release reconciler lock: %v", err)
	}
}

func (p *Reconciler) recoverWithThreshold(ctx context.Context, threshold time.Duration, locker *redlock.Locker) int {
	stuck, err := p.datasource.GetStalePendingTransfers(ctx, p.now().Add(-threshold), p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get stale pending transfers: %v", err)
		return 0
	}

	if len(stuck) == 0 {
		return 0
	}

	logrus.Infof("Processing %d stale pending transfers with %d workers (threshold=%v)", len(stuck), p.maxWorkers, threshold)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup

	for _, transfer := range stuck {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(t *model.Transfer) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := p.processStuckTransfer(ctx, t); err != nil {
				logrus.Errorf("failed to recover transfer %s: %v", t.IdempotencyKey, err)
			}
		}(transfer)
	}

	batchWg.Wait()
	if err := locker.ExtendLock(ctx, p.lockTTL()); err != nil {
		logrus.Warnf("failed to extend reconciler lock: %v", err)
	}
	return len(stuck)
}

func (p *Reconciler) processStuckTransfer(ctx context.Context, stuck *model.Transfer) error {
	attempts, err := p.datasource.BumpRecoveryAttempt(ctx, stuck.ID)
	if err != nil {
		return err
	}

	entry := logrus.WithFields(logrus.Fields{
		"transaction_id":    stuck.IdempotencyKey,
		"recovery_attempts": attempts,
	})

	if attempts > p.maxRecoveryAttempts {
		entry.Warnf("Pending transfer exceeded max recovery attempts (%d), failing it", p.maxRecoveryAttempts)
		return p.engine.FailPending(ctx, stuck.IdempotencyKey, "exceeded max recovery attempts")
	}

	outcome, err := p.engine.ApplyTransfer(ctx, stuck.Event())
	if err != nil {
		entry.Warnf("recovery attempt did not resolve transfer: %v", err)
		return nil
	}
	entry.WithField("outcome", outcome.Status).Info("Recovered pending transfer")
	return nil
}
