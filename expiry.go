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

package paygate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blnkfinance/paygate/internal/apierror"
	redlock "github.com/blnkfinance/paygate/internal/lock"
	"github.com/blnkfinance/paygate/model"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const sweepLockKey = "paygate:lock:expiry-sweep"

// ExpiryScheduler arranges for ExpireTransaction to run once a transaction is due.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, transactionID string, at time.Time) error
}

type noopScheduler struct{}

func (noopScheduler) ScheduleExpiry(context.Context, string, time.Time) error { return nil }

// AsynqScheduler enqueues one delayed asynq task per transaction, using the
// transaction id as task id so a transaction is never scheduled twice.
type AsynqScheduler struct {
	client *asynq.Client
	queue  string
}

func NewAsynqScheduler(client *asynq.Client, queue string) *AsynqScheduler {
	return &AsynqScheduler{client: client, queue: queue}
}

// ScheduleExpiry enqueues the expiry task for transactionID.
//
// Parameters:
// - ctx context.Context: The context for the enqueue call.
// - transactionID string: The ID of the transaction to expire.
// - at time.Time: When the transaction becomes due.
//
// Returns:
// - error: An error if the task could not be enqueued. A task already
// scheduled for the transaction is not an error.
func (s *AsynqScheduler) ScheduleExpiry(ctx context.Context, transactionID string, at time.Time) error {
	payload, err := json.Marshal(transactionID)
	if err != nil {
		return err
	}
	task := asynq.NewTask(s.queue, payload,
		asynq.TaskID(transactionID),
		asynq.Queue(s.queue),
		asynq.ProcessIn(time.Until(at)),
	)
	info, err := s.client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return err
	}
	logrus.WithFields(logrus.Fields{
		"transaction_id": transactionID,
		"queue":          info.Queue,
		"process_at":     info.NextProcessAt,
	}).Debug("transaction expiry scheduled")
	return nil
}

func (s *AsynqScheduler) Close() error {
	return s.client.Close()
}

// ProcessExpiryTask is the asynq handler for expiry tasks.
func (p *Paygate) ProcessExpiryTask(ctx context.Context, t *asynq.Task) error {
	var transactionID string
	if err := json.Unmarshal(t.Payload(), &transactionID); err != nil {
		return fmt.Errorf("invalid expiry payload: %v: %w", err, asynq.SkipRetry)
	}

	_, err := p.ExpireTransaction(ctx, transactionID)
	if apierror.HasCode(err, apierror.ErrNotFound) {
		logrus.WithField("transaction_id", transactionID).Warn("expiry task for unknown transaction")
		return nil
	}
	return err
}

// ExpireTransaction settles a transaction whose expiry has passed. The
// provider is asked first; a transaction still PENDING afterwards becomes
// EXPIRED, while a PROCESSING one waits for its webhook or a later sync.
func (p *Paygate) ExpireTransaction(ctx context.Context, transactionID string) (*model.Transaction, error) {
	txn, err := p.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status.IsTerminal() || !txn.Expired(p.now()) {
		return txn, nil
	}

	fields := logrus.Fields{"transaction_id": txn.TransactionID, "order_id": txn.OrderID}
	synced, err := p.syncTransaction(ctx, txn)
	if err != nil {
		logrus.WithFields(fields).WithError(err).Warn("status check before expiry failed")
	} else {
		txn = synced
	}
	if txn.Status != model.StatusPending {
		return txn, nil
	}

	expired, _, err := p.applyTransition(ctx, model.Transition{
		TransactionID: txn.TransactionID,
		To:            model.StatusExpired,
		Event:         model.EventExpired,
		Payload:       map[string]interface{}{"expires_at": txn.ExpiresAt.Format(time.RFC3339)},
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// ExpirySweeper periodically expires overdue transactions the scheduled
// tasks missed. With Redis available only one process sweeps at a time.
type ExpirySweeper struct {
	paygate    *Paygate
	redis      redis.UniversalClient
	instanceID string
	batchSize  int
	maxWorkers int
	interval   time.Duration
	lockTTL    time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
}

func NewExpirySweeper(p *Paygate) *ExpirySweeper {
	interval := time.Duration(p.config.Transaction.SweepIntervalSec) * time.Second
	return &ExpirySweeper{
		paygate:    p,
		redis:      p.redis,
		instanceID: model.GenerateUUIDWithSuffix("sweeper"),
		batchSize:  p.config.Transaction.SweepBatchSize,
		maxWorkers: p.config.Transaction.MaxWorkers,
		interval:   interval,
		lockTTL:    2 * interval,
		stopCh:     make(chan struct{}),
	}
}

func (s *ExpirySweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()

	logrus.WithField("interval", s.interval.String()).Info("expiry sweeper started")
}

func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logrus.Info("expiry sweeper stopped")
}

func (s *ExpirySweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *ExpirySweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logrus.WithError(err).Error("expiry sweep failed")
			}
		}
	}
}

// Sweep expires one batch of overdue transactions and returns how many it
// moved to EXPIRED. It returns 0 without error when another process holds
// the sweep lock.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	if s.redis != nil {
		locker := redlock.NewLocker(s.redis, sweepLockKey, s.instanceID)
		if err := locker.Lock(ctx, s.lockTTL); err != nil {
			if errors.Is(err, redlock.ErrLockHeld) {
				return 0, nil
			}
			return 0, err
		}
		defer func() {
			if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				logrus.WithError(err).Warn("failed to release expiry sweep lock")
			}
		}()
	}

	due, err := s.paygate.datasource.ClaimExpiredTransactions(ctx, s.paygate.now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired transactions: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	workers := s.maxWorkers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var expired int64

	for _, txn := range due {
		sem <- struct{}{}
		wg.Add(1)
		go func(t *model.Transaction) {
			defer wg.Done()
			defer func() { <-sem }()
			updated, err := s.paygate.ExpireTransaction(ctx, t.TransactionID)
			if err != nil {
				logrus.WithField("transaction_id", t.TransactionID).WithError(err).Error("failed to expire transaction")
				return
			}
			if updated.Status == model.StatusExpired {
				atomic.AddInt64(&expired, 1)
			}
		}(txn)
	}
	wg.Wait()

	logrus.WithFields(logrus.Fields{"due": len(due), "expired": expired}).Info("expiry sweep finished")
	return int(expired), nil
}
