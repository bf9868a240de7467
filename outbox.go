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
	"fmt"
	"sync"
	"time"

	"github.com/blnkfinance/paygate/database"
	"github.com/blnkfinance/paygate/internal/notification"
	pg_listener "github.com/blnkfinance/paygate/internal/pg-listener"
	"github.com/blnkfinance/paygate/internal/resilience"
	"github.com/blnkfinance/paygate/model"
	"github.com/sirupsen/logrus"
)

// notifier is implemented by datasources that signal new outbox entries in process.
type notifier interface {
	Notifications() <-chan struct{}
}

// OutboxDispatcher drains the outbox. Entries are claimed atomically, so any
// number of dispatchers may run against the same store.
type OutboxDispatcher struct {
	paygate      *Paygate
	batchSize    int
	pollInterval time.Duration
	visibility   time.Duration
	backoff      resilience.BackoffPolicy
	listenDSN    string
	wake         chan struct{}
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func NewOutboxDispatcher(p *Paygate) *OutboxDispatcher {
	cfg := p.config.Outbox
	d := &OutboxDispatcher{
		paygate:      p,
		batchSize:    cfg.BatchSize,
		pollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		visibility:   time.Duration(cfg.VisibilityTimeoutSec) * time.Second,
		backoff: resilience.BackoffPolicy{
			BaseDelay:  time.Duration(cfg.BaseDelayMs) * time.Millisecond,
			MaxDelay:   time.Duration(cfg.MaxDelayMs) * time.Millisecond,
			Multiplier: 2,
			Jitter:     0.2,
		},
		wake: make(chan struct{}, 1),
	}
	if dsn := p.config.DataSource.Dns; dsn != "" && dsn != database.MemoryDSN {
		d.listenDSN = dsn
	}
	return d
}

// HandleNotification wakes the drain loop on NOTIFY outbox_ready.
func (d *OutboxDispatcher) HandleNotification(_, _ string) error {
	d.Wake()
	return nil
}

// Wake asks the drain loop to run now. It never blocks.
func (d *OutboxDispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *OutboxDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	if d.listenDSN != "" {
		listener := pg_listener.NewDBListener(pg_listener.ListenerConfig{
			PgConnStr: d.listenDSN,
			Channel:   database.OutboxChannel,
		}, d)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := listener.Start(ctx); err != nil {
				logrus.WithError(err).Warn("outbox listener stopped, falling back to polling")
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()

	logrus.WithField("poll_interval", d.pollInterval.String()).Info("outbox dispatcher started")
}

func (d *OutboxDispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	logrus.Info("outbox dispatcher stopped")
}

func (d *OutboxDispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *OutboxDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	var notifications <-chan struct{}
	if n, ok := d.paygate.datasource.(notifier); ok {
		notifications = n.Notifications()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.releaseStale(ctx)
		case <-d.wake:
		case <-notifications:
		}

		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("outbox drain failed")
		}
	}
}

func (d *OutboxDispatcher) releaseStale(ctx context.Context) {
	n, err := d.paygate.datasource.ReleaseStaleOutbox(ctx, d.paygate.now().Add(-d.visibility))
	if err != nil {
		logrus.WithError(err).Error("failed to release stale outbox claims")
		return
	}
	if n > 0 {
		logrus.WithField("count", n).Warn("released stale outbox claims")
	}
}

// Drain claims and executes due entries until none are left and returns how
// many it handled. A posted payout hold unblocks its commit or void, so the
// claim is repeated after one even when the batch was short.
func (d *OutboxDispatcher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		entries, err := d.paygate.datasource.ClaimOutbox(ctx, d.paygate.now(), d.batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to claim outbox entries: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}
		holdPosted := false
		for _, entry := range entries {
			delivered, err := d.dispatch(ctx, entry)
			if err != nil {
				return total, err
			}
			if delivered && entry.Type == model.OutboxLedgerPayoutHold {
				holdPosted = true
			}
			total++
		}
		if len(entries) < d.batchSize && !holdPosted {
			return total, nil
		}
	}
}

// dispatch executes one claimed entry and records the outcome. Only a failure
// to record the outcome is returned; the claim then expires and the entry is
// picked up again.
func (d *OutboxDispatcher) dispatch(ctx context.Context, entry *model.OutboxEntry) (bool, error) {
	fields := logrus.Fields{
		"outbox_id":      entry.ID,
		"outbox_type":    entry.Type,
		"transaction_id": entry.TransactionID,
		"attempt":        entry.Attempts,
	}
	ds := d.paygate.datasource

	execErr := d.paygate.executeOutbox(ctx, entry)
	if execErr == nil {
		logrus.WithFields(fields).Info("outbox entry delivered")
		if err := ds.MarkOutboxSent(ctx, entry.ID); err != nil {
			return false, err
		}
		return true, nil
	}

	if entry.Attempts >= entry.MaxAttempts {
		logrus.WithFields(fields).WithError(execErr).Error("outbox entry exhausted its attempts")
		if err := ds.MarkOutboxFailed(ctx, entry.ID, execErr.Error()); err != nil {
			return false, err
		}
		notification.NotifyError(fmt.Errorf("outbox entry %s (%s) for transaction %s failed after %d attempts: %w",
			entry.ID, entry.Type, entry.TransactionID, entry.Attempts, execErr))
		return false, nil
	}

	next := d.paygate.now().Add(d.backoff.Delay(entry.Attempts))
	logrus.WithFields(fields).WithError(execErr).WithField("next_attempt_at", next).Warn("outbox entry failed, rescheduled")
	return false, ds.RescheduleOutbox(ctx, entry.ID, next, execErr.Error())
}

// executeOutbox performs the side effect an entry stands for.
func (p *Paygate) executeOutbox(ctx context.Context, entry *model.OutboxEntry) error {
	if entry.Type.IsLedger() {
		return p.postLedger(ctx, entry)
	}
	return p.sendCallback(ctx, entry)
}

func (p *Paygate) sendCallback(ctx context.Context, entry *model.OutboxEntry) error {
	var payload model.CallbackPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("invalid callback payload on outbox entry %s: %w", entry.ID, err)
	}

	merchant, err := p.selector.Merchant(ctx, payload.MerchantID)
	if err != nil {
		return fmt.Errorf("failed to load merchant %s: %w", payload.MerchantID, err)
	}
	if merchant.CallbackURL == "" {
		logrus.WithFields(logrus.Fields{
			"outbox_id":   entry.ID,
			"merchant_id": merchant.MerchantID,
		}).Info("merchant has no callback url, nothing to deliver")
		return nil
	}
	return p.callbacks.Send(ctx, merchant.CallbackURL, merchant.Secret, payload)
}

// FailedOutbox lists entries that exhausted their attempts.
func (p *Paygate) FailedOutbox(ctx context.Context, limit, offset int) ([]*model.OutboxEntry, error) {
	entries, err := p.datasource.GetFailedOutbox(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*model.OutboxEntry{}
	}
	return entries, nil
}

// RetryFailedOutbox re-arms a FAILED entry with a fresh attempt budget.
func (p *Paygate) RetryFailedOutbox(ctx context.Context, id string) (*model.OutboxEntry, error) {
	entry, err := p.datasource.RetryFailedOutbox(ctx, id)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"outbox_id": id, "transaction_id": entry.TransactionID}).Info("failed outbox entry re-armed")
	return entry, nil
}
