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
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/blnkfinance/paygate/internal/notification"
	"github.com/blnkfinance/paygate/internal/webhookqueue"
	"github.com/sirupsen/logrus"
)

// WebhookWorker drains the webhook queue: it promotes due retries, dequeues a
// task, processes it and then acks, retries or dead-letters it.
type WebhookWorker struct {
	paygate        *Paygate
	queue          webhookqueue.Queue
	concurrency    int
	dequeueTimeout time.Duration
	errorPause     time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewWebhookWorker(p *Paygate) *WebhookWorker {
	concurrency := p.config.Queue.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &WebhookWorker{
		paygate:        p,
		queue:          p.webhooks,
		concurrency:    concurrency,
		dequeueTimeout: time.Duration(p.config.Queue.DequeueTimeoutSec) * time.Second,
		errorPause:     time.Second,
		stopCh:         make(chan struct{}),
	}
}

func (w *WebhookWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running || w.queue == nil {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(ctx)
		}()
	}
	logrus.WithField("concurrency", w.concurrency).Info("webhook worker started")
}

func (w *WebhookWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	logrus.Info("webhook worker stopped")
}

func (w *WebhookWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *WebhookWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if _, err := w.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Error("webhook worker iteration failed")
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-time.After(w.errorPause):
			}
		}
	}
}

// ProcessNext runs one iteration. It reports whether a task was handled.
func (w *WebhookWorker) ProcessNext(ctx context.Context) (bool, error) {
	if _, err := w.queue.PromoteDue(ctx, time.Now()); err != nil {
		return false, err
	}

	task, err := w.queue.Dequeue(ctx, w.dequeueTimeout)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, w.handle(ctx, task)
}

func (w *WebhookWorker) handle(ctx context.Context, task *webhookqueue.Task) error {
	fields := logrus.Fields{
		"webhook_id":  task.ID,
		"provider_id": task.ProviderID,
		"attempt":     task.Attempt,
	}

	procErr := w.process(ctx, task)
	if procErr == nil {
		logrus.WithFields(fields).Info("queued webhook processed")
		return w.queue.Ack(ctx, task)
	}

	if IsPermanentWebhookError(procErr) {
		logrus.WithFields(fields).WithError(procErr).Error("webhook can never be processed, dead-lettering")
		if err := w.queue.DeadLetter(ctx, task, procErr); err != nil {
			return err
		}
		notification.NotifyError(fmt.Errorf("webhook %s from %s dead-lettered: %w", task.ID, task.ProviderID, procErr))
		return nil
	}

	dead, err := w.queue.Retry(ctx, task, procErr)
	if err != nil {
		return err
	}
	if dead {
		notification.NotifyError(fmt.Errorf("webhook %s from %s dead-lettered after %d attempts: %w", task.ID, task.ProviderID, task.Attempt, procErr))
		return nil
	}
	logrus.WithFields(fields).WithError(procErr).Warn("webhook processing failed, retry scheduled")
	return nil
}

// process runs ProcessWebhook and turns a panic into an error so one bad task
// cannot take the worker down.
func (w *WebhookWorker) process(ctx context.Context, task *webhookqueue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"webhook_id": task.ID,
				"panic":      r,
				"stack":      string(debug.Stack()),
			}).Error("panic while processing webhook")
			err = fmt.Errorf("panic while processing webhook %s: %v", task.ID, r)
		}
	}()

	_, err = w.paygate.ProcessWebhook(ctx, task)
	return err
}
