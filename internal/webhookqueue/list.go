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

package webhookqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ListQueue is a FIFO list: LPUSH on enqueue, BRPOP on dequeue. A task popped
// by a worker that then crashes is only recovered by the provider's own retry.
type ListQueue struct {
	retryStore
}

func NewListQueue(client redis.UniversalClient, opts Options) (*ListQueue, error) {
	if client == nil {
		return nil, errNoClient
	}
	opts.defaults()
	return &ListQueue{retryStore{client: client, opts: opts, target: targetList, key: opts.QueueKey}}, nil
}

func (q *ListQueue) Enqueue(ctx context.Context, task *Task) error {
	raw, err := task.encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.opts.QueueKey, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue webhook %s: %w", task.ID, err)
	}
	return nil
}

func (q *ListQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.client.BRPop(ctx, timeout, q.opts.QueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// BRPOP answers [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply: %v", res)
	}
	task, err := decodeTask(res[1])
	if err != nil {
		if qErr := q.quarantine(ctx, res[1], err); qErr != nil {
			return nil, fmt.Errorf("%v; %w", err, qErr)
		}
		return nil, err
	}
	return task, nil
}

func (q *ListQueue) Ack(context.Context, *Task) error {
	return nil
}

func (q *ListQueue) Retry(ctx context.Context, task *Task, cause error) (bool, error) {
	return q.schedule(ctx, task, cause)
}

func (q *ListQueue) DeadLetter(ctx context.Context, task *Task, cause error) error {
	return q.deadLetter(ctx, task, cause)
}

func (q *ListQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	return q.promote(ctx, now)
}

func (q *ListQueue) DeadLetters(ctx context.Context, limit int) ([]*Task, error) {
	return q.deadLetters(ctx, limit)
}

// Close is a no-op; the redis client is owned by the caller.
func (q *ListQueue) Close() error {
	return nil
}
