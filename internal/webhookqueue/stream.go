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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/redis/rueidis"
	"github.com/sirupsen/logrus"
)

const taskField = "task"

// StreamQueue keeps tasks in a Redis stream read through a consumer group.
// Entries a crashed consumer never acknowledged are reclaimed with XAUTOCLAIM
// once idle for longer than the claim timeout.
type StreamQueue struct {
	retryStore
	stream rueidis.Client
}

// NewStreamQueue creates the consumer group if it does not exist yet. The
// rueidis client carries the stream commands; the go-redis client the shared
// retry and dead-letter structures. Close releases the rueidis client.
func NewStreamQueue(ctx context.Context, stream rueidis.Client, client redis.UniversalClient, opts Options) (*StreamQueue, error) {
	if stream == nil || client == nil {
		return nil, errNoClient
	}
	opts.defaults()
	if opts.Group == "" || opts.Consumer == "" {
		return nil, errors.New("stream transport requires a consumer group and consumer name")
	}

	q := &StreamQueue{
		retryStore: retryStore{client: client, opts: opts, target: targetStream, key: opts.StreamKey},
		stream:     stream,
	}

	create := stream.B().XgroupCreate().Key(opts.StreamKey).Group(opts.Group).Id("0").Mkstream().Build()
	if err := stream.Do(ctx, create).Error(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", opts.Group, err)
	}
	return q, nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, task *Task) error {
	raw, err := task.encode()
	if err != nil {
		return err
	}
	cmd := q.stream.B().Xadd().Key(q.opts.StreamKey).Id("*").FieldValue().FieldValue(taskField, raw).Build()
	if err := q.stream.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to enqueue webhook %s: %w", task.ID, err)
	}
	return nil
}

func (q *StreamQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	task, err := q.reclaim(ctx)
	if err != nil || task != nil {
		return task, err
	}

	block := timeout.Milliseconds()
	if block <= 0 {
		block = 1
	}
	cmd := q.stream.B().Xreadgroup().Group(q.opts.Group, q.opts.Consumer).
		Count(1).
		Block(block).
		Streams().
		Key(q.opts.StreamKey).
		Id(">").
		Build()

	streams, err := q.stream.Do(ctx, cmd).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, entries := range streams {
		for _, entry := range entries {
			return q.toTask(ctx, entry)
		}
	}
	return nil, nil
}

// reclaim takes over one entry another consumer left pending too long.
func (q *StreamQueue) reclaim(ctx context.Context) (*Task, error) {
	cmd := q.stream.B().Xautoclaim().Key(q.opts.StreamKey).Group(q.opts.Group).Consumer(q.opts.Consumer).
		MinIdleTime(strconv.FormatInt(q.opts.ClaimTimeout.Milliseconds(), 10)).
		Start("0-0").
		Count(1).
		Build()

	reply, err := q.stream.Do(ctx, cmd).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stale webhooks: %w", err)
	}
	// XAUTOCLAIM answers [next-start, entries, deleted-ids]
	if len(reply) < 2 {
		return nil, nil
	}
	entries, err := reply[1].AsXRange()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		logrus.WithFields(logrus.Fields{
			"entry_id": entry.ID,
			"consumer": q.opts.Consumer,
		}).Warn("reclaimed stale webhook task")
		return q.toTask(ctx, entry)
	}
	return nil, nil
}

func (q *StreamQueue) toTask(ctx context.Context, entry rueidis.XRangeEntry) (*Task, error) {
	raw, ok := entry.FieldValues[taskField]
	if !ok {
		fields, _ := json.Marshal(entry.FieldValues)
		return nil, q.discard(ctx, entry.ID, string(fields), fmt.Errorf("stream entry %s has no %s field", entry.ID, taskField))
	}
	task, err := decodeTask(raw)
	if err != nil {
		return nil, q.discard(ctx, entry.ID, raw, err)
	}
	task.handle = entry.ID
	return task, nil
}

// discard dead-letters an unreadable entry and removes it from the stream,
// where it would otherwise be reclaimed forever. The entry stays pending when
// the dead-letter write fails.
func (q *StreamQueue) discard(ctx context.Context, id, raw string, cause error) error {
	if err := q.quarantine(ctx, raw, cause); err != nil {
		return fmt.Errorf("%v; %w", cause, err)
	}
	if err := q.ackEntry(ctx, id); err != nil {
		return fmt.Errorf("%v; %w", cause, err)
	}
	return cause
}

func (q *StreamQueue) ackEntry(ctx context.Context, id string) error {
	results := q.stream.DoMulti(ctx,
		q.stream.B().Xack().Key(q.opts.StreamKey).Group(q.opts.Group).Id(id).Build(),
		q.stream.B().Xdel().Key(q.opts.StreamKey).Id(id).Build(),
	)
	for _, r := range results {
		if err := r.Error(); err != nil {
			return fmt.Errorf("failed to ack stream entry %s: %w", id, err)
		}
	}
	return nil
}

func (q *StreamQueue) Ack(ctx context.Context, task *Task) error {
	if task.handle == "" {
		return nil
	}
	return q.ackEntry(ctx, task.handle)
}

// Retry schedules the task in the delayed set and then acknowledges the
// original entry. A crash in between leaves a duplicate, never a loss.
func (q *StreamQueue) Retry(ctx context.Context, task *Task, cause error) (bool, error) {
	dead, err := q.schedule(ctx, task, cause)
	if err != nil {
		return dead, err
	}
	return dead, q.Ack(ctx, task)
}

func (q *StreamQueue) DeadLetter(ctx context.Context, task *Task, cause error) error {
	if err := q.deadLetter(ctx, task, cause); err != nil {
		return err
	}
	return q.Ack(ctx, task)
}

func (q *StreamQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	return q.promote(ctx, now)
}

func (q *StreamQueue) DeadLetters(ctx context.Context, limit int) ([]*Task, error) {
	return q.deadLetters(ctx, limit)
}

func (q *StreamQueue) Close() error {
	q.stream.Close()
	return nil
}
