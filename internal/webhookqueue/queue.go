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

// Package webhookqueue is the durable fallback for provider webhooks that
// could not be processed on arrival. Tasks live in a Redis list or stream,
// retries wait in a time-ordered sorted set and exhausted tasks end up in a
// dead-letter list.
package webhookqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/blnkfinance/paygate/config"
	redis_db "github.com/blnkfinance/paygate/internal/redis-db"
	"github.com/blnkfinance/paygate/internal/resilience"
	"github.com/blnkfinance/paygate/model"
	"github.com/redis/go-redis/v9"
)

// Task is one received webhook awaiting processing.
type Task struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	ProviderID    string    `json:"provider_id"`
	LegalEntityID string    `json:"legal_entity_id"`
	Payload       []byte    `json:"payload"`
	ReceivedAt    time.Time `json:"received_at"`
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"max_attempts"`
	LastError     string    `json:"last_error,omitempty"`
	DeadAt        time.Time `json:"dead_at,omitempty"`

	// handle is the transport's ack reference (stream entry id).
	handle string
}

func NewTask(webhookType, providerID, legalEntityID string, payload []byte) *Task {
	return &Task{
		ID:            model.GenerateUUIDWithSuffix("whk"),
		Type:          webhookType,
		ProviderID:    providerID,
		LegalEntityID: legalEntityID,
		Payload:       payload,
		ReceivedAt:    time.Now().UTC(),
	}
}

func (t *Task) encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to encode webhook task %s: %w", t.ID, err)
	}
	return string(b), nil
}

func decodeTask(raw string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("failed to decode webhook task: %w", err)
	}
	return &t, nil
}

// Queue is implemented by both transports.
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	// Dequeue blocks up to timeout and returns nil, nil when nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)
	Ack(ctx context.Context, task *Task) error
	// Retry schedules the task again after a backoff, or dead-letters it once
	// its attempts exceed the limit.
	Retry(ctx context.Context, task *Task, cause error) (deadLettered bool, err error)
	DeadLetter(ctx context.Context, task *Task, cause error) error
	// PromoteDue moves retries whose time has come back onto the queue.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	DeadLetters(ctx context.Context, limit int) ([]*Task, error)
	Close() error
}

// Options are shared by both transports.
type Options struct {
	QueueKey      string
	StreamKey     string
	Group         string
	Consumer      string
	DelayedKey    string
	DeadLetterKey string
	MaxAttempts   int
	Backoff       resilience.BackoffPolicy
	ClaimTimeout  time.Duration
	PromoteBatch  int
}

func (o *Options) defaults() {
	if o.QueueKey == "" {
		o.QueueKey = "paygate:webhooks:queue"
	}
	if o.StreamKey == "" {
		o.StreamKey = "paygate:webhooks:stream"
	}
	if o.DelayedKey == "" {
		o.DelayedKey = "paygate:webhooks:delayed"
	}
	if o.DeadLetterKey == "" {
		o.DeadLetterKey = "paygate:webhooks:dead"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.PromoteBatch <= 0 {
		o.PromoteBatch = 100
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = time.Minute
	}
}

const (
	targetList   = "list"
	targetStream = "stream"
)

// promoteScript moves due members of the delayed set onto the live queue in
// one step, so a crash can neither lose nor duplicate a retry.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call("ZREM", KEYS[1], member)
	if ARGV[3] == "stream" then
		redis.call("XADD", KEYS[2], "*", "task", member)
	else
		redis.call("LPUSH", KEYS[2], member)
	end
end
return #due
`)

// retryStore holds the parts both transports keep in plain Redis structures.
type retryStore struct {
	client redis.UniversalClient
	opts   Options
	target string
	key    string
}

func (s *retryStore) schedule(ctx context.Context, task *Task, cause error) (bool, error) {
	task.Attempt++
	if cause != nil {
		task.LastError = cause.Error()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = s.opts.MaxAttempts
	}
	if task.Attempt > task.MaxAttempts {
		return true, s.deadLetter(ctx, task, cause)
	}

	raw, err := task.encode()
	if err != nil {
		return false, err
	}
	due := time.Now().Add(s.opts.Backoff.Delay(task.Attempt))
	if err := s.client.ZAdd(ctx, s.opts.DelayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: raw}).Err(); err != nil {
		return false, fmt.Errorf("failed to schedule webhook retry %s: %w", task.ID, err)
	}
	return false, nil
}

func (s *retryStore) deadLetter(ctx context.Context, task *Task, cause error) error {
	if cause != nil {
		task.LastError = cause.Error()
	}
	task.DeadAt = time.Now().UTC()
	raw, err := task.encode()
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, s.opts.DeadLetterKey, raw).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter webhook %s: %w", task.ID, err)
	}
	return nil
}

// quarantine dead-letters a queue entry that could not be decoded. The raw
// entry becomes the payload of a fresh task so the dead-letter list stays
// readable.
func (s *retryStore) quarantine(ctx context.Context, raw string, cause error) error {
	task := &Task{
		ID:         model.GenerateUUIDWithSuffix("whk"),
		Payload:    []byte(raw),
		ReceivedAt: time.Now().UTC(),
	}
	return s.deadLetter(ctx, task, cause)
}

func (s *retryStore) promote(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, s.client,
		[]string{s.opts.DelayedKey, s.key},
		strconv.FormatInt(now.UnixMilli(), 10), s.opts.PromoteBatch, s.target,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote webhook retries: %w", err)
	}
	return n, nil
}

func (s *retryStore) deadLetters(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := s.client.LRange(ctx, s.opts.DeadLetterKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(raws))
	for _, raw := range raws {
		t, err := decodeTask(raw)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

var errNoClient = errors.New("webhook queue requires a redis client")

// OptionsFromConfig maps the queue configuration onto transport options.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		QueueKey:      cfg.WebhookQueue,
		StreamKey:     cfg.WebhookStream,
		Group:         cfg.ConsumerGroup,
		Consumer:      cfg.ConsumerName,
		DelayedKey:    cfg.DelayedQueue,
		DeadLetterKey: cfg.DeadLetterQueue,
		MaxAttempts:   cfg.MaxAttempts,
		Backoff: resilience.BackoffPolicy{
			BaseDelay:  time.Duration(cfg.BaseDelayMs) * time.Millisecond,
			MaxDelay:   time.Duration(cfg.MaxDelayMs) * time.Millisecond,
			Multiplier: 2,
		},
		ClaimTimeout: time.Duration(cfg.ClaimTimeoutSec) * time.Second,
	}
}

// New opens the transport selected by cnf.Queue.Transport. The stream
// transport dials its own rueidis connection to the configured redis.
func New(ctx context.Context, cnf *config.Configuration, client redis.UniversalClient) (Queue, error) {
	opts := OptionsFromConfig(cnf.Queue)
	switch cnf.Queue.Transport {
	case config.TransportStream:
		stream, err := redis_db.NewRueidisClient(cnf.Redis.Dns, cnf.Redis.SkipTLSVerify)
		if err != nil {
			return nil, fmt.Errorf("failed to connect stream transport: %w", err)
		}
		q, err := NewStreamQueue(ctx, stream, client, opts)
		if err != nil {
			stream.Close()
			return nil, err
		}
		return q, nil
	default:
		return NewListQueue(client, opts)
	}
}
