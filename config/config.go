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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5005"

	TransportList   = "list"
	TransportStream = "stream"

	ProviderKindSandbox = "sandbox"
	ProviderKindHTTP    = "http"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"PAYGATE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"PAYGATE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"PAYGATE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"PAYGATE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"PAYGATE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"PAYGATE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"PAYGATE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"PAYGATE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"PAYGATE_REDIS_SKIP_TLS_VERIFY"`
}

// QueueConfig drives the webhook retry queue and the asynq expiry queue.
type QueueConfig struct {
	Transport         string `json:"transport" envconfig:"PAYGATE_QUEUE_TRANSPORT"`
	WebhookQueue      string `json:"webhook_queue" envconfig:"PAYGATE_QUEUE_WEBHOOK_QUEUE"`
	WebhookStream     string `json:"webhook_stream" envconfig:"PAYGATE_QUEUE_WEBHOOK_STREAM"`
	ConsumerGroup     string `json:"consumer_group" envconfig:"PAYGATE_QUEUE_CONSUMER_GROUP"`
	ConsumerName      string `json:"consumer_name" envconfig:"PAYGATE_QUEUE_CONSUMER_NAME"`
	DelayedQueue      string `json:"delayed_queue" envconfig:"PAYGATE_QUEUE_DELAYED_QUEUE"`
	DeadLetterQueue   string `json:"dead_letter_queue" envconfig:"PAYGATE_QUEUE_DEAD_LETTER_QUEUE"`
	MaxAttempts       int    `json:"max_attempts" envconfig:"PAYGATE_QUEUE_MAX_ATTEMPTS"`
	BaseDelayMs       int    `json:"base_delay_ms" envconfig:"PAYGATE_QUEUE_BASE_DELAY_MS"`
	MaxDelayMs        int    `json:"max_delay_ms" envconfig:"PAYGATE_QUEUE_MAX_DELAY_MS"`
	ClaimTimeoutSec   int    `json:"claim_timeout_sec" envconfig:"PAYGATE_QUEUE_CLAIM_TIMEOUT_SEC"`
	DequeueTimeoutSec int    `json:"dequeue_timeout_sec" envconfig:"PAYGATE_QUEUE_DEQUEUE_TIMEOUT_SEC"`
	Concurrency       int    `json:"concurrency" envconfig:"PAYGATE_QUEUE_CONCURRENCY"`
	ExpiryQueue       string `json:"expiry_queue" envconfig:"PAYGATE_QUEUE_EXPIRY_QUEUE"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"PAYGATE_QUEUE_MONITORING_PORT"`
}

type OutboxConfig struct {
	PollIntervalMs       int `json:"poll_interval_ms" envconfig:"PAYGATE_OUTBOX_POLL_INTERVAL_MS"`
	BatchSize            int `json:"batch_size" envconfig:"PAYGATE_OUTBOX_BATCH_SIZE"`
	MaxAttempts          int `json:"max_attempts" envconfig:"PAYGATE_OUTBOX_MAX_ATTEMPTS"`
	BaseDelayMs          int `json:"base_delay_ms" envconfig:"PAYGATE_OUTBOX_BASE_DELAY_MS"`
	MaxDelayMs           int `json:"max_delay_ms" envconfig:"PAYGATE_OUTBOX_MAX_DELAY_MS"`
	VisibilityTimeoutSec int `json:"visibility_timeout_sec" envconfig:"PAYGATE_OUTBOX_VISIBILITY_TIMEOUT_SEC"`
}

// ResilienceConfig is applied to every outbound provider call.
type ResilienceConfig struct {
	TimeoutMs          int     `json:"timeout_ms" envconfig:"PAYGATE_RESILIENCE_TIMEOUT_MS"`
	MaxRetries         *int    `json:"max_retries" envconfig:"PAYGATE_RESILIENCE_MAX_RETRIES"`
	BaseDelayMs        int     `json:"base_delay_ms" envconfig:"PAYGATE_RESILIENCE_BASE_DELAY_MS"`
	MaxDelayMs         int     `json:"max_delay_ms" envconfig:"PAYGATE_RESILIENCE_MAX_DELAY_MS"`
	Multiplier         float64 `json:"multiplier" envconfig:"PAYGATE_RESILIENCE_MULTIPLIER"`
	Jitter             float64 `json:"jitter" envconfig:"PAYGATE_RESILIENCE_JITTER"`
	BreakerThreshold   int     `json:"breaker_threshold" envconfig:"PAYGATE_RESILIENCE_BREAKER_THRESHOLD"`
	BreakerCooldownSec int     `json:"breaker_cooldown_sec" envconfig:"PAYGATE_RESILIENCE_BREAKER_COOLDOWN_SEC"`
}

// ThrottleConfig holds the fixed-window TPS limits. A limit of 0 disables the scope.
type ThrottleConfig struct {
	WindowMs    int `json:"window_ms" envconfig:"PAYGATE_THROTTLE_WINDOW_MS"`
	SystemTPS   int `json:"system_tps" envconfig:"PAYGATE_THROTTLE_SYSTEM_TPS"`
	MerchantTPS int `json:"merchant_tps" envconfig:"PAYGATE_THROTTLE_MERCHANT_TPS"`
	ChannelTPS  int `json:"channel_tps" envconfig:"PAYGATE_THROTTLE_CHANNEL_TPS"`
}

type TransactionConfig struct {
	ExpiryMinutes    int `json:"expiry_minutes" envconfig:"PAYGATE_TRANSACTION_EXPIRY_MINUTES"`
	SweepIntervalSec int `json:"sweep_interval_sec" envconfig:"PAYGATE_TRANSACTION_SWEEP_INTERVAL_SEC"`
	SweepBatchSize   int `json:"sweep_batch_size" envconfig:"PAYGATE_TRANSACTION_SWEEP_BATCH_SIZE"`
	MaxWorkers       int `json:"max_workers" envconfig:"PAYGATE_TRANSACTION_MAX_WORKERS"`
}

type LedgerConfig struct {
	URL        string `json:"url" envconfig:"PAYGATE_LEDGER_URL"`
	APIKey     string `json:"api_key" envconfig:"PAYGATE_LEDGER_API_KEY"`
	TimeoutSec int    `json:"timeout_sec" envconfig:"PAYGATE_LEDGER_TIMEOUT_SEC"`
}

type CallbackConfig struct {
	TimeoutSec int `json:"timeout_sec" envconfig:"PAYGATE_CALLBACK_TIMEOUT_SEC"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"PAYGATE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"PAYGATE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"PAYGATE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"PAYGATE_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

// ProviderConfig registers one provider adapter. Kind is "sandbox" or "http".
type ProviderConfig struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	TimeoutSec int    `json:"timeout_sec"`
}

type Configuration struct {
	ProjectName     string            `json:"project_name" envconfig:"PAYGATE_PROJECT_NAME"`
	EnableTelemetry bool              `json:"enable_telemetry" envconfig:"PAYGATE_ENABLE_TELEMETRY"`
	Server          ServerConfig      `json:"server"`
	DataSource      DataSourceConfig  `json:"data_source"`
	Redis           RedisConfig       `json:"redis"`
	Queue           QueueConfig       `json:"queue"`
	Outbox          OutboxConfig      `json:"outbox"`
	Resilience      ResilienceConfig  `json:"resilience"`
	Throttle        ThrottleConfig    `json:"throttle"`
	Transaction     TransactionConfig `json:"transaction"`
	Ledger          LedgerConfig      `json:"ledger"`
	Callback        CallbackConfig    `json:"callback"`
	RateLimit       RateLimitConfig   `json:"rate_limit"`
	Notification    Notification      `json:"notification"`
	Providers       []ProviderConfig  `json:"providers" ignored:"true"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()

		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("paygate", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called paygate.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Paygate"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Queue.Transport = strings.ToLower(strings.TrimSpace(cnf.Queue.Transport))

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if err := cnf.Queue.addDefaults(); err != nil {
		return err
	}
	cnf.Outbox.addDefaults()
	cnf.Resilience.addDefaults()
	cnf.Throttle.addDefaults()
	cnf.Transaction.addDefaults()

	if cnf.Ledger.TimeoutSec <= 0 {
		cnf.Ledger.TimeoutSec = 10
	}
	if cnf.Callback.TimeoutSec <= 0 {
		cnf.Callback.TimeoutSec = 10
	}

	for i, p := range cnf.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider at index %d has no id", i)
		}
		if p.Kind == "" {
			cnf.Providers[i].Kind = ProviderKindSandbox
		}
		if cnf.Providers[i].Kind != ProviderKindSandbox && cnf.Providers[i].Kind != ProviderKindHTTP {
			return fmt.Errorf("provider %s has unknown kind %q", p.ID, p.Kind)
		}
		if cnf.Providers[i].Kind == ProviderKindHTTP && p.BaseURL == "" {
			return fmt.Errorf("provider %s requires a base_url", p.ID)
		}
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (q *QueueConfig) addDefaults() error {
	switch q.Transport {
	case "":
		q.Transport = TransportList
	case TransportList, TransportStream:
	default:
		return fmt.Errorf("unknown queue transport %q, expected %q or %q", q.Transport, TransportList, TransportStream)
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = "paygate:webhooks:queue"
	}
	if q.WebhookStream == "" {
		q.WebhookStream = "paygate:webhooks:stream"
	}
	if q.ConsumerGroup == "" {
		q.ConsumerGroup = "paygate-webhook-workers"
	}
	if q.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		q.ConsumerName = host
	}
	if q.DelayedQueue == "" {
		q.DelayedQueue = "paygate:webhooks:delayed"
	}
	if q.DeadLetterQueue == "" {
		q.DeadLetterQueue = "paygate:webhooks:dead"
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 5
	}
	if q.BaseDelayMs <= 0 {
		q.BaseDelayMs = 1000
	}
	if q.MaxDelayMs <= 0 {
		q.MaxDelayMs = 5 * 60 * 1000
	}
	if q.ClaimTimeoutSec <= 0 {
		q.ClaimTimeoutSec = 60
	}
	if q.DequeueTimeoutSec <= 0 {
		q.DequeueTimeoutSec = 5
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 4
	}
	if q.ExpiryQueue == "" {
		q.ExpiryQueue = "paygate_expiry"
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5006"
	}
	return nil
}

func (o *OutboxConfig) addDefaults() {
	if o.PollIntervalMs <= 0 {
		o.PollIntervalMs = 1000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BaseDelayMs <= 0 {
		o.BaseDelayMs = 2000
	}
	if o.MaxDelayMs <= 0 {
		o.MaxDelayMs = 30 * 60 * 1000
	}
	if o.VisibilityTimeoutSec <= 0 {
		o.VisibilityTimeoutSec = 300
	}
}

func (r *ResilienceConfig) addDefaults() {
	if r.TimeoutMs <= 0 {
		r.TimeoutMs = 10000
	}
	if r.MaxRetries == nil {
		defaultRetries := 2
		r.MaxRetries = &defaultRetries
	}
	if r.BaseDelayMs <= 0 {
		r.BaseDelayMs = 200
	}
	if r.MaxDelayMs <= 0 {
		r.MaxDelayMs = 5000
	}
	if r.Multiplier <= 1 {
		r.Multiplier = 2
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		r.Jitter = 0.2
	}
	if r.BreakerThreshold <= 0 {
		r.BreakerThreshold = 5
	}
	if r.BreakerCooldownSec <= 0 {
		r.BreakerCooldownSec = 30
	}
}

func (t *ThrottleConfig) addDefaults() {
	if t.WindowMs <= 0 {
		t.WindowMs = 1000
	}
}

func (t *TransactionConfig) addDefaults() {
	if t.ExpiryMinutes <= 0 {
		t.ExpiryMinutes = 30
	}
	if t.SweepIntervalSec <= 0 {
		t.SweepIntervalSec = 60
	}
	if t.SweepBatchSize <= 0 {
		t.SweepBatchSize = 500
	}
	if t.MaxWorkers <= 0 {
		t.MaxWorkers = 10
	}
}

// Window returns the throttle window as a duration.
func (t ThrottleConfig) Window() time.Duration {
	return time.Duration(t.WindowMs) * time.Millisecond
}

// ExpiryTTL is how long a transaction may stay non-terminal before it is expired.
func (t TransactionConfig) ExpiryTTL() time.Duration {
	return time.Duration(t.ExpiryMinutes) * time.Minute
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

// MockDefaults returns a configuration with every default applied, for tests.
func MockDefaults() *Configuration {
	cnf := &Configuration{
		DataSource: DataSourceConfig{Dns: "memory"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	_ = cnf.validateAndAddDefaults()
	return cnf
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
