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
	DEFAULT_PORT            = "5001"
	DEFAULT_MONITORING_PORT = "5004"
	DEFAULT_ISPB            = "12345678"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"SETTLE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"SETTLE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"SETTLE_SERVER_SECRET_KEY"`
	JWTSecret string `json:"jwt_secret" envconfig:"SETTLE_SERVER_JWT_SECRET"`
	Domain    string `json:"domain" envconfig:"SETTLE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"SETTLE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"SETTLE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"SETTLE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"SETTLE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"SETTLE_REDIS_SKIP_TLS_VERIFY"`
}

type TypeSenseConfig struct {
	Dns string `json:"dns" envconfig:"SETTLE_TYPESENSE_DNS"`
}

// BrokerConfig holds the RabbitMQ settings used for the domain event bus
// and for ingesting settlement confirmations.
type BrokerConfig struct {
	URL               string `json:"url" envconfig:"SETTLE_BROKER_URL"`
	Exchange          string `json:"exchange" envconfig:"SETTLE_BROKER_EXCHANGE"`
	ConfirmationQueue string `json:"confirmation_queue" envconfig:"SETTLE_BROKER_CONFIRMATION_QUEUE"`
	ConfirmationKey   string `json:"confirmation_routing_key" envconfig:"SETTLE_BROKER_CONFIRMATION_ROUTING_KEY"`
}

type QueueConfig struct {
	DispatchQueue  string `json:"dispatch_queue" envconfig:"SETTLE_QUEUE_DISPATCH"`
	WebhookQueue   string `json:"webhook_queue" envconfig:"SETTLE_QUEUE_WEBHOOK"`
	ExpiryQueue    string `json:"expiry_queue" envconfig:"SETTLE_QUEUE_EXPIRY"`
	IndexQueue     string `json:"index_queue" envconfig:"SETTLE_QUEUE_INDEX"`
	NumberOfQueues int    `json:"number_of_queues" envconfig:"SETTLE_QUEUE_NUMBER_OF_QUEUES"`
	Concurrency    int    `json:"concurrency" envconfig:"SETTLE_QUEUE_CONCURRENCY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"SETTLE_QUEUE_MONITORING_PORT"`
}

type WebhookConfig struct {
	TimeoutSec       int    `json:"timeout_sec" envconfig:"SETTLE_WEBHOOK_TIMEOUT_SEC"`
	MaxAttempts      int    `json:"max_attempts" envconfig:"SETTLE_WEBHOOK_MAX_ATTEMPTS"`
	BaseBackoffSec   int    `json:"base_backoff_sec" envconfig:"SETTLE_WEBHOOK_BASE_BACKOFF_SEC"`
	MaxBackoffSec    int    `json:"max_backoff_sec" envconfig:"SETTLE_WEBHOOK_MAX_BACKOFF_SEC"`
	Workers          int    `json:"workers" envconfig:"SETTLE_WEBHOOK_WORKERS"`
	SweepSchedule    string `json:"sweep_schedule" envconfig:"SETTLE_WEBHOOK_SWEEP_SCHEDULE"`
	SweepBatchSize   int    `json:"sweep_batch_size" envconfig:"SETTLE_WEBHOOK_SWEEP_BATCH_SIZE"`
	SignatureHeader  string `json:"signature_header" envconfig:"SETTLE_WEBHOOK_SIGNATURE_HEADER"`
	DefaultUserAgent string `json:"user_agent" envconfig:"SETTLE_WEBHOOK_USER_AGENT"`
}

// Timeout returns the per-attempt delivery timeout.
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSec) * time.Second
}

// BaseBackoff returns the base retry delay for failed deliveries.
func (w WebhookConfig) BaseBackoff() time.Duration {
	return time.Duration(w.BaseBackoffSec) * time.Second
}

// MaxBackoff returns the cap applied to the retry delay.
func (w WebhookConfig) MaxBackoff() time.Duration {
	return time.Duration(w.MaxBackoffSec) * time.Second
}

type LedgerConfig struct {
	SuspenseAccountID string `json:"suspense_account_id" envconfig:"SETTLE_LEDGER_SUSPENSE_ACCOUNT_ID"`
	SuspenseClientID  string `json:"suspense_client_id" envconfig:"SETTLE_LEDGER_SUSPENSE_CLIENT_ID"`
	CommitRetries     int    `json:"commit_retries" envconfig:"SETTLE_LEDGER_COMMIT_RETRIES"`
	StatementMaxDays  int    `json:"statement_max_days" envconfig:"SETTLE_LEDGER_STATEMENT_MAX_DAYS"`
}

type TransactionConfig struct {
	ISPB             string `json:"ispb" envconfig:"SETTLE_TRANSACTION_ISPB"`
	SnapshotEvery    int    `json:"snapshot_every" envconfig:"SETTLE_TRANSACTION_SNAPSHOT_EVERY"`
	LockDurationSec  int    `json:"lock_duration_sec" envconfig:"SETTLE_TRANSACTION_LOCK_DURATION_SEC"`
	LockWaitSec      int    `json:"lock_wait_sec" envconfig:"SETTLE_TRANSACTION_LOCK_WAIT_SEC"`
	QRExpiryMinutes  int    `json:"qr_expiry_minutes" envconfig:"SETTLE_TRANSACTION_QR_EXPIRY_MINUTES"`
	ExpirySweepCron  string `json:"expiry_sweep_schedule" envconfig:"SETTLE_TRANSACTION_EXPIRY_SWEEP_SCHEDULE"`
	DispatchMaxRetry int    `json:"dispatch_max_retry" envconfig:"SETTLE_TRANSACTION_DISPATCH_MAX_RETRY"`
	StalledAfterSec  int    `json:"stalled_after_sec" envconfig:"SETTLE_TRANSACTION_STALLED_AFTER_SEC"`
	RecoveryCron     string `json:"recovery_sweep_schedule" envconfig:"SETTLE_TRANSACTION_RECOVERY_SWEEP_SCHEDULE"`
	RecoveryWorkers  int    `json:"recovery_workers" envconfig:"SETTLE_TRANSACTION_RECOVERY_WORKERS"`
}

// LockDuration returns how long a transaction lock is held before it expires.
func (t TransactionConfig) LockDuration() time.Duration {
	return time.Duration(t.LockDurationSec) * time.Second
}

// StalledAfter returns how long a transaction may stay PENDING before the
// recovery sweep dispatches it again.
func (t TransactionConfig) StalledAfter() time.Duration {
	return time.Duration(t.StalledAfterSec) * time.Second
}

// LockWait returns how long callers wait to acquire a transaction lock.
func (t TransactionConfig) LockWait() time.Duration {
	return time.Duration(t.LockWaitSec) * time.Second
}

type RoutingConfig struct {
	CacheTTLSec int `json:"cache_ttl_sec" envconfig:"SETTLE_ROUTING_CACHE_TTL_SEC"`
}

// RailConfig describes how to reach one bank connection.
type RailConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	TimeoutSec int    `json:"timeout_sec"`
	MaxRetries int    `json:"max_retries"`
	Sandbox    bool   `json:"sandbox"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"SETTLE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"SETTLE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"SETTLE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"SETTLE_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName     string                `json:"project_name" envconfig:"SETTLE_PROJECT_NAME"`
	EnableTelemetry bool                  `json:"enable_telemetry" envconfig:"SETTLE_ENABLE_TELEMETRY"`
	PostHogKey      string                `json:"posthog_key" envconfig:"SETTLE_POSTHOG_KEY"`
	Server          ServerConfig          `json:"server"`
	DataSource      DataSourceConfig      `json:"data_source"`
	Redis           RedisConfig           `json:"redis"`
	TypeSense       TypeSenseConfig       `json:"typesense"`
	TypeSenseKey    string                `json:"type_sense_key" envconfig:"SETTLE_TYPESENSE_KEY"`
	Broker          BrokerConfig          `json:"broker"`
	Queue           QueueConfig           `json:"queue"`
	Webhook         WebhookConfig         `json:"webhook"`
	Ledger          LedgerConfig          `json:"ledger"`
	Transaction     TransactionConfig     `json:"transaction"`
	Routing         RoutingConfig         `json:"routing"`
	Rails           map[string]RailConfig `json:"rails" ignored:"true"`
	Notification    Notification          `json:"notification"`
	RateLimit       RateLimitConfig       `json:"rate_limit"`
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
	err = envconfig.Process("settle", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called settle.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Settle Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.setQueueDefaults()
	cnf.setWebhookDefaults()
	cnf.setLedgerDefaults()
	cnf.setTransactionDefaults()

	if cnf.Routing.CacheTTLSec <= 0 {
		cnf.Routing.CacheTTLSec = 300
	}

	if cnf.Broker.Exchange == "" {
		cnf.Broker.Exchange = "settle.events"
	}
	if cnf.Broker.ConfirmationQueue == "" {
		cnf.Broker.ConfirmationQueue = "settle.confirmations"
	}
	if cnf.Broker.ConfirmationKey == "" {
		cnf.Broker.ConfirmationKey = "settlement.confirmed"
	}

	for code, rail := range cnf.Rails {
		if !rail.Sandbox && rail.BaseURL == "" {
			return fmt.Errorf("rail %s requires a base_url unless sandbox is enabled", code)
		}
		if rail.TimeoutSec <= 0 {
			rail.TimeoutSec = 30
		}
		if rail.MaxRetries <= 0 {
			rail.MaxRetries = 3
		}
		cnf.Rails[code] = rail
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.DispatchQueue == "" {
		cnf.Queue.DispatchQueue = "settle_dispatch"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "settle_webhooks"
	}
	if cnf.Queue.ExpiryQueue == "" {
		cnf.Queue.ExpiryQueue = "settle_expiry"
	}
	if cnf.Queue.IndexQueue == "" {
		cnf.Queue.IndexQueue = "settle_index"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 20
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 10
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}
}

func (cnf *Configuration) setWebhookDefaults() {
	if cnf.Webhook.TimeoutSec <= 0 {
		cnf.Webhook.TimeoutSec = 10
	}
	if cnf.Webhook.MaxAttempts <= 0 {
		cnf.Webhook.MaxAttempts = 5
	}
	if cnf.Webhook.BaseBackoffSec <= 0 {
		cnf.Webhook.BaseBackoffSec = 60
	}
	if cnf.Webhook.MaxBackoffSec <= 0 {
		cnf.Webhook.MaxBackoffSec = 3600
	}
	if cnf.Webhook.Workers <= 0 {
		cnf.Webhook.Workers = 10
	}
	if cnf.Webhook.SweepSchedule == "" {
		cnf.Webhook.SweepSchedule = "@every 30s"
	}
	if cnf.Webhook.SweepBatchSize <= 0 {
		cnf.Webhook.SweepBatchSize = 100
	}
	if cnf.Webhook.SignatureHeader == "" {
		cnf.Webhook.SignatureHeader = "X-Settle-Signature"
	}
	if cnf.Webhook.DefaultUserAgent == "" {
		cnf.Webhook.DefaultUserAgent = "Settle-Webhooks/1.0"
	}
}

func (cnf *Configuration) setLedgerDefaults() {
	if cnf.Ledger.SuspenseClientID == "" {
		cnf.Ledger.SuspenseClientID = "settle_suspense"
	}
	if cnf.Ledger.CommitRetries <= 0 {
		cnf.Ledger.CommitRetries = 5
	}
	if cnf.Ledger.StatementMaxDays <= 0 {
		cnf.Ledger.StatementMaxDays = 90
	}
}

func (cnf *Configuration) setTransactionDefaults() {
	if cnf.Transaction.ISPB == "" {
		cnf.Transaction.ISPB = DEFAULT_ISPB
	}
	if cnf.Transaction.SnapshotEvery <= 0 {
		cnf.Transaction.SnapshotEvery = 20
	}
	if cnf.Transaction.LockDurationSec <= 0 {
		cnf.Transaction.LockDurationSec = 30
	}
	if cnf.Transaction.LockWaitSec <= 0 {
		cnf.Transaction.LockWaitSec = 5
	}
	if cnf.Transaction.QRExpiryMinutes <= 0 {
		cnf.Transaction.QRExpiryMinutes = 30
	}
	if cnf.Transaction.ExpirySweepCron == "" {
		cnf.Transaction.ExpirySweepCron = "@every 1m"
	}
	if cnf.Transaction.DispatchMaxRetry <= 0 {
		cnf.Transaction.DispatchMaxRetry = 5
	}
	if cnf.Transaction.StalledAfterSec <= 0 {
		cnf.Transaction.StalledAfterSec = 600
	}
	if cnf.Transaction.RecoveryCron == "" {
		cnf.Transaction.RecoveryCron = "@every 2m"
	}
	if cnf.Transaction.RecoveryWorkers <= 0 {
		cnf.Transaction.RecoveryWorkers = 10
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

// MockDefaults stores a configuration with every default applied, for tests
// that do not care about specific settings.
func MockDefaults(mockConfig *Configuration) *Configuration {
	if mockConfig.DataSource.Dns == "" {
		mockConfig.DataSource.Dns = "postgres://localhost:5432/settle"
	}
	if mockConfig.Redis.Dns == "" {
		mockConfig.Redis.Dns = "localhost:6379"
	}
	_ = mockConfig.validateAndAddDefaults()
	ConfigStore.Store(mockConfig)
	return mockConfig
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
