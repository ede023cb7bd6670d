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
	DEFAULT_TOPIC           = "payments"
	DEFAULT_DLT_SUFFIX      = ".DLT"
	DEFAULT_PARTITIONS      = 2
	DEFAULT_CONSUMER_GROUP  = "banking-group"
	DEFAULT_WEBHOOK_QUEUE   = "remit:webhooks"
	DEFAULT_MONITORING_PORT = "5004"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"REMIT_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"REMIT_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"REMIT_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"REMIT_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"REMIT_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"REMIT_REDIS_SKIP_TLS_VERIFY"`
}

// BrokerConfig describes the partitioned log transfers are consumed from.
type BrokerConfig struct {
	Topic         string `json:"topic" envconfig:"REMIT_BROKER_TOPIC"`
	DeadLetter    string `json:"dead_letter_topic" envconfig:"REMIT_BROKER_DEAD_LETTER_TOPIC"`
	Partitions    int    `json:"partitions" envconfig:"REMIT_BROKER_PARTITIONS"`
	ConsumerGroup string `json:"consumer_group" envconfig:"REMIT_BROKER_CONSUMER_GROUP"`
	ConsumerName  string `json:"consumer_name" envconfig:"REMIT_BROKER_CONSUMER_NAME"`
	BatchSize     int64  `json:"batch_size" envconfig:"REMIT_BROKER_BATCH_SIZE"`
	PollBlockMs   int    `json:"poll_block_ms" envconfig:"REMIT_BROKER_POLL_BLOCK_MS"`
	// PartitionLeaseMs is how long a worker owns a partition without renewing.
	PartitionLeaseMs int `json:"partition_lease_ms" envconfig:"REMIT_BROKER_PARTITION_LEASE_MS"`
}

// RetryConfig is the backoff schedule for retryable transfer failures.
type RetryConfig struct {
	InitialIntervalMs int     `json:"initial_interval_ms" envconfig:"REMIT_RETRY_INITIAL_INTERVAL_MS"`
	Multiplier        float64 `json:"multiplier" envconfig:"REMIT_RETRY_MULTIPLIER"`
	MaxIntervalMs     int     `json:"max_interval_ms" envconfig:"REMIT_RETRY_MAX_INTERVAL_MS"`
	MaxElapsedMs      int     `json:"max_elapsed_ms" envconfig:"REMIT_RETRY_MAX_ELAPSED_MS"`
}

type DispatcherConfig struct {
	Retry RetryConfig `json:"retry"`
}

type TransferConfig struct {
	ClaimTimeoutMs int `json:"claim_timeout_ms" envconfig:"REMIT_TRANSFER_CLAIM_TIMEOUT_MS"`
	CacheTTLSec    int `json:"cache_ttl_sec" envconfig:"REMIT_TRANSFER_CACHE_TTL_SEC"`
}

type ReconcilerConfig struct {
	Enabled             bool `json:"enabled" envconfig:"REMIT_RECONCILER_ENABLED"`
	PollIntervalSec     int  `json:"poll_interval_sec" envconfig:"REMIT_RECONCILER_POLL_INTERVAL_SEC"`
	StuckThresholdSec   int  `json:"stuck_threshold_sec" envconfig:"REMIT_RECONCILER_STUCK_THRESHOLD_SEC"`
	BatchSize           int  `json:"batch_size" envconfig:"REMIT_RECONCILER_BATCH_SIZE"`
	MaxWorkers          int  `json:"max_workers" envconfig:"REMIT_RECONCILER_MAX_WORKERS"`
	MaxRecoveryAttempts int  `json:"max_recovery_attempts" envconfig:"REMIT_RECONCILER_MAX_RECOVERY_ATTEMPTS"`
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"REMIT_QUEUE_WEBHOOK_QUEUE"`
	MonitoringPort string `json:"monitoring_port" envconfig:"REMIT_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"REMIT_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"REMIT_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"REMIT_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url" envconfig:"REMIT_NOTIFICATION_WEBHOOK_URL"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"REMIT_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"REMIT_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Broker          BrokerConfig     `json:"broker"`
	Dispatcher      DispatcherConfig `json:"dispatcher"`
	Transfer        TransferConfig   `json:"transfer"`
	Reconciler      ReconcilerConfig `json:"reconciler"`
	Queue           QueueConfig      `json:"queue"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
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
	err = envconfig.Process("remit", &cnf)
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
		return nil, errors.New("config not loaded from file. Create a json file called remit.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Remit Server"
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
	cnf.Broker.Topic = strings.TrimSpace(cnf.Broker.Topic)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Broker.setDefaults()
	cnf.Dispatcher.Retry.setDefaults()
	cnf.Transfer.setDefaults()
	cnf.Reconciler.setDefaults()

	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = DEFAULT_WEBHOOK_QUEUE
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
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

func (b *BrokerConfig) setDefaults() {
	if b.Topic == "" {
		b.Topic = DEFAULT_TOPIC
	}
	if b.DeadLetter == "" {
		b.DeadLetter = b.Topic + DEFAULT_DLT_SUFFIX
	}
	if b.Partitions <= 0 {
		b.Partitions = DEFAULT_PARTITIONS
	}
	if b.ConsumerGroup == "" {
		b.ConsumerGroup = DEFAULT_CONSUMER_GROUP
	}
	if b.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "remit"
		}
		b.ConsumerName = host
	}
	if b.BatchSize <= 0 {
		b.BatchSize = 10
	}
	if b.PollBlockMs <= 0 {
		b.PollBlockMs = 2000
	}
	if b.PartitionLeaseMs <= 0 {
		b.PartitionLeaseMs = 15000
	}
}

func (r *RetryConfig) setDefaults() {
	if r.InitialIntervalMs <= 0 {
		r.InitialIntervalMs = 1000
	}
	if r.Multiplier < 1 {
		r.Multiplier = 2.0
	}
	if r.MaxIntervalMs <= 0 {
		r.MaxIntervalMs = 10000
	}
	if r.MaxElapsedMs <= 0 {
		r.MaxElapsedMs = 60000
	}
}

func (t *TransferConfig) setDefaults() {
	if t.ClaimTimeoutMs <= 0 {
		t.ClaimTimeoutMs = 30000
	}
	if t.CacheTTLSec <= 0 {
		t.CacheTTLSec = 3600
	}
}

func (r *ReconcilerConfig) setDefaults() {
	if r.PollIntervalSec <= 0 {
		r.PollIntervalSec = 30
	}
	if r.StuckThresholdSec <= 0 {
		r.StuckThresholdSec = 120
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 50
	}
	if r.MaxWorkers <= 0 {
		r.MaxWorkers = 4
	}
	if r.MaxRecoveryAttempts <= 0 {
		r.MaxRecoveryAttempts = 3
	}
}

// PollBlock is how long a read waits for new entries before returning empty.
func (b BrokerConfig) PollBlock() time.Duration {
	return time.Duration(b.PollBlockMs) * time.Millisecond
}

func (b BrokerConfig) PartitionLease() time.Duration {
	return time.Duration(b.PartitionLeaseMs) * time.Millisecond
}

func (t TransferConfig) ClaimTimeout() time.Duration {
	return time.Duration(t.ClaimTimeoutMs) * time.Millisecond
}

func (t TransferConfig) CacheTTL() time.Duration {
	return time.Duration(t.CacheTTLSec) * time.Second
}

func (r ReconcilerConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSec) * time.Second
}

func (r ReconcilerConfig) StuckThreshold() time.Duration {
	return time.Duration(r.StuckThresholdSec) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
