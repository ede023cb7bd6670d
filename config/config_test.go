package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: ""},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: ""},
	}
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		ProjectName: "Test Project",
		DataSource:  DataSourceConfig{Dns: "some-dns"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}
}

func TestBrokerAndRetryDefaults(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cnf.Broker.Topic != "payments" {
		t.Errorf("Expected topic payments, got %s", cnf.Broker.Topic)
	}
	if cnf.Broker.DeadLetter != "payments.DLT" {
		t.Errorf("Expected dead letter topic payments.DLT, got %s", cnf.Broker.DeadLetter)
	}
	if cnf.Broker.Partitions != 2 {
		t.Errorf("Expected 2 partitions, got %d", cnf.Broker.Partitions)
	}
	if cnf.Broker.ConsumerGroup != DEFAULT_CONSUMER_GROUP {
		t.Errorf("Expected consumer group %s, got %s", DEFAULT_CONSUMER_GROUP, cnf.Broker.ConsumerGroup)
	}
	if cnf.Broker.ConsumerName == "" {
		t.Error("Expected consumer name to be derived from hostname")
	}
	if cnf.Broker.PartitionLease() != 15*time.Second {
		t.Errorf("Expected partition lease 15s, got %s", cnf.Broker.PartitionLease())
	}

	retry := cnf.Dispatcher.Retry
	if retry.InitialIntervalMs != 1000 || retry.Multiplier != 2.0 || retry.MaxIntervalMs != 10000 || retry.MaxElapsedMs != 60000 {
		t.Errorf("Unexpected retry defaults: %+v", retry)
	}

	if cnf.Transfer.ClaimTimeout() != 30*time.Second {
		t.Errorf("Expected claim timeout 30s, got %s", cnf.Transfer.ClaimTimeout())
	}
	if cnf.Reconciler.MaxRecoveryAttempts != 3 {
		t.Errorf("Expected 3 recovery attempts, got %d", cnf.Reconciler.MaxRecoveryAttempts)
	}
}

func TestDeadLetterFollowsCustomTopic(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Broker:     BrokerConfig{Topic: "transfers"},
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.Broker.DeadLetter != "transfers.DLT" {
		t.Errorf("Expected dead letter topic transfers.DLT, got %s", cnf.Broker.DeadLetter)
	}
}

func TestRateLimitDefaults(t *testing.T) {
	rps := 10.0
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		RateLimit:  RateLimitConfig{RequestsPerSecond: &rps},
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.RateLimit.Burst == nil || *cnf.RateLimit.Burst != 20 {
		t.Errorf("Expected burst 20, got %v", cnf.RateLimit.Burst)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "remit.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource:  DataSourceConfig{Dns: "temp-dns"},
		Redis:       RedisConfig{Dns: "temp-redis"},
		Broker:      BrokerConfig{Partitions: 4},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	os.Setenv("REMIT_PROJECT_NAME", "Env Project")
	defer os.Unsetenv("REMIT_PROJECT_NAME")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if loadedConfig.ProjectName != "Env Project" {
		t.Errorf("Expected ProjectName to be 'Env Project', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.DataSource.Dns != "temp-dns" {
		t.Errorf("Expected DataSource.Dns to be 'temp-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
	if loadedConfig.Broker.Partitions != 4 {
		t.Errorf("Expected 4 partitions from file, got %d", loadedConfig.Broker.Partitions)
	}
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "remit.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource:  DataSourceConfig{Dns: "init-config-dns"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	if err := InitConfig(tmpFile.Name()); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if loadedConfig.ProjectName != "InitConfig Test" {
		t.Errorf("Expected ProjectName to be 'InitConfig Test', got '%s'", loadedConfig.ProjectName)
	}
}
