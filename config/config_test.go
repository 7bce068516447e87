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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}
	cnf = Configuration{
		DataSource: DataSourceConfig{
			Dns: "postgres://localhost:5432",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		ProjectName: "Test Project",
		DataSource: DataSourceConfig{
			Dns: "some-dns",
		},
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err = cnf.validateAndAddDefaults()
	require.NoError(t, err)
	assert.Equal(t, DEFAULT_PORT, cnf.Server.Port)
	assert.Equal(t, 10*time.Second, cnf.Webhook.Timeout())
	assert.Equal(t, 5, cnf.Webhook.MaxAttempts)
	assert.Equal(t, time.Minute, cnf.Webhook.BaseBackoff())
	assert.Equal(t, time.Hour, cnf.Webhook.MaxBackoff())
	assert.Equal(t, 90, cnf.Ledger.StatementMaxDays)
	assert.Equal(t, DEFAULT_ISPB, cnf.Transaction.ISPB)
	assert.Equal(t, 10*time.Minute, cnf.Transaction.StalledAfter())
	assert.Equal(t, "@every 2m", cnf.Transaction.RecoveryCron)
	assert.Equal(t, 10, cnf.Transaction.RecoveryWorkers)
	assert.Equal(t, "settle_dispatch", cnf.Queue.DispatchQueue)
	assert.Equal(t, "settlement.confirmed", cnf.Broker.ConfirmationKey)
	assert.Equal(t, 10800, *cnf.RateLimit.CleanupIntervalSec)
}

func TestValidateRails(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Rails: map[string]RailConfig{
			"STARK": {Sandbox: true},
		},
	}
	require.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, 30, cnf.Rails["STARK"].TimeoutSec)
	assert.Equal(t, 3, cnf.Rails["STARK"].MaxRetries)

	cnf.Rails["SICOOB"] = RailConfig{}
	err := cnf.validateAndAddDefaults()
	assert.EqualError(t, err, "rail SICOOB requires a base_url unless sandbox is enabled")
}

func TestRateLimitDefaults(t *testing.T) {
	rps := 10.0
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		RateLimit:  RateLimitConfig{RequestsPerSecond: &rps},
	}
	require.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, 20, *cnf.RateLimit.Burst)

	burst := 8
	cnf.RateLimit = RateLimitConfig{Burst: &burst}
	require.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, 4.0, *cnf.RateLimit.RequestsPerSecond)
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "settle.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource: DataSourceConfig{
			Dns: "temp-dns",
		},
		Redis: RedisConfig{
			Dns: "temp-redis",
		},
		Webhook: WebhookConfig{
			MaxAttempts: 3,
		},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	t.Setenv("SETTLE_PROJECT_NAME", "Env Project")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	assert.Equal(t, "Env Project", loadedConfig.ProjectName)
	assert.Equal(t, "temp-dns", loadedConfig.DataSource.Dns)
	assert.Equal(t, 3, loadedConfig.Webhook.MaxAttempts)
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "settle.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource: DataSourceConfig{
			Dns: "init-config-dns",
		}, Redis: RedisConfig{
			Dns: "localhost:6379",
		},
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

	assert.Equal(t, "InitConfig Test", loadedConfig.ProjectName)
	assert.Equal(t, "init-config-dns", loadedConfig.DataSource.Dns)
}

func TestMockDefaults(t *testing.T) {
	cnf := MockDefaults(&Configuration{})
	fetched, err := Fetch()
	require.NoError(t, err)
	assert.Same(t, cnf, fetched)
	assert.Equal(t, "@every 30s", fetched.Webhook.SweepSchedule)
}
