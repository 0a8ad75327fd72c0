package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "address_locks", cfg.LockTable)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Minute, cfg.OrderAgeThreshold)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ORDERFLOW_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ORDERFLOW_CHAIN_ENDPOINTS", "1=http://node:8545")
	t.Setenv("ORDERFLOW_MANAGED_ADDRESSES", "0xa,0xb")
	t.Setenv("ORDERFLOW_MONITOR_INTERVAL", "30s")
	t.Setenv("ORDERFLOW_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"0xa", "0xb"}, cfg.Chain.ManagedAddresses)
	assert.Equal(t, 30*time.Second, cfg.MonitorInterval)
	assert.Equal(t, "debug", cfg.Log.Level)

	eps, err := cfg.Chain.ParsedEndpoints()
	require.NoError(t, err)
	assert.Equal(t, "http://node:8545", eps[1])
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("ORDERFLOW_CHAIN_ENDPOINTS", "mainnet")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("ORDERFLOW_CHAIN_ENDPOINTS", "")
	t.Setenv("ORDERFLOW_ORDER_AGE_THRESHOLD", "0s")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("ORDERFLOW_ORDER_AGE_THRESHOLD", "soon")
	_, err = Load()
	require.Error(t, err)
}
