package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Broker.Driver)
	assert.Equal(t, 3, cfg.Broker.Partitions)
	assert.Equal(t, 50, cfg.Relay.BatchSize)
	assert.Equal(t, 10, cfg.Relay.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Relay.Interval)
	assert.Equal(t, time.Second, cfg.Consumer.BackoffInitial)
	assert.Equal(t, 2.0, cfg.Consumer.BackoffMultiplier)
	assert.Equal(t, 10*time.Second, cfg.Consumer.BackoffMax)
	assert.Equal(t, 500, cfg.Monitor.Capacity)
	assert.InDelta(t, 0.8, cfg.Consumer.PaymentSuccessRate, 1e-9)
	assert.Equal(t, "order.events", cfg.Topics.OrderEvents)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("BROKER_DRIVER", "nats")
	t.Setenv("RELAY_BATCH_SIZE", "7")
	t.Setenv("CONSUMER_MAX_ATTEMPTS_BY_TOPIC", "order.events:3,payment.events:8")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, DriverNATS, cfg.Broker.Driver)
	assert.Equal(t, 7, cfg.Relay.BatchSize)
	assert.Equal(t, 3, cfg.Consumer.MaxAttemptsFor("order.events"))
	assert.Equal(t, 8, cfg.Consumer.MaxAttemptsFor("payment.events"))
	assert.Equal(t, 5, cfg.Consumer.MaxAttemptsFor("inventory.events"))
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"BROKER_DRIVER": "kafka"}, "BROKER_DRIVER"},
		{"zero batch", map[string]string{"RELAY_BATCH_SIZE": "0"}, "RELAY_BATCH_SIZE"},
		{"short lease", map[string]string{"RELAY_LEASE_TIMEOUT": "10s"}, "RELAY_LEASE_TIMEOUT"},
		{"shrinking backoff", map[string]string{"CONSUMER_BACKOFF_MULTIPLIER": "0.5"}, "CONSUMER_BACKOFF_MULTIPLIER"},
		{"dlt topic", map[string]string{"TOPIC_ORDER_EVENTS": "order.events.DLT"}, "dead-letter suffix"},
		{"shared topic", map[string]string{"TOPIC_PAYMENT_EVENTS": "order.events"}, "shared by domains"},
		{"success rate", map[string]string{"CONSUMER_PAYMENT_SUCCESS_RATE": "1.5"}, "CONSUMER_PAYMENT_SUCCESS_RATE"},
		{"offset reset", map[string]string{"CONSUMER_AUTO_OFFSET_RESET": "none"}, "CONSUMER_AUTO_OFFSET_RESET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
