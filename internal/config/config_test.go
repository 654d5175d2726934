package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":12345", cfg.TCPAddr)
	assert.Equal(t, "admin", cfg.AdminUsername)
	assert.Equal(t, "admin123", cfg.AdminSecret)
	assert.Equal(t, "ride-events", cfg.KafkaTopic)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("TCP_ADDR", " :7000 ")
	t.Setenv("HTTP_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("BCRYPT_COST", "4")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.TCPAddr)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 4, cfg.BcryptCost)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("EVENT_BUFFER", "0")
	t.Setenv("BCRYPT_COST", "99")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_READ_TIMEOUT")
	assert.Contains(t, err.Error(), "EVENT_BUFFER")
	assert.Contains(t, err.Error(), "BCRYPT_COST")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKER", "legacy:9092")
	t.Setenv("REDIS_RETRY_DELAY", "50ms")

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, "ride-dispatch-projection", cfg.KafkaGroup)

	t.Setenv("REDIS_ATTEMPTS", "0")
	_, err = LoadConsumerConfig()
	assert.Error(t, err)
}
