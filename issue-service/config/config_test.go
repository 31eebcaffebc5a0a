package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SERVICE_PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "kafka:9092")
	t.Setenv("STORAGE", "Memory")
	t.Setenv("OUTBOX_INTERVAL", "500ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.ServicePort)
	assert.Equal(t, "kafka:9092", cfg.KafkaBrokers)
	assert.Equal(t, "memory", cfg.Storage)
	assert.Equal(t, 500*time.Millisecond, cfg.OutboxInterval)
	assert.Equal(t, "issue-service", cfg.ServiceName)
	assert.Equal(t, "osrm", cfg.DirectionsProvider)
	assert.Equal(t, 10000.0, cfg.NearbyRadiusMeters)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
}

func TestLoadFromFileEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jwt:
  secret: from-file
mongo:
  database: filedb
directions:
  provider: none
`), 0o600))
	t.Setenv("MONGO_DATABASE", "envdb")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, "envdb", cfg.MongoDatabase)
	assert.Equal(t, "none", cfg.DirectionsProvider)
}

func TestValidate(t *testing.T) {
	_, err := Load("")
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "x")
	t.Setenv("DIRECTIONS_PROVIDER", "mapbox")
	_, err = Load("")
	assert.ErrorContains(t, err, "MAPBOX_TOKEN")

	t.Setenv("DIRECTIONS_PROVIDER", "carrier-pigeon")
	_, err = Load("")
	assert.ErrorContains(t, err, "unknown directions provider")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateSingleBroker(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("RABBITMQ_ENABLED", "true")
	_, err := Load("")
	assert.ErrorContains(t, err, "at most one")

	t.Setenv("KAFKA_ENABLED", "false")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "issue_topic", cfg.RabbitMQExchange)
}
