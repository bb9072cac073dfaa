package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powergate/internal/models"
)

var testSecret = strings.Repeat("s", models.MinSigningSecretLength)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// signedTiersYAML keeps every quota within what a signed cookie can carry.
const signedTiersYAML = `
rate_limit:
  tiers:
    - name: minute
      limit: 100
      period: 1m
    - name: day
      limit: 250
      period: 24h
`

func TestLoad_SignedModeRejectsLargeQuota(t *testing.T) {
	t.Setenv("POWERGATE_RATE_LIMIT_MODE", "signed")
	t.Setenv("POWERGATE_RATE_LIMIT_SECRET", testSecret)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use keyed mode")

	_, err = Load(writeFile(t, "powergate.yaml", signedTiersYAML))
	assert.NoError(t, err)
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	configFile := writeFile(t, "powergate.yaml", `
server:
  port: 8081
  host: "localhost"
  read_timeout: 15s
  shutdown_timeout: 5s

storage:
  type: "sqlite"
  database:
    dsn: "file:rate.db"

rate_limit:
  enabled: true
  mode: "signed"
  secret: "`+testSecret+`"
  retention: 24h
  reject_tampered: true
  trust_proxy_headers: true
  tiers:
    - name: "minute"
      limit: 50
      period: 1m
      message: "Too many requests."
      code: "RATE_LIMIT_EXCEEDED"
  cookie:
    payload_name: "pg_data"
    signature_name: "pg_sig"
    secure: true

upstream:
  timeout: 3s
  requests_per_second: 2
  burst: 1

logging:
  level: "debug"
  format: "text"
  output: "stderr"
`)

	config, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, 8081, config.Server.Port)
	assert.Equal(t, "localhost", config.Server.Host)
	assert.Equal(t, 15*time.Second, config.Server.ReadTimeout)
	assert.Equal(t, 5*time.Second, config.Server.ShutdownTimeout)
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Second, config.Server.WriteTimeout)

	assert.Equal(t, models.StorageTypeSQLite, config.Storage.Type)
	assert.Equal(t, "file:rate.db", config.Storage.Database.DSN)

	rl := config.RateLimit
	assert.Equal(t, models.RateLimitModeSigned, rl.Mode)
	assert.Equal(t, testSecret, rl.Secret)
	assert.True(t, rl.RejectTampered)
	assert.True(t, rl.TrustProxyHeaders)
	require.Len(t, rl.Tiers, 1, "configured tiers replace the defaults")
	assert.Equal(t, models.TierConfig{
		Name: "minute", Limit: 50, Period: time.Minute,
		Message: "Too many requests.", Code: "RATE_LIMIT_EXCEEDED",
	}, rl.Tiers[0])
	assert.Equal(t, "pg_data", rl.Cookie.PayloadName)
	assert.True(t, rl.Cookie.Secure)

	assert.Equal(t, 3*time.Second, config.Upstream.Timeout)
	assert.Equal(t, 2.0, config.Upstream.RequestsPerSecond)
	assert.Equal(t, "https://api.blockchair.com", config.Upstream.BlockchairURL)

	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "text", config.Logging.Format)
	assert.Equal(t, "stderr", config.Logging.Output)
}

func TestLoad_WithDefaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, models.StorageTypeMemory, config.Storage.Type)
	assert.Equal(t, models.RateLimitModeKeyed, config.RateLimit.Mode)
	assert.Equal(t, 24*time.Hour, config.RateLimit.Retention)
	assert.Equal(t, models.DefaultTiers(), config.RateLimit.Tiers)
	assert.False(t, config.RateLimit.TrustProxyHeaders)
	assert.Equal(t, "info", config.Logging.Level)
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, "powergate", config.Observability.ServiceName)
}

func TestLoad_WithEnvironmentVariables(t *testing.T) {
	t.Setenv("POWERGATE_PORT", "9000")
	t.Setenv("POWERGATE_HOST", "127.0.0.1")
	t.Setenv("POWERGATE_READ_TIMEOUT", "45s")
	t.Setenv("POWERGATE_STORAGE_TYPE", "redis")
	t.Setenv("POWERGATE_REDIS_ADDR", "cache:6379")
	t.Setenv("POWERGATE_REDIS_DB", "2")
	t.Setenv("POWERGATE_RATE_LIMIT_MODE", "signed")
	t.Setenv("POWERGATE_RATE_LIMIT_SECRET", testSecret)
	t.Setenv("POWERGATE_RATE_LIMIT_REJECT_TAMPERED", "TRUE")
	t.Setenv("POWERGATE_TRUST_PROXY_HEADERS", "true")
	t.Setenv("POWERGATE_UPSTREAM_REQUESTS_PER_SECOND", "0.5")
	t.Setenv("POWERGATE_BLOCKCHAIR_URL", "http://blockchair.test")
	t.Setenv("POWERGATE_LOG_LEVEL", "warn")
	t.Setenv("POWERGATE_METRICS_ENABLED", "false")
	t.Setenv("POWERGATE_TRACING_ENABLED", "true")
	t.Setenv("POWERGATE_TRACING_EXPORTER", "otlp")
	t.Setenv("POWERGATE_OTLP_ENDPOINT", "collector:4317")

	config, err := Load(writeFile(t, "powergate.yaml", signedTiersYAML))
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, "127.0.0.1", config.Server.Host)
	assert.Equal(t, 45*time.Second, config.Server.ReadTimeout)
	assert.Equal(t, models.StorageTypeRedis, config.Storage.Type)
	assert.Equal(t, "cache:6379", config.Storage.Redis.Addr)
	assert.Equal(t, 2, config.Storage.Redis.DB)
	assert.Equal(t, models.RateLimitModeSigned, config.RateLimit.Mode)
	assert.Equal(t, testSecret, config.RateLimit.Secret)
	assert.True(t, config.RateLimit.RejectTampered)
	assert.True(t, config.RateLimit.TrustProxyHeaders)
	assert.Equal(t, 0.5, config.Upstream.RequestsPerSecond)
	assert.Equal(t, "http://blockchair.test", config.Upstream.BlockchairURL)
	assert.Equal(t, "warn", config.Logging.Level)
	assert.False(t, config.Metrics.Enabled)
	assert.True(t, config.Observability.Tracing.Enabled)
	assert.Equal(t, "collector:4317", config.Observability.Tracing.OTLPEndpoint)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	configFile := writeFile(t, "powergate.yaml", "server:\n  port: 8081\n")
	t.Setenv("POWERGATE_PORT", "8082")

	config, err := Load(configFile)
	require.NoError(t, err)
	assert.Equal(t, 8082, config.Server.Port)
}

func TestLoad_InvalidEnvironmentValue(t *testing.T) {
	t.Setenv("POWERGATE_PORT", "eighty")
	t.Setenv("POWERGATE_READ_TIMEOUT", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POWERGATE_PORT")
	assert.Contains(t, err.Error(), "POWERGATE_READ_TIMEOUT")
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := writeFile(t, "powergate.env", `
# local overrides
POWERGATE_PORT=7070
POWERGATE_RATE_LIMIT_MODE=signed
POWERGATE_RATE_LIMIT_SECRET=`+testSecret+`
POWERGATE_LOG_FORMAT=text
`)
	t.Setenv("POWERGATE_ENV_FILE", envFile)
	t.Setenv("POWERGATE_LOG_FORMAT", "json")

	config, err := Load(writeFile(t, "powergate.yaml", signedTiersYAML))
	require.NoError(t, err)

	assert.Equal(t, 7070, config.Server.Port)
	assert.Equal(t, models.RateLimitModeSigned, config.RateLimit.Mode)
	assert.Equal(t, testSecret, config.RateLimit.Secret)
	assert.Equal(t, "json", config.Logging.Format, "process environment wins over the env file")

	_, present := os.LookupEnv("POWERGATE_RATE_LIMIT_SECRET")
	assert.False(t, present, "env file values are not exported to the process")
}

func TestLoad_MissingExplicitEnvFile(t *testing.T) {
	t.Setenv("POWERGATE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/powergate.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configFile := writeFile(t, "invalid.yaml", "server:\n  port: [unclosed\n")

	_, err := Load(configFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML config")
}

func TestLoad_EmptyConfigFile(t *testing.T) {
	configFile := writeFile(t, "empty.yaml", "")

	config, err := Load(configFile)
	require.NoError(t, err)
	assert.Equal(t, models.NewDefaultConfig().Server, config.Server)
}

func TestLoad_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"signed without secret", "rate_limit:\n  mode: signed\n", "secret"},
		{"unknown mode", "rate_limit:\n  mode: sticky\n", "invalid rate limit mode"},
		{"fractional period", "rate_limit:\n  tiers:\n    - {name: a, limit: 1, period: 1500ms}\n", "whole number of seconds"},
		{"period beyond retention", "rate_limit:\n  retention: 1h\n  tiers:\n    - {name: a, limit: 1, period: 2h}\n", "exceeds retention"},
		{"postgres without dsn", "storage:\n  type: postgres\n", "DSN"},
		{"tls without certs", "server:\n  tls_enabled: true\n", "TLS cert file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "powergate.example.yaml")

	require.NoError(t, SaveExample(path))

	config, err := Load(path)
	require.NoError(t, err, "the example must load as-is")
	assert.Equal(t, models.RateLimitModeSigned, config.RateLimit.Mode)
	assert.Len(t, config.RateLimit.Secret, len("replace-with-at-least-32-random-bytes"))
	require.Len(t, config.RateLimit.Tiers, 2)
	assert.Equal(t, models.DefaultTiers()[0], config.RateLimit.Tiers[0])
	assert.Equal(t, models.MaxSignedTierLimit, config.RateLimit.MaxTierLimit())
}
