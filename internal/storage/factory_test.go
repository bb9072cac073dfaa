package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powergate/internal/models"
)

func TestFactory(t *testing.T) {
	factory := NewFactory()

	t.Run("GetSupportedProviders", func(t *testing.T) {
		assert.Equal(t, []string{"json", "memory", "postgres", "sqlite", "redis"}, factory.GetSupportedProviders())
	})

	t.Run("ValidateConfig", func(t *testing.T) {
		tests := []struct {
			name      string
			config    models.StorageConfig
			expectErr bool
		}{
			{name: "valid json config", config: models.StorageConfig{Type: "json", Path: "/tmp/test.json"}},
			{name: "valid memory config", config: models.StorageConfig{Type: "memory"}},
			{name: "valid redis config", config: models.StorageConfig{Type: "redis", Redis: models.RedisConfig{Addr: "localhost:6379"}}},
			{name: "invalid storage type", config: models.StorageConfig{Type: "invalid"}, expectErr: true},
			{name: "json without path", config: models.StorageConfig{Type: "json"}, expectErr: true},
			{name: "sqlite without dsn", config: models.StorageConfig{Type: "sqlite"}, expectErr: true},
			{name: "redis without addr", config: models.StorageConfig{Type: "redis"}, expectErr: true},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := factory.ValidateConfig(tt.config)
				if tt.expectErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			})
		}
	})

	t.Run("Create", func(t *testing.T) {
		dir := t.TempDir()
		mr := miniredis.RunT(t)

		configs := map[string]models.StorageConfig{
			"memory": {Type: "memory"},
			"json":   {Type: "json", Path: filepath.Join(dir, "rl.json")},
			"sqlite": {Type: "sqlite", Database: models.DatabaseConfig{DSN: filepath.Join(dir, "rl.db")}},
			"redis":  {Type: "redis", Redis: models.RedisConfig{Addr: mr.Addr()}},
		}

		for name, cfg := range configs {
			t.Run(name, func(t *testing.T) {
				backend, err := factory.Create(cfg)
				require.NoError(t, err)
				require.NotNil(t, backend)
				defer backend.Close()
				assert.NoError(t, backend.Ping(context.Background()))
			})
		}
	})

	t.Run("Create returns nil backend on error", func(t *testing.T) {
		backend, err := factory.Create(models.StorageConfig{Type: "json"})
		assert.Error(t, err)
		assert.Nil(t, backend)

		backend, err = factory.Create(models.StorageConfig{Type: "nope"})
		assert.Error(t, err)
		assert.Nil(t, backend)
	})
}
