package storage

import (
	"fmt"

	"powergate/internal/models"
)

// Factory provides a centralized way to create storage instances based on configuration.
// This allows for easy extensibility and provider swapping without code changes.
type Factory struct{}

// NewFactory creates a new storage factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a storage backend based on the provided configuration.
// Supported providers:
//   - memory: In-memory storage (single instance, lost on restart)
//   - json: Single JSON file (single host)
//   - sqlite: SQLite database storage (single host)
//   - postgres: PostgreSQL database storage (shared between instances)
//   - redis: Redis storage with native key expiry (shared between instances)
func (f *Factory) Create(config models.StorageConfig) (Backend, error) {
	storageConfig := Config{
		Type:             config.Type,
		Path:             config.Path,
		ConnectionString: config.Database.DSN,
		MaxOpenConns:     config.Database.MaxOpenConns,
		MaxIdleConns:     config.Database.MaxIdleConns,
		ConnMaxLifetime:  config.Database.ConnMaxLifetime,
		ConnMaxIdleTime:  config.Database.ConnMaxIdleTime,
		RedisAddr:        config.Redis.Addr,
		RedisPassword:    config.Redis.Password,
		RedisDB:          config.Redis.DB,
		RedisPoolSize:    config.Redis.PoolSize,
	}

	switch config.Type {
	case models.StorageTypeJSON:
		s, err := NewJSONStorage(storageConfig)
		if err != nil {
			return nil, err
		}
		return s, nil
	case models.StorageTypeMemory:
		s, err := NewMemoryStorage(storageConfig)
		if err != nil {
			return nil, err
		}
		return s, nil
	case models.StorageTypePostgres:
		s, err := NewPostgresStorage(storageConfig)
		if err != nil {
			return nil, err
		}
		return s, nil
	case models.StorageTypeSQLite:
		s, err := NewSQLiteStorage(storageConfig)
		if err != nil {
			return nil, err
		}
		return s, nil
	case models.StorageTypeRedis:
		s, err := NewRedisStorage(storageConfig)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// GetSupportedProviders returns a list of all supported storage provider types
func (f *Factory) GetSupportedProviders() []string {
	return []string{
		models.StorageTypeJSON,
		models.StorageTypeMemory,
		models.StorageTypePostgres,
		models.StorageTypeSQLite,
		models.StorageTypeRedis,
	}
}

// ValidateConfig validates that a storage configuration is valid for its type
func (f *Factory) ValidateConfig(config models.StorageConfig) error {
	switch config.Type {
	case models.StorageTypeJSON:
		if config.Path == "" {
			return fmt.Errorf("path is required for JSON storage")
		}
	case models.StorageTypeMemory:
		// Memory storage requires no additional configuration
	case models.StorageTypePostgres, models.StorageTypeSQLite:
		if config.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s storage", config.Type)
		}
	case models.StorageTypeRedis:
		if config.Redis.Addr == "" {
			return fmt.Errorf("address is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
	return nil
}
