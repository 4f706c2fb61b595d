package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DefaultFactory is the default store factory, keyed by driver name.
type DefaultFactory struct {
	builders map[string]Builder
	mu       sync.RWMutex
}

// Builder is a function that creates a store from config.
type Builder func(ctx context.Context, config Config) (Store, error)

var (
	// Global factory instance
	globalFactory = &DefaultFactory{
		builders: make(map[string]Builder),
	}
)

func init() {
	RegisterStoreType("sqlite", func(_ context.Context, config Config) (Store, error) {
		return NewSQLiteStore(config)
	})
	RegisterStoreType("postgres", func(ctx context.Context, config Config) (Store, error) {
		return NewPostgresStore(ctx, config)
	})
}

// Open selects a Store implementation by cfg.Driver, defaulting to sqlite,
// or to postgres when the DSN carries a postgres:// scheme.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := strings.ToLower(cfg.Driver)
	if driver == "" {
		if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
			driver = "postgres"
		} else {
			driver = "sqlite"
		}
	}
	cfg.Driver = driver
	return CreateStore(ctx, cfg)
}

// RegisterStoreType registers a new store type with the global factory
func RegisterStoreType(storeType string, builder Builder) {
	globalFactory.RegisterStoreType(storeType, builder)
}

// CreateStore creates a store using the global factory.
func CreateStore(ctx context.Context, config Config) (Store, error) {
	return globalFactory.CreateStore(ctx, config)
}

// SupportedTypes returns supported store types from the global factory
func SupportedTypes() []string {
	return globalFactory.SupportedTypes()
}

// RegisterStoreType registers a new store type
func (f *DefaultFactory) RegisterStoreType(storeType string, builder Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[storeType] = builder
}

// CreateStore creates a store based on the configuration.
func (f *DefaultFactory) CreateStore(ctx context.Context, config Config) (Store, error) {
	f.mu.RLock()
	builder, exists := f.builders[config.Driver]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported store driver: %s (supported: %v)", config.Driver, f.SupportedTypes())
	}

	return builder(ctx, config)
}

// SupportedTypes returns a list of supported store types
func (f *DefaultFactory) SupportedTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.builders))
	for storeType := range f.builders {
		types = append(types, storeType)
	}
	return types
}

// Wrapper provides additional functionality around a base store
type Wrapper struct {
	Store
	name   string
	config Config
}

// Name returns the store name
func (w *Wrapper) Name() string {
	return w.name
}

// Config returns the store configuration
func (w *Wrapper) Config() Config {
	return w.config
}

// Type returns the store driver name.
func (w *Wrapper) Type() string {
	return w.config.Driver
}
