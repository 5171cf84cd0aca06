package objectstore

import (
	"context"
	"fmt"
	"sync"
)

// Factory constructs a StorageDriver from a parameters map.
type Factory interface {
	Create(ctx context.Context, parameters map[string]interface{}) (StorageDriver, error)
}

var (
	factoriesMu sync.Mutex
	factories   = map[string]Factory{}
)

// Register makes a named driver factory available to Create.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Create constructs the named driver (one of "filesystem", "s3", "azure")
// from its parameters, as selected by the storage.type configuration option.
func Create(ctx context.Context, name string, parameters map[string]interface{}) (StorageDriver, error) {
	factoriesMu.Lock()
	factory, ok := factories[name]
	factoriesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("objectstore: no storage driver registered for %q", name)
	}
	return factory.Create(ctx, parameters)
}
