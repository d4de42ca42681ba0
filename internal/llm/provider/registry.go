package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a provider from its config map.
type Factory func(config map[string]any) (Provider, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory registers a provider factory under a name. Providers
// register themselves from init().
func RegisterFactory(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = factory
}

// New builds the named provider from config.
func New(name string, config map[string]any) (Provider, error) {
	factoryMu.RLock()
	factory, ok := factories[name]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("provider %q not registered (have %v)", name, Names())
	}
	return factory(config)
}

// Names returns the registered provider names, sorted.
func Names() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
