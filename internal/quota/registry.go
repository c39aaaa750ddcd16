package quota

import (
	"fmt"
	"sync"
)

// Factory builds a Strategy from its collaborators.
type Factory func(cfg Config, tracker UsageTracker, cleaner Cleaner) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func init() {
	Register("standard", func(cfg Config, tracker UsageTracker, cleaner Cleaner) (Strategy, error) {
		return NewStandard(cfg, tracker, cleaner)
	})
	Register("unlimited", func(_ Config, tracker UsageTracker, _ Cleaner) (Strategy, error) {
		return NewUnlimited(tracker), nil
	})
}

// Register registers a quota strategy factory under name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds the strategy registered under name.
func New(name string, cfg Config, tracker UsageTracker, cleaner Cleaner) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("quota strategy not found: %s", name)
	}
	return factory(cfg, tracker, cleaner)
}
