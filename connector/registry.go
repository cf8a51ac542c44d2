package connector

import (
	"fmt"
	"sync"

	"github.com/driftsync/driftsync/cfg"
)

// SourceFactory builds a source connector from resolved configuration.
type SourceFactory func(cfg.SourceConfiguration) (SourceConnector, error)

// DestinationFactory builds a destination connector from resolved
// configuration.
type DestinationFactory func(cfg.DestinationConfiguration) (DestinationConnector, error)

var (
	registryMu           sync.RWMutex
	sourceFactories      = make(map[string]SourceFactory)
	destinationFactories = make(map[string]DestinationFactory)
)

// RegisterSource registers a source factory under a kind name. Typically
// called from an adapter package's init.
func RegisterSource(kind string, factory SourceFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	sourceFactories[kind] = factory
}

// RegisterDestination registers a destination factory under a kind name.
func RegisterDestination(kind string, factory DestinationFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	destinationFactories[kind] = factory
}

// NewSource builds a source connector for the configured kind.
func NewSource(c cfg.SourceConfiguration) (SourceConnector, error) {
	registryMu.RLock()
	factory, ok := sourceFactories[c.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source connector kind: %s (registered: %v)", c.Kind, sourceKinds())
	}
	return factory(c)
}

// NewDestination builds a destination connector for the configured kind.
func NewDestination(c cfg.DestinationConfiguration) (DestinationConnector, error) {
	registryMu.RLock()
	factory, ok := destinationFactories[c.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown destination connector kind: %s (registered: %v)", c.Kind, destinationKinds())
	}
	return factory(c)
}

func sourceKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(sourceFactories))
	for k := range sourceFactories {
		kinds = append(kinds, k)
	}
	return kinds
}

func destinationKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(destinationFactories))
	for k := range destinationFactories {
		kinds = append(kinds, k)
	}
	return kinds
}
