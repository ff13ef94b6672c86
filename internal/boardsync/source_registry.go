package boardsync

import (
	"strings"
	"sync"
)

type SourceFactory func(dsn string) (Source, error)

var sourceFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SourceFactory
}{
	factories: map[string]SourceFactory{},
}

// RegisterSourceFactory makes BuildSourceFromDSN hand DSNs with scheme to
// factory. Registered factories take precedence over the built-in schemes.
func RegisterSourceFactory(scheme string, factory SourceFactory) {
	scheme = normalizeSourceScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	sourceFactoryRegistry.mu.Lock()
	defer sourceFactoryRegistry.mu.Unlock()
	sourceFactoryRegistry.factories[scheme] = factory
}

func lookupSourceFactory(scheme string) (SourceFactory, bool) {
	scheme = normalizeSourceScheme(scheme)
	sourceFactoryRegistry.mu.RLock()
	defer sourceFactoryRegistry.mu.RUnlock()
	factory, ok := sourceFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeSourceScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
