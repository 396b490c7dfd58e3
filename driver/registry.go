package driver

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sync"
)

// Factory constructs a driver from a transport URL, e.g. memory://.
type Factory func(ctx context.Context, u *url.URL) (Driver, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a driver available by URL scheme, replacing any existing
// registration. Drivers typically call it from init.
func Register(scheme string, factory Factory) {
	if scheme == "" || factory == nil {
		panic("driver: invalid registration")
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[scheme] = factory
}

// Unregister removes the factory for scheme, returning it, if any.
func Unregister(scheme string) Factory {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factory := factories[scheme]
	delete(factories, scheme)
	return factory
}

// Lookup returns the factory registered for scheme, if any.
func Lookup(scheme string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	factory, ok := factories[scheme]
	return factory, ok
}

// Schemes returns the registered schemes, sorted.
func Schemes() []string {
	factoriesMu.RLock()
	schemes := make([]string, 0, len(factories))
	for scheme := range factories {
		schemes = append(schemes, scheme)
	}
	factoriesMu.RUnlock()
	slices.Sort(schemes)
	return schemes
}

// Open parses rawURL and constructs a driver using the factory registered
// for its scheme.
func Open(ctx context.Context, rawURL string) (Driver, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("driver: invalid transport url: %w", err)
	}
	factory, ok := Lookup(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	return factory(ctx, u)
}
