package source

import (
	"sort"
	"strings"
	"sync"
)

// Factory builds a Provider for a state from shared configuration.
type Factory func(cfg ProviderConfig) Provider

// Registration describes a registered state package.
type Registration struct {
	State   string
	Name    string
	Version string
	Factory Factory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register records a state package. State packages call this from init().
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	reg.State = strings.ToUpper(reg.State)
	registry[reg.State] = reg
}

// Lookup returns the registration for a state code, case-insensitively.
func Lookup(code string) (Registration, error) {
	registryMu.RLock()
	reg, ok := registry[strings.ToUpper(strings.TrimSpace(code))]
	registryMu.RUnlock()

	if !ok {
		return Registration{}, unknownState(code)
	}
	return reg, nil
}

// States returns the registered state codes, sorted.
func States() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	states := make([]string, 0, len(registry))
	for code := range registry {
		states = append(states, code)
	}
	sort.Strings(states)
	return states
}

// Registrations returns every registration ordered by state code.
func Registrations() []Registration {
	registryMu.RLock()
	defer registryMu.RUnlock()

	regs := make([]Registration, 0, len(registry))
	for _, reg := range registry {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].State < regs[j].State })
	return regs
}

// unregister removes a state. Used by tests.
func unregister(code string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, strings.ToUpper(code))
}
