package storageengine

import (
	"fmt"
	"sort"
	"sync"
)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes an engine factory available by name. Registering the same
// name twice panics.
func Register(f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[f.Name()]; dup {
		panic(fmt.Sprintf("storage engine %q registered twice", f.Name()))
	}
	factories[f.Name()] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("no storage engine named %q (available: %v)", name, namesLocked())
	}
	return f, nil
}

// Names lists the registered engines.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
