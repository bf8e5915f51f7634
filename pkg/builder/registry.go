package builder

import (
	"fmt"
	"sort"
	"sync"
)

var (
	mu       sync.RWMutex
	builders = map[string]Builder{}
)

// Register makes a Builder available by its Kind().
// It is typically called from an init() function.
func Register(b Builder) {
	mu.Lock()
	defer mu.Unlock()
	builders[b.Kind()] = b
}

// Get returns the Builder for the given kind, or an error if none is
// registered.
func Get(kind string) (Builder, error) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := builders[kind]
	if !ok {
		return nil, fmt.Errorf("builder: unknown target kind %q (available: %v)", kind, names())
	}
	return b, nil
}

// Names returns the sorted list of registered builder kinds.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return names()
}

func names() []string {
	out := make([]string, 0, len(builders))
	for k := range builders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
