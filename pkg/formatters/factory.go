package formatters

import (
	"fmt"
	"strings"
	"sync"

	"github.com/wayneeseguin/omnisink/pkg/types"
)

// Constructor builds a formatter instance.
type Constructor func() types.Formatter

// Factory creates formatter instances by name. Config files refer to
// formatters by these names.
type Factory struct {
	mu         sync.RWMutex
	formatters map[string]Constructor
}

// NewFactory creates a new formatter factory with the built-in formatters registered
func NewFactory() *Factory {
	f := &Factory{
		formatters: make(map[string]Constructor),
	}

	f.formatters["text"] = func() types.Formatter { return NewTextFormatter() }
	f.formatters["json"] = func() types.Formatter { return NewJSONFormatter() }
	f.formatters["msgpack"] = func() types.Formatter { return NewMsgpackFormatter("") }
	f.formatters["csv"] = func() types.Formatter { return NewCSVFormatter() }

	return f
}

// Register registers a new formatter constructor
func (f *Factory) Register(name string, constructor Constructor) error {
	if name == "" {
		return fmt.Errorf("formatter name cannot be empty")
	}
	if constructor == nil {
		return fmt.Errorf("formatter constructor cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.formatters[strings.ToLower(name)] = constructor
	return nil
}

// Create creates a formatter by name
func (f *Factory) Create(name string) (types.Formatter, error) {
	f.mu.RLock()
	constructor, exists := f.formatters[strings.ToLower(name)]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("formatter %q not registered", name)
	}
	return constructor(), nil
}

// Names returns the registered formatter names.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.formatters))
	for name := range f.formatters {
		names = append(names, name)
	}
	return names
}
