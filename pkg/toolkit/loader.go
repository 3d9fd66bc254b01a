package toolkit

import (
	"errors"
	goplugin "plugin"
)

// Loader resolves pack binaries into Pack implementations.
type Loader interface {
	Load(path string) (Pack, error)
}

// SharedObjectLoader uses the Go plugin mechanism to load packs from .so files.
type SharedObjectLoader struct{}

// Load opens the shared object and looks for a `Pack` symbol.
func (SharedObjectLoader) Load(path string) (Pack, error) {
	if path == "" {
		return nil, errors.New("pack path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Pack")
	if err != nil {
		return nil, err
	}
	switch p := symbol.(type) {
	case Pack:
		return p, nil
	case *Pack:
		if p == nil {
			return nil, errors.New("pack symbol is nil")
		}
		return *p, nil
	case func() Pack:
		return p(), nil
	default:
		return nil, errors.New("pack symbol must implement toolkit.Pack")
	}
}
