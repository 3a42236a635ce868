package driver

import (
	"errors"
	"fmt"

	"github.com/homeprobe/homeprobe/internal/config"
	"github.com/homeprobe/homeprobe/internal/token"
)

var (
	// ErrUnknownModule means the probe named a module that is not
	// configured. Surfaced as a request error, never as a failed scrape.
	ErrUnknownModule = errors.New("unknown module")

	// ErrUnknownTarget means the module is configured but has no entry
	// for the requested target.
	ErrUnknownTarget = errors.New("unknown target")
)

// New returns the driver implementation for the given module name.
func New(name string, mc config.Module, tokens *token.Store) (Driver, error) {
	switch name {
	case "lutron":
		return newLutron(mc), nil
	case "smartthings":
		return newSmartThings(mc), nil
	case "tesla":
		return newTesla(mc, tokens), nil
	case "flo":
		return newFlo(mc, tokens), nil
	case "tankutility":
		return newTankUtility(mc, tokens), nil
	case "ambientweather":
		return newAmbientWeather(mc), nil
	case "rachio":
		return newRachio(mc), nil
	case "neurio", "pwrview":
		return newNeurio(mc), nil
	case "combox":
		return newCombox(mc), nil
	case "netaxs":
		return newNetaxs(mc), nil
	default:
		return nil, fmt.Errorf("driver: unsupported module %q", name)
	}
}

type entry struct {
	driver Driver
	module config.Module
}

// Registry maps module names to constructed drivers and validates that a
// requested (module, target) pair is configured.
type Registry struct {
	entries map[string]entry
}

// NewRegistry constructs one driver per configured module.
func NewRegistry(modules map[string]config.Module, tokens *token.Store) (*Registry, error) {
	r := &Registry{entries: map[string]entry{}}
	for name, mc := range modules {
		d, err := New(name, mc, tokens)
		if err != nil {
			return nil, err
		}
		r.entries[name] = entry{driver: d, module: mc}
	}
	return r, nil
}

// Lookup returns the driver for module if target is configured for it.
func (r *Registry) Lookup(module, target string) (Driver, error) {
	e, ok := r.entries[module]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
	if !e.module.HasTarget(target) {
		return nil, fmt.Errorf("%w: %q for module %q", ErrUnknownTarget, target, module)
	}
	return e.driver, nil
}

// Modules returns the number of registered modules.
func (r *Registry) Modules() int { return len(r.entries) }
