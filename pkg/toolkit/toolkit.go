// Package toolkit implements a lifecycle manager for capability packs:
// bundles of agent tools that can be registered in-process or loaded from
// shared objects, gated by a capability policy before anything runs.
package toolkit

import "context"

// Pack is a bundle of tools sharing configuration and lifecycle.
type Pack interface {
	// Info returns the static metadata for the pack.
	Info() Info
	// Configure lets the pack inspect and default its configuration block
	// before initialisation. Implementations may mutate the map.
	Configure(cfg map[string]any) error
	// Init prepares the pack for use (open connections, warm caches).
	Init(ctx *RunContext) error
	// Start activates the pack. Long running routines belong here.
	Start(ctx *RunContext) error
	// Stop halts the pack and releases its resources.
	Stop(ctx *RunContext) error
	// Tools returns the tool specifications the pack contributes. Only
	// called after Start succeeded.
	Tools() []ToolSpec
}

// ToolSpec describes a single tool a pack exposes. The host converts these
// into its own registry entries.
type ToolSpec struct {
	Name        string
	Description string
	Category    string
	Risk        string
	Retryable   bool
	Parameters  []ParamSpec
	Handler     func(ctx context.Context, params map[string]any) (any, error)
}

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// RunContext is handed to packs at every lifecycle stage.
type RunContext struct {
	// C carries cancellation and deadlines.
	C context.Context
	// Config is the pack specific configuration block.
	Config map[string]any
	// Resources exposes shared services supplied by the host.
	Resources map[string]any
}

// Clone returns a shallow copy so packs can safely mutate the maps.
func (c *RunContext) Clone() *RunContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Config != nil {
		dup.Config = make(map[string]any, len(c.Config))
		for k, v := range c.Config {
			dup.Config[k] = v
		}
	}
	if c.Resources != nil {
		dup.Resources = make(map[string]any, len(c.Resources))
		for k, v := range c.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}

// Capability expresses optional host features a pack may request access to.
type Capability string

const (
	CapabilityChainAccess Capability = "chain_access"
	CapabilityPageDriver  Capability = "page_driver"
	CapabilityNetwork     Capability = "network"
	CapabilityFilesystem  Capability = "filesystem"
)

// Info contains descriptive metadata for a pack implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Capabilities []Capability
}

// State represents the lifecycle position of a pack instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)

// Option modifies the behaviour of a Manager.
type Option func(*Manager)

// WithLoader overrides the default shared-object loader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithGuard sets a custom capability guard.
func WithGuard(guard Guard) Option {
	return func(m *Manager) {
		if guard != nil {
			m.guard = guard
		}
	}
}

// WithResource registers a shared resource exposed to all packs.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}
