package toolkit

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ManagerConfig describes which packs the manager should load and the
// default capability policy applied to all of them.
type ManagerConfig struct {
	PackDir  string                `yaml:"packDir"`
	Defaults Policy                `yaml:"defaults"`
	Packs    map[string]PackConfig `yaml:"packs"`
}

// PackConfig is the configuration block for a single pack instance.
type PackConfig struct {
	Enabled bool           `yaml:"enabled"`
	Path    string         `yaml:"path"`
	Config  map[string]any `yaml:"config"`
	Policy  *Policy        `yaml:"policy"`
}

// Policy governs which capabilities a pack may use.
type Policy struct {
	Allowed []Capability `yaml:"allowed"`
	Denied  []Capability `yaml:"denied"`
}

// Merge returns a new policy using values from other when not present.
func (p Policy) Merge(other Policy) Policy {
	if len(p.Allowed) == 0 {
		p.Allowed = other.Allowed
	}
	if len(p.Denied) == 0 {
		p.Denied = other.Denied
	}
	return p
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read pack config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal pack config: %w", err)
	}
	if cfg.Packs == nil {
		cfg.Packs = map[string]PackConfig{}
	}
	return cfg, nil
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	for id, pack := range c.Packs {
		if id == "" {
			return errors.New("pack id cannot be empty")
		}
		if !pack.Enabled {
			continue
		}
		if pack.Path == "" {
			return fmt.Errorf("pack %s path cannot be empty when enabled", id)
		}
	}
	return nil
}

// Guard enforces the capability policy for packs at runtime.
type Guard interface {
	Validate(info Info, policy Policy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// CapabilityGuard performs pure capability validation with no runtime
// sandboxing.
type CapabilityGuard struct{}

// Validate ensures the pack's requested capabilities are allowed.
func (CapabilityGuard) Validate(info Info, policy Policy) error {
	for _, cap := range policy.Denied {
		if slices.Contains(info.Capabilities, cap) {
			return fmt.Errorf("capability %s is explicitly denied", cap)
		}
	}
	if len(policy.Allowed) == 0 {
		return nil
	}
	for _, cap := range info.Capabilities {
		if !slices.Contains(policy.Allowed, cap) {
			return fmt.Errorf("capability %s not permitted", cap)
		}
	}
	return nil
}

// Prepare implements Guard.
func (CapabilityGuard) Prepare(Info) error { return nil }

// Cleanup implements Guard.
func (CapabilityGuard) Cleanup(Info) error { return nil }

func defaultGuard(guard Guard) Guard {
	if guard == nil {
		return CapabilityGuard{}
	}
	return guard
}

// MergePolicies combines the default and pack specific policies.
func MergePolicies(defaults Policy, pack *Policy) Policy {
	if pack == nil {
		return defaults
	}
	merged := pack.Merge(defaults)
	if len(merged.Allowed) == 0 && len(merged.Denied) == 0 {
		return defaults
	}
	return merged
}

// EnsurePolicy errors when a pack declares capabilities but no policy covers
// them.
func EnsurePolicy(info Info, policy Policy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if len(policy.Allowed) == 0 && len(policy.Denied) == 0 {
		return errors.New("packs declaring capabilities require a policy")
	}
	return nil
}
