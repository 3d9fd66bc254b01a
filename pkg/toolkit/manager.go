package toolkit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// Manager keeps track of registered packs and orchestrates their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	loader    Loader
	guard     Guard
	resources map[string]any
	defaults  Policy
}

type instance struct {
	mu     sync.Mutex
	Pack   Pack
	Info   Info
	State  State
	Config map[string]any
	Policy Policy
	Source string
}

// NewManager constructs a manager using the supplied configuration and options.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		loader:    SharedObjectLoader{},
		guard:     CapabilityGuard{},
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.guard = defaultGuard(m.guard)
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register registers a pack instance directly with the manager.
func (m *Manager) Register(id string, p Pack, cfg map[string]any, policy Policy) error {
	if id == "" {
		return errors.New("pack id cannot be empty")
	}
	if p == nil {
		return errors.New("pack implementation cannot be nil")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("pack id mismatch: %s != %s", info.ID, id)
	}
	policy = MergePolicies(m.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := m.guard.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure pack %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("pack %s already registered", id)
	}
	m.registry[id] = &instance{Pack: p, Info: mergeInfo(info, id), State: StateRegistered, Config: cfg, Policy: policy, Source: "manual"}
	return nil
}

// Load resolves a pack from disk and registers it with the manager.
func (m *Manager) Load(id string, path string, cfg map[string]any, policy Policy) error {
	if path == "" {
		return errors.New("pack path cannot be empty")
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load pack from %s: %w", path, err)
	}
	return m.Register(id, p, cfg, policy)
}

// Start initialises and starts a pack by id.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State == StateStarted {
		return nil
	}
	runCtx := &RunContext{C: ctx, Config: inst.Config, Resources: m.resources}
	if inst.State == StateRegistered {
		if err := inst.Pack.Init(runCtx.Clone()); err != nil {
			return fmt.Errorf("initialise pack %s: %w", id, err)
		}
		inst.State = StateInitialised
	}
	if err := m.guard.Prepare(inst.Info); err != nil {
		return fmt.Errorf("prepare guard for %s: %w", id, err)
	}
	if err := inst.Pack.Start(runCtx.Clone()); err != nil {
		_ = m.guard.Cleanup(inst.Info)
		return fmt.Errorf("start pack %s: %w", id, err)
	}
	inst.State = StateStarted
	return nil
}

// Stop halts a pack if it is running.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State != StateStarted {
		return nil
	}
	runCtx := &RunContext{C: ctx, Config: inst.Config, Resources: m.resources}
	if err := inst.Pack.Stop(runCtx.Clone()); err != nil {
		return fmt.Errorf("stop pack %s: %w", id, err)
	}
	if err := m.guard.Cleanup(inst.Info); err != nil {
		return fmt.Errorf("cleanup guard for %s: %w", id, err)
	}
	inst.State = StateStopped
	return nil
}

// StartAll starts all registered packs in deterministic id order.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, id := range m.ids() {
		if err := m.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all active packs.
func (m *Manager) StopAll(ctx context.Context) error {
	for _, id := range m.ids() {
		if err := m.Stop(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Tools returns the tool specifications of every started pack, ordered by
// pack id then declaration order.
func (m *Manager) Tools() []ToolSpec {
	var specs []ToolSpec
	for _, id := range m.ids() {
		inst, err := m.get(id)
		if err != nil {
			continue
		}
		inst.mu.Lock()
		if inst.State == StateStarted {
			specs = append(specs, inst.Pack.Tools()...)
		}
		inst.mu.Unlock()
	}
	return specs
}

// State returns the lifecycle state of a pack.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State, nil
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, fmt.Errorf("pack %s not registered", id)
	}
	return inst, nil
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	for id, packCfg := range cfg.Packs {
		if !packCfg.Enabled {
			continue
		}
		path := packCfg.Path
		if !filepath.IsAbs(path) && cfg.PackDir != "" {
			path = filepath.Join(cfg.PackDir, path)
		}
		policy := MergePolicies(cfg.Defaults, packCfg.Policy)
		if err := m.Load(id, path, cloneConfig(packCfg.Config), policy); err != nil {
			return err
		}
	}
	return nil
}

func mergeInfo(info Info, id string) Info {
	if info.ID == "" {
		info.ID = id
	}
	return info
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
