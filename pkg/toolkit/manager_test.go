package toolkit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// stubPack implements Pack and records lifecycle calls.
type stubPack struct {
	info       Info
	configured map[string]any
	initCalls  int
	startCalls int
	stopCalls  int
	startErr   error
	tools      []ToolSpec
	resources  map[string]any
}

func (p *stubPack) Info() Info { return p.info }

func (p *stubPack) Configure(cfg map[string]any) error {
	p.configured = cfg
	return nil
}

func (p *stubPack) Init(ctx *RunContext) error {
	p.initCalls++
	p.resources = ctx.Resources
	return nil
}

func (p *stubPack) Start(*RunContext) error {
	p.startCalls++
	return p.startErr
}

func (p *stubPack) Stop(*RunContext) error {
	p.stopCalls++
	return nil
}

func (p *stubPack) Tools() []ToolSpec { return p.tools }

func newStubPack(id string, caps ...Capability) *stubPack {
	return &stubPack{
		info: Info{ID: id, Name: id, Version: "1.0.0", Capabilities: caps},
		tools: []ToolSpec{{
			Name:      id + "_tool",
			Category:  "utility",
			Risk:      "low",
			Retryable: true,
			Handler: func(context.Context, map[string]any) (any, error) {
				return "ok", nil
			},
		}},
	}
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{}, opts...)
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	return m
}

func TestRegisterAndLifecycle(t *testing.T) {
	m := newTestManager(t, WithResource("page_driver", struct{}{}))
	pack := newStubPack("textpack")
	ctx := context.Background()

	if err := m.Register("textpack", pack, map[string]any{"prefix": ">"}, Policy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if state, _ := m.State("textpack"); state != StateRegistered {
		t.Fatalf("state after register: %s", state)
	}
	if pack.configured["prefix"] != ">" {
		t.Fatalf("configure not called with config: %v", pack.configured)
	}

	if err := m.Start(ctx, "textpack"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if pack.initCalls != 1 || pack.startCalls != 1 {
		t.Fatalf("lifecycle calls: init=%d start=%d", pack.initCalls, pack.startCalls)
	}
	if _, ok := pack.resources["page_driver"]; !ok {
		t.Fatal("shared resources not exposed to pack")
	}
	if state, _ := m.State("textpack"); state != StateStarted {
		t.Fatalf("state after start: %s", state)
	}

	// Start is idempotent once running.
	if err := m.Start(ctx, "textpack"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if pack.startCalls != 1 {
		t.Fatalf("start called again on running pack: %d", pack.startCalls)
	}

	if err := m.Stop(ctx, "textpack"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if pack.stopCalls != 1 {
		t.Fatalf("stop calls: %d", pack.stopCalls)
	}
	if state, _ := m.State("textpack"); state != StateStopped {
		t.Fatalf("state after stop: %s", state)
	}
}

func TestRegisterRejectsDuplicatesAndMismatch(t *testing.T) {
	m := newTestManager(t)

	if err := m.Register("textpack", newStubPack("textpack"), nil, Policy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("textpack", newStubPack("textpack"), nil, Policy{}); err == nil {
		t.Fatal("duplicate id should be rejected")
	}
	if err := m.Register("other", newStubPack("textpack"), nil, Policy{}); err == nil {
		t.Fatal("id mismatch should be rejected")
	}
	if err := m.Register("", newStubPack(""), nil, Policy{}); err == nil {
		t.Fatal("empty id should be rejected")
	}
}

func TestCapabilityGuardDeniesPack(t *testing.T) {
	m := newTestManager(t)
	pack := newStubPack("netpack", CapabilityNetwork)

	err := m.Register("netpack", pack, nil, Policy{Denied: []Capability{CapabilityNetwork}})
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("denied capability should fail registration: %v", err)
	}

	err = m.Register("netpack", pack, nil, Policy{Allowed: []Capability{CapabilityFilesystem}})
	if err == nil || !strings.Contains(err.Error(), "not permitted") {
		t.Fatalf("unlisted capability should fail registration: %v", err)
	}

	// Capabilities with no policy at all are rejected outright.
	if err := m.Register("netpack", pack, nil, Policy{}); err == nil {
		t.Fatal("capability without policy should be rejected")
	}

	if err := m.Register("netpack", pack, nil, Policy{Allowed: []Capability{CapabilityNetwork}}); err != nil {
		t.Fatalf("allowed capability should register: %v", err)
	}
}

func TestToolsOnlyFromStartedPacks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Register("a", newStubPack("a"), nil, Policy{}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register("b", newStubPack("b"), nil, Policy{}); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := m.Start(ctx, "a"); err != nil {
		t.Fatalf("start a: %v", err)
	}

	specs := m.Tools()
	if len(specs) != 1 || specs[0].Name != "a_tool" {
		t.Fatalf("tools should only come from started packs: %v", specs)
	}

	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if specs = m.Tools(); len(specs) != 2 {
		t.Fatalf("expected both packs' tools: %v", specs)
	}

	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if specs = m.Tools(); len(specs) != 0 {
		t.Fatalf("stopped packs should expose no tools: %v", specs)
	}
}

func TestStartFailureCleansUpGuard(t *testing.T) {
	cleanups := 0
	guard := &countingGuard{cleanups: &cleanups}
	m := newTestManager(t, WithGuard(guard))

	pack := newStubPack("flaky")
	pack.startErr = errors.New("boom")
	if err := m.Register("flaky", pack, nil, Policy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start(context.Background(), "flaky"); err == nil {
		t.Fatal("start should propagate pack error")
	}
	if cleanups != 1 {
		t.Fatalf("guard cleanup should run after failed start: %d", cleanups)
	}
	if state, _ := m.State("flaky"); state != StateInitialised {
		t.Fatalf("failed start should leave pack initialised: %s", state)
	}
}

type countingGuard struct {
	cleanups *int
}

func (g *countingGuard) Validate(Info, Policy) error { return nil }
func (g *countingGuard) Prepare(Info) error          { return nil }
func (g *countingGuard) Cleanup(Info) error {
	*g.cleanups++
	return nil
}

func TestLoadManagerConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "packs.yaml")
	content := `packDir: /opt/chainpilot/packs
defaults:
  denied: [filesystem]
packs:
  textpack:
    enabled: true
    path: textpack.so
    config:
      prefix: ">"
  disabledpack:
    enabled: false
    path: other.so
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadManagerConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.PackDir != "/opt/chainpilot/packs" {
		t.Fatalf("packDir: %s", cfg.PackDir)
	}
	if len(cfg.Defaults.Denied) != 1 || cfg.Defaults.Denied[0] != CapabilityFilesystem {
		t.Fatalf("defaults: %+v", cfg.Defaults)
	}
	pack := cfg.Packs["textpack"]
	if !pack.Enabled || pack.Path != "textpack.so" || pack.Config["prefix"] != ">" {
		t.Fatalf("pack config: %+v", pack)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cfg.Packs["broken"] = PackConfig{Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("enabled pack without path should fail validation")
	}
}

type fakeLoader struct {
	paths []string
	packs map[string]*stubPack
}

func (l *fakeLoader) Load(path string) (Pack, error) {
	l.paths = append(l.paths, path)
	pack, ok := l.packs[path]
	if !ok {
		return nil, errors.New("no such pack binary")
	}
	return pack, nil
}

func TestManagerLoadsConfiguredPacks(t *testing.T) {
	loader := &fakeLoader{packs: map[string]*stubPack{
		"/opt/packs/textpack.so": newStubPack("textpack"),
	}}
	cfg := ManagerConfig{
		PackDir: "/opt/packs",
		Packs: map[string]PackConfig{
			"textpack": {Enabled: true, Path: "textpack.so", Config: map[string]any{"prefix": ">"}},
			"skipped":  {Enabled: false, Path: "skipped.so"},
		},
	}

	m, err := NewManager(cfg, WithLoader(loader))
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	if len(loader.paths) != 1 || loader.paths[0] != "/opt/packs/textpack.so" {
		t.Fatalf("loader should resolve relative paths against packDir: %v", loader.paths)
	}
	if state, err := m.State("textpack"); err != nil || state != StateRegistered {
		t.Fatalf("loaded pack state: %s %v", state, err)
	}
	if _, err := m.State("skipped"); err == nil {
		t.Fatal("disabled packs should not be loaded")
	}
}

func TestManagerLoadFailurePropagates(t *testing.T) {
	loader := &fakeLoader{packs: map[string]*stubPack{}}
	cfg := ManagerConfig{
		Packs: map[string]PackConfig{
			"ghost": {Enabled: true, Path: "/nowhere/ghost.so"},
		},
	}
	if _, err := NewManager(cfg, WithLoader(loader)); err == nil {
		t.Fatal("loader failure should abort manager construction")
	}
}

func TestMergePolicies(t *testing.T) {
	defaults := Policy{Denied: []Capability{CapabilityFilesystem}}

	merged := MergePolicies(defaults, nil)
	if len(merged.Denied) != 1 {
		t.Fatalf("nil pack policy should keep defaults: %+v", merged)
	}

	merged = MergePolicies(defaults, &Policy{Allowed: []Capability{CapabilityNetwork}})
	if len(merged.Allowed) != 1 || len(merged.Denied) != 1 {
		t.Fatalf("merge should combine both: %+v", merged)
	}
}
