package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"autobuildr/pkg/policy"
)

// descriptor holds a tool factory and the definition used for discovery.
//
//nolint:govet // fieldalignment: logical grouping preferred
type descriptor struct {
	def     Definition
	factory Factory
}

// immutableRegistry is the global tool registry. It is sealed when the first
// provider is created; registration after sealing panics.
//
//nolint:govet // fieldalignment: logical grouping preferred
type immutableRegistry struct {
	mu     sync.RWMutex
	sealed bool
	tools  map[string]descriptor
}

//nolint:gochecknoglobals // Factory pattern requires global registry
var globalRegistry = &immutableRegistry{
	tools: make(map[string]descriptor),
}

// Register adds a tool factory to the global registry. Panics on duplicate
// names and on registration after sealing; both indicate programmer error.
func Register(name string, factory Factory, def Definition) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	if globalRegistry.sealed {
		panic(fmt.Sprintf("tool registry sealed, cannot register tool %q", name))
	}
	if _, exists := globalRegistry.tools[name]; exists {
		panic(fmt.Sprintf("tool %q registered twice", name))
	}
	globalRegistry.tools[name] = descriptor{def: def, factory: factory}
}

// Seal prevents further registrations. Called automatically when the first
// Provider is created.
func Seal() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.sealed = true
}

// RegisteredNames returns the names of all registered tools, sorted.
func RegisteredNames() []string {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	names := make([]string, 0, len(globalRegistry.tools))
	for name := range globalRegistry.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provider exposes a policy-filtered view of the registry for one run. Tool
// instances are created lazily and cached per provider.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Provider struct {
	ctx    Context
	policy *policy.CompiledPolicy
	mu     sync.Mutex
	cache  map[string]Tool
}

// NewProvider creates a provider bound to a workspace context and a compiled
// policy. Seals the global registry on first use.
func NewProvider(ctx Context, compiled *policy.CompiledPolicy) *Provider {
	Seal()
	return &Provider{
		ctx:    ctx,
		policy: compiled,
		cache:  make(map[string]Tool),
	}
}

// List returns definitions for every registered tool the policy permits,
// sorted by name for deterministic prompt construction.
func (p *Provider) List() []Definition {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	defs := make([]Definition, 0, len(globalRegistry.tools))
	for name, desc := range globalRegistry.tools {
		if p.policy != nil && !p.policy.AllowsTool(name) {
			continue
		}
		defs = append(defs, desc.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Get returns a tool instance by name, creating it on first use. Policy
// checks happen in Execute, not here.
func (p *Provider) Get(name string) (Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tool, ok := p.cache[name]; ok {
		return tool, nil
	}

	globalRegistry.mu.RLock()
	desc, exists := globalRegistry.tools[name]
	globalRegistry.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("tool %q not registered", name)
	}

	tool, err := desc.factory(p.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool %q: %w", name, err)
	}
	p.cache[name] = tool
	return tool, nil
}

// Execute enforces the policy against a tool call and runs it. A violation
// returns the canonical blocked result along with the violation as the
// error; the tool itself is never invoked.
func (p *Provider) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	if p.policy != nil {
		if v := p.policy.Enforce(name, args); v != nil {
			return BlockedResult(v), v
		}
	}
	tool, err := p.Get(name)
	if err != nil {
		return nil, err
	}
	return tool.Exec(ctx, args)
}

// BlockedResult is the result recorded in place of output for a tool call
// the policy rejected.
func BlockedResult(v *policy.Violation) map[string]any {
	return map[string]any{
		"error":     "blocked_by_policy",
		"violation": string(v.Kind),
		"tool":      v.Tool,
	}
}
