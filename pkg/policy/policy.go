// Package policy implements the tool policy enforcer. A ToolPolicy is an
// immutable value describing which tools an agent may invoke and under what
// argument constraints; Compile turns it into a CompiledPolicy that performs
// the actual checks. Enforcement never mutates the policy and depends only on
// the compiled value.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrPatternCompilation is returned when a forbidden pattern is not a valid
// regular expression. Specs carrying such patterns are rejected at load.
var ErrPatternCompilation = errors.New("forbidden pattern failed to compile")

// ToolPolicy is the declarative policy attached to an agent spec. An empty
// AllowedTools set means every registered tool is permitted. Unknown JSON
// keys are preserved across round-trips but never interpreted.
//
//nolint:govet // struct alignment optimization not critical for this type
type ToolPolicy struct {
	PolicyVersion      string
	AllowedTools       []string
	ForbiddenTools     []string
	ForbiddenPatterns  []string
	AllowedDirectories []string
	ToolHints          map[string]string

	unknown map[string]json.RawMessage
}

// toolPolicyWire is the JSON shape of the known policy fields.
type toolPolicyWire struct {
	PolicyVersion      string            `json:"policy_version"`
	AllowedTools       []string          `json:"allowed_tools"`
	ForbiddenTools     []string          `json:"forbidden_tools,omitempty"`
	ForbiddenPatterns  []string          `json:"forbidden_patterns,omitempty"`
	AllowedDirectories []string          `json:"allowed_directories,omitempty"`
	ToolHints          map[string]string `json:"tool_hints,omitempty"`
}

var knownPolicyKeys = []string{
	"policy_version", "allowed_tools", "forbidden_tools",
	"forbidden_patterns", "allowed_directories", "tool_hints",
}

// MarshalJSON emits the known fields plus any preserved unknown keys.
func (p ToolPolicy) MarshalJSON() ([]byte, error) {
	wire := toolPolicyWire{
		PolicyVersion:      p.PolicyVersion,
		AllowedTools:       p.AllowedTools,
		ForbiddenTools:     p.ForbiddenTools,
		ForbiddenPatterns:  p.ForbiddenPatterns,
		AllowedDirectories: p.AllowedDirectories,
		ToolHints:          p.ToolHints,
	}
	if wire.AllowedTools == nil {
		wire.AllowedTools = []string{}
	}
	wireBytes, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if len(p.unknown) == 0 {
		return wireBytes, nil
	}

	merged := make(map[string]json.RawMessage, len(p.unknown)+len(knownPolicyKeys))
	for k, v := range p.unknown {
		merged[k] = v
	}
	var wireMap map[string]json.RawMessage
	if err := json.Unmarshal(wireBytes, &wireMap); err != nil {
		return nil, err
	}
	for k, v := range wireMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON parses the known fields and stashes unknown keys verbatim.
func (p *ToolPolicy) UnmarshalJSON(data []byte) error {
	var wire toolPolicyWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range knownPolicyKeys {
		delete(raw, key)
	}

	p.PolicyVersion = wire.PolicyVersion
	p.AllowedTools = wire.AllowedTools
	p.ForbiddenTools = wire.ForbiddenTools
	p.ForbiddenPatterns = wire.ForbiddenPatterns
	p.AllowedDirectories = wire.AllowedDirectories
	p.ToolHints = wire.ToolHints
	p.unknown = nil
	if len(raw) > 0 {
		p.unknown = raw
	}
	return nil
}

// ViolationKind classifies why a tool event was blocked.
type ViolationKind string

const (
	ViolationForbiddenTool    ViolationKind = "forbidden_tool"
	ViolationToolNotAllowed   ViolationKind = "tool_not_allowed"
	ViolationForbiddenPattern ViolationKind = "forbidden_pattern"
	ViolationPathEscape       ViolationKind = "path_escape"
)

// Violation describes a blocked tool event.
//
//nolint:govet // struct alignment optimization not critical for this type
type Violation struct {
	Kind   ViolationKind `json:"kind"`
	Tool   string        `json:"tool"`
	Detail string        `json:"detail"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation (%s) for tool %s: %s", v.Kind, v.Tool, v.Detail)
}

// CompiledPolicy is the enforcement form of a ToolPolicy: patterns compiled,
// tool sets indexed, allowed directories canonicalized.
//
//nolint:govet // struct alignment optimization not critical for this type
type CompiledPolicy struct {
	version        string
	allowed        map[string]bool
	forbidden      map[string]bool
	patterns       []*regexp.Regexp
	patternSources []string
	allowedDirs    []string
	hints          map[string]string
	baseDir        string
}

// Compile validates a ToolPolicy and produces its enforcement form. baseDir
// is the directory relative path arguments resolve against, typically the
// project root; empty means the process working directory. Invalid patterns
// return an error wrapping ErrPatternCompilation.
func Compile(p *ToolPolicy, baseDir string) (*CompiledPolicy, error) {
	cp := &CompiledPolicy{
		version:   p.PolicyVersion,
		allowed:   make(map[string]bool, len(p.AllowedTools)),
		forbidden: make(map[string]bool, len(p.ForbiddenTools)),
		hints:     p.ToolHints,
		baseDir:   baseDir,
	}
	for _, tool := range p.AllowedTools {
		cp.allowed[tool] = true
	}
	for _, tool := range p.ForbiddenTools {
		cp.forbidden[tool] = true
	}

	for i, pattern := range p.ForbiddenPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %d %q: %v", ErrPatternCompilation, i, pattern, err)
		}
		cp.patterns = append(cp.patterns, re)
		cp.patternSources = append(cp.patternSources, pattern)
	}

	for _, dir := range p.AllowedDirectories {
		if !filepath.IsAbs(dir) {
			return nil, fmt.Errorf("allowed directory must be absolute: %q", dir)
		}
		canonical, err := canonicalizePath(filepath.Clean(dir))
		if err != nil {
			return nil, fmt.Errorf("cannot canonicalize allowed directory %q: %w", dir, err)
		}
		cp.allowedDirs = append(cp.allowedDirs, canonical)
	}
	return cp, nil
}

// Version returns the policy_version the policy was compiled from.
func (cp *CompiledPolicy) Version() string { return cp.version }

// Sandboxed reports whether the policy restricts filesystem paths.
func (cp *CompiledPolicy) Sandboxed() bool { return len(cp.allowedDirs) > 0 }

// AllowsTool reports whether a tool passes the allow and forbid sets. Used
// by the tool provider to filter the registry before any call is attempted.
func (cp *CompiledPolicy) AllowsTool(name string) bool {
	if cp.forbidden[name] {
		return false
	}
	if len(cp.allowed) > 0 && !cp.allowed[name] {
		return false
	}
	return true
}

// AllowedToolNames returns the explicit allow list in sorted order, or nil
// when the policy permits all tools.
func (cp *CompiledPolicy) AllowedToolNames() []string {
	if len(cp.allowed) == 0 {
		return nil
	}
	names := make([]string, 0, len(cp.allowed))
	for name := range cp.allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enforce checks one tool event against the policy. It returns nil when the
// event is permitted, or a Violation describing the first rule that blocked
// it. Check order: forbidden tools, allow list, forbidden patterns against
// the JSON-serialized arguments, then the directory sandbox.
func (cp *CompiledPolicy) Enforce(toolName string, args map[string]any) *Violation {
	if cp.forbidden[toolName] {
		return &Violation{Kind: ViolationForbiddenTool, Tool: toolName, Detail: "tool is explicitly forbidden"}
	}
	if len(cp.allowed) > 0 && !cp.allowed[toolName] {
		return &Violation{Kind: ViolationToolNotAllowed, Tool: toolName, Detail: "tool is not in the allowed set"}
	}

	if len(cp.patterns) > 0 {
		serialized, err := json.Marshal(args)
		if err != nil {
			serialized = []byte(fmt.Sprintf("%v", args))
		}
		for i, re := range cp.patterns {
			if re.Match(serialized) {
				return &Violation{
					Kind:   ViolationForbiddenPattern,
					Tool:   toolName,
					Detail: fmt.Sprintf("arguments match forbidden pattern %q", cp.patternSources[i]),
				}
			}
		}
	}

	if len(cp.allowedDirs) > 0 {
		for _, raw := range extractPathArgs(args) {
			if err := cp.checkPath(raw); err != nil {
				return &Violation{
					Kind:   ViolationPathEscape,
					Tool:   toolName,
					Detail: fmt.Sprintf("path %q: %v", summarizeValue(raw), err),
				}
			}
		}
	}
	return nil
}

// Hints returns the tool guidance map, possibly nil.
func (cp *CompiledPolicy) Hints() map[string]string { return cp.hints }

// RenderHints formats the tool_hints map as a prompt section. Tools are
// listed in sorted order for stable output. Returns "" when no hints exist.
func RenderHints(hints map[string]string) string {
	if len(hints) == 0 {
		return ""
	}
	names := make([]string, 0, len(hints))
	for name := range hints {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Tool usage guidance:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, hints[name])
	}
	return b.String()
}

// summarizeValue truncates long offending values for event payloads.
func summarizeValue(s string) string {
	const maxLen = 120
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
