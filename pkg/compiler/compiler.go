// Package compiler turns backlog features into runnable agent specs. The
// same feature always compiles to the same spec: classification, budgets,
// policy, and validators are all pure functions of the feature's fields.
package compiler

import (
	"fmt"

	"autobuildr/pkg/logx"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
)

// SpecVersion stamps compiled specs so later compiler revisions can migrate
// or recompile stale ones.
const SpecVersion = "1"

// Compiler compiles features into agent and acceptance specs.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Compiler struct {
	ops        *persistence.DatabaseOperations
	projectDir string
	logger     *logx.Logger
}

// New creates a compiler. projectDir becomes the policy sandbox root for
// every compiled spec.
func New(ops *persistence.DatabaseOperations, projectDir string) *Compiler {
	return &Compiler{
		ops:        ops,
		projectDir: projectDir,
		logger:     logx.NewLogger("compiler"),
	}
}

// Compile builds and persists the agent spec and acceptance spec for a
// feature. The spec records its source feature so recompilation can find
// and reuse it.
func (c *Compiler) Compile(f *persistence.Feature) (*persistence.AgentSpec, *persistence.AcceptanceSpec, error) {
	taskType := ClassifyTaskType(f)

	name, err := c.uniqueName(taskType, f.Name)
	if err != nil {
		return nil, nil, err
	}

	spec := &persistence.AgentSpec{
		Name:            name,
		DisplayName:     f.Name,
		SpecVersion:     SpecVersion,
		Objective:       buildObjective(f),
		TaskType:        taskType,
		Context:         buildContext(f),
		ToolPolicy:      policyTemplate(taskType, c.projectDir),
		MaxTurns:        turnBudget(taskType, f),
		TimeoutSeconds:  timeoutBudget(taskType, f),
		SourceFeatureID: &f.ID,
		Priority:        f.Priority,
		Tags:            []string{string(taskType), f.Category},
	}
	if err := spec.Validate(); err != nil {
		return nil, nil, fmt.Errorf("compiled spec for feature %d is invalid: %w", f.ID, err)
	}
	if err := c.ops.UpsertAgentSpec(spec); err != nil {
		return nil, nil, fmt.Errorf("failed to persist spec for feature %d: %w", f.ID, err)
	}

	acceptance := &persistence.AcceptanceSpec{
		ID:          persistence.GenerateID(),
		AgentSpecID: spec.ID,
		Validators:  inferValidators(f),
		GateMode:    proto.GateAllPass,
		RetryPolicy: proto.RetryNone,
	}
	if err := acceptance.Validate(); err != nil {
		return nil, nil, fmt.Errorf("compiled acceptance spec for feature %d is invalid: %w", f.ID, err)
	}
	if err := c.ops.UpsertAcceptanceSpec(acceptance); err != nil {
		return nil, nil, fmt.Errorf("failed to persist acceptance spec for feature %d: %w", f.ID, err)
	}

	c.logger.Info("compiled feature %d into spec %s (type=%s turns=%d timeout=%ds validators=%d)",
		f.ID, spec.Name, taskType, spec.MaxTurns, spec.TimeoutSeconds, len(acceptance.Validators))
	return spec, acceptance, nil
}

// EnsureSpec returns the existing spec for a feature or compiles a new one.
func (c *Compiler) EnsureSpec(f *persistence.Feature) (*persistence.AgentSpec, *persistence.AcceptanceSpec, error) {
	existing, err := c.ops.ListAgentSpecsForFeature(f.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up specs for feature %d: %w", f.ID, err)
	}
	if len(existing) > 0 {
		spec := existing[0]
		acceptance, err := c.ops.GetAcceptanceSpecForAgentSpec(spec.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("spec %s has no acceptance spec: %w", spec.ID, err)
		}
		return spec, acceptance, nil
	}
	return c.Compile(f)
}

// buildObjective renders the prompt-facing statement of work.
func buildObjective(f *persistence.Feature) string {
	objective := f.Name
	if f.Description != "" {
		objective += "\n\n" + f.Description
	}
	return objective
}

// buildContext carries the structured feature fields into the spec.
func buildContext(f *persistence.Feature) map[string]any {
	ctx := map[string]any{
		"feature_id": f.ID,
		"category":   f.Category,
	}
	if len(f.Steps) > 0 {
		steps := make([]any, len(f.Steps))
		for i, s := range f.Steps {
			steps[i] = s
		}
		ctx["steps"] = steps
	}
	if len(f.Dependencies) > 0 {
		deps := make([]any, len(f.Dependencies))
		for i, d := range f.Dependencies {
			deps[i] = d
		}
		ctx["dependencies"] = deps
	}
	return ctx
}
