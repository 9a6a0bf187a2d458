// Package gate evaluates acceptance criteria against a finished run. The
// gate never raises: validator errors and panics become failed validator
// results, and the worst outcome is a failed verdict with details attached.
package gate

import (
	"context"
	"fmt"
	"time"

	"autobuildr/pkg/exec"
	"autobuildr/pkg/logx"
	"autobuildr/pkg/metrics"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
)

// Env carries the resources validators run against.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Env struct {
	// Ops reads run events for evidence-based validators.
	Ops *persistence.DatabaseOperations
	// ProjectDir is the workspace commands and paths resolve against.
	ProjectDir string
	// Exec runs validator commands.
	Exec exec.Executor
}

// ValidatorResult is the outcome of one validator execution.
//
//nolint:govet // fieldalignment: logical grouping preferred
type ValidatorResult struct {
	Kind     proto.ValidatorKind `json:"kind"`
	Passed   bool                `json:"passed"`
	Required bool                `json:"required"`
	Weight   float64             `json:"weight"`
	Details  map[string]any      `json:"details,omitempty"`
}

// Result is the combined gate outcome for a run.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Result struct {
	Verdict    proto.Verdict     `json:"verdict"`
	GateMode   proto.GateMode    `json:"gate_mode"`
	Score      float64           `json:"score"`
	Validators []ValidatorResult `json:"validators"`
}

// ToMap renders the result for storage in acceptance_results.
func (r *Result) ToMap() map[string]any {
	validators := make([]map[string]any, 0, len(r.Validators))
	for i := range r.Validators {
		v := &r.Validators[i]
		validators = append(validators, map[string]any{
			"kind":     string(v.Kind),
			"passed":   v.Passed,
			"required": v.Required,
			"weight":   v.Weight,
			"details":  v.Details,
		})
	}
	return map[string]any{
		"verdict":    string(r.Verdict),
		"gate_mode":  string(r.GateMode),
		"score":      r.Score,
		"validators": validators,
	}
}

// validatorFunc runs one validator. Returned details are attached to the
// result regardless of outcome.
type validatorFunc func(ctx context.Context, env *Env, runID string, cfg *persistence.ValidatorConfig) (bool, map[string]any, error)

// Gate combines validator outcomes into a verdict.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Gate struct {
	env        Env
	logger     *logx.Logger
	recorder   *metrics.Recorder
	validators map[proto.ValidatorKind]validatorFunc
}

// New creates a gate bound to an evaluation environment.
func New(env Env) *Gate {
	return &Gate{
		env:      env,
		logger:   logx.NewLogger("gate"),
		recorder: metrics.Default(),
		validators: map[proto.ValidatorKind]validatorFunc{
			proto.ValidatorTestPass:          runTestPass,
			proto.ValidatorFileExists:        runFileExists,
			proto.ValidatorForbiddenPatterns: runForbiddenPatterns,
		},
	}
}

// Evaluate runs every validator in the acceptance spec and combines the
// outcomes per the gate mode. A required validator failing forces a failed
// verdict in every mode. An empty validator list passes trivially.
func (g *Gate) Evaluate(ctx context.Context, runID string, spec *persistence.AcceptanceSpec) *Result {
	result := &Result{
		GateMode:   spec.GateMode,
		Validators: make([]ValidatorResult, 0, len(spec.Validators)),
	}

	for i := range spec.Validators {
		cfg := &spec.Validators[i]
		result.Validators = append(result.Validators, g.runOne(ctx, runID, cfg))
	}

	result.Score = weightedScore(result.Validators)
	result.Verdict = g.combine(spec, result)

	g.logger.Info("run %s gate verdict=%s mode=%s score=%.3f validators=%d",
		runID, result.Verdict, result.GateMode, result.Score, len(result.Validators))
	return result
}

// runOne executes a single validator, converting panics and errors into a
// failed result.
func (g *Gate) runOne(ctx context.Context, runID string, cfg *persistence.ValidatorConfig) (vr ValidatorResult) {
	vr = ValidatorResult{
		Kind:     cfg.Kind,
		Required: cfg.Required,
		Weight:   cfg.Weight,
	}

	start := time.Now()
	defer func() {
		g.recorder.ValidatorDuration(string(cfg.Kind), time.Since(start).Seconds())
		if r := recover(); r != nil {
			g.logger.Error("validator %s panicked for run %s: %v", cfg.Kind, runID, r)
			vr.Passed = false
			vr.Details = map[string]any{"error": fmt.Sprintf("validator panicked: %v", r)}
		}
	}()

	fn, ok := g.validators[cfg.Kind]
	if !ok {
		vr.Details = map[string]any{"error": fmt.Sprintf("unknown validator kind: %s", cfg.Kind)}
		return vr
	}

	passed, details, err := fn(ctx, &g.env, runID, cfg)
	if err != nil {
		g.logger.Warn("validator %s failed for run %s: %v", cfg.Kind, runID, err)
		if details == nil {
			details = map[string]any{}
		}
		details["error"] = err.Error()
		passed = false
	}
	vr.Passed = passed
	vr.Details = details
	return vr
}

// combine maps validator outcomes to a verdict.
func (g *Gate) combine(spec *persistence.AcceptanceSpec, result *Result) proto.Verdict {
	for i := range result.Validators {
		v := &result.Validators[i]
		if v.Required && !v.Passed {
			return proto.VerdictFailed
		}
	}

	if len(result.Validators) == 0 {
		return proto.VerdictPassed
	}

	switch spec.GateMode {
	case proto.GateAllPass:
		for i := range result.Validators {
			if !result.Validators[i].Passed {
				return proto.VerdictFailed
			}
		}
		return proto.VerdictPassed
	case proto.GateAnyPass:
		for i := range result.Validators {
			if result.Validators[i].Passed {
				return proto.VerdictPassed
			}
		}
		return proto.VerdictFailed
	case proto.GateWeighted:
		minScore := 0.0
		if spec.MinScore != nil {
			minScore = *spec.MinScore
		}
		if result.Score >= minScore {
			return proto.VerdictPassed
		}
		return proto.VerdictFailed
	}
	// Unknown mode should have been rejected at spec validation.
	return proto.VerdictError
}

// weightedScore is the weight-normalized pass ratio. Zero total weight
// treats every validator as weight 1.
func weightedScore(validators []ValidatorResult) float64 {
	if len(validators) == 0 {
		return 1.0
	}
	totalWeight := 0.0
	for i := range validators {
		totalWeight += validators[i].Weight
	}
	if totalWeight == 0 {
		passed := 0
		for i := range validators {
			if validators[i].Passed {
				passed++
			}
		}
		return float64(passed) / float64(len(validators))
	}
	passedWeight := 0.0
	for i := range validators {
		if validators[i].Passed {
			passedWeight += validators[i].Weight
		}
	}
	return passedWeight / totalWeight
}
