package resolver

import (
	"fmt"

	"autobuildr/pkg/logx"
	"autobuildr/pkg/persistence"
)

// Repairer applies auto-fixes to the persisted feature graph. Every change
// is logged before it lands so the audit trail shows the original edges.
type Repairer struct {
	ops    *persistence.DatabaseOperations
	logger *logx.Logger
}

// NewRepairer creates a repairer over the given operations handle.
func NewRepairer(ops *persistence.DatabaseOperations) *Repairer {
	return &Repairer{
		ops:    ops,
		logger: logx.NewLogger("resolver"),
	}
}

// RepairSelfReferences drops self-referential dependency edges. All updates
// commit in a single transaction; returns the number of features fixed.
func (r *Repairer) RepairSelfReferences(features []*persistence.Feature) (int, error) {
	updates := make(map[int64][]int64)
	for _, f := range features {
		fixed := withoutTarget(f.Dependencies, f.ID)
		if len(fixed) == len(f.Dependencies) {
			continue
		}
		r.logger.Info("action=before_fix reason=self_reference feature_id=%d original_deps=%v new_deps=%v",
			f.ID, f.Dependencies, fixed)
		updates[f.ID] = fixed
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if err := r.ops.UpdateDependenciesBatch(updates); err != nil {
		return 0, fmt.Errorf("failed to repair self references: %w", err)
	}
	r.applyLocal(features, updates)
	r.logApplied("self_reference", updates)
	return len(updates), nil
}

// RepairOrphanedDependencies drops edges whose target feature does not
// exist. All updates commit in a single transaction; returns the number of
// features fixed.
func (r *Repairer) RepairOrphanedDependencies(features []*persistence.Feature) (int, error) {
	index := make(map[int64]bool, len(features))
	for _, f := range features {
		index[f.ID] = true
	}

	updates := make(map[int64][]int64)
	for _, f := range features {
		fixed := make([]int64, 0, len(f.Dependencies))
		for _, dep := range f.Dependencies {
			if index[dep] {
				fixed = append(fixed, dep)
			}
		}
		if len(fixed) == len(f.Dependencies) {
			continue
		}
		r.logger.Info("action=before_fix reason=missing_target feature_id=%d original_deps=%v new_deps=%v",
			f.ID, f.Dependencies, fixed)
		updates[f.ID] = fixed
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if err := r.ops.UpdateDependenciesBatch(updates); err != nil {
		return 0, fmt.Errorf("failed to repair orphaned dependencies: %w", err)
	}
	r.applyLocal(features, updates)
	r.logApplied("missing_target", updates)
	return len(updates), nil
}

// logApplied writes the after_fix audit line for every committed update.
func (r *Repairer) logApplied(reason string, updates map[int64][]int64) {
	for id, deps := range updates {
		r.logger.Info("action=after_fix reason=%s feature_id=%d deps=%v", reason, id, deps)
	}
}

// applyLocal mirrors committed updates onto the in-memory slice so callers
// can re-validate without reloading.
func (r *Repairer) applyLocal(features []*persistence.Feature, updates map[int64][]int64) {
	for _, f := range features {
		if deps, ok := updates[f.ID]; ok {
			f.Dependencies = deps
		}
	}
}

func withoutTarget(deps []int64, target int64) []int64 {
	out := make([]int64, 0, len(deps))
	for _, dep := range deps {
		if dep != target {
			out = append(out, dep)
		}
	}
	return out
}
