// Package resolver validates and orders the feature dependency graph. Broken
// references are repairable in place; cycles are reported and block startup.
// Every traversal carries an iteration ceiling of twice the node count so a
// corrupted graph can degrade the result but never hang the process.
package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"autobuildr/pkg/logx"
	"autobuildr/pkg/persistence"
)

// ErrCycle is returned when the graph contains a dependency cycle.
var ErrCycle = errors.New("dependency cycle detected")

// IssueKind classifies one validation finding.
type IssueKind string

const (
	IssueSelfReference IssueKind = "self_reference"
	IssueMissingTarget IssueKind = "missing_target"
	IssueCycle         IssueKind = "cycle"
)

// Issue is a single validation finding. Self references and missing targets
// are auto-fixable by dropping the offending edge; cycles are not.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Issue struct {
	Kind        IssueKind `json:"kind"`
	FeatureID   int64     `json:"feature_id"`
	TargetID    int64     `json:"target_id,omitempty"`
	CyclePath   []int64   `json:"cycle_path,omitempty"`
	AutoFixable bool      `json:"auto_fixable"`
}

// Report is the outcome of validating a feature graph.
type Report struct {
	Issues []Issue `json:"issues"`
}

// HasCycles reports whether any cycle was found.
func (r *Report) HasCycles() bool {
	for i := range r.Issues {
		if r.Issues[i].Kind == IssueCycle {
			return true
		}
	}
	return false
}

// Cycles returns the normalized cycle paths.
func (r *Report) Cycles() [][]int64 {
	var cycles [][]int64
	for i := range r.Issues {
		if r.Issues[i].Kind == IssueCycle {
			cycles = append(cycles, r.Issues[i].CyclePath)
		}
	}
	return cycles
}

// Validate checks a feature graph for self references, dangling dependency
// targets, and cycles. Self references do not count as cycles; they are
// reported separately and are auto-fixable.
func Validate(features []*persistence.Feature) *Report {
	report := &Report{}
	index := indexByID(features)

	for _, f := range features {
		for _, dep := range f.Dependencies {
			if dep == f.ID {
				report.Issues = append(report.Issues, Issue{
					Kind:        IssueSelfReference,
					FeatureID:   f.ID,
					TargetID:    dep,
					AutoFixable: true,
				})
				continue
			}
			if _, exists := index[dep]; !exists {
				report.Issues = append(report.Issues, Issue{
					Kind:        IssueMissingTarget,
					FeatureID:   f.ID,
					TargetID:    dep,
					AutoFixable: true,
				})
			}
		}
	}

	for _, cycle := range findCycles(features, index) {
		report.Issues = append(report.Issues, Issue{
			Kind:      IssueCycle,
			FeatureID: cycle[0],
			CyclePath: cycle,
		})
	}

	return report
}

// findCycles runs an iterative three-color DFS and returns cycles normalized
// to start at their smallest feature ID, deduplicated.
func findCycles(features []*persistence.Feature, index map[int64]*persistence.Feature) [][]int64 {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int64]int, len(features))
	ceiling := 2 * len(features)
	logger := logx.NewLogger("resolver")

	seen := make(map[string]bool)
	var cycles [][]int64

	var stack []int64
	onStack := make(map[int64]int) // feature ID to stack position

	var visit func(id int64, steps *int)
	visit = func(id int64, steps *int) {
		*steps++
		if *steps > ceiling {
			return
		}
		color[id] = gray
		onStack[id] = len(stack)
		stack = append(stack, id)

		f := index[id]
		if f != nil {
			for _, dep := range f.Dependencies {
				if dep == id {
					continue // self references are reported separately
				}
				target, exists := index[dep]
				if !exists || target == nil {
					continue
				}
				switch color[dep] {
				case white:
					visit(dep, steps)
				case gray:
					pos := onStack[dep]
					cycle := normalizeCycle(append([]int64(nil), stack[pos:]...))
					key := cycleKey(cycle)
					if !seen[key] {
						seen[key] = true
						cycles = append(cycles, cycle)
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		delete(onStack, id)
		color[id] = black
	}

	ids := sortedIDs(features)
	steps := 0
	for _, id := range ids {
		if color[id] == white {
			visit(id, &steps)
		}
		if steps > ceiling {
			logger.Error("cycle detection hit the iteration ceiling (%d steps, %d features); results may be partial", steps, len(features))
			break
		}
	}
	return cycles
}

// normalizeCycle rotates a cycle so its smallest ID comes first.
func normalizeCycle(cycle []int64) []int64 {
	if len(cycle) == 0 {
		return cycle
	}
	minIdx := 0
	for i, id := range cycle {
		if id < cycle[minIdx] {
			minIdx = i
		}
	}
	rotated := make([]int64, 0, len(cycle))
	rotated = append(rotated, cycle[minIdx:]...)
	rotated = append(rotated, cycle[:minIdx]...)
	return rotated
}

func cycleKey(cycle []int64) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}

// Resolve returns a dependency-respecting execution order via Kahn's
// algorithm. Features with no unresolved dependencies are emitted first,
// ordered by ascending priority then ID. A cycle returns ErrCycle along
// with the valid prefix computed so far.
func Resolve(features []*persistence.Feature) ([]int64, error) {
	index := indexByID(features)

	inDegree := make(map[int64]int, len(features))
	dependents := make(map[int64][]int64, len(features))
	for _, f := range features {
		inDegree[f.ID] = 0
	}
	for _, f := range features {
		for _, dep := range f.Dependencies {
			if dep == f.ID {
				continue
			}
			if _, exists := index[dep]; !exists {
				continue
			}
			inDegree[f.ID]++
			dependents[dep] = append(dependents[dep], f.ID)
		}
	}

	var ready []int64
	for _, f := range features {
		if inDegree[f.ID] == 0 {
			ready = append(ready, f.ID)
		}
	}
	sortReady(ready, index)

	order := make([]int64, 0, len(features))
	ceiling := 2 * len(features)
	steps := 0
	for len(ready) > 0 {
		steps++
		if steps > ceiling {
			logx.NewLogger("resolver").Error("topological sort hit the iteration ceiling (%d steps); returning partial order", steps)
			break
		}
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
				sortReady(ready, index)
			}
		}
	}

	if len(order) != len(features) {
		return order, fmt.Errorf("%w: %d of %d features unorderable", ErrCycle, len(features)-len(order), len(features))
	}
	return order, nil
}

// sortReady orders the ready queue by ascending priority, then ID.
func sortReady(ready []int64, index map[int64]*persistence.Feature) {
	sort.Slice(ready, func(i, j int) bool {
		a, b := index[ready[i]], index[ready[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

// ComputeSchedulingScores assigns each feature a score combining its depth
// in the dependency graph with the number of features it directly unblocks.
// Shallow features that unblock many others score highest.
func ComputeSchedulingScores(features []*persistence.Feature) map[int64]float64 {
	index := indexByID(features)
	depths := computeDepths(features, index)

	unblocked := make(map[int64]int, len(features))
	for _, f := range features {
		for _, dep := range f.Dependencies {
			if dep == f.ID {
				continue
			}
			if _, exists := index[dep]; exists {
				unblocked[dep]++
			}
		}
	}

	scores := make(map[int64]float64, len(features))
	for _, f := range features {
		scores[f.ID] = 1.0/float64(1+depths[f.ID]) + float64(unblocked[f.ID])
	}
	return scores
}

// computeDepths returns the longest dependency chain beneath each feature.
// Roots have depth zero; cycles are cut by the visiting set and the
// iteration ceiling.
func computeDepths(features []*persistence.Feature, index map[int64]*persistence.Feature) map[int64]int {
	depths := make(map[int64]int, len(features))
	done := make(map[int64]bool, len(features))
	visiting := make(map[int64]bool)
	ceiling := 2 * len(features)
	steps := 0

	var depthOf func(id int64) int
	depthOf = func(id int64) int {
		steps++
		if steps > ceiling {
			return 0
		}
		if done[id] {
			return depths[id]
		}
		if visiting[id] {
			return 0 // cycle edge, already reported by Validate
		}
		visiting[id] = true
		defer delete(visiting, id)

		f := index[id]
		maxDep := -1
		if f != nil {
			for _, dep := range f.Dependencies {
				if dep == id {
					continue
				}
				if _, exists := index[dep]; !exists {
					continue
				}
				if d := depthOf(dep); d > maxDep {
					maxDep = d
				}
			}
		}
		depths[id] = maxDep + 1
		done[id] = true
		return depths[id]
	}

	for _, f := range features {
		depthOf(f.ID)
		if steps > ceiling {
			logx.NewLogger("resolver").Error("depth computation hit the iteration ceiling (%d steps); scores may be partial", steps)
			break
		}
	}
	return depths
}

// WouldCreateCircularDependency reports whether adding an edge from
// featureID to newDep would close a cycle.
func WouldCreateCircularDependency(features []*persistence.Feature, featureID, newDep int64) bool {
	if featureID == newDep {
		return true
	}
	index := indexByID(features)
	if _, exists := index[newDep]; !exists {
		return false
	}

	// A cycle forms iff featureID is reachable from newDep.
	ceiling := 2 * len(features)
	steps := 0
	visited := make(map[int64]bool)
	queue := []int64{newDep}
	for len(queue) > 0 {
		steps++
		if steps > ceiling {
			// Conservative answer when the existing graph is corrupt.
			return true
		}
		id := queue[0]
		queue = queue[1:]
		if id == featureID {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if f := index[id]; f != nil {
			queue = append(queue, f.Dependencies...)
		}
	}
	return false
}

func indexByID(features []*persistence.Feature) map[int64]*persistence.Feature {
	index := make(map[int64]*persistence.Feature, len(features))
	for _, f := range features {
		index[f.ID] = f
	}
	return index
}

func sortedIDs(features []*persistence.Feature) []int64 {
	ids := make([]int64, 0, len(features))
	for _, f := range features {
		ids = append(ids, f.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
