// Package orch drives the feature backlog to completion: it validates and
// repairs the dependency graph, recovers orphaned runs, and dispatches
// ready features to a bounded pool of kernel workers.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"autobuildr/pkg/artifacts"
	"autobuildr/pkg/compiler"
	"autobuildr/pkg/kernel"
	"autobuildr/pkg/logx"
	"autobuildr/pkg/metrics"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
	"autobuildr/pkg/resolver"
)

// ErrDependencyCycle marks a dependency cycle the orchestrator refuses to
// start with; the CLI maps it to exit 2.
var ErrDependencyCycle = errors.New("dependency cycle detected")

// idlePollInterval is how often the dispatcher re-scans the backlog while
// workers are busy but nothing else is ready.
const idlePollInterval = 250 * time.Millisecond

// Orchestrator owns the dispatch loop.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Orchestrator struct {
	ops      *persistence.DatabaseOperations
	kernel   *kernel.Kernel
	compiler *compiler.Compiler
	store    *artifacts.Store
	workers  int
	logger   *logx.Logger
}

// Config wires an orchestrator's collaborators.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Config struct {
	Ops      *persistence.DatabaseOperations
	Kernel   *kernel.Kernel
	Compiler *compiler.Compiler
	Store    *artifacts.Store
	Workers  int
}

// New creates an orchestrator with a pool of cfg.Workers kernel workers.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		ops:      cfg.Ops,
		kernel:   cfg.Kernel,
		compiler: cfg.Compiler,
		store:    cfg.Store,
		workers:  cfg.Workers,
		logger:   logx.NewLogger("orch"),
	}
}

// Preflight validates the dependency graph, auto-repairing what it safely
// can. Self references and dangling targets are removed with a warning;
// cycles cannot be repaired automatically and block startup.
func (o *Orchestrator) Preflight() error {
	features, err := o.ops.ListFeatures()
	if err != nil {
		return fmt.Errorf("failed to list features for preflight: %w", err)
	}

	repairer := resolver.NewRepairer(o.ops)
	if fixed, err := repairer.RepairSelfReferences(features); err != nil {
		return err
	} else if fixed > 0 {
		o.logger.Warn("removed self references from %d features", fixed)
	}
	if fixed, err := repairer.RepairOrphanedDependencies(features); err != nil {
		return err
	} else if fixed > 0 {
		o.logger.Warn("removed dangling dependencies from %d features", fixed)
	}

	report := resolver.Validate(features)
	if report.HasCycles() {
		var paths []string
		for _, cycle := range report.Cycles() {
			parts := make([]string, len(cycle))
			for i, id := range cycle {
				parts[i] = fmt.Sprintf("%d", id)
			}
			paths = append(paths, strings.Join(parts, " -> "))
		}
		return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(paths, "; "))
	}
	return nil
}

// Run executes the backlog until nothing more can make progress or ctx is
// canceled. Features whose dependencies never pass are left pending.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Preflight(); err != nil {
		return err
	}

	// Only runs older than the largest allowed timeout are orphans; a run
	// created moments before a restart must survive recovery.
	cutoff := time.Now().UTC().Add(-proto.MaxTimeoutSeconds * time.Second)
	if recovered, err := o.kernel.RecoverOrphans(cutoff); err != nil {
		return err
	} else if recovered > 0 {
		o.logger.Warn("recovered %d orphaned runs from a previous process", recovered)
	}

	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup
	active := 0
	var mu sync.Mutex
	// Each feature gets one attempt per invocation; a failed run does not
	// make its feature eligible again until the next process start.
	attempted := make(map[int64]bool)

	for {
		if ctx.Err() != nil {
			break
		}

		feature, err := o.claimNext(attempted)
		if err != nil {
			wg.Wait()
			return err
		}
		if feature == nil {
			mu.Lock()
			busy := active > 0
			mu.Unlock()
			if !busy {
				break // nothing ready and nothing in flight
			}
			select {
			case <-ctx.Done():
			case <-time.After(idlePollInterval):
			}
			continue
		}

		sem <- struct{}{}
		mu.Lock()
		active++
		attempted[feature.ID] = true
		mu.Unlock()
		wg.Add(1)
		go func(f *persistence.Feature) {
			defer func() {
				<-sem
				mu.Lock()
				active--
				mu.Unlock()
				wg.Done()
			}()
			o.executeFeature(ctx, f)
		}(feature)
	}

	wg.Wait()
	o.reportRemaining()
	return ctx.Err()
}

// claimNext picks the highest-scoring ready feature and marks it in
// progress. Features in skip have already been attempted. Returns nil when
// nothing is ready.
func (o *Orchestrator) claimNext(skip map[int64]bool) (*persistence.Feature, error) {
	features, err := o.ops.ListFeatures()
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}

	passed := make(map[int64]bool, len(features))
	for _, f := range features {
		passed[f.ID] = f.Passes
	}

	var ready []*persistence.Feature
	for _, f := range features {
		if f.Passes || f.InProgress || skip[f.ID] {
			continue
		}
		if allPassed(f.Dependencies, passed) {
			ready = append(ready, f)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}

	scores := resolver.ComputeSchedulingScores(features)
	sort.Slice(ready, func(i, j int) bool {
		si, sj := scores[ready[i].ID], scores[ready[j].ID]
		if si != sj {
			return si > sj
		}
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})

	next := ready[0]
	if err := o.ops.SetFeatureInProgress(next.ID, true); err != nil {
		return nil, fmt.Errorf("failed to claim feature %d: %w", next.ID, err)
	}
	return next, nil
}

// executeFeature compiles, runs, and settles one feature.
func (o *Orchestrator) executeFeature(ctx context.Context, f *persistence.Feature) {
	defer func() {
		if err := o.ops.SetFeatureInProgress(f.ID, false); err != nil {
			o.logger.Error("failed to release feature %d: %v", f.ID, err)
		}
	}()

	spec, _, err := o.compiler.EnsureSpec(f)
	if err != nil {
		o.logger.Error("failed to compile feature %d (%s): %v", f.ID, f.Name, err)
		return
	}

	run, err := o.ops.CreateRun(spec.ID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunConflict) {
			o.logger.Warn("spec %s already has an active run, skipping feature %d", spec.Name, f.ID)
			return
		}
		o.logger.Error("failed to create run for spec %s: %v", spec.Name, err)
		return
	}

	o.logger.Info("feature %d (%s) -> run %s", f.ID, f.Name, run.ID)
	if err := o.kernel.Execute(ctx, run.ID); err != nil {
		o.logger.Error("run %s did not finalize: %v", run.ID, err)
	}

	final, err := o.ops.GetRun(run.ID)
	if err != nil {
		o.logger.Error("failed to load run %s after execution: %v", run.ID, err)
		return
	}

	passes := final.Status == proto.RunStatusCompleted &&
		final.FinalVerdict != nil && *final.FinalVerdict == proto.VerdictPassed
	if err := o.ops.SetFeaturePasses(f.ID, passes); err != nil {
		o.logger.Error("failed to record outcome for feature %d: %v", f.ID, err)
	}
	o.logger.Info("feature %d settled passes=%t (run %s status=%s)", f.ID, passes, run.ID, final.Status)

	o.storeMetricsSnapshot(run.ID)
}

// storeMetricsSnapshot persists the current metrics as a terminal run
// artifact so each run carries the counters observed at its settlement.
func (o *Orchestrator) storeMetricsSnapshot(runID string) {
	snapshot, err := metrics.Snapshot()
	if err != nil {
		o.logger.Error("failed to snapshot metrics for run %s: %v", runID, err)
		return
	}
	_, err = o.store.Store(runID, proto.ArtifactMetric, []byte(snapshot), &artifacts.StoreOptions{
		Metadata: map[string]any{"captured_at": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		o.logger.Error("failed to store metrics artifact for run %s: %v", runID, err)
	}
}

// reportRemaining logs features that never became ready, typically because
// a dependency failed.
func (o *Orchestrator) reportRemaining() {
	features, err := o.ops.ListFeatures()
	if err != nil {
		return
	}
	for _, f := range features {
		if !f.Passes && !f.InProgress {
			o.logger.Warn("feature %d (%s) did not pass", f.ID, f.Name)
		}
	}
}

func allPassed(deps []int64, passed map[int64]bool) bool {
	for _, dep := range deps {
		if !passed[dep] {
			return false
		}
	}
	return true
}
