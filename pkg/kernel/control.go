package kernel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
)

// ErrNotControlled is returned when a pause or resume targets a run this
// kernel instance is not executing.
var ErrNotControlled = errors.New("run is not controlled by this kernel")

// control carries the pause and cancel flags for one active run. The wake
// channel is replaced on every state change so waiters never miss a signal.
type control struct {
	mu       sync.Mutex
	paused   bool
	canceled bool
	wakeCh   chan struct{}
}

func (c *control) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *control) isCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

func (c *control) wake() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wakeCh
}

func (c *control) set(paused, canceled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
	c.canceled = c.canceled || canceled
	close(c.wakeCh)
	c.wakeCh = make(chan struct{})
}

// controlTable indexes controls by run ID.
type controlTable struct {
	mu       sync.Mutex
	controls map[string]*control
}

func newControlTable() *controlTable {
	return &controlTable{controls: make(map[string]*control)}
}

func (t *controlTable) register(runID string) *control {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctl := &control{wakeCh: make(chan struct{})}
	t.controls[runID] = ctl
	return ctl
}

func (t *controlTable) get(runID string) *control {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.controls[runID]
}

func (t *controlTable) forget(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.controls, runID)
}

// Pause transitions a running run to paused. Only runs executing in this
// kernel instance can be paused; the status CAS surfaces conflicts typed.
func (k *Kernel) Pause(runID string) error {
	ctl := k.controls.get(runID)
	if ctl == nil {
		return fmt.Errorf("run %s: %w", runID, ErrNotControlled)
	}
	if err := k.ops.UpdateRunStatus(&persistence.UpdateRunStatusRequest{
		RunID: runID, From: proto.RunStatusRunning, To: proto.RunStatusPaused,
	}); err != nil {
		return err
	}
	ctl.set(true, false)
	k.record(runID, proto.EventPaused, nil, "")
	k.logger.Info("run %s paused", runID)
	return nil
}

// Resume transitions a paused run back to running and wakes the turn loop.
func (k *Kernel) Resume(runID string) error {
	ctl := k.controls.get(runID)
	if ctl == nil {
		return fmt.Errorf("run %s: %w", runID, ErrNotControlled)
	}
	if err := k.ops.UpdateRunStatus(&persistence.UpdateRunStatusRequest{
		RunID: runID, From: proto.RunStatusPaused, To: proto.RunStatusRunning,
	}); err != nil {
		return err
	}
	ctl.set(false, false)
	k.record(runID, proto.EventResumed, nil, "")
	k.logger.Info("run %s resumed", runID)
	return nil
}

// Cancel flags an active run for cancellation; the turn loop notices at the
// next boundary and finalizes through the gate. Runs not controlled by this
// instance are failed directly.
func (k *Kernel) Cancel(runID string) error {
	if ctl := k.controls.get(runID); ctl != nil {
		ctl.set(ctl.isPaused(), true)
		k.logger.Info("run %s cancellation requested", runID)
		return nil
	}

	run, err := k.ops.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	verdict := proto.VerdictError
	msg := "run canceled"
	if err := k.ops.UpdateRunStatus(&persistence.UpdateRunStatusRequest{
		RunID:        runID,
		From:         run.Status,
		To:           proto.RunStatusFailed,
		FinalVerdict: &verdict,
		Error:        &msg,
	}); err != nil {
		return err
	}
	k.record(runID, proto.EventFailed, map[string]any{"error": msg}, "")
	k.metrics.RunTerminal(string(proto.RunStatusFailed))
	return nil
}

// RecoverOrphans fails pending and running runs abandoned before the
// cutoff, typically by a crashed process. Returns the number recovered.
func (k *Kernel) RecoverOrphans(cutoff time.Time) (int, error) {
	orphans, err := k.ops.ListOrphanCandidates(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list orphan candidates: %w", err)
	}

	recovered := 0
	for _, run := range orphans {
		if k.controls.get(run.ID) != nil {
			continue // actively executing in this process
		}
		verdict := proto.VerdictError
		msg := "orphaned_on_restart"
		err := k.ops.UpdateRunStatus(&persistence.UpdateRunStatusRequest{
			RunID:        run.ID,
			From:         run.Status,
			To:           proto.RunStatusFailed,
			FinalVerdict: &verdict,
			Error:        &msg,
		})
		if err != nil {
			if errors.Is(err, persistence.ErrStatusConflict) {
				continue // someone else moved it first
			}
			return recovered, fmt.Errorf("failed to recover run %s: %w", run.ID, err)
		}
		k.record(run.ID, proto.EventFailed, map[string]any{"error": msg}, "")
		k.metrics.RunTerminal(string(proto.RunStatusFailed))
		k.logger.Warn("recovered orphaned run %s (was %s)", run.ID, run.Status)
		recovered++
	}
	return recovered, nil
}
