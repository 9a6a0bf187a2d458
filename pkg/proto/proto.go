// Package proto defines the closed vocabularies shared across the
// orchestrator: run statuses and their transition table, event types,
// verdicts, task types, gate modes, validator kinds, and artifact types.
package proto

import (
	"errors"
	"fmt"
)

// RunStatus is the lifecycle state of an AgentRun.
type RunStatus string

const (
	// RunStatusPending indicates a run that has been created but not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates a run currently driven by the kernel.
	RunStatusRunning RunStatus = "running"

	// RunStatusPaused indicates a run suspended by a pause request.
	RunStatusPaused RunStatus = "paused"

	// RunStatusCompleted indicates the gate was evaluated after a normal finish.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates an executor error, cancellation, or storage failure.
	RunStatusFailed RunStatus = "failed"

	// RunStatusTimeout indicates budget exhaustion (max turns or wall clock).
	RunStatusTimeout RunStatus = "timeout"
)

func (s RunStatus) String() string { return string(s) }

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusTimeout:
		return true
	case RunStatusPending, RunStatusRunning, RunStatusPaused:
		return false
	}
	return false
}

// ErrInvalidTransition is returned when a status change is not in the
// transition table. Callers treat it as a conflict (409-equivalent).
var ErrInvalidTransition = errors.New("invalid run status transition")

// TransitionTable maps each status to the statuses reachable from it.
type TransitionTable map[RunStatus][]RunStatus

// RunTransitions is the authoritative transition table for AgentRun.status.
//
//nolint:gochecknoglobals // static transition table
var RunTransitions = TransitionTable{
	RunStatusPending: {RunStatusRunning, RunStatusFailed},
	RunStatusRunning: {RunStatusPaused, RunStatusCompleted, RunStatusFailed, RunStatusTimeout},
	RunStatusPaused:  {RunStatusRunning, RunStatusFailed},
	// Terminal states have no outgoing edges.
	RunStatusCompleted: {},
	RunStatusFailed:    {},
	RunStatusTimeout:   {},
}

// CanTransition reports whether from → to is a declared edge.
func CanTransition(from, to RunStatus) bool {
	for _, next := range RunTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition (wrapped with the edge)
// when from → to is not declared.
func ValidateTransition(from, to RunStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidRunStatus reports membership in the closed status set.
func ValidRunStatus(s RunStatus) bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusPaused,
		RunStatusCompleted, RunStatusFailed, RunStatusTimeout:
		return true
	}
	return false
}

// Verdict is the semantic outcome of a run, distinct from its status.
type Verdict string

const (
	VerdictPassed Verdict = "passed"
	VerdictFailed Verdict = "failed"
	VerdictError  Verdict = "error"
)

func (v Verdict) String() string { return string(v) }

// ValidVerdict reports membership in the closed verdict set.
func ValidVerdict(v Verdict) bool {
	switch v {
	case VerdictPassed, VerdictFailed, VerdictError:
		return true
	}
	return false
}

// EventType identifies one kind of audit record.
type EventType string

const (
	EventStarted             EventType = "started"
	EventToolCall            EventType = "tool_call"
	EventToolResult          EventType = "tool_result"
	EventTurnComplete        EventType = "turn_complete"
	EventAcceptanceCheck     EventType = "acceptance_check"
	EventCompleted           EventType = "completed"
	EventFailed              EventType = "failed"
	EventTimeout             EventType = "timeout"
	EventPaused              EventType = "paused"
	EventResumed             EventType = "resumed"
	EventPolicyViolation     EventType = "policy_violation"
	EventTestsExecuted       EventType = "tests_executed"
	EventSandboxTests        EventType = "sandbox_tests_executed"
	EventTestResultArtifact  EventType = "test_result_artifact_created"
)

func (e EventType) String() string { return string(e) }

// eventTypes is the authoritative closed set.
//
//nolint:gochecknoglobals // static membership set
var eventTypes = map[EventType]bool{
	EventStarted:            true,
	EventToolCall:           true,
	EventToolResult:         true,
	EventTurnComplete:       true,
	EventAcceptanceCheck:    true,
	EventCompleted:          true,
	EventFailed:             true,
	EventTimeout:            true,
	EventPaused:             true,
	EventResumed:            true,
	EventPolicyViolation:    true,
	EventTestsExecuted:      true,
	EventSandboxTests:       true,
	EventTestResultArtifact: true,
}

// ValidEventType reports membership in the closed event-type set.
func ValidEventType(e EventType) bool {
	return eventTypes[e]
}

// TerminalEventFor maps a terminal status to its terminal event type.
func TerminalEventFor(s RunStatus) (EventType, bool) {
	switch s {
	case RunStatusCompleted:
		return EventCompleted, true
	case RunStatusFailed:
		return EventFailed, true
	case RunStatusTimeout:
		return EventTimeout, true
	case RunStatusPending, RunStatusRunning, RunStatusPaused:
		return "", false
	}
	return "", false
}

// TaskType classifies the work an AgentSpec performs.
type TaskType string

const (
	TaskCoding        TaskType = "coding"
	TaskTesting       TaskType = "testing"
	TaskRefactoring   TaskType = "refactoring"
	TaskDocumentation TaskType = "documentation"
	TaskAudit         TaskType = "audit"
	TaskCustom        TaskType = "custom"
)

func (t TaskType) String() string { return string(t) }

// ValidTaskType reports membership in the closed task-type set.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskCoding, TaskTesting, TaskRefactoring, TaskDocumentation, TaskAudit, TaskCustom:
		return true
	}
	return false
}

// GateMode selects how validator outcomes combine into a verdict.
type GateMode string

const (
	GateAllPass  GateMode = "all_pass"
	GateAnyPass  GateMode = "any_pass"
	GateWeighted GateMode = "weighted"
)

// ValidGateMode reports membership in the closed gate-mode set.
func ValidGateMode(m GateMode) bool {
	switch m {
	case GateAllPass, GateAnyPass, GateWeighted:
		return true
	}
	return false
}

// ValidatorKind identifies one registered validator implementation.
type ValidatorKind string

const (
	ValidatorTestPass          ValidatorKind = "test_pass"
	ValidatorFileExists        ValidatorKind = "file_exists"
	ValidatorForbiddenPatterns ValidatorKind = "forbidden_patterns"
)

// ValidValidatorKind reports membership in the registered validator set.
func ValidValidatorKind(k ValidatorKind) bool {
	switch k {
	case ValidatorTestPass, ValidatorFileExists, ValidatorForbiddenPatterns:
		return true
	}
	return false
}

// RetryPolicy selects the gate retry behavior.
type RetryPolicy string

const (
	RetryNone        RetryPolicy = "none"
	RetryFixed       RetryPolicy = "fixed"
	RetryExponential RetryPolicy = "exponential"
)

// ValidRetryPolicy reports membership in the closed retry-policy set.
func ValidRetryPolicy(p RetryPolicy) bool {
	switch p {
	case RetryNone, RetryFixed, RetryExponential:
		return true
	}
	return false
}

// ArtifactType classifies a persisted run output.
type ArtifactType string

const (
	ArtifactFileChange ArtifactType = "file_change"
	ArtifactTestResult ArtifactType = "test_result"
	ArtifactLog        ArtifactType = "log"
	ArtifactMetric     ArtifactType = "metric"
	ArtifactSnapshot   ArtifactType = "snapshot"
)

// ValidArtifactType reports membership in the closed artifact-type set.
func ValidArtifactType(t ArtifactType) bool {
	switch t {
	case ArtifactFileChange, ArtifactTestResult, ArtifactLog, ArtifactMetric, ArtifactSnapshot:
		return true
	}
	return false
}

// Budget bounds shared by the compiler, persistence checks, and the kernel.
const (
	MinMaxTurns       = 1
	MaxMaxTurns       = 500
	MinTimeoutSeconds = 60
	MaxTimeoutSeconds = 7200
)
