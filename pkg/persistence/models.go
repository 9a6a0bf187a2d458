package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autobuildr/pkg/policy"
	"autobuildr/pkg/proto"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DefaultPriority is assigned to features and specs created without one.
const DefaultPriority = 1000

// Feature represents a backlog work item.
//
//nolint:govet // struct alignment optimization not critical for this type
type Feature struct {
	ID           int64    `json:"id"`
	Priority     int      `json:"priority"`
	Category     string   `json:"category"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Steps        []string `json:"steps"`
	Passes       bool     `json:"passes"`
	InProgress   bool     `json:"in_progress"`
	Dependencies []int64  `json:"dependencies,omitempty"`
}

// AgentSpec represents a runnable agent specification.
//
//nolint:govet // struct alignment optimization not critical for this type
type AgentSpec struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	DisplayName     string            `json:"display_name"`
	Icon            string            `json:"icon,omitempty"`
	SpecVersion     string            `json:"spec_version"`
	Objective       string            `json:"objective"`
	TaskType        proto.TaskType    `json:"task_type"`
	Context         map[string]any    `json:"context,omitempty"`
	ToolPolicy      policy.ToolPolicy `json:"tool_policy"`
	MaxTurns        int               `json:"max_turns"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	ParentSpecID    *string           `json:"parent_spec_id,omitempty"`
	SourceFeatureID *int64            `json:"source_feature_id,omitempty"`
	SpecPath        *string           `json:"spec_path,omitempty"`
	Priority        int               `json:"priority"`
	Tags            []string          `json:"tags,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Validate checks spec fields against the closed sets and budget bounds.
func (s *AgentSpec) Validate() error {
	if s.Name == "" || len(s.Name) > 100 {
		return fmt.Errorf("spec name must be 1-100 characters, got %d", len(s.Name))
	}
	if !proto.ValidTaskType(s.TaskType) {
		return fmt.Errorf("unknown task type: %s", s.TaskType)
	}
	if s.MaxTurns < proto.MinMaxTurns || s.MaxTurns > proto.MaxMaxTurns {
		return fmt.Errorf("max_turns %d outside [%d, %d]", s.MaxTurns, proto.MinMaxTurns, proto.MaxMaxTurns)
	}
	if s.TimeoutSeconds < proto.MinTimeoutSeconds || s.TimeoutSeconds > proto.MaxTimeoutSeconds {
		return fmt.Errorf("timeout_seconds %d outside [%d, %d]", s.TimeoutSeconds, proto.MinTimeoutSeconds, proto.MaxTimeoutSeconds)
	}
	if s.ToolPolicy.PolicyVersion == "" {
		return errors.New("tool_policy must carry a policy_version")
	}
	if s.ToolPolicy.AllowedTools == nil {
		return errors.New("tool_policy must carry allowed_tools (may be empty)")
	}
	return nil
}

// ValidatorConfig is one validator entry inside an AcceptanceSpec.
//
//nolint:govet // struct alignment optimization not critical for this type
type ValidatorConfig struct {
	Kind     proto.ValidatorKind `json:"kind"`
	Config   map[string]any      `json:"config,omitempty"`
	Weight   float64             `json:"weight"`
	Required bool                `json:"required"`
}

// AcceptanceSpec is the gate configuration, one-to-one with an AgentSpec.
//
//nolint:govet // struct alignment optimization not critical for this type
type AcceptanceSpec struct {
	ID             string            `json:"id"`
	AgentSpecID    string            `json:"agent_spec_id"`
	Validators     []ValidatorConfig `json:"validators"`
	GateMode       proto.GateMode    `json:"gate_mode"`
	MinScore       *float64          `json:"min_score,omitempty"`
	RetryPolicy    proto.RetryPolicy `json:"retry_policy"`
	MaxRetries     int               `json:"max_retries"`
	FallbackSpecID *string           `json:"fallback_spec_id,omitempty"`
}

// Validate checks the acceptance spec against the closed sets.
func (a *AcceptanceSpec) Validate() error {
	if !proto.ValidGateMode(a.GateMode) {
		return fmt.Errorf("unknown gate mode: %s", a.GateMode)
	}
	if a.GateMode == proto.GateWeighted && a.MinScore == nil {
		return errors.New("weighted gate mode requires min_score")
	}
	if !proto.ValidRetryPolicy(a.RetryPolicy) {
		return fmt.Errorf("unknown retry policy: %s", a.RetryPolicy)
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", a.MaxRetries)
	}
	for i := range a.Validators {
		v := &a.Validators[i]
		if !proto.ValidValidatorKind(v.Kind) {
			return fmt.Errorf("validator %d: unknown kind %s", i, v.Kind)
		}
		if v.Weight < 0 || v.Weight > 1 {
			return fmt.Errorf("validator %d: weight %.3f outside [0, 1]", i, v.Weight)
		}
	}
	return nil
}

// AgentRun represents one execution instance of a spec.
//
//nolint:govet // struct alignment optimization not critical for this type
type AgentRun struct {
	ID                string          `json:"id"`
	AgentSpecID       string          `json:"agent_spec_id"`
	Status            proto.RunStatus `json:"status"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	TurnsUsed         int             `json:"turns_used"`
	TokensIn          int64           `json:"tokens_in"`
	TokensOut         int64           `json:"tokens_out"`
	FinalVerdict      *proto.Verdict  `json:"final_verdict,omitempty"`
	AcceptanceResults map[string]any  `json:"acceptance_results,omitempty"`
	Error             *string         `json:"error,omitempty"`
	RetryCount        int             `json:"retry_count"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Artifact represents a persisted run output, addressed by content hash.
//
//nolint:govet // struct alignment optimization not critical for this type
type Artifact struct {
	ID            string             `json:"id"`
	RunID         string             `json:"run_id"`
	ArtifactType  proto.ArtifactType `json:"artifact_type"`
	Path          *string            `json:"path,omitempty"`
	ContentRef    *string            `json:"content_ref,omitempty"`
	ContentInline *string            `json:"content_inline,omitempty"`
	ContentHash   string             `json:"content_hash"`
	SizeBytes     int64              `json:"size_bytes"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// AgentEvent represents an immutable audit record within a run.
//
//nolint:govet // struct alignment optimization not critical for this type
type AgentEvent struct {
	ID               int64           `json:"id"`
	RunID            string          `json:"run_id"`
	Sequence         int64           `json:"sequence"`
	EventType        proto.EventType `json:"event_type"`
	Timestamp        time.Time       `json:"timestamp"`
	Payload          map[string]any  `json:"payload,omitempty"`
	PayloadTruncated *int64          `json:"payload_truncated,omitempty"`
	ArtifactRef      *string         `json:"artifact_ref,omitempty"`
	ToolName         *string         `json:"tool_name,omitempty"`
}

// GenerateID returns a new UUID string for specs, runs, and artifacts.
func GenerateID() string {
	return uuid.New().String()
}

// marshalJSON serializes v to a JSON string for TEXT column storage.
func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json marshal: %w", err)
	}
	return string(data), nil
}

// unmarshalJSON deserializes a TEXT column into dest; empty input is a no-op.
func unmarshalJSON(data string, dest any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	return nil
}
