package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"autobuildr/pkg/proto"
)

// UpsertAgentSpec inserts or updates an agent spec after validating it.
func (ops *DatabaseOperations) UpsertAgentSpec(spec *AgentSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid agent spec %q: %w", spec.Name, err)
	}
	if spec.ID == "" {
		spec.ID = GenerateID()
	}
	if spec.SpecVersion == "" {
		spec.SpecVersion = "v1"
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}

	toolPolicy, err := marshalJSON(&spec.ToolPolicy)
	if err != nil {
		return fmt.Errorf("failed to marshal tool policy for %q: %w", spec.Name, err)
	}
	var contextJSON any
	if spec.Context != nil {
		encoded, err := marshalJSON(spec.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal context for %q: %w", spec.Name, err)
		}
		contextJSON = encoded
	}
	tags, err := marshalJSON(stringsOrEmpty(spec.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags for %q: %w", spec.Name, err)
	}

	query := `
		INSERT INTO agent_specs (
			id, name, display_name, icon, spec_version, objective, task_type,
			context, tool_policy, max_turns, timeout_seconds, parent_spec_id,
			source_feature_id, spec_path, priority, tags, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			icon = excluded.icon,
			spec_version = excluded.spec_version,
			objective = excluded.objective,
			task_type = excluded.task_type,
			context = excluded.context,
			tool_policy = excluded.tool_policy,
			max_turns = excluded.max_turns,
			timeout_seconds = excluded.timeout_seconds,
			parent_spec_id = excluded.parent_spec_id,
			source_feature_id = excluded.source_feature_id,
			spec_path = excluded.spec_path,
			priority = excluded.priority,
			tags = excluded.tags
	`
	_, err = ops.db.Exec(query,
		spec.ID, spec.Name, spec.DisplayName, spec.Icon, spec.SpecVersion,
		spec.Objective, string(spec.TaskType), contextJSON, toolPolicy,
		spec.MaxTurns, spec.TimeoutSeconds, nullStr(spec.ParentSpecID),
		nullInt64(spec.SourceFeatureID), nullStr(spec.SpecPath),
		spec.Priority, tags, spec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent spec %q: %w", spec.Name, err)
	}
	return nil
}

const agentSpecColumns = `
	id, name, display_name, icon, spec_version, objective, task_type,
	context, tool_policy, max_turns, timeout_seconds, parent_spec_id,
	source_feature_id, spec_path, priority, tags, created_at
`

// GetAgentSpec retrieves an agent spec by ID.
func (ops *DatabaseOperations) GetAgentSpec(id string) (*AgentSpec, error) {
	query := `SELECT ` + agentSpecColumns + ` FROM agent_specs WHERE id = ?`
	spec, err := scanAgentSpec(ops.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent spec %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get agent spec %s: %w", id, err)
	}
	return spec, nil
}

// GetAgentSpecByName retrieves an agent spec by its unique name.
func (ops *DatabaseOperations) GetAgentSpecByName(name string) (*AgentSpec, error) {
	query := `SELECT ` + agentSpecColumns + ` FROM agent_specs WHERE name = ?`
	spec, err := scanAgentSpec(ops.db.QueryRow(query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent spec %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get agent spec %q: %w", name, err)
	}
	return spec, nil
}

// DeleteAgentSpec removes an agent spec. The schema cascades the delete to
// its acceptance spec, runs, and their events and artifacts.
func (ops *DatabaseOperations) DeleteAgentSpec(id string) error {
	result, err := ops.db.Exec(`DELETE FROM agent_specs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent spec %s: %w", id, err)
	}
	return requireRow(result, fmt.Sprintf("agent spec %s", id))
}

// SpecNameExists reports whether any agent spec already uses the given name.
func (ops *DatabaseOperations) SpecNameExists(name string) (bool, error) {
	var count int
	err := ops.db.QueryRow(`SELECT COUNT(*) FROM agent_specs WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check spec name %q: %w", name, err)
	}
	return count > 0, nil
}

// ListAgentSpecs returns all agent specs ordered by priority then creation.
func (ops *DatabaseOperations) ListAgentSpecs() ([]*AgentSpec, error) {
	query := `SELECT ` + agentSpecColumns + ` FROM agent_specs ORDER BY priority ASC, created_at ASC`
	return ops.queryAgentSpecs(query)
}

// ListAgentSpecsForFeature returns specs compiled from the given feature.
func (ops *DatabaseOperations) ListAgentSpecsForFeature(featureID int64) ([]*AgentSpec, error) {
	query := `SELECT ` + agentSpecColumns + ` FROM agent_specs WHERE source_feature_id = ? ORDER BY created_at ASC`
	return ops.queryAgentSpecs(query, featureID)
}

func (ops *DatabaseOperations) queryAgentSpecs(query string, args ...any) ([]*AgentSpec, error) {
	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent specs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var specs []*AgentSpec
	for rows.Next() {
		spec, err := scanAgentSpec(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent spec: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func scanAgentSpec(row scanner) (*AgentSpec, error) {
	var spec AgentSpec
	var taskType, toolPolicy, tags string
	var contextJSON, parentSpecID, specPath sql.NullString
	var sourceFeatureID sql.NullInt64

	err := row.Scan(
		&spec.ID, &spec.Name, &spec.DisplayName, &spec.Icon, &spec.SpecVersion,
		&spec.Objective, &taskType, &contextJSON, &toolPolicy,
		&spec.MaxTurns, &spec.TimeoutSeconds, &parentSpecID,
		&sourceFeatureID, &specPath, &spec.Priority, &tags, &spec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	spec.TaskType = proto.TaskType(taskType)
	if err := unmarshalJSON(toolPolicy, &spec.ToolPolicy); err != nil {
		return nil, fmt.Errorf("invalid tool policy for spec %s: %w", spec.ID, err)
	}
	if contextJSON.Valid {
		if err := unmarshalJSON(contextJSON.String, &spec.Context); err != nil {
			return nil, fmt.Errorf("invalid context for spec %s: %w", spec.ID, err)
		}
	}
	if err := unmarshalJSON(tags, &spec.Tags); err != nil {
		return nil, fmt.Errorf("invalid tags for spec %s: %w", spec.ID, err)
	}
	spec.ParentSpecID = strPtr(parentSpecID)
	spec.SourceFeatureID = int64Ptr(sourceFeatureID)
	spec.SpecPath = strPtr(specPath)
	return &spec, nil
}

// UpsertAcceptanceSpec inserts or updates the acceptance spec for an agent
// spec. The agent_spec_id UNIQUE constraint keeps the relation one-to-one.
func (ops *DatabaseOperations) UpsertAcceptanceSpec(a *AcceptanceSpec) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid acceptance spec for %s: %w", a.AgentSpecID, err)
	}
	if a.ID == "" {
		a.ID = GenerateID()
	}
	validators, err := marshalJSON(validatorsOrEmpty(a.Validators))
	if err != nil {
		return fmt.Errorf("failed to marshal validators for %s: %w", a.AgentSpecID, err)
	}

	query := `
		INSERT INTO acceptance_specs (
			id, agent_spec_id, validators, gate_mode, min_score,
			retry_policy, max_retries, fallback_spec_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_spec_id) DO UPDATE SET
			validators = excluded.validators,
			gate_mode = excluded.gate_mode,
			min_score = excluded.min_score,
			retry_policy = excluded.retry_policy,
			max_retries = excluded.max_retries,
			fallback_spec_id = excluded.fallback_spec_id
	`
	_, err = ops.db.Exec(query,
		a.ID, a.AgentSpecID, validators, string(a.GateMode), nullFloat(a.MinScore),
		string(a.RetryPolicy), a.MaxRetries, nullStr(a.FallbackSpecID),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert acceptance spec for %s: %w", a.AgentSpecID, err)
	}
	return nil
}

// GetAcceptanceSpecForAgentSpec retrieves the acceptance spec attached to an
// agent spec, or ErrNotFound when the spec has no gate configured.
func (ops *DatabaseOperations) GetAcceptanceSpecForAgentSpec(agentSpecID string) (*AcceptanceSpec, error) {
	query := `
		SELECT id, agent_spec_id, validators, gate_mode, min_score,
			retry_policy, max_retries, fallback_spec_id
		FROM acceptance_specs WHERE agent_spec_id = ?
	`
	var a AcceptanceSpec
	var validators, gateMode, retryPolicy string
	var minScore sql.NullFloat64
	var fallbackSpecID sql.NullString

	err := ops.db.QueryRow(query, agentSpecID).Scan(
		&a.ID, &a.AgentSpecID, &validators, &gateMode, &minScore,
		&retryPolicy, &a.MaxRetries, &fallbackSpecID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("acceptance spec for %s: %w", agentSpecID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get acceptance spec for %s: %w", agentSpecID, err)
	}

	if err := unmarshalJSON(validators, &a.Validators); err != nil {
		return nil, fmt.Errorf("invalid validators for %s: %w", agentSpecID, err)
	}
	a.GateMode = proto.GateMode(gateMode)
	a.RetryPolicy = proto.RetryPolicy(retryPolicy)
	a.MinScore = floatPtr(minScore)
	a.FallbackSpecID = strPtr(fallbackSpecID)
	return &a, nil
}

func validatorsOrEmpty(v []ValidatorConfig) []ValidatorConfig {
	if v == nil {
		return []ValidatorConfig{}
	}
	return v
}
