package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"autobuildr/pkg/proto"
)

// ErrRunConflict is returned when a spec already has a non-terminal run.
var ErrRunConflict = errors.New("spec already has an active run")

// ErrStatusConflict is returned when a compare-and-swap status update finds
// the run in an unexpected state.
var ErrStatusConflict = errors.New("run status changed concurrently")

// CreateRun creates a pending run for a spec. Each spec may have at most one
// non-terminal run at a time; violations return ErrRunConflict.
func (ops *DatabaseOperations) CreateRun(agentSpecID string) (*AgentRun, error) {
	run := &AgentRun{
		ID:          GenerateID(),
		AgentSpecID: agentSpecID,
		Status:      proto.RunStatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	err := ops.WithTx(func(tx *sql.Tx) error {
		var active int
		err := tx.QueryRow(
			`SELECT COUNT(*) FROM agent_runs WHERE agent_spec_id = ? AND status IN (?, ?, ?)`,
			agentSpecID, string(proto.RunStatusPending), string(proto.RunStatusRunning), string(proto.RunStatusPaused),
		).Scan(&active)
		if err != nil {
			return fmt.Errorf("failed to count active runs for %s: %w", agentSpecID, err)
		}
		if active > 0 {
			return fmt.Errorf("agent spec %s: %w", agentSpecID, ErrRunConflict)
		}
		_, err = tx.Exec(
			`INSERT INTO agent_runs (id, agent_spec_id, status, created_at) VALUES (?, ?, ?, ?)`,
			run.ID, run.AgentSpecID, string(run.Status), run.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run for %s: %w", agentSpecID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateRunStatusRequest carries a compare-and-swap status transition plus
// any terminal fields recorded alongside it.
//
//nolint:govet // struct alignment optimization not critical for this type
type UpdateRunStatusRequest struct {
	RunID             string
	From              proto.RunStatus
	To                proto.RunStatus
	Timestamp         time.Time
	FinalVerdict      *proto.Verdict
	AcceptanceResults map[string]any
	Error             *string
}

// UpdateRunStatus transitions a run between states. The transition is
// validated against the run state machine and applied with a WHERE guard on
// the expected current status, so a concurrent change surfaces as
// ErrStatusConflict instead of silently overwriting.
func (ops *DatabaseOperations) UpdateRunStatus(req *UpdateRunStatusRequest) error {
	if err := proto.ValidateTransition(req.From, req.To); err != nil {
		return err
	}

	timestamp := req.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	setParts := []string{"status = ?"}
	args := []any{string(req.To)}

	if req.From == proto.RunStatusPending && req.To == proto.RunStatusRunning {
		setParts = append(setParts, "started_at = ?")
		args = append(args, timestamp)
	}
	if req.To.IsTerminal() {
		setParts = append(setParts, "completed_at = ?")
		args = append(args, timestamp)
	}
	if req.FinalVerdict != nil {
		setParts = append(setParts, "final_verdict = ?")
		args = append(args, string(*req.FinalVerdict))
	}
	if req.AcceptanceResults != nil {
		encoded, err := marshalJSON(req.AcceptanceResults)
		if err != nil {
			return fmt.Errorf("failed to marshal acceptance results for %s: %w", req.RunID, err)
		}
		setParts = append(setParts, "acceptance_results = ?")
		args = append(args, encoded)
	}
	if req.Error != nil {
		setParts = append(setParts, "error = ?")
		args = append(args, *req.Error)
	}

	args = append(args, req.RunID, string(req.From))

	//nolint:gosec // Using safe string concatenation for dynamic query building with bounded inputs
	query := `UPDATE agent_runs SET ` + strings.Join(setParts, ", ") + ` WHERE id = ? AND status = ?`

	result, err := ops.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run status for %s: %w", req.RunID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a missing run from a stale expected status.
		var current string
		err := ops.db.QueryRow(`SELECT status FROM agent_runs WHERE id = ?`, req.RunID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", req.RunID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read run status for %s: %w", req.RunID, err)
		}
		return fmt.Errorf("run %s is %s, expected %s: %w", req.RunID, current, req.From, ErrStatusConflict)
	}
	return nil
}

// IncrementRunUsage adds turn and token deltas to a run's counters.
func (ops *DatabaseOperations) IncrementRunUsage(runID string, turns int, tokensIn, tokensOut int64) error {
	result, err := ops.db.Exec(
		`UPDATE agent_runs SET turns_used = turns_used + ?, tokens_in = tokens_in + ?, tokens_out = tokens_out + ? WHERE id = ?`,
		turns, tokensIn, tokensOut, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update usage for run %s: %w", runID, err)
	}
	return requireRow(result, fmt.Sprintf("run %s", runID))
}

// SetRunRetryCount records how many retry attempts the run has consumed.
func (ops *DatabaseOperations) SetRunRetryCount(runID string, retryCount int) error {
	result, err := ops.db.Exec(`UPDATE agent_runs SET retry_count = ? WHERE id = ?`, retryCount, runID)
	if err != nil {
		return fmt.Errorf("failed to update retry count for run %s: %w", runID, err)
	}
	return requireRow(result, fmt.Sprintf("run %s", runID))
}

const agentRunColumns = `
	id, agent_spec_id, status, started_at, completed_at, turns_used,
	tokens_in, tokens_out, final_verdict, acceptance_results, error,
	retry_count, created_at
`

// GetRun retrieves a run by ID.
func (ops *DatabaseOperations) GetRun(id string) (*AgentRun, error) {
	query := `SELECT ` + agentRunColumns + ` FROM agent_runs WHERE id = ?`
	run, err := scanRun(ops.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// ListRunsForSpec returns all runs for a spec, newest first.
func (ops *DatabaseOperations) ListRunsForSpec(agentSpecID string) ([]*AgentRun, error) {
	query := `SELECT ` + agentRunColumns + ` FROM agent_runs WHERE agent_spec_id = ? ORDER BY created_at DESC`
	return ops.queryRuns(query, agentSpecID)
}

// ListRunsByStatus returns all runs currently in the given status.
func (ops *DatabaseOperations) ListRunsByStatus(status proto.RunStatus) ([]*AgentRun, error) {
	query := `SELECT ` + agentRunColumns + ` FROM agent_runs WHERE status = ? ORDER BY created_at ASC`
	return ops.queryRuns(query, string(status))
}

// ListOrphanCandidates returns pending or running runs whose last activity
// predates the cutoff. These are runs abandoned by a crashed process.
func (ops *DatabaseOperations) ListOrphanCandidates(cutoff time.Time) ([]*AgentRun, error) {
	query := `SELECT ` + agentRunColumns + ` FROM agent_runs
		WHERE status IN (?, ?) AND COALESCE(started_at, created_at) < ?
		ORDER BY created_at ASC`
	return ops.queryRuns(query, string(proto.RunStatusPending), string(proto.RunStatusRunning), cutoff)
}

func (ops *DatabaseOperations) queryRuns(query string, args ...any) ([]*AgentRun, error) {
	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*AgentRun, error) {
	var run AgentRun
	var status string
	var startedAt, completedAt sql.NullTime
	var finalVerdict, acceptanceResults, errText sql.NullString

	err := row.Scan(
		&run.ID, &run.AgentSpecID, &status, &startedAt, &completedAt,
		&run.TurnsUsed, &run.TokensIn, &run.TokensOut, &finalVerdict,
		&acceptanceResults, &errText, &run.RetryCount, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = proto.RunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if finalVerdict.Valid {
		v := proto.Verdict(finalVerdict.String)
		run.FinalVerdict = &v
	}
	if acceptanceResults.Valid {
		if err := unmarshalJSON(acceptanceResults.String, &run.AcceptanceResults); err != nil {
			return nil, fmt.Errorf("invalid acceptance results for run %s: %w", run.ID, err)
		}
	}
	run.Error = strPtr(errText)
	return &run, nil
}
