package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"autobuildr/pkg/proto"
)

// InsertEvent appends an event to a run's log. Events are immutable once
// written; there are no update or delete operations. A zero Sequence is
// assigned max(sequence)+1 within the insert transaction.
func (ops *DatabaseOperations) InsertEvent(event *AgentEvent) error {
	if !proto.ValidEventType(event.EventType) {
		return fmt.Errorf("unknown event type: %s", event.EventType)
	}
	if event.RunID == "" {
		return fmt.Errorf("event requires a run_id")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var payload any
	if event.Payload != nil {
		encoded, err := marshalJSON(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload for run %s: %w", event.RunID, err)
		}
		payload = encoded
	}

	return ops.WithTx(func(tx *sql.Tx) error {
		if event.Sequence == 0 {
			err := tx.QueryRow(
				`SELECT COALESCE(MAX(sequence), 0) + 1 FROM agent_events WHERE run_id = ?`,
				event.RunID,
			).Scan(&event.Sequence)
			if err != nil {
				return fmt.Errorf("failed to compute next sequence for run %s: %w", event.RunID, err)
			}
		}
		result, err := tx.Exec(
			`INSERT INTO agent_events (run_id, sequence, event_type, timestamp, payload, payload_truncated, artifact_ref, tool_name)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			event.RunID, event.Sequence, string(event.EventType), event.Timestamp,
			payload, nullInt64(event.PayloadTruncated), nullStr(event.ArtifactRef), nullStr(event.ToolName),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %s for run %s: %w", event.EventType, event.RunID, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read event id: %w", err)
		}
		event.ID = id
		return nil
	})
}

// GetLastSequence returns the highest sequence number recorded for a run,
// or zero when the run has no events yet.
func (ops *DatabaseOperations) GetLastSequence(runID string) (int64, error) {
	var seq int64
	err := ops.db.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) FROM agent_events WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence for run %s: %w", runID, err)
	}
	return seq, nil
}

const agentEventColumns = `
	id, run_id, sequence, event_type, timestamp, payload,
	payload_truncated, artifact_ref, tool_name
`

// ListEvents returns all events for a run in sequence order.
func (ops *DatabaseOperations) ListEvents(runID string) ([]*AgentEvent, error) {
	query := `SELECT ` + agentEventColumns + ` FROM agent_events WHERE run_id = ? ORDER BY sequence ASC`
	return ops.queryEvents(query, runID)
}

// ListEventsByType returns a run's events of one type in sequence order.
func (ops *DatabaseOperations) ListEventsByType(runID string, eventType proto.EventType) ([]*AgentEvent, error) {
	query := `SELECT ` + agentEventColumns + ` FROM agent_events WHERE run_id = ? AND event_type = ? ORDER BY sequence ASC`
	return ops.queryEvents(query, runID, string(eventType))
}

// CountEventsByType returns how many events of one type a run has recorded.
func (ops *DatabaseOperations) CountEventsByType(runID string, eventType proto.EventType) (int, error) {
	var count int
	err := ops.db.QueryRow(
		`SELECT COUNT(*) FROM agent_events WHERE run_id = ? AND event_type = ?`,
		runID, string(eventType),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s events for run %s: %w", eventType, runID, err)
	}
	return count, nil
}

func (ops *DatabaseOperations) queryEvents(query string, args ...any) ([]*AgentEvent, error) {
	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*AgentEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(row scanner) (*AgentEvent, error) {
	var event AgentEvent
	var eventType string
	var payload, artifactRef, toolName sql.NullString
	var payloadTruncated sql.NullInt64

	err := row.Scan(
		&event.ID, &event.RunID, &event.Sequence, &eventType, &event.Timestamp,
		&payload, &payloadTruncated, &artifactRef, &toolName,
	)
	if err != nil {
		return nil, err
	}

	event.EventType = proto.EventType(eventType)
	if payload.Valid {
		if err := unmarshalJSON(payload.String, &event.Payload); err != nil {
			return nil, fmt.Errorf("invalid payload for event %d: %w", event.ID, err)
		}
	}
	event.PayloadTruncated = int64Ptr(payloadTruncated)
	event.ArtifactRef = strPtr(artifactRef)
	event.ToolName = strPtr(toolName)
	return &event, nil
}
