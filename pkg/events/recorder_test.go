package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobuildr/pkg/artifacts"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/policy"
	"autobuildr/pkg/proto"
)

func newTestRecorder(t *testing.T) (*Recorder, *persistence.DatabaseOperations, string) {
	t.Helper()
	projectDir := t.TempDir()

	db, err := persistence.Open(filepath.Join(projectDir, "features.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ops := persistence.NewDatabaseOperations(db.DB())
	spec := &persistence.AgentSpec{
		Name:        "recorder-test-spec",
		DisplayName: "Recorder Test",
		Objective:   "record things",
		TaskType:    proto.TaskCoding,
		ToolPolicy:  policy.ToolPolicy{PolicyVersion: "v1", AllowedTools: []string{}},
		MaxTurns:    10, TimeoutSeconds: 300, Priority: persistence.DefaultPriority,
	}
	require.NoError(t, ops.UpsertAgentSpec(spec))
	run, err := ops.CreateRun(spec.ID)
	require.NoError(t, err)

	store := artifacts.NewStore(ops, projectDir)
	return NewRecorder(ops, store, nil), ops, run.ID
}

func TestRecordDenseSequence(t *testing.T) {
	recorder, ops, runID := newTestRecorder(t)

	types := []proto.EventType{
		proto.EventStarted, proto.EventToolCall, proto.EventToolResult, proto.EventTurnComplete,
	}
	for _, et := range types {
		_, err := recorder.Record(&RecordRequest{RunID: runID, EventType: et})
		require.NoError(t, err)
	}

	events, err := ops.ListEvents(runID)
	require.NoError(t, err)
	require.Len(t, events, len(types))
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Sequence)
		assert.Equal(t, types[i], event.EventType)
	}
}

func TestRecordSeedsSequenceFromDatabase(t *testing.T) {
	recorder, ops, runID := newTestRecorder(t)

	_, err := recorder.Record(&RecordRequest{RunID: runID, EventType: proto.EventStarted})
	require.NoError(t, err)
	_, err = recorder.Record(&RecordRequest{RunID: runID, EventType: proto.EventToolCall})
	require.NoError(t, err)

	// A fresh recorder simulates a process restart; the sequence continues.
	store := artifacts.NewStore(ops, t.TempDir())
	fresh := NewRecorder(ops, store, nil)
	event, err := fresh.Record(&RecordRequest{RunID: runID, EventType: proto.EventResumed})
	require.NoError(t, err)
	assert.Equal(t, int64(3), event.Sequence)
}

func TestRecordRejectsUnknownType(t *testing.T) {
	recorder, _, runID := newTestRecorder(t)

	_, err := recorder.Record(&RecordRequest{RunID: runID, EventType: "invented"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestRecordSpillsOversizedPayload(t *testing.T) {
	recorder, ops, runID := newTestRecorder(t)

	big := strings.Repeat("z", PayloadLimit+100)
	payload := map[string]any{
		"tool":   "shell",
		"stdout": big,
		"exit":   0,
	}
	event, err := recorder.Record(&RecordRequest{
		RunID: runID, EventType: proto.EventToolResult, Payload: payload, ToolName: "shell",
	})
	require.NoError(t, err)

	require.NotNil(t, event.PayloadTruncated)
	assert.Greater(t, *event.PayloadTruncated, int64(PayloadLimit))
	require.NotNil(t, event.ArtifactRef)

	// Summary keeps the markers and the small fields, drops the large one.
	assert.Equal(t, true, event.Payload["_truncated"])
	assert.Equal(t, "shell", event.Payload["tool"])
	assert.NotContains(t, event.Payload, "stdout")

	// The artifact holds the full serialized payload.
	artifact, err := ops.GetArtifact(*event.ArtifactRef)
	require.NoError(t, err)
	assert.Equal(t, proto.ArtifactLog, artifact.ArtifactType)
	assert.Equal(t, *event.PayloadTruncated, artifact.SizeBytes)
}

func TestRecordSmallPayloadKeptInline(t *testing.T) {
	recorder, _, runID := newTestRecorder(t)

	event, err := recorder.Record(&RecordRequest{
		RunID: runID, EventType: proto.EventToolCall,
		Payload: map[string]any{"tool": "read_file", "args": map[string]any{"path": "a.txt"}},
	})
	require.NoError(t, err)
	assert.Nil(t, event.PayloadTruncated)
	assert.Nil(t, event.ArtifactRef)
	assert.Equal(t, "read_file", event.Payload["tool"])
}

func TestMirrorWritesJSONL(t *testing.T) {
	recorder, _, runID := newTestRecorder(t)

	logDir := filepath.Join(t.TempDir(), "logs")
	mirror, err := NewMirror(logDir)
	require.NoError(t, err)
	defer mirror.Close()
	recorder.mirror = mirror

	_, err = recorder.Record(&RecordRequest{RunID: runID, EventType: proto.EventStarted})
	require.NoError(t, err)

	data, err := os.ReadFile(mirror.CurrentLogFile())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"event_type":"started"`)
	assert.Contains(t, lines[0], runID)
}
