// Package events implements the event recorder. Every state change within a
// run is written as an immutable event with a dense per-run sequence number;
// oversized payloads spill into the artifact store.
package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"autobuildr/pkg/artifacts"
	"autobuildr/pkg/logx"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
)

// PayloadLimit is the largest serialized payload stored directly on an
// event. Larger payloads are spilled to a log artifact and summarized.
const PayloadLimit = 4096

// Recorder appends events to runs. Sequence counters are kept per run,
// seeded from max(sequence)+1 on first use so recovery after a crash
// continues the dense sequence instead of restarting it.
type Recorder struct {
	ops       *persistence.DatabaseOperations
	store     *artifacts.Store
	logger    *logx.Logger
	mirror    *Mirror
	mu        sync.Mutex
	sequences map[string]int64
}

// NewRecorder creates an event recorder backed by the given operations and
// artifact store. The mirror is optional; pass nil to disable JSONL output.
func NewRecorder(ops *persistence.DatabaseOperations, store *artifacts.Store, mirror *Mirror) *Recorder {
	return &Recorder{
		ops:       ops,
		store:     store,
		logger:    logx.NewLogger("events"),
		mirror:    mirror,
		sequences: make(map[string]int64),
	}
}

// RecordRequest describes one event to append.
//
//nolint:govet // struct alignment optimization not critical for this type
type RecordRequest struct {
	RunID     string
	EventType proto.EventType
	Payload   map[string]any
	ToolName  string
}

// Record validates and appends an event, returning the stored record. When
// the serialized payload exceeds PayloadLimit the full payload is stored as
// a log artifact, the event keeps a summary object, artifact_ref points at
// the artifact, and payload_truncated carries the original size.
func (r *Recorder) Record(req *RecordRequest) (*persistence.AgentEvent, error) {
	if !proto.ValidEventType(req.EventType) {
		return nil, fmt.Errorf("unknown event type: %s", req.EventType)
	}
	if req.RunID == "" {
		return nil, fmt.Errorf("event requires a run_id")
	}

	event := &persistence.AgentEvent{
		RunID:     req.RunID,
		EventType: req.EventType,
	}
	if req.ToolName != "" {
		name := req.ToolName
		event.ToolName = &name
	}

	if req.Payload != nil {
		serialized, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize payload for run %s: %w", req.RunID, err)
		}
		if len(serialized) > PayloadLimit {
			artifact, err := r.store.Store(req.RunID, proto.ArtifactLog, serialized, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to spill payload for run %s: %w", req.RunID, err)
			}
			originalSize := int64(len(serialized))
			event.Payload = summarizePayload(req.Payload, originalSize)
			event.ArtifactRef = &artifact.ID
			event.PayloadTruncated = &originalSize
		} else {
			event.Payload = req.Payload
		}
	}

	seq, err := r.nextSequence(req.RunID)
	if err != nil {
		return nil, err
	}
	event.Sequence = seq

	if err := r.ops.InsertEvent(event); err != nil {
		r.releaseSequence(req.RunID, seq)
		return nil, err
	}

	if r.mirror != nil {
		if err := r.mirror.Write(event); err != nil {
			r.logger.Warn("event mirror write failed: %v", err)
		}
	}
	return event, nil
}

// nextSequence hands out the next dense sequence number for a run.
func (r *Recorder) nextSequence(runID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, ok := r.sequences[runID]
	if !ok {
		last, err := r.ops.GetLastSequence(runID)
		if err != nil {
			return 0, err
		}
		next = last + 1
	}
	r.sequences[runID] = next + 1
	return next, nil
}

// releaseSequence returns a sequence number after a failed insert so the
// run's sequence stays dense.
func (r *Recorder) releaseSequence(runID string, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sequences[runID] == seq+1 {
		r.sequences[runID] = seq
	}
}

// Forget drops the in-memory counter for a finished run.
func (r *Recorder) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sequences, runID)
}

// summarizePayload builds the replacement payload for a spilled event: the
// truncation markers plus whichever small scalar fields fit. Keys are
// visited in sorted order so summaries are deterministic.
func summarizePayload(payload map[string]any, originalSize int64) map[string]any {
	const maxFieldLen = 120
	const maxSummaryBudget = 1024

	summary := map[string]any{
		"_truncated":     true,
		"_original_size": originalSize,
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	budget := maxSummaryBudget
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string:
			if len(v) <= maxFieldLen && len(v) <= budget {
				summary[k] = v
				budget -= len(v)
			}
		case bool, float64, int, int64:
			summary[k] = v
		}
		if budget <= 0 {
			break
		}
	}
	return summary
}
