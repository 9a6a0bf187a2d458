package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"autobuildr/pkg/proto"
)

// InsertArtifact stores an artifact record. Exactly one of ContentInline or
// ContentRef should be set; the artifact store decides which based on size.
func (ops *DatabaseOperations) InsertArtifact(a *Artifact) error {
	if !proto.ValidArtifactType(a.ArtifactType) {
		return fmt.Errorf("unknown artifact type: %s", a.ArtifactType)
	}
	if len(a.ContentHash) != 64 {
		return fmt.Errorf("content hash must be 64 hex characters, got %d", len(a.ContentHash))
	}
	if a.ID == "" {
		a.ID = GenerateID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	var metadata any
	if a.Metadata != nil {
		encoded, err := marshalJSON(a.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for artifact %s: %w", a.ID, err)
		}
		metadata = encoded
	}

	_, err := ops.db.Exec(
		`INSERT INTO artifacts (id, run_id, artifact_type, path, content_ref, content_inline, content_hash, size_bytes, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, string(a.ArtifactType), nullStr(a.Path), nullStr(a.ContentRef),
		nullStr(a.ContentInline), a.ContentHash, a.SizeBytes, metadata, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact for run %s: %w", a.RunID, err)
	}
	return nil
}

const artifactColumns = `
	id, run_id, artifact_type, path, content_ref, content_inline,
	content_hash, size_bytes, metadata, created_at
`

// GetArtifact retrieves an artifact by ID.
func (ops *DatabaseOperations) GetArtifact(id string) (*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = ?`
	a, err := scanArtifact(ops.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get artifact %s: %w", id, err)
	}
	return a, nil
}

// FindArtifactByHash looks up an artifact within a run by content hash.
// Used for store-level deduplication before writing new content.
func (ops *DatabaseOperations) FindArtifactByHash(runID, contentHash string) (*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE run_id = ? AND content_hash = ? LIMIT 1`
	a, err := scanArtifact(ops.db.QueryRow(query, runID, contentHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("artifact %s in run %s: %w", contentHash, runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find artifact by hash in run %s: %w", runID, err)
	}
	return a, nil
}

// ListArtifactsForRun returns all artifacts for a run, oldest first.
func (ops *DatabaseOperations) ListArtifactsForRun(runID string) ([]*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE run_id = ? ORDER BY created_at ASC, id ASC`
	return ops.queryArtifacts(query, runID)
}

// ListArtifactsByType returns a run's artifacts of one type, oldest first.
func (ops *DatabaseOperations) ListArtifactsByType(runID string, artifactType proto.ArtifactType) ([]*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE run_id = ? AND artifact_type = ? ORDER BY created_at ASC, id ASC`
	return ops.queryArtifacts(query, runID, string(artifactType))
}

func (ops *DatabaseOperations) queryArtifacts(query string, args ...any) ([]*Artifact, error) {
	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func scanArtifact(row scanner) (*Artifact, error) {
	var a Artifact
	var artifactType string
	var path, contentRef, contentInline, metadata sql.NullString

	err := row.Scan(
		&a.ID, &a.RunID, &artifactType, &path, &contentRef, &contentInline,
		&a.ContentHash, &a.SizeBytes, &metadata, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ArtifactType = proto.ArtifactType(artifactType)
	a.Path = strPtr(path)
	a.ContentRef = strPtr(contentRef)
	a.ContentInline = strPtr(contentInline)
	if metadata.Valid {
		if err := unmarshalJSON(metadata.String, &a.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata for artifact %s: %w", a.ID, err)
		}
	}
	return &a, nil
}
