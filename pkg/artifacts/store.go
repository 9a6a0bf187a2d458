// Package artifacts implements the content-addressed artifact store. Small
// content is stored inline in the database; larger content is written to
// blob files under the project's .autobuildr directory, keyed by SHA-256.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"autobuildr/pkg/logx"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
)

// InlineThreshold is the largest content size stored inline in the database.
const InlineThreshold = 4096

// Store persists run artifacts, deduplicating by content hash within a run.
type Store struct {
	ops        *persistence.DatabaseOperations
	projectDir string
	logger     *logx.Logger
}

// NewStore creates an artifact store rooted at the project directory.
func NewStore(ops *persistence.DatabaseOperations, projectDir string) *Store {
	return &Store{
		ops:        ops,
		projectDir: projectDir,
		logger:     logx.NewLogger("artifacts"),
	}
}

// StoreOptions carries the optional parts of a store request. The zero value
// deduplicates, which is the default behavior.
//
//nolint:govet // struct alignment optimization not critical for this type
type StoreOptions struct {
	Path              string
	Metadata          map[string]any
	SkipDeduplication bool
}

// HashContent returns the lowercase hex SHA-256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Store persists content as an artifact of the given type. Content at or
// under InlineThreshold bytes is stored inline; anything larger goes to a
// blob file at .autobuildr/artifacts/{run_id}/{hash}.blob relative to the
// project root. When a blob with the same hash already exists the write is
// skipped. Returns the stored (or deduplicated) artifact record.
func (s *Store) Store(runID string, artifactType proto.ArtifactType, content []byte, opts *StoreOptions) (*persistence.Artifact, error) {
	if opts == nil {
		opts = &StoreOptions{}
	}

	hash := HashContent(content)
	size := int64(len(content))

	if !opts.SkipDeduplication {
		existing, err := s.ops.FindArtifactByHash(runID, hash)
		if err == nil {
			s.logger.Debug("deduplicated artifact run_id=%s hash=%s", runID, hash)
			return existing, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
	}

	artifact := &persistence.Artifact{
		RunID:        runID,
		ArtifactType: artifactType,
		ContentHash:  hash,
		SizeBytes:    size,
		Metadata:     opts.Metadata,
	}
	if opts.Path != "" {
		p := opts.Path
		artifact.Path = &p
	}

	if size <= InlineThreshold {
		inline := strings.ToValidUTF8(string(content), "�")
		artifact.ContentInline = &inline
	} else {
		ref, err := s.writeBlob(runID, hash, content)
		if err != nil {
			return nil, err
		}
		artifact.ContentRef = &ref
	}

	if err := s.ops.InsertArtifact(artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

// writeBlob writes content to the blob path for (runID, hash) and returns
// the project-relative reference. An existing blob is left untouched since
// identical hash means identical bytes.
func (s *Store) writeBlob(runID, hash string, content []byte) (string, error) {
	relative := filepath.Join(".autobuildr", "artifacts", runID, hash+".blob")
	absolute := filepath.Join(s.projectDir, relative)

	if _, err := os.Stat(absolute); err == nil {
		return relative, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to stat blob %s: %w", absolute, err)
	}

	if err := os.MkdirAll(filepath.Dir(absolute), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(absolute, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", absolute, err)
	}
	return relative, nil
}

// Retrieve returns an artifact's content, preferring inline storage and
// falling back to the blob file. A missing blob yields (nil, nil) so callers
// can degrade instead of failing.
func (s *Store) Retrieve(artifact *persistence.Artifact) ([]byte, error) {
	if artifact.ContentInline != nil {
		return []byte(*artifact.ContentInline), nil
	}
	if artifact.ContentRef == nil {
		return nil, nil
	}

	content, err := os.ReadFile(filepath.Join(s.projectDir, *artifact.ContentRef))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("blob missing for artifact %s: %s", artifact.ID, *artifact.ContentRef)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read blob for artifact %s: %w", artifact.ID, err)
	}
	return content, nil
}

// RetrieveByID loads the artifact record and returns its content.
func (s *Store) RetrieveByID(id string) ([]byte, error) {
	artifact, err := s.ops.GetArtifact(id)
	if err != nil {
		return nil, err
	}
	return s.Retrieve(artifact)
}
