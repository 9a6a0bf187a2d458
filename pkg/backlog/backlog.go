// Package backlog imports feature backlogs from YAML files into the
// database. Features with explicit IDs are upserted in place; features
// without IDs are appended and assigned IDs by the database.
package backlog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"autobuildr/pkg/config"
	"autobuildr/pkg/logx"
	"autobuildr/pkg/persistence"
)

// File is the top-level YAML document.
type File struct {
	Features []Entry `yaml:"features"`
}

// Entry is one feature in a backlog file.
//
//nolint:govet // fieldalignment: YAML document order preferred
type Entry struct {
	ID           int64    `yaml:"id"`
	Priority     int      `yaml:"priority"`
	Category     string   `yaml:"category"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Steps        []string `yaml:"steps"`
	Dependencies []int64  `yaml:"dependencies"`
}

// Importer loads backlog files into the feature table.
type Importer struct {
	ops    *persistence.DatabaseOperations
	logger *logx.Logger
}

// NewImporter creates a backlog importer.
func NewImporter(ops *persistence.DatabaseOperations) *Importer {
	return &Importer{
		ops:    ops,
		logger: logx.NewLogger("backlog"),
	}
}

// ImportFile parses a YAML backlog file and upserts its features. Parse and
// validation failures are configuration errors. Returns the imported
// features with their assigned IDs.
func (im *Importer) ImportFile(path string) ([]*persistence.Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog file %s: %w", path, err)
	}
	return im.Import(data, path)
}

// Import parses YAML backlog content and upserts its features. The source
// name is used in error messages only.
func (im *Importer) Import(data []byte, source string) ([]*persistence.Feature, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse backlog %s: %v", config.ErrInvalidConfig, source, err)
	}
	if len(file.Features) == 0 {
		return nil, fmt.Errorf("%w: backlog %s contains no features", config.ErrInvalidConfig, source)
	}

	features := make([]*persistence.Feature, 0, len(file.Features))
	for i := range file.Features {
		entry := &file.Features[i]
		if err := validateEntry(entry, i, source); err != nil {
			return nil, err
		}

		feature := &persistence.Feature{
			ID:           entry.ID,
			Priority:     entry.Priority,
			Category:     entry.Category,
			Name:         entry.Name,
			Description:  entry.Description,
			Steps:        entry.Steps,
			Dependencies: entry.Dependencies,
		}
		if feature.Priority == 0 {
			feature.Priority = persistence.DefaultPriority
		}
		if err := im.ops.UpsertFeature(feature); err != nil {
			return nil, fmt.Errorf("failed to import feature %q: %w", feature.Name, err)
		}
		features = append(features, feature)
	}

	im.logger.Info("imported %d features from %s", len(features), source)
	return features, nil
}

func validateEntry(entry *Entry, index int, source string) error {
	if entry.Name == "" {
		return fmt.Errorf("%w: backlog %s: feature %d has no name", config.ErrInvalidConfig, source, index)
	}
	if entry.ID < 0 {
		return fmt.Errorf("%w: backlog %s: feature %q has negative id %d", config.ErrInvalidConfig, source, entry.Name, entry.ID)
	}
	if entry.Priority < 0 {
		return fmt.Errorf("%w: backlog %s: feature %q has negative priority %d", config.ErrInvalidConfig, source, entry.Name, entry.Priority)
	}
	for _, dep := range entry.Dependencies {
		if dep <= 0 {
			return fmt.Errorf("%w: backlog %s: feature %q has invalid dependency id %d", config.ErrInvalidConfig, source, entry.Name, dep)
		}
	}
	return nil
}
