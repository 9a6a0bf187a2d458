package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"autobuildr/pkg/persistence"
)

// snapshotDir is where materialized agent snapshots land, relative to the
// project directory.
const snapshotDir = ".claude/agents/generated"

// snapshotFrontmatter is the YAML header of a materialized agent file.
//
//nolint:govet // fieldalignment: logical grouping preferred
type snapshotFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	TaskType    string   `yaml:"task_type"`
	Tools       []string `yaml:"tools,omitempty"`
	MaxTurns    int      `yaml:"max_turns"`
	Timeout     int      `yaml:"timeout_seconds"`
	SpecVersion string   `yaml:"spec_version"`
}

// MaterializeSnapshots writes every persisted agent spec as a markdown file
// with YAML frontmatter under .claude/agents/generated/. Existing files are
// overwritten; the snapshot is a projection of the database, not a source
// of truth. Returns the number of files written.
func (c *Compiler) MaterializeSnapshots() (int, error) {
	specs, err := c.ops.ListAgentSpecs()
	if err != nil {
		return 0, fmt.Errorf("failed to list specs for materialization: %w", err)
	}

	dir := filepath.Join(c.projectDir, snapshotDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	written := 0
	for _, spec := range specs {
		content, err := renderSnapshot(spec)
		if err != nil {
			return written, fmt.Errorf("failed to render snapshot for %s: %w", spec.Name, err)
		}
		path := filepath.Join(dir, spec.Name+".md")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return written, fmt.Errorf("failed to write snapshot %s: %w", path, err)
		}
		written++
	}

	c.logger.Info("materialized %d agent snapshots under %s", written, dir)
	return written, nil
}

func renderSnapshot(spec *persistence.AgentSpec) (string, error) {
	fm := snapshotFrontmatter{
		Name:        spec.Name,
		Description: spec.DisplayName,
		TaskType:    string(spec.TaskType),
		Tools:       spec.ToolPolicy.AllowedTools,
		MaxTurns:    spec.MaxTurns,
		Timeout:     spec.TimeoutSeconds,
		SpecVersion: spec.SpecVersion,
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return "", fmt.Errorf("yaml marshal: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(header)
	sb.WriteString("---\n\n")
	sb.WriteString("# " + spec.DisplayName + "\n\n")
	sb.WriteString(spec.Objective + "\n")

	if steps, ok := spec.Context["steps"].([]any); ok && len(steps) > 0 {
		sb.WriteString("\n## Steps\n\n")
		for i, step := range steps {
			fmt.Fprintf(&sb, "%d. %v\n", i+1, step)
		}
	}
	return sb.String(), nil
}
