package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	defaultReadLines = 2000
	maxLineLength    = 2000
	maxListEntries   = 1000
	maxWriteBytes    = 4 * 1024 * 1024
)

// resolvePath joins a tool-supplied relative path against the workspace root
// and rejects traversal outside it. The tool policy performs its own sandbox
// check; this is the tools' independent clamp.
func resolvePath(workDir, raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.ContainsRune(raw, '\x00') {
		return "", fmt.Errorf("path contains NUL byte")
	}
	clean := filepath.Clean(raw)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("path must be relative to the project directory")
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the project directory")
	}
	return filepath.Join(workDir, clean), nil
}

// ReadFileTool reads file contents from the workspace with numbered lines.
//
//nolint:govet // fieldalignment: logical grouping preferred
type ReadFileTool struct {
	workDir string
}

// NewReadFileTool creates a read_file tool rooted at workDir.
func NewReadFileTool(workDir string) *ReadFileTool {
	return &ReadFileTool{workDir: workDir}
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string { return ToolReadFile }

// Definition returns the schema advertised to the model.
func (t *ReadFileTool) Definition() Definition {
	return Definition{
		Name:        ToolReadFile,
		Description: "Read a file from the project directory. Output uses numbered lines; use offset and limit for large files.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Relative path to the file within the project directory",
				},
				"offset": {
					Type:        "integer",
					Description: "Line number to start reading from (1-based). Defaults to 1.",
				},
				"limit": {
					Type:        "integer",
					Description: "Number of lines to read. Defaults to 2000.",
				},
			},
			Required: []string{"path"},
		},
	}
}

// Exec reads the requested line range.
func (t *ReadFileTool) Exec(_ context.Context, args map[string]any) (any, error) {
	raw, _ := args["path"].(string)
	path, err := resolvePath(t.workDir, raw)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	offset := intArg(args, "offset", 1)
	if offset < 1 {
		offset = 1
	}
	limit := intArg(args, "limit", defaultReadLines)
	if limit < 1 {
		limit = defaultReadLines
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errorResult(fmt.Sprintf("file not readable: %v", err)), nil
	}

	lines := strings.Split(string(data), "\n")
	// Trailing newline produces one empty phantom line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	totalLines := len(lines)

	var sb strings.Builder
	end := offset + limit - 1
	for i := offset; i <= end && i <= totalLines; i++ {
		line := lines[i-1]
		if len(line) > maxLineLength {
			line = line[:maxLineLength]
		}
		fmt.Fprintf(&sb, "%6d\t%s\n", i, line)
	}

	return map[string]any{
		"success":     true,
		"path":        raw,
		"content":     sb.String(),
		"offset":      offset,
		"limit":       limit,
		"total_lines": totalLines,
		"truncated":   totalLines > end,
	}, nil
}

// WriteFileTool writes file contents into the workspace.
//
//nolint:govet // fieldalignment: logical grouping preferred
type WriteFileTool struct {
	workDir string
}

// NewWriteFileTool creates a write_file tool rooted at workDir.
func NewWriteFileTool(workDir string) *WriteFileTool {
	return &WriteFileTool{workDir: workDir}
}

// Name returns the tool name.
func (t *WriteFileTool) Name() string { return ToolWriteFile }

// Definition returns the schema advertised to the model.
func (t *WriteFileTool) Definition() Definition {
	return Definition{
		Name:        ToolWriteFile,
		Description: "Write content to a file in the project directory, creating parent directories as needed",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Relative path to the file within the project directory",
				},
				"content": {
					Type:        "string",
					Description: "Full content to write",
				},
			},
			Required: []string{"path", "content"},
		},
	}
}

// Exec writes the file.
func (t *WriteFileTool) Exec(_ context.Context, args map[string]any) (any, error) {
	raw, _ := args["path"].(string)
	path, err := resolvePath(t.workDir, raw)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	content, ok := args["content"].(string)
	if !ok {
		return errorResult("content is required and must be a string"), nil
	}
	if len(content) > maxWriteBytes {
		return errorResult(fmt.Sprintf("content exceeds %d byte limit", maxWriteBytes)), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errorResult(fmt.Sprintf("failed to create parent directory: %v", err)), nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return errorResult(fmt.Sprintf("failed to write file: %v", err)), nil
	}

	return map[string]any{
		"success":       true,
		"path":          raw,
		"bytes_written": len(content),
	}, nil
}

// ListFilesTool lists workspace files.
//
//nolint:govet // fieldalignment: logical grouping preferred
type ListFilesTool struct {
	workDir string
}

// NewListFilesTool creates a list_files tool rooted at workDir.
func NewListFilesTool(workDir string) *ListFilesTool {
	return &ListFilesTool{workDir: workDir}
}

// Name returns the tool name.
func (t *ListFilesTool) Name() string { return ToolListFiles }

// Definition returns the schema advertised to the model.
func (t *ListFilesTool) Definition() Definition {
	return Definition{
		Name:        ToolListFiles,
		Description: "List files under a directory in the project, recursively. Hidden directories are skipped.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Relative directory to list. Defaults to the project root.",
				},
			},
		},
	}
}

// Exec walks the directory, skipping dot-directories.
func (t *ListFilesTool) Exec(_ context.Context, args map[string]any) (any, error) {
	raw, _ := args["path"].(string)
	if raw == "" {
		raw = "."
	}
	root, err := resolvePath(t.workDir, raw)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	var files []string
	truncated := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(t.workDir, path)
		if relErr != nil {
			return relErr
		}
		if len(files) >= maxListEntries {
			truncated = true
			return filepath.SkipAll
		}
		files = append(files, rel)
		return nil
	})
	if walkErr != nil {
		return errorResult(fmt.Sprintf("failed to list files: %v", walkErr)), nil
	}

	sort.Strings(files)
	return map[string]any{
		"success":   true,
		"path":      raw,
		"files":     files,
		"count":     len(files),
		"truncated": truncated,
	}, nil
}
