package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobuildr/pkg/exec"
	"autobuildr/pkg/policy"
)

func newTestProvider(t *testing.T, pol *policy.ToolPolicy) (*Provider, string) {
	t.Helper()
	dir := t.TempDir()
	if pol == nil {
		pol = &policy.ToolPolicy{PolicyVersion: "v1"}
	}
	compiled, err := policy.Compile(pol, dir)
	require.NoError(t, err)
	return NewProvider(Context{Exec: exec.NewLocalExec(), WorkDir: dir}, compiled), dir
}

func TestRegistryContainsBuiltins(t *testing.T) {
	names := RegisteredNames()
	assert.Contains(t, names, ToolShell)
	assert.Contains(t, names, ToolReadFile)
	assert.Contains(t, names, ToolWriteFile)
	assert.Contains(t, names, ToolListFiles)
}

func TestProviderListFiltersByPolicy(t *testing.T) {
	p, _ := newTestProvider(t, &policy.ToolPolicy{
		PolicyVersion: "v1",
		AllowedTools:  []string{ToolReadFile, ToolListFiles},
	})

	defs := p.List()
	require.Len(t, defs, 2)
	assert.Equal(t, ToolListFiles, defs[0].Name)
	assert.Equal(t, ToolReadFile, defs[1].Name)
}

func TestProviderExecuteBlocksForbiddenTool(t *testing.T) {
	p, _ := newTestProvider(t, &policy.ToolPolicy{
		PolicyVersion:  "v1",
		ForbiddenTools: []string{ToolShell},
	})

	result, err := p.Execute(context.Background(), ToolShell, map[string]any{"command": "echo hi"})
	require.Error(t, err)

	blocked, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "blocked_by_policy", blocked["error"])
	assert.Equal(t, "forbidden_tool", blocked["violation"])
	assert.Equal(t, ToolShell, blocked["tool"])
}

func TestProviderExecuteBlocksForbiddenPattern(t *testing.T) {
	p, _ := newTestProvider(t, &policy.ToolPolicy{
		PolicyVersion:     "v1",
		ForbiddenPatterns: []string{`rm\s+-rf`},
	})

	_, err := p.Execute(context.Background(), ToolShell, map[string]any{"command": "rm -rf /"})
	require.Error(t, err)

	var v *policy.Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, policy.ViolationForbiddenPattern, v.Kind)
}

func TestShellToolExec(t *testing.T) {
	p, _ := newTestProvider(t, nil)

	result, err := p.Execute(context.Background(), ToolShell, map[string]any{"command": "echo hello"})
	require.NoError(t, err)

	out, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "hello\n", out["stdout"])
}

func TestShellToolNonZeroExit(t *testing.T) {
	p, _ := newTestProvider(t, nil)

	result, err := p.Execute(context.Background(), ToolShell, map[string]any{"command": "exit 7"})
	require.NoError(t, err)

	out := result.(map[string]any)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, 7, out["exit_code"])
}

func TestWriteThenReadFile(t *testing.T) {
	p, dir := newTestProvider(t, nil)

	result, err := p.Execute(context.Background(), ToolWriteFile, map[string]any{
		"path":    "sub/hello.txt",
		"content": "line one\nline two\n",
	})
	require.NoError(t, err)
	out := result.(map[string]any)
	assert.Equal(t, true, out["success"])

	data, err := os.ReadFile(filepath.Join(dir, "sub", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))

	result, err = p.Execute(context.Background(), ToolReadFile, map[string]any{"path": "sub/hello.txt"})
	require.NoError(t, err)
	read := result.(map[string]any)
	assert.Equal(t, true, read["success"])
	assert.Equal(t, 2, read["total_lines"])
	assert.Contains(t, read["content"], "line one")
	assert.Contains(t, read["content"], "line two")
}

func TestReadFileOffsetLimit(t *testing.T) {
	p, dir := newTestProvider(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("a\nb\nc\nd\n"), 0644))

	result, err := p.Execute(context.Background(), ToolReadFile, map[string]any{
		"path":   "f.txt",
		"offset": 2,
		"limit":  2,
	})
	require.NoError(t, err)

	read := result.(map[string]any)
	assert.Contains(t, read["content"], "b")
	assert.Contains(t, read["content"], "c")
	assert.NotContains(t, read["content"], "a\n")
	assert.Equal(t, true, read["truncated"])
}

func TestReadFileMissing(t *testing.T) {
	p, _ := newTestProvider(t, nil)

	result, err := p.Execute(context.Background(), ToolReadFile, map[string]any{"path": "nope.txt"})
	require.NoError(t, err)

	read := result.(map[string]any)
	assert.Equal(t, false, read["success"])
}

func TestPathTraversalRejected(t *testing.T) {
	p, _ := newTestProvider(t, nil)

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		result, err := p.Execute(context.Background(), ToolWriteFile, map[string]any{
			"path":    path,
			"content": "x",
		})
		require.NoError(t, err)
		out := result.(map[string]any)
		assert.Equal(t, false, out["success"], "path %s must be rejected", path)
	}
}

func TestListFiles(t *testing.T) {
	p, dir := newTestProvider(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# hi"), 0644))

	result, err := p.Execute(context.Background(), ToolListFiles, map[string]any{})
	require.NoError(t, err)

	out := result.(map[string]any)
	files := out["files"].([]string)
	assert.Contains(t, files, "README.md")
	assert.Contains(t, files, filepath.Join("src", "main.go"))
	for _, f := range files {
		assert.NotContains(t, f, ".git")
	}
}
