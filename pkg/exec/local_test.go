package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecEcho(t *testing.T) {
	e := NewLocalExec()

	result, err := e.Run(context.Background(), []string{"echo", "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
}

func TestLocalExecNonZeroExit(t *testing.T) {
	e := NewLocalExec()

	result, err := e.Run(context.Background(), []string{"sh", "-c", "exit 3"}, nil)
	require.NoError(t, err, "non-zero exit must not be an error")
	assert.Equal(t, 3, result.ExitCode)
}

func TestLocalExecEmptyCommand(t *testing.T) {
	e := NewLocalExec()

	_, err := e.Run(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestLocalExecWorkDir(t *testing.T) {
	e := NewLocalExec()
	dir := t.TempDir()

	result, err := e.Run(context.Background(), []string{"pwd"}, &Opts{WorkDir: dir})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, dir)
}

func TestLocalExecMissingWorkDir(t *testing.T) {
	e := NewLocalExec()

	_, err := e.Run(context.Background(), []string{"pwd"}, &Opts{WorkDir: "/does/not/exist"})
	require.Error(t, err)
}

func TestLocalExecTimeout(t *testing.T) {
	e := NewLocalExec()

	result, err := e.Run(context.Background(), []string{"sleep", "5"}, &Opts{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, -1, result.ExitCode)
}
