package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"autobuildr/pkg/exec"
	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
)

const (
	defaultValidatorTimeout = 5 * time.Minute
	maxCapturedOutput       = 4096
)

// runTestPass executes a command and compares its exit code against the
// expected one. Config keys: command (string, required), timeout_seconds,
// expected_exit_code. The {project_dir} placeholder in the command expands
// to the workspace path.
func runTestPass(ctx context.Context, env *Env, _ string, cfg *persistence.ValidatorConfig) (bool, map[string]any, error) {
	command, _ := cfg.Config["command"].(string)
	if command == "" {
		return false, nil, fmt.Errorf("test_pass validator requires a command")
	}
	command = strings.ReplaceAll(command, "{project_dir}", env.ProjectDir)

	timeout := defaultValidatorTimeout
	if secs := numberArg(cfg.Config, "timeout_seconds"); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	expectedExit := int(numberArg(cfg.Config, "expected_exit_code"))

	result, err := env.Exec.Run(ctx, []string{"sh", "-c", command}, &exec.Opts{
		WorkDir: env.ProjectDir,
		Timeout: timeout,
	})
	details := map[string]any{
		"command":     command,
		"exit_code":   result.ExitCode,
		"stdout":      clip(result.Stdout),
		"stderr":      clip(result.Stderr),
		"duration_ms": result.Duration.Milliseconds(),
	}
	if err != nil {
		return false, details, fmt.Errorf("command did not complete: %w", err)
	}
	return result.ExitCode == expectedExit, details, nil
}

// runFileExists checks presence (or absence, with should_exist false) of a
// path relative to the project directory.
func runFileExists(_ context.Context, env *Env, _ string, cfg *persistence.ValidatorConfig) (bool, map[string]any, error) {
	rawPath, _ := cfg.Config["path"].(string)
	if rawPath == "" {
		return false, nil, fmt.Errorf("file_exists validator requires a path")
	}
	shouldExist := true
	if v, ok := cfg.Config["should_exist"].(bool); ok {
		shouldExist = v
	}

	path := rawPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(env.ProjectDir, path)
	}
	_, statErr := os.Stat(path)
	exists := statErr == nil

	details := map[string]any{
		"path":         rawPath,
		"exists":       exists,
		"should_exist": shouldExist,
	}
	return exists == shouldExist, details, nil
}

// runForbiddenPatterns scans the run's tool_result event payloads for regex
// matches. Any match fails the validator. Config key: patterns ([]string).
func runForbiddenPatterns(_ context.Context, env *Env, runID string, cfg *persistence.ValidatorConfig) (bool, map[string]any, error) {
	rawPatterns, ok := cfg.Config["patterns"].([]any)
	if !ok || len(rawPatterns) == 0 {
		return false, nil, fmt.Errorf("forbidden_patterns validator requires patterns")
	}

	patterns := make([]*regexp.Regexp, 0, len(rawPatterns))
	for _, raw := range rawPatterns {
		src, ok := raw.(string)
		if !ok {
			return false, nil, fmt.Errorf("forbidden pattern must be a string, got %T", raw)
		}
		re, err := regexp.Compile(src)
		if err != nil {
			return false, nil, fmt.Errorf("forbidden pattern %q does not compile: %w", src, err)
		}
		patterns = append(patterns, re)
	}

	if env.Ops == nil {
		return false, nil, fmt.Errorf("forbidden_patterns validator requires database access")
	}
	events, err := env.Ops.ListEventsByType(runID, proto.EventToolResult)
	if err != nil {
		return false, nil, fmt.Errorf("failed to load tool_result events: %w", err)
	}

	var matches []map[string]any
	for _, event := range events {
		serialized, marshalErr := json.Marshal(event.Payload)
		if marshalErr != nil {
			continue
		}
		for _, re := range patterns {
			if re.Match(serialized) {
				matches = append(matches, map[string]any{
					"sequence": event.Sequence,
					"pattern":  re.String(),
				})
			}
		}
	}

	details := map[string]any{
		"events_scanned": len(events),
		"matches":        matches,
	}
	return len(matches) == 0, details, nil
}

func clip(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "\n[output truncated]"
}

// numberArg reads a numeric config value, tolerating JSON float64 and
// native int types.
func numberArg(config map[string]any, key string) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
