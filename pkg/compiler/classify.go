package compiler

import (
	"strings"

	"autobuildr/pkg/persistence"
	"autobuildr/pkg/policy"
	"autobuildr/pkg/proto"
	"autobuildr/pkg/tools"
)

// keywordRule maps substrings to a task type. Rules are evaluated in order
// and the first match wins, so the more specific intents come first.
//
//nolint:govet // fieldalignment: logical grouping preferred
type keywordRule struct {
	taskType proto.TaskType
	keywords []string
}

//nolint:gochecknoglobals // Static classification table
var classificationRules = []keywordRule{
	{proto.TaskAudit, []string{"security", "review", "audit", "vulnerability"}},
	{proto.TaskTesting, []string{"test", "verify", "validate"}},
	{proto.TaskDocumentation, []string{"document", "readme", "doc ", "docs", "comments"}},
	{proto.TaskRefactoring, []string{"refactor", "cleanup", "clean up", "simplify", "optimize"}},
	{proto.TaskCoding, []string{"implement", "build", "create", "add ", "fix"}},
}

// ClassifyTaskType derives a task type from the feature's name, category,
// and description. Unmatched features default to coding.
func ClassifyTaskType(f *persistence.Feature) proto.TaskType {
	haystack := strings.ToLower(f.Name + " " + f.Category + " " + f.Description)
	for _, rule := range classificationRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(haystack, keyword) {
				return rule.taskType
			}
		}
	}
	return proto.TaskCoding
}

// globalForbiddenPatterns apply to every compiled policy regardless of task
// type. They target destructive commands and pipe-to-shell downloads.
//
//nolint:gochecknoglobals // Static policy table
var globalForbiddenPatterns = []string{
	`rm\s+-rf\s+/`,
	`curl[^|\n]*\|\s*(?:ba)?sh`,
	`wget[^|\n]*\|\s*(?:ba)?sh`,
	`>\s*/etc/`,
	`mkfs\.`,
}

// policyTemplate builds the tool policy for a task type. Audit agents are
// read-only; documentation agents cannot shell out; everything else gets
// the full builtin set. All policies sandbox paths to the project directory.
func policyTemplate(taskType proto.TaskType, projectDir string) policy.ToolPolicy {
	p := policy.ToolPolicy{
		PolicyVersion:     SpecVersion,
		ForbiddenPatterns: append([]string(nil), globalForbiddenPatterns...),
	}
	if projectDir != "" {
		p.AllowedDirectories = []string{projectDir}
	}

	switch taskType {
	case proto.TaskAudit:
		p.AllowedTools = []string{tools.ToolReadFile, tools.ToolListFiles, tools.ToolShell}
		p.ForbiddenTools = []string{tools.ToolWriteFile}
	case proto.TaskDocumentation:
		p.AllowedTools = []string{tools.ToolReadFile, tools.ToolWriteFile, tools.ToolListFiles}
	default:
		p.AllowedTools = []string{tools.ToolShell, tools.ToolReadFile, tools.ToolWriteFile, tools.ToolListFiles}
	}
	return p
}
