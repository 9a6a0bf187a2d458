package compiler

import (
	"regexp"
	"strings"

	"autobuildr/pkg/persistence"
	"autobuildr/pkg/proto"
)

//nolint:gochecknoglobals // Static extraction patterns
var (
	backtickRe = regexp.MustCompile("`([^`]+)`")
	pathRe     = regexp.MustCompile(`\b[\w./-]*[\w-]+\.[A-Za-z0-9]{1,8}\b`)
)

// inferValidators derives acceptance validators from feature steps:
//
//   - "run" or "execute" with a command yields test_pass
//   - "should not" or "must not" yields forbidden_patterns over tool output
//   - mention of a file or path with an extractable filename yields
//     file_exists
//
// Steps with no extractable command, pattern, or path produce nothing; a
// feature may legitimately compile to an empty validator list.
func inferValidators(f *persistence.Feature) []persistence.ValidatorConfig {
	var validators []persistence.ValidatorConfig
	for _, step := range f.Steps {
		lower := strings.ToLower(step)
		switch {
		case strings.Contains(lower, "should not") || strings.Contains(lower, "must not"):
			if pattern := extractPattern(step); pattern != "" {
				validators = append(validators, persistence.ValidatorConfig{
					Kind:   proto.ValidatorForbiddenPatterns,
					Config: map[string]any{"patterns": []any{pattern}},
					Weight: 1.0,
				})
			}
		case strings.Contains(lower, "run ") || strings.Contains(lower, "execute"):
			if command := extractCommand(step); command != "" {
				validators = append(validators, persistence.ValidatorConfig{
					Kind:   proto.ValidatorTestPass,
					Config: map[string]any{"command": command},
					Weight: 1.0,
				})
			}
		case strings.Contains(lower, "file ") || strings.Contains(lower, "path "):
			if path := extractPath(step); path != "" {
				validators = append(validators, persistence.ValidatorConfig{
					Kind:   proto.ValidatorFileExists,
					Config: map[string]any{"path": path},
					Weight: 1.0,
				})
			}
		}
	}
	return validators
}

// extractCommand prefers a backtick-quoted command, falling back to the
// text after the run/execute keyword.
func extractCommand(step string) string {
	if m := backtickRe.FindStringSubmatch(step); m != nil {
		return strings.TrimSpace(m[1])
	}
	lower := strings.ToLower(step)
	for _, keyword := range []string{"execute ", "run "} {
		if idx := strings.Index(lower, keyword); idx >= 0 {
			return strings.TrimSpace(step[idx+len(keyword):])
		}
	}
	return ""
}

// extractPath prefers a backtick-quoted path, falling back to the first
// token that looks like a filename.
func extractPath(step string) string {
	if m := backtickRe.FindStringSubmatch(step); m != nil {
		return strings.TrimSpace(m[1])
	}
	return pathRe.FindString(step)
}

// extractPattern uses a backtick-quoted regex verbatim; otherwise the text
// after the negation is matched literally.
func extractPattern(step string) string {
	if m := backtickRe.FindStringSubmatch(step); m != nil {
		return strings.TrimSpace(m[1])
	}
	lower := strings.ToLower(step)
	for _, keyword := range []string{"should not contain ", "must not contain ", "should not ", "must not "} {
		if idx := strings.Index(lower, keyword); idx >= 0 {
			literal := strings.TrimSpace(step[idx+len(keyword):])
			if literal != "" {
				return regexp.QuoteMeta(literal)
			}
		}
	}
	return ""
}
