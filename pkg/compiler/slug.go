package compiler

import (
	"fmt"
	"strings"

	"autobuildr/pkg/proto"
)

// maxSpecNameLength bounds spec names so they stay usable as filenames and
// URL segments.
const maxSpecNameLength = 100

// slugify converts a feature name into a URL-safe spec name prefixed with
// its task type.
func slugify(taskType proto.TaskType, name string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(sb.String(), "-")
	if slug == "" {
		slug = "feature"
	}

	full := string(taskType) + "-" + slug
	if len(full) > maxSpecNameLength {
		full = strings.Trim(full[:maxSpecNameLength], "-")
	}
	return full
}

// uniqueName slugifies the feature name and disambiguates collisions with a
// numeric suffix.
func (c *Compiler) uniqueName(taskType proto.TaskType, featureName string) (string, error) {
	base := slugify(taskType, featureName)
	name := base
	for suffix := 2; ; suffix++ {
		exists, err := c.ops.SpecNameExists(name)
		if err != nil {
			return "", fmt.Errorf("failed to check spec name %q: %w", name, err)
		}
		if !exists {
			return name, nil
		}
		name = fmt.Sprintf("%s-%d", base, suffix)
		if len(name) > maxSpecNameLength {
			trimmed := base[:maxSpecNameLength-len(fmt.Sprintf("-%d", suffix))]
			name = fmt.Sprintf("%s-%d", strings.Trim(trimmed, "-"), suffix)
		}
	}
}
