package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// pathArgKeys are argument names treated as filesystem paths for sandbox
// enforcement. Matching is exact on the lowercased key.
var pathArgKeys = map[string]bool{
	"path":        true,
	"file":        true,
	"filename":    true,
	"file_path":   true,
	"filepath":    true,
	"dir":         true,
	"directory":   true,
	"cwd":         true,
	"source":      true,
	"destination": true,
	"target":      true,
	"output_path": true,
	"input_path":  true,
}

// extractPathArgs collects every string value stored under a path-like key,
// descending into nested objects and arrays.
func extractPathArgs(args map[string]any) []string {
	var paths []string
	collectPathArgs(args, &paths)
	return paths
}

func collectPathArgs(value any, paths *[]string) {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			if s, ok := child.(string); ok && pathArgKeys[strings.ToLower(key)] {
				*paths = append(*paths, s)
				continue
			}
			collectPathArgs(child, paths)
		}
	case []any:
		for _, child := range v {
			collectPathArgs(child, paths)
		}
	}
}

// checkPath applies the sandbox defenses to one path argument and confirms
// the canonical result lies under an allowed directory. Checks run on the
// raw value before any resolution, so encoded or relative traversal cannot
// hide behind symlink expansion.
func (cp *CompiledPolicy) checkPath(raw string) error {
	if raw == "" {
		return nil
	}
	if strings.ContainsRune(raw, 0) {
		return errors.New("contains NUL byte")
	}
	if strings.Contains(strings.ToLower(raw), "%2e%2e") {
		return errors.New("contains URL-encoded traversal")
	}
	for _, segment := range strings.Split(filepath.ToSlash(raw), "/") {
		if segment == ".." {
			return errors.New("contains parent directory traversal")
		}
	}

	abs := raw
	if !filepath.IsAbs(abs) {
		if cp.baseDir != "" {
			abs = filepath.Join(cp.baseDir, abs)
		} else {
			resolved, err := filepath.Abs(abs)
			if err != nil {
				return fmt.Errorf("cannot resolve: %w", err)
			}
			abs = resolved
		}
	}

	canonical, err := canonicalizePath(filepath.Clean(abs))
	if err != nil {
		return fmt.Errorf("cannot canonicalize: %w", err)
	}

	for _, dir := range cp.allowedDirs {
		if pathWithinBase(dir, canonical) {
			return nil
		}
	}
	return errors.New("outside allowed directories")
}

// canonicalizePath resolves symlinks in a path. When the full path does not
// exist yet, the deepest existing ancestor is resolved and the remaining
// segments are re-joined, so writes to new files still get symlink checks
// on their parent directories.
func canonicalizePath(path string) (string, error) {
	suffix := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}

// pathWithinBase reports whether target lies at or under base. Both inputs
// must already be absolute and canonical.
func pathWithinBase(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}
