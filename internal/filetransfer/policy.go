package filetransfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var errInvalidPath = errors.New("invalid path")

// PathPolicy decides which agent paths a viewer may touch.
//
// AllowedPaths works as follows:
//   - Empty list: no paths are allowed
//   - ["*"]: all absolute paths are allowed
//   - Otherwise prefixes and glob patterns: "/srv/share" allows the
//     directory and everything below it, "/home/*/Downloads" any user's
//     downloads, "/data/**" anything under /data
type PathPolicy struct {
	AllowedPaths []string
}

// Validate returns the normalized form of path, or an error wrapping
// errInvalidPath (malformed) or os.ErrPermission (outside the allowed set).
func (p PathPolicy) Validate(path string) (string, error) {
	if containsDangerousChars(path) {
		return "", fmt.Errorf("%w: path contains control characters", errInvalidPath)
	}
	clean := normalizePath(path)
	if !filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: path must be absolute: %s", errInvalidPath, path)
	}
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: directory traversal not allowed", errInvalidPath)
		}
	}

	if len(p.AllowedPaths) == 0 {
		return "", fmt.Errorf("%w: no paths are allowed", os.ErrPermission)
	}
	for _, pattern := range p.AllowedPaths {
		if pattern == "*" || isPathAllowed(clean, pattern) {
			return clean, nil
		}
	}
	return "", fmt.Errorf("%w: path not in allowed list: %s", os.ErrPermission, path)
}

// ValidateExisting is Validate plus a check that a symlink at path resolves
// inside the allowed set.
func (p PathPolicy) ValidateExisting(path string) (string, error) {
	clean, err := p.Validate(path)
	if err != nil {
		return "", err
	}
	info, err := os.Lstat(clean)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return clean, nil
	}
	target, err := filepath.EvalSymlinks(clean)
	if err != nil {
		return "", fmt.Errorf("cannot resolve symlink: %w", err)
	}
	if _, err := p.Validate(target); err != nil {
		return "", fmt.Errorf("symlink target not allowed: %w", err)
	}
	return clean, nil
}

// Root returns the directory listed when a viewer asks for "".
func (p PathPolicy) Root() string {
	for _, pattern := range p.AllowedPaths {
		if pattern == "*" {
			if home, err := os.UserHomeDir(); err == nil {
				return home
			}
			return string(filepath.Separator)
		}
		if base := patternBaseDir(pattern); base != "" {
			return base
		}
	}
	return ""
}

// containsDangerousChars rejects NUL and control characters.
func containsDangerousChars(path string) bool {
	for _, r := range path {
		if r == 0 || unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// normalizePath applies NFC normalization and cleans the path.
func normalizePath(path string) string {
	return filepath.Clean(norm.NFC.String(path))
}

// isPathUnderPrefix matches prefix itself or anything below it, never /srv/shareX for /srv/share.
func isPathUnderPrefix(path, prefix string) bool {
	cleanPath := normalizePath(path)
	cleanPrefix := normalizePath(prefix)
	if cleanPath == cleanPrefix {
		return true
	}
	if !strings.HasSuffix(cleanPrefix, string(filepath.Separator)) {
		cleanPrefix += string(filepath.Separator)
	}
	return strings.HasPrefix(cleanPath, cleanPrefix)
}

func isPathAllowed(path, pattern string) bool {
	cleanPattern := normalizePath(pattern)

	if strings.HasSuffix(cleanPattern, string(filepath.Separator)+"**") {
		return isPathUnderPrefix(path, strings.TrimSuffix(cleanPattern, string(filepath.Separator)+"**"))
	}

	if strings.ContainsAny(cleanPattern, "*?[") {
		// "/home/*/Downloads" also allows files below a matching directory.
		for dir := path; ; dir = filepath.Dir(dir) {
			if matched, err := filepath.Match(cleanPattern, dir); err == nil && matched {
				return true
			}
			if parent := filepath.Dir(dir); parent == dir {
				return false
			}
		}
	}

	return isPathUnderPrefix(path, cleanPattern)
}

// patternBaseDir is the longest glob-free prefix of pattern.
func patternBaseDir(pattern string) string {
	clean := normalizePath(pattern)
	sep := string(filepath.Separator)
	if strings.HasSuffix(clean, sep+"**") {
		return strings.TrimSuffix(clean, sep+"**")
	}
	if !strings.ContainsAny(clean, "*?[") {
		return clean
	}
	var base []string
	for _, part := range strings.Split(clean, sep) {
		if strings.ContainsAny(part, "*?[") {
			break
		}
		base = append(base, part)
	}
	if result := strings.Join(base, sep); result != "" {
		return result
	}
	return sep
}

// sanitizeFilename accepts a single path element for upload destinations.
func sanitizeFilename(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || containsDangerousChars(name) ||
		strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: bad file name %q", errInvalidPath, name)
	}
	return name, nil
}
