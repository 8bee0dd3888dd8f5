//go:build !windows

package filetransfer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPathPolicy_Traversal(t *testing.T) {
	p := PathPolicy{AllowedPaths: []string{"/tmp/uploads"}}

	testCases := []struct {
		name    string
		path    string
		wantErr bool
		errMsg  string
	}{
		// filepath.Clean resolves these before the allowed check
		{"simple traversal", "/tmp/uploads/../../../etc/passwd", true, "not in allowed"},
		{"double dot", "/tmp/uploads/../../secret", true, "not in allowed"},
		{"encoded traversal", "/tmp/uploads/%2e%2e/secret", false, ""},
		{"prefix bypass", "/tmp/uploadsx/../../etc/passwd", true, ""},
		{"not in allowed", "/etc/passwd", true, "not in allowed"},
		{"similar prefix", "/tmp/upload/file.txt", true, "not in allowed"},

		{"null byte", "/tmp/uploads/file.txt\x00.jpg", true, "control characters"},
		{"newline", "/tmp/uploads/a\nb", true, "control characters"},

		{"dot slash", "/tmp/uploads/./file.txt", false, ""},
		{"double slash", "/tmp/uploads//file.txt", false, ""},
		{"valid path", "/tmp/uploads/file.txt", false, ""},
		{"valid nested", "/tmp/uploads/subdir/file.txt", false, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Validate(tc.path)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Errorf("path=%q: gotErr=%v, wantErr=%v, error=%v", tc.path, gotErr, tc.wantErr, err)
			}
			if tc.wantErr && tc.errMsg != "" && err != nil && !strings.Contains(err.Error(), tc.errMsg) {
				t.Errorf("error %q should contain %q", err.Error(), tc.errMsg)
			}
		})
	}
}

func TestPathPolicy_RelativePath(t *testing.T) {
	p := PathPolicy{AllowedPaths: []string{"*"}}

	for _, path := range []string{"file.txt", "./file.txt", "../file.txt", "subdir/file.txt", "", "   "} {
		_, err := p.Validate(path)
		if !errors.Is(err, errInvalidPath) {
			t.Errorf("Validate(%q) error = %v, want errInvalidPath", path, err)
		}
	}
	if got, err := p.Validate("/tmp/file.txt"); err != nil || got != "/tmp/file.txt" {
		t.Errorf("Validate(/tmp/file.txt) = %q, %v", got, err)
	}
}

func TestPathPolicy_AllowedPaths(t *testing.T) {
	p := PathPolicy{AllowedPaths: []string{"/var/www", "/tmp/data", "/home/*/Downloads", "/srv/**"}}

	testCases := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"exact www", "/var/www", false},
		{"www subpath", "/var/www/index.html", false},
		{"data subpath", "/tmp/data/file.json", false},
		{"glob dir", "/home/alice/Downloads", false},
		{"below glob dir", "/home/alice/Downloads/report.pdf", false},
		{"doublestar root", "/srv", false},
		{"doublestar deep", "/srv/a/b/c", false},

		{"root", "/", true},
		{"etc", "/etc/passwd", true},
		{"var but not www", "/var/log/syslog", true},
		{"prefix similar", "/var/wwwevil/file.txt", true},
		{"with traversal", "/var/www/../log/syslog", true},
		{"case variation", "/VAR/WWW/file.txt", true},
		{"glob sibling", "/home/alice/Documents/x", true},
		{"doublestar prefix", "/srvx/a", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Validate(tc.path)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Errorf("path=%q: gotErr=%v, wantErr=%v, error=%v", tc.path, gotErr, tc.wantErr, err)
			}
			if err != nil && !errors.Is(err, os.ErrPermission) {
				t.Errorf("path=%q: error %v does not wrap os.ErrPermission", tc.path, err)
			}
		})
	}
}

func TestPathPolicy_EmptyAllowsNothing(t *testing.T) {
	if _, err := (PathPolicy{}).Validate("/tmp/x"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("empty policy error = %v, want permission error", err)
	}
	if root := (PathPolicy{}).Root(); root != "" {
		t.Errorf("empty policy root = %q, want empty", root)
	}
}

func TestPathPolicy_NFC(t *testing.T) {
	p := PathPolicy{AllowedPaths: []string{"/data/caf\u00e9"}}
	got, err := p.Validate("/data/cafe\u0301/menu.txt")
	if err != nil {
		t.Fatalf("decomposed path rejected: %v", err)
	}
	if got != "/data/caf\u00e9/menu.txt" {
		t.Errorf("Validate() = %q, want NFC form", got)
	}
}

func TestPathPolicy_SymlinkEscape(t *testing.T) {
	tmpDir := t.TempDir()
	allowedDir := filepath.Join(tmpDir, "allowed")
	secretDir := filepath.Join(tmpDir, "secret")
	os.MkdirAll(allowedDir, 0o755)
	os.MkdirAll(secretDir, 0o755)

	secretFile := filepath.Join(secretDir, "secret.txt")
	os.WriteFile(secretFile, []byte("secret data"), 0o644)
	link := filepath.Join(allowedDir, "link")
	if err := os.Symlink(secretFile, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	inside := filepath.Join(allowedDir, "inside")
	os.WriteFile(filepath.Join(allowedDir, "real.txt"), []byte("ok"), 0o644)
	os.Symlink(filepath.Join(allowedDir, "real.txt"), inside)

	p := PathPolicy{AllowedPaths: []string{allowedDir}}

	// Validate only inspects the path itself.
	if _, err := p.Validate(link); err != nil {
		t.Errorf("Validate(link) error = %v", err)
	}
	_, err := p.ValidateExisting(link)
	if err == nil || !strings.Contains(err.Error(), "symlink target not allowed") {
		t.Errorf("ValidateExisting(link) error = %v, want symlink target not allowed", err)
	}
	if _, err := p.ValidateExisting(inside); err != nil {
		t.Errorf("ValidateExisting(inside) error = %v", err)
	}
}

func TestPatternBaseDir(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"/tmp", "/tmp"},
		{"/data/**", "/data"},
		{"/home/*/uploads", "/home"},
		{"/var/log/*.log", "/var/log"},
		{"/*", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			if got := patternBaseDir(tt.pattern); got != tt.want {
				t.Fatalf("patternBaseDir(%s) = %s, want %s", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"report.pdf", "report.pdf", false},
		{"  padded.txt  ", "padded.txt", false},
		{".bashrc", ".bashrc", false},
		{"", "", true},
		{".", "", true},
		{"..", "", true},
		{"../evil", "", true},
		{`dir\file`, "", true},
		{"a\x00b", "", true},
	}
	for _, tt := range tests {
		got, err := sanitizeFilename(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("sanitizeFilename(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
