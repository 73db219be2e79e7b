package security

import (
	"net/url"
	"path"
	"strings"

	"github.com/sandboxd/sandboxd/internal/errdefs"
)

// WorkspaceRoot is the fixed root every caller-supplied container path
// is normalized under.
const WorkspaceRoot = "/workspace"

// maxDecodeDepth covers double and triple percent-encoding tricks like
// %252e%252e.
const maxDecodeDepth = 3

// SanitizePath normalizes a caller-supplied path under the workspace
// root and rejects traversal attempts. The traversal checks run on the
// fully decoded string. The returned path is absolute, equal to the root
// or below it.
func SanitizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", errdefs.Securityf("path contains null byte")
	}

	decoded := p
	for i := 0; i < maxDecodeDepth; i++ {
		next, err := url.PathUnescape(decoded)
		if err != nil || next == decoded {
			break
		}
		decoded = next
	}

	if strings.ContainsRune(decoded, 0) {
		return "", errdefs.Securityf("path contains null byte")
	}
	lower := strings.ToLower(decoded)
	if strings.Contains(lower, "%2e%2e") {
		return "", errdefs.Securityf("path traversal attempt: %q", p)
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." {
			return "", errdefs.Securityf("path traversal attempt: %q", p)
		}
		if seg == "." {
			return "", errdefs.Securityf("relative path component: %q", p)
		}
	}

	clean := path.Clean(decoded)
	if !strings.HasPrefix(clean, "/") {
		clean = path.Join(WorkspaceRoot, clean)
	}
	clean = path.Clean(clean)

	if clean != WorkspaceRoot && !strings.HasPrefix(clean, WorkspaceRoot+"/") {
		return "", errdefs.Securityf("path escapes workspace: %q", p)
	}
	return clean, nil
}

// SanitizeWritePath is SanitizePath plus the rule that the workspace
// root itself, a directory, is not a writable target.
func SanitizeWritePath(p string) (string, error) {
	clean, err := SanitizePath(p)
	if err != nil {
		return "", err
	}
	if clean == WorkspaceRoot {
		return "", errdefs.Securityf("cannot write to workspace root")
	}
	return clean, nil
}

// SanitizeDeletePath is SanitizePath plus the rule that the workspace
// root cannot be deleted.
func SanitizeDeletePath(p string) (string, error) {
	clean, err := SanitizePath(p)
	if err != nil {
		return "", err
	}
	if clean == WorkspaceRoot {
		return "", errdefs.Securityf("cannot delete workspace root")
	}
	return clean, nil
}
