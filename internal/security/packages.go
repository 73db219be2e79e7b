package security

import (
	"regexp"
	"strings"

	"github.com/sandboxd/sandboxd/internal/errdefs"
)

const maxPackageSpecLen = 200

// blockedIdentifiers are package base names that shadow dangerous
// runtime modules or are dangerous to install at all.
var blockedIdentifiers = map[string]map[string]bool{
	"python": {
		"os": true, "subprocess": true, "sys": true, "shutil": true,
		"ctypes": true, "socket": true, "pty": true,
	},
	"javascript": {
		"child_process": true, "fs": true, "cluster": true,
	},
	"typescript": {
		"child_process": true, "fs": true, "cluster": true,
	},
	"go": {
		"os/exec": true, "syscall": true, "unsafe": true,
	},
	"rust": {
		"libc": true,
	},
	"bash": {},
}

// namePatterns validate the base package name per ecosystem after
// version specifiers are stripped.
var namePatterns = map[string]*regexp.Regexp{
	"python":     regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`),
	"javascript": regexp.MustCompile(`^(@[a-z0-9][a-z0-9._-]*/)?[a-z0-9][a-z0-9._-]*$`),
	"typescript": regexp.MustCompile(`^(@[a-z0-9][a-z0-9._-]*/)?[a-z0-9][a-z0-9._-]*$`),
	"go":         regexp.MustCompile(`^[a-z0-9][a-z0-9./_-]*$`),
	"rust":       regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`),
	"bash":       regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`),
}

var versionSplit = regexp.MustCompile(`==|>=|<=|!=|~=|>|<|@`)

var shellMeta = ";|&$<>`\\\"'(){}\n\r"

// ValidatePackages checks a package spec list for a language. Version
// specifiers and extras are stripped before the base name is matched
// against the ecosystem pattern and the blocked identifier list.
func ValidatePackages(language string, specs []string) error {
	pattern, ok := namePatterns[language]
	if !ok {
		return errdefs.Validationf("unsupported language: %s", language)
	}
	blocked := blockedIdentifiers[language]

	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			return errdefs.Securityf("empty package spec")
		}
		if len(spec) > maxPackageSpecLen {
			return errdefs.Securityf("package spec too long: %d chars", len(spec))
		}
		if strings.ContainsAny(spec, shellMeta) || strings.ContainsAny(spec, " \t") {
			return errdefs.Securityf("package spec contains shell metacharacters: %q", spec)
		}
		lower := strings.ToLower(spec)
		if strings.HasPrefix(lower, "git+") || strings.Contains(lower, "://") {
			return errdefs.Securityf("URL package sources are not allowed: %q", spec)
		}
		if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") || strings.HasPrefix(spec, "~") {
			return errdefs.Securityf("local path package sources are not allowed: %q", spec)
		}

		base := baseName(language, spec)
		if base == "" {
			return errdefs.Securityf("invalid package spec: %q", spec)
		}
		if blocked[strings.ToLower(base)] {
			return errdefs.Securityf("package %q is blocked", base)
		}
		if !pattern.MatchString(base) {
			return errdefs.Securityf("invalid package name: %q", base)
		}
	}
	return nil
}

// baseName strips version specifiers and extras from a package spec.
// npm scoped names keep their @scope/ prefix; the @version suffix after
// the name is dropped.
func baseName(language, spec string) string {
	// Extras like requests[socks].
	if i := strings.IndexByte(spec, '['); i >= 0 {
		spec = spec[:i]
	}

	if language == "javascript" || language == "typescript" {
		if strings.HasPrefix(spec, "@") {
			// @scope/name@1.2.3
			if i := strings.IndexByte(spec[1:], '@'); i >= 0 {
				return spec[:i+1]
			}
			return spec
		}
	}
	return versionSplit.Split(spec, 2)[0]
}
