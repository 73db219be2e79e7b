// Package security implements the stateless validation layer: code
// pattern blocklists, package and path validation, mount checks, and the
// hardening descriptor applied at container create.
//
// The code validator is lexical and advisory. It complements the
// kernel-level controls (seccomp, capabilities, user namespace); it does
// not replace them.
package security

import (
	"regexp"

	"github.com/sandboxd/sandboxd/internal/errdefs"
)

type codePattern struct {
	re   *regexp.Regexp
	desc string
}

func pat(expr, desc string) codePattern {
	return codePattern{re: regexp.MustCompile(expr), desc: desc}
}

var codeBlocklists = map[string][]codePattern{
	"python": {
		pat(`(?m)^\s*import\s+os\b`, "import of os"),
		pat(`(?m)^\s*from\s+os\b`, "import of os"),
		pat(`(?m)^\s*import\s+subprocess\b`, "import of subprocess"),
		pat(`(?m)^\s*from\s+subprocess\b`, "import of subprocess"),
		pat(`(?m)^\s*import\s+sys\b`, "import of sys"),
		pat(`(?m)^\s*from\s+sys\b`, "import of sys"),
		pat(`\beval\s*\(`, "eval call"),
		pat(`\bexec\s*\(`, "exec call"),
		pat(`__import__\s*\(`, "__import__ call"),
		pat(`\bcompile\s*\(`, "compile call"),
		pat(`open\s*\([^)]*,\s*['"][wa]`, "file open for writing"),
		pat(`\.system\s*\(`, "system call"),
		pat(`\.popen\s*\(`, "popen call"),
	},
	"javascript": {
		pat(`require\s*\(\s*['"]child_process['"]`, "require of child_process"),
		pat(`require\s*\(\s*['"]fs['"]`, "require of fs"),
		pat(`from\s+['"]child_process['"]`, "import of child_process"),
		pat(`from\s+['"]fs['"]`, "import of fs"),
		pat(`\beval\s*\(`, "eval call"),
		pat(`\bFunction\s*\(`, "Function constructor"),
		pat(`process\.exit`, "process.exit"),
		pat(`process\.kill`, "process.kill"),
	},
	"go": {
		pat(`"os/exec"`, "import of os/exec"),
		pat(`"syscall"`, "import of syscall"),
		pat(`"unsafe"`, "import of unsafe"),
		pat(`exec\.Command`, "exec.Command call"),
	},
	"rust": {
		pat(`use\s+std::process`, "use of std::process"),
		pat(`use\s+std::os`, "use of std::os"),
		pat(`Command::`, "Command usage"),
		pat(`unsafe\s*\{`, "unsafe block"),
	},
	"bash": {
		pat(`rm\s+-rf\s+/(\s|$)`, "recursive delete of root"),
		pat(`\bdd\s+if=`, "raw dd"),
		pat(`:\s*\(\s*\)\s*\{.*\}\s*;?\s*:`, "fork bomb"),
		pat(`\bmkfs(\.\w+)?\b`, "filesystem format"),
		pat(`>\s*/dev/sd[a-z]`, "raw disk write"),
		pat(`curl\s+[^|]*\|\s*(ba)?sh`, "curl piped to shell"),
		pat(`wget\s+[^|]*\|\s*(ba)?sh`, "wget piped to shell"),
	},
}

func init() {
	// TypeScript shares the JavaScript surface.
	codeBlocklists["typescript"] = codeBlocklists["javascript"]
}

// ValidateCode rejects source whose lexical pattern matches a disallowed
// construct for its language. Languages without a blocklist pass.
func ValidateCode(language, source string) error {
	for _, p := range codeBlocklists[language] {
		if p.re.MatchString(source) {
			return errdefs.Securityf("dangerous pattern detected: %s", p.desc)
		}
	}
	return nil
}
