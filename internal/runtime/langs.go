package runtime

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sandboxd/sandboxd/internal/engine"
	"github.com/sandboxd/sandboxd/internal/errdefs"
)

// Supported languages.
const (
	LangPython     = "python"
	LangTypeScript = "typescript"
	LangJavaScript = "javascript"
	LangGo         = "go"
	LangRust       = "rust"
	LangBash       = "bash"
)

// CompileFailedPrefix marks rustc failures in stderr so callers can tell
// a compile error from a runtime error.
const CompileFailedPrefix = "compilation failed: "

var (
	goMainRe   = regexp.MustCompile(`func\s+main\s*\(`)
	rustMainRe = regexp.MustCompile(`fn\s+main\s*\(`)
)

var registry = map[string]*Runtime{
	LangPython: {
		Language:       LangPython,
		Image:          "python:3.12-slim",
		PackageManager: "pip",
		execute:        executePython,
		install:        installPip,
		recipe:         recipePython,
	},
	LangJavaScript: {
		Language:       LangJavaScript,
		Image:          "node:20-slim",
		PackageManager: "npm",
		execute:        executeNode,
		install:        installNpm,
		recipe:         recipeNode,
	},
	LangTypeScript: {
		Language:       LangTypeScript,
		Image:          "node:20-slim",
		PackageManager: "npm",
		execute:        executeTypeScript,
		install:        installNpm,
		recipe:         recipeNode,
	},
	LangGo: {
		Language:       LangGo,
		Image:          "golang:1.22-bookworm",
		PackageManager: "go",
		execute:        executeGo,
		install:        installGoGet,
		recipe:         recipeGo,
	},
	LangRust: {
		Language:       LangRust,
		Image:          "rust:1.75-slim-bookworm",
		PackageManager: "cargo",
		execute:        executeRust,
		install:        installCargo,
		recipe:         recipeRust,
	},
	LangBash: {
		Language:       LangBash,
		Image:          "alpine:3.19",
		PackageManager: "apk",
		execute:        executeBash,
		install:        installApk,
		recipe:         recipeBash,
	},
}

// ForLanguage resolves the adapter for a language tag. The ML flag
// selects the ML Python variant and is valid for Python only.
func ForLanguage(language string, ml bool) (*Runtime, error) {
	language = Normalize(language)
	if ml {
		if language != LangPython {
			return nil, errdefs.Validationf("ml variant is only available for python")
		}
		return mlPython, nil
	}
	rt, ok := registry[language]
	if !ok {
		return nil, errdefs.Validationf("unsupported language: %s", language)
	}
	return rt, nil
}

// Languages lists the supported language tags.
func Languages() []string {
	return []string{LangPython, LangTypeScript, LangJavaScript, LangGo, LangRust, LangBash}
}

// Normalize folds common aliases onto canonical tags.
func Normalize(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "py", "python3", "python":
		return LangPython
	case "js", "node", "nodejs", "javascript":
		return LangJavaScript
	case "ts", "typescript":
		return LangTypeScript
	case "golang", "go":
		return LangGo
	case "rust", "rs":
		return LangRust
	case "bash", "sh", "shell":
		return LangBash
	default:
		return strings.ToLower(strings.TrimSpace(language))
	}
}

// DefaultImage returns the default image for a language, empty when the
// language is unknown.
func DefaultImage(language string, ml bool) string {
	rt, err := ForLanguage(language, ml)
	if err != nil {
		return ""
	}
	return rt.Image
}

func executePython(ctx context.Context, eng engine.Engine, source string, ec ExecContext) (*Result, error) {
	res, err := eng.Exec(ctx, ec.ContainerID, []string{"python3", "-c", source}, execOptions(ec))
	if err != nil {
		return nil, err
	}
	return wrapResult(res), nil
}

func executeNode(ctx context.Context, eng engine.Engine, source string, ec ExecContext) (*Result, error) {
	res, err := eng.Exec(ctx, ec.ContainerID, []string{"node", "-e", source}, execOptions(ec))
	if err != nil {
		return nil, err
	}
	return wrapResult(res), nil
}

func executeTypeScript(ctx context.Context, eng engine.Engine, source string, ec ExecContext) (*Result, error) {
	file := tempName(".ts")
	if err := eng.PutFile(ctx, ec.ContainerID, file, []byte(source)); err != nil {
		return nil, err
	}
	defer removeBestEffort(eng, ec.ContainerID, file)

	res, err := eng.Exec(ctx, ec.ContainerID, []string{"npx", "--yes", "tsx", file}, execOptions(ec))
	if err != nil {
		return nil, err
	}
	return wrapResult(res), nil
}

// WrapGo wraps a fragment lacking func main into a runnable program.
// The fmt import comes with the wrapper; the blank use keeps it legal
// for fragments that never touch fmt.
func WrapGo(source string) string {
	if goMainRe.MatchString(source) {
		return source
	}
	var b strings.Builder
	b.WriteString("package main\n\nimport \"fmt\"\n\nvar _ = fmt.Sprint\n\nfunc main() {\n")
	for _, line := range strings.Split(strings.TrimRight(source, "\n"), "\n") {
		b.WriteString("\t")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return b.String()
}

func executeGo(ctx context.Context, eng engine.Engine, source string, ec ExecContext) (*Result, error) {
	file := tempName(".go")
	if err := eng.PutFile(ctx, ec.ContainerID, file, []byte(WrapGo(source))); err != nil {
		return nil, err
	}
	defer removeBestEffort(eng, ec.ContainerID, file)

	res, err := eng.Exec(ctx, ec.ContainerID, []string{"go", "run", file}, execOptions(ec))
	if err != nil {
		return nil, err
	}
	return wrapResult(res), nil
}

// WrapRust indents a fragment lacking fn main into one.
func WrapRust(source string) string {
	if rustMainRe.MatchString(source) {
		return source
	}
	var b strings.Builder
	b.WriteString("fn main() {\n")
	for _, line := range strings.Split(strings.TrimRight(source, "\n"), "\n") {
		b.WriteString("    ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return b.String()
}

func executeRust(ctx context.Context, eng engine.Engine, source string, ec ExecContext) (*Result, error) {
	file := tempName(".rs")
	bin := strings.TrimSuffix(file, ".rs")
	if err := eng.PutFile(ctx, ec.ContainerID, file, []byte(WrapRust(source))); err != nil {
		return nil, err
	}
	defer removeBestEffort(eng, ec.ContainerID, file, bin)

	compile, err := eng.Exec(ctx, ec.ContainerID, []string{"rustc", file, "-o", bin}, execOptions(ec))
	if err != nil {
		return nil, err
	}
	if compile.ExitCode != 0 {
		compile.Stderr = CompileFailedPrefix + compile.Stderr
		return wrapResult(compile), nil
	}

	res, err := eng.Exec(ctx, ec.ContainerID, []string{bin}, execOptions(ec))
	if err != nil {
		return nil, err
	}
	res.Duration += compile.Duration
	return wrapResult(res), nil
}

func executeBash(ctx context.Context, eng engine.Engine, source string, ec ExecContext) (*Result, error) {
	res, err := eng.Exec(ctx, ec.ContainerID, []string{"sh", "-c", source}, execOptions(ec))
	if err != nil {
		return nil, err
	}
	return wrapResult(res), nil
}

func recipePython(packages []string) string {
	return dockerfile("python:3.12-slim",
		pipLine(packages),
	)
}

func recipeNode(packages []string) string {
	line := ""
	if len(packages) > 0 {
		line = "RUN npm install -g " + strings.Join(packages, " ")
	}
	return dockerfile("node:20-slim", line)
}

func recipeGo(packages []string) string {
	var lines []string
	for _, p := range packages {
		lines = append(lines, "RUN go get "+p)
	}
	return dockerfile("golang:1.22-bookworm", lines...)
}

func recipeRust(packages []string) string {
	var lines []string
	lines = append(lines, "RUN cargo init --name sandbox .")
	for _, p := range packages {
		lines = append(lines, "RUN cargo add "+p)
	}
	return dockerfile("rust:1.75-slim-bookworm", lines...)
}

func recipeBash(packages []string) string {
	line := ""
	if len(packages) > 0 {
		line = "RUN apk update && apk add --no-cache " + strings.Join(packages, " ")
	}
	return dockerfile("alpine:3.19", line)
}

func pipLine(packages []string) string {
	if len(packages) == 0 {
		return ""
	}
	return "RUN pip install --no-cache-dir " + strings.Join(packages, " ")
}

func dockerfile(base string, lines ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", base)
	b.WriteString("WORKDIR /workspace\n")
	for _, l := range lines {
		if l == "" {
			continue
		}
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString("USER 1000:1000\n")
	return b.String()
}
