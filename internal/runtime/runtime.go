// Package runtime holds the per-language adapters: default image,
// package-manager protocol, and the translation from source code to a
// container command. Adapters are plain values dispatched through
// function fields, not a type hierarchy; the ML Python variant is
// composition over the base Python adapter.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxd/sandboxd/internal/engine"
	"github.com/sandboxd/sandboxd/internal/errdefs"
	"github.com/sandboxd/sandboxd/internal/security"
)

// Workspace is the only writable, executable directory inside a
// sandbox. /tmp may be mounted noexec, so temp files never go there.
const Workspace = "/workspace"

// Result is an execution outcome. Metrics is populated only by the ML
// variant, from telemetry tokens parsed out of stderr.
type Result struct {
	engine.ExecResult
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// InstallResult is the structured outcome of a package install.
type InstallResult struct {
	Success           bool          `json:"success"`
	Cached            bool          `json:"cached"`
	Duration          time.Duration `json:"duration"`
	InstalledPackages []string      `json:"installed_packages"`
	Errors            []string      `json:"errors,omitempty"`
}

// ExecContext carries the target container and exec parameters.
type ExecContext struct {
	ContainerID string
	Timeout     time.Duration
	Env         map[string]string
	Stdin       string
	WorkDir     string
}

type executeFunc func(ctx context.Context, eng engine.Engine, source string, ec ExecContext) (*Result, error)
type installFunc func(ctx context.Context, eng engine.Engine, containerID string, packages []string) (*InstallResult, error)

// Runtime is one language adapter.
type Runtime struct {
	Language       string
	Image          string
	PackageManager string

	execute executeFunc
	install installFunc
	recipe  func(packages []string) string

	// validateAs selects the code blocklist; TS shares the JS rules but
	// keeps its own language tag.
	validateAs string

	// installAllowList, when non-nil, restricts installable packages to
	// the listed base names (ML variant).
	installAllowList map[string]bool
}

// Execute validates source against the security gate and runs it. No
// container command is issued for rejected source.
func (r *Runtime) Execute(ctx context.Context, eng engine.Engine, source string, ec ExecContext) (*Result, error) {
	lang := r.validateAs
	if lang == "" {
		lang = r.Language
	}
	if err := security.ValidateCode(lang, source); err != nil {
		return nil, err
	}
	if ec.WorkDir == "" {
		ec.WorkDir = Workspace
	}
	return r.execute(ctx, eng, source, ec)
}

// InstallPackages validates the package list and runs the language's
// native install protocol inside the container.
func (r *Runtime) InstallPackages(ctx context.Context, eng engine.Engine, containerID string, packages []string) (*InstallResult, error) {
	lang := r.validateAs
	if lang == "" {
		lang = r.Language
	}
	if err := security.ValidatePackages(lang, packages); err != nil {
		return nil, err
	}
	if r.installAllowList != nil {
		for _, p := range packages {
			base := strings.ToLower(p)
			if i := strings.IndexAny(base, "=<>!~[@"); i >= 0 {
				base = base[:i]
			}
			if !r.installAllowList[base] {
				return nil, errdefs.Securityf("package %q is not in the ML allow-list", p)
			}
		}
	}
	return r.install(ctx, eng, containerID, packages)
}

// BuildImageRecipe emits a Dockerfile-style recipe for an external
// image builder. Not used on the execution path.
func (r *Runtime) BuildImageRecipe(packages []string) string {
	if r.recipe == nil {
		return ""
	}
	return r.recipe(packages)
}

// tempName yields a workspace temp path with a timestamp and a random
// suffix; collisions across concurrent executions are effectively
// impossible.
func tempName(ext string) string {
	return fmt.Sprintf("%s/.exec-%d-%s%s", Workspace, time.Now().UnixNano(), uuid.New().String()[:8], ext)
}

// removeBestEffort deletes a temp file, swallowing failures.
func removeBestEffort(eng engine.Engine, containerID string, paths ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range paths {
		_, _ = eng.Exec(ctx, containerID, []string{"rm", "-f", "--", p}, engine.ExecOptions{Timeout: 5 * time.Second})
	}
}

func execOptions(ec ExecContext) engine.ExecOptions {
	return engine.ExecOptions{
		Timeout: ec.Timeout,
		Env:     ec.Env,
		Stdin:   ec.Stdin,
		WorkDir: ec.WorkDir,
	}
}

func wrapResult(res *engine.ExecResult) *Result {
	if res == nil {
		return nil
	}
	return &Result{ExecResult: *res}
}
