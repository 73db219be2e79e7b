package runtime

import (
	"context"
	"strings"
	"time"

	"github.com/sandboxd/sandboxd/internal/engine"
)

// installTimeout bounds a single package-manager invocation. Installs
// are slow but not unbounded.
const installTimeout = 5 * time.Minute

func installResult(start time.Time, packages []string, failures []string) *InstallResult {
	res := &InstallResult{
		Duration:          time.Since(start),
		InstalledPackages: packages,
		Errors:            failures,
	}
	res.Success = len(failures) == 0
	if !res.Success {
		res.InstalledPackages = nil
	}
	return res
}

func runInstallStep(ctx context.Context, eng engine.Engine, containerID string, argv []string) (string, bool) {
	res, err := eng.Exec(ctx, containerID, argv, engine.ExecOptions{Timeout: installTimeout})
	if err != nil {
		return err.Error(), false
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return msg, false
	}
	return "", true
}

// installPip writes a requirements file and installs it in one shot.
func installPip(ctx context.Context, eng engine.Engine, containerID string, packages []string) (*InstallResult, error) {
	start := time.Now()
	reqs := tempName(".txt")
	if err := eng.PutFile(ctx, containerID, reqs, []byte(strings.Join(packages, "\n")+"\n")); err != nil {
		return nil, err
	}
	defer removeBestEffort(eng, containerID, reqs)

	var failures []string
	if msg, ok := runInstallStep(ctx, eng, containerID, []string{"pip", "install", "--no-cache-dir", "-r", reqs}); !ok {
		failures = append(failures, msg)
	}
	return installResult(start, packages, failures), nil
}

func installNpm(ctx context.Context, eng engine.Engine, containerID string, packages []string) (*InstallResult, error) {
	start := time.Now()
	argv := append([]string{"npm", "install", "--no-save"}, packages...)
	var failures []string
	if msg, ok := runInstallStep(ctx, eng, containerID, argv); !ok {
		failures = append(failures, msg)
	}
	return installResult(start, packages, failures), nil
}

// installGoGet fetches each module separately so one bad module does
// not mask the rest in the error output.
func installGoGet(ctx context.Context, eng engine.Engine, containerID string, packages []string) (*InstallResult, error) {
	start := time.Now()
	var failures []string
	for _, p := range packages {
		if msg, ok := runInstallStep(ctx, eng, containerID, []string{"go", "get", p}); !ok {
			failures = append(failures, p+": "+msg)
		}
	}
	return installResult(start, packages, failures), nil
}

// installCargo bootstraps a manifest once, then adds each crate.
func installCargo(ctx context.Context, eng engine.Engine, containerID string, packages []string) (*InstallResult, error) {
	start := time.Now()
	var failures []string
	if msg, ok := runInstallStep(ctx, eng, containerID, []string{"sh", "-c",
		"test -f Cargo.toml || cargo init --name sandbox ."}); !ok {
		failures = append(failures, "cargo init: "+msg)
		return installResult(start, packages, failures), nil
	}
	for _, p := range packages {
		if msg, ok := runInstallStep(ctx, eng, containerID, []string{"cargo", "add", p}); !ok {
			failures = append(failures, p+": "+msg)
		}
	}
	return installResult(start, packages, failures), nil
}

func installApk(ctx context.Context, eng engine.Engine, containerID string, packages []string) (*InstallResult, error) {
	start := time.Now()
	var failures []string
	if msg, ok := runInstallStep(ctx, eng, containerID, []string{"apk", "update"}); !ok {
		failures = append(failures, "apk update: "+msg)
		return installResult(start, packages, failures), nil
	}
	argv := append([]string{"apk", "add", "--no-cache"}, packages...)
	if msg, ok := runInstallStep(ctx, eng, containerID, argv); !ok {
		failures = append(failures, msg)
	}
	return installResult(start, packages, failures), nil
}
