package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/engine"
	"github.com/sandboxd/sandboxd/internal/engine/enginetest"
	"github.com/sandboxd/sandboxd/internal/errdefs"
)

func newContainer(t *testing.T, fake *enginetest.Fake) string {
	t.Helper()
	id, err := fake.CreateContainer(context.Background(), engine.ContainerSpec{Image: "python:3.12-slim"})
	require.NoError(t, err)
	return id
}

func TestForLanguage(t *testing.T) {
	for _, lang := range Languages() {
		rt, err := ForLanguage(lang, false)
		require.NoError(t, err)
		assert.Equal(t, lang, rt.Language)
		assert.NotEmpty(t, rt.Image)
	}

	_, err := ForLanguage("cobol", false)
	assert.Error(t, err)

	ml, err := ForLanguage("python", true)
	require.NoError(t, err)
	assert.Equal(t, "sandboxd/python-ml:latest", ml.Image)

	_, err = ForLanguage("go", true)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, LangPython, Normalize("Py"))
	assert.Equal(t, LangJavaScript, Normalize("node"))
	assert.Equal(t, LangTypeScript, Normalize("ts"))
	assert.Equal(t, LangGo, Normalize("golang"))
	assert.Equal(t, LangBash, Normalize("sh"))
}

func TestExecuteRejectsBlockedCodeBeforeEngine(t *testing.T) {
	fake := enginetest.New()
	id := newContainer(t, fake)
	rt, _ := ForLanguage("python", false)

	_, err := rt.Execute(context.Background(), fake, "import os\nprint(os.listdir('/'))", ExecContext{ContainerID: id})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrSecurity))
	assert.Equal(t, 0, fake.ExecCalls)
}

func TestExecutePythonCommand(t *testing.T) {
	fake := enginetest.New()
	id := newContainer(t, fake)
	var gotArgv []string
	fake.ExecHook = func(cid string, argv []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		gotArgv = argv
		return &engine.ExecResult{Stdout: "4\n"}, nil
	}

	rt, _ := ForLanguage("python", false)
	res, err := rt.Execute(context.Background(), fake, "print(2+2)", ExecContext{ContainerID: id})
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "-c", "print(2+2)"}, gotArgv)
	assert.Equal(t, "4\n", res.Stdout)
}

func TestWrapGo(t *testing.T) {
	wrapped := WrapGo(`fmt.Println("hi")`)
	assert.Contains(t, wrapped, "package main")
	assert.Contains(t, wrapped, "func main() {")
	assert.Contains(t, wrapped, `import "fmt"`)
	assert.Contains(t, wrapped, "\tfmt.Println(\"hi\")")

	full := "package main\n\nfunc main() { println(1) }\n"
	assert.Equal(t, full, WrapGo(full))
}

func TestExecuteGoWritesWrappedFile(t *testing.T) {
	fake := enginetest.New()
	id := newContainer(t, fake)
	var runFile string
	fake.ExecHook = func(cid string, argv []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		if argv[0] == "go" {
			runFile = argv[2]
			return &engine.ExecResult{Stdout: "hi\n"}, nil
		}
		return &engine.ExecResult{}, nil
	}

	rt, _ := ForLanguage("go", false)
	res, err := rt.Execute(context.Background(), fake, `fmt.Println("hi")`, ExecContext{ContainerID: id})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.True(t, strings.HasPrefix(runFile, "/workspace/.exec-"))
	assert.True(t, strings.HasSuffix(runFile, ".go"))

	content := fake.Containers[id].Files[runFile]
	assert.Contains(t, string(content), "package main")
}

func TestWrapRust(t *testing.T) {
	wrapped := WrapRust(`println!("hi");`)
	assert.Contains(t, wrapped, "fn main() {")
	assert.Contains(t, wrapped, `    println!("hi");`)

	full := "fn main() { println!(\"x\"); }\n"
	assert.Equal(t, full, WrapRust(full))
}

func TestExecuteRustCompileFailure(t *testing.T) {
	fake := enginetest.New()
	id := newContainer(t, fake)
	fake.ExecHook = func(cid string, argv []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		if argv[0] == "rustc" {
			return &engine.ExecResult{ExitCode: 1, Stderr: "expected `;`"}, nil
		}
		return &engine.ExecResult{}, nil
	}

	rt, _ := ForLanguage("rust", false)
	res, err := rt.Execute(context.Background(), fake, `let x = 1`, ExecContext{ContainerID: id})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.True(t, strings.HasPrefix(res.Stderr, CompileFailedPrefix))
}

func TestExecuteRustRunsBinaryAfterCompile(t *testing.T) {
	fake := enginetest.New()
	id := newContainer(t, fake)
	var order []string
	fake.ExecHook = func(cid string, argv []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		order = append(order, argv[0])
		if strings.HasPrefix(argv[0], "/workspace/.exec-") {
			return &engine.ExecResult{Stdout: "ok\n"}, nil
		}
		return &engine.ExecResult{}, nil
	}

	rt, _ := ForLanguage("rust", false)
	res, err := rt.Execute(context.Background(), fake, `println!("ok");`, ExecContext{ContainerID: id})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Stdout)
	require.GreaterOrEqual(t, len(order), 2)
	assert.Equal(t, "rustc", order[0])
}

func TestInstallRejectsBadPackages(t *testing.T) {
	fake := enginetest.New()
	id := newContainer(t, fake)
	rt, _ := ForLanguage("python", false)

	_, err := rt.InstallPackages(context.Background(), fake, id, []string{"requests; rm -rf /"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrSecurity))
	assert.Equal(t, 0, fake.ExecCalls)
}

func TestInstallPipFailureSurfacesStderr(t *testing.T) {
	fake := enginetest.New()
	id := newContainer(t, fake)
	fake.ExecHook = func(cid string, argv []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		if argv[0] == "pip" {
			return &engine.ExecResult{ExitCode: 1, Stderr: "No matching distribution"}, nil
		}
		return &engine.ExecResult{}, nil
	}

	rt, _ := ForLanguage("python", false)
	res, err := rt.InstallPackages(context.Background(), fake, id, []string{"definitely-not-real"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Cached)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "No matching distribution")
}

func TestMLInstallAllowList(t *testing.T) {
	fake := enginetest.New()
	id := newContainer(t, fake)
	ml, _ := ForLanguage("python", true)

	_, err := ml.InstallPackages(context.Background(), fake, id, []string{"requests"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrSecurity))

	res, err := ml.InstallPackages(context.Background(), fake, id, []string{"numpy", "pandas"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestMLExecutePrependsSeedAndParsesMetrics(t *testing.T) {
	fake := enginetest.New()
	id := newContainer(t, fake)
	var gotSource string
	fake.ExecHook = func(cid string, argv []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		gotSource = argv[2]
		return &engine.ExecResult{
			Stderr: "loading model\nSANDBOX_METRIC:peak_memory_mb=412.5\nSANDBOX_METRIC:inference_time_ms=18\n",
		}, nil
	}

	ml, _ := ForLanguage("python", true)
	res, err := ml.Execute(context.Background(), fake, "print('x')", ExecContext{ContainerID: id})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(gotSource, "import random as _sbx_random"))
	assert.Contains(t, gotSource, "print('x')")
	require.NotNil(t, res.Metrics)
	assert.Equal(t, 412.5, res.Metrics["peak_memory_mb"])
	assert.Equal(t, 18.0, res.Metrics["inference_time_ms"])
}

func TestParseMetricsIgnoresMalformed(t *testing.T) {
	m := ParseMetrics("SANDBOX_METRIC:bad\nSANDBOX_METRIC:x=notanumber\nplain line\n")
	assert.Nil(t, m)
}

func TestBuildImageRecipe(t *testing.T) {
	rt, _ := ForLanguage("python", false)
	recipe := rt.BuildImageRecipe([]string{"requests"})
	assert.Contains(t, recipe, "FROM python:3.12-slim")
	assert.Contains(t, recipe, "pip install --no-cache-dir requests")
	assert.Contains(t, recipe, "USER 1000:1000")
}
