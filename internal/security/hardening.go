package security

import "github.com/sandboxd/sandboxd/internal/errdefs"

// Level names a bundle of hardening values.
type Level string

const (
	LevelStrict     Level = "strict"
	LevelStandard   Level = "standard"
	LevelPermissive Level = "permissive"
)

// Ulimit mirrors the engine rlimit triple without importing engine types.
type Ulimit struct {
	Name string
	Soft int64
	Hard int64
}

// Hardening is the descriptor consumed at container create. It carries
// everything the engine needs to lock a container down: resource caps,
// the syscall filter, capability set, user, and filesystem posture.
type Hardening struct {
	Level           Level
	MemoryMB        int64
	CPUCores        float64
	PidsLimit       int64
	CapDrop         []string
	CapAdd          []string
	NoNewPrivileges bool
	SeccompJSON     string
	ReadOnlyRoot    bool
	// Tmpfs maps mount points to mount options, used when the root
	// filesystem is read-only so /workspace and /tmp stay writable.
	Tmpfs  map[string]string
	Ulimits []Ulimit
	User    string
}

// BuildHardening produces the descriptor for a security level and
// language. Unknown levels are rejected rather than silently downgraded.
func BuildHardening(level Level, language string) (*Hardening, error) {
	h := &Hardening{
		Level:           level,
		NoNewPrivileges: true,
		CapDrop:         []string{"ALL"},
		User:            "1000:1000",
		Ulimits: []Ulimit{
			{Name: "nofile", Soft: 1024, Hard: 2048},
			{Name: "nproc", Soft: 256, Hard: 512},
			{Name: "core", Soft: 0, Hard: 0},
		},
	}

	switch level {
	case LevelStrict:
		h.MemoryMB = 256
		h.CPUCores = 0.5
		h.PidsLimit = 64
		h.ReadOnlyRoot = true
		h.Tmpfs = map[string]string{
			"/workspace": "rw,exec,nosuid,size=256m",
			"/tmp":       "rw,noexec,nosuid,size=64m",
		}
	case LevelStandard:
		h.MemoryMB = 512
		h.CPUCores = 1.0
		h.PidsLimit = 128
		// Package installs need ownership changes inside the container.
		h.CapAdd = []string{"CHOWN", "SETUID", "SETGID"}
	case LevelPermissive:
		h.MemoryMB = 2048
		h.CPUCores = 2.0
		h.PidsLimit = 512
		h.CapAdd = []string{"CHOWN", "SETUID", "SETGID", "DAC_OVERRIDE"}
	default:
		return nil, errdefs.Validationf("unknown security level: %s", level)
	}

	h.SeccompJSON = seccompProfile(language)
	return h, nil
}
