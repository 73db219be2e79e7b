// Package engine defines the narrow abstraction over the local container
// runtime. Pool, sessions, and cache talk to this interface only, which
// keeps them testable without a Docker daemon.
package engine

import (
	"context"
	"time"

	"github.com/sandboxd/sandboxd/internal/security"
)

// Default output caps for demuxed exec streams. A truncation marker is
// appended when a cap is hit.
const (
	DefaultMaxStdout = 10 * 1024 * 1024
	DefaultMaxStderr = 5 * 1024 * 1024
	TruncationMarker = "\n[output truncated]"
)

// MountSpec is a host bind validated by the security gate before it
// reaches the engine.
type MountSpec struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// ContainerSpec describes a container to create. The hardening descriptor
// comes from the security gate and is applied as is, except that a non-zero
// MemoryMB or CPUCores in the spec takes precedence over its caps.
type ContainerSpec struct {
	Image     string
	Language  string
	MemoryMB  int64
	CPUCores  float64
	// NetworkMode defaults to "none": no connectivity.
	NetworkMode string
	Env         map[string]string
	Binds       []MountSpec
	GPU         bool
	Hardening   *security.Hardening
}

// ExecOptions controls a single command execution inside a container.
type ExecOptions struct {
	Timeout   time.Duration
	Env       map[string]string
	Stdin     string
	WorkDir   string
	MaxStdout int64
	MaxStderr int64
}

// ExecResult is the captured outcome of an exec.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// FileEntry describes a file or directory inside a container.
type FileEntry struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Mode         int64     `json:"mode"`
	IsDir        bool      `json:"is_dir"`
	LastModified time.Time `json:"last_modified"`
}

// ImageInfo is a subset of engine image metadata.
type ImageInfo struct {
	ID        string    `json:"id"`
	Tags      []string  `json:"tags"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// ContainerStats is a one-shot resource usage sample.
type ContainerStats struct {
	CPUMillis       int64   `json:"cpu_ms"`
	PeakMemoryMiB   float64 `json:"peak_memory_mib"`
	DiskReadMiB     float64 `json:"disk_read_mib"`
	DiskWriteMiB    float64 `json:"disk_write_mib"`
}

// Engine is the container runtime contract. Implementations must be safe
// for concurrent use; every method may block on engine I/O and therefore
// must never be called while holding a component map lock.
type Engine interface {
	Ping(ctx context.Context) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	PauseContainer(ctx context.Context, id string) error
	UnpauseContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error

	Exec(ctx context.Context, id string, argv []string, opts ExecOptions) (*ExecResult, error)

	PutFile(ctx context.Context, id, path string, data []byte) error
	GetFile(ctx context.Context, id, path string) ([]byte, error)
	ListFiles(ctx context.Context, id, path string) ([]*FileEntry, error)
	DeleteFile(ctx context.Context, id, path string) error

	CommitContainer(ctx context.Context, id, tag string) error
	ListImages(ctx context.Context) ([]ImageInfo, error)
	RemoveImage(ctx context.Context, id string, force bool) error

	Stats(ctx context.Context, id string) (*ContainerStats, error)

	Close() error
}
