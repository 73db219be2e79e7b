// Package enginetest provides an in-memory Engine for component tests,
// so pool, session, and cache logic runs without a Docker daemon.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/internal/engine"
	"github.com/sandboxd/sandboxd/internal/errdefs"
)

// FakeContainer tracks the lifecycle state the fake engine knows about.
type FakeContainer struct {
	ID      string
	Spec    engine.ContainerSpec
	Running bool
	Paused  bool
	Files   map[string][]byte
}

// Fake is a concurrency-safe in-memory Engine. Hooks let tests inject
// failures per call site.
type Fake struct {
	mu         sync.Mutex
	seq        int
	Containers map[string]*FakeContainer
	Images     map[string]engine.ImageInfo
	Removed    []string
	Commits    []string

	// ExecHook, when set, intercepts Exec calls.
	ExecHook func(id string, argv []string, opts engine.ExecOptions) (*engine.ExecResult, error)
	// CreateErr fails every CreateContainer while set.
	CreateErr error
	// ExecErr fails every Exec when set and ExecHook is nil.
	ExecErr error

	ExecCalls   int
	CreateCalls int
}

func New() *Fake {
	return &Fake{
		Containers: make(map[string]*FakeContainer),
		Images:     make(map[string]engine.ImageInfo),
	}
}

func (f *Fake) Ping(ctx context.Context) error { return nil }
func (f *Fake) Close() error                   { return nil }

func (f *Fake) CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.Containers[id] = &FakeContainer{
		ID:    id,
		Spec:  spec,
		Files: make(map[string][]byte),
	}
	return id, nil
}

func (f *Fake) get(id string) (*FakeContainer, error) {
	c, ok := f.Containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", errdefs.ErrNotFound, id)
	}
	return c, nil
}

func (f *Fake) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.Running = true
	return nil
}

func (f *Fake) StopContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.Containers[id]; ok {
		c.Running = false
	}
	return nil
}

func (f *Fake) PauseContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.Paused = true
	return nil
}

func (f *Fake) UnpauseContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.Paused = false
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Containers, id)
	f.Removed = append(f.Removed, id)
	return nil
}

func (f *Fake) Exec(ctx context.Context, id string, argv []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
	f.mu.Lock()
	f.ExecCalls++
	hook := f.ExecHook
	execErr := f.ExecErr
	_, err := f.get(id)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hook != nil {
		return hook(id, argv, opts)
	}
	if execErr != nil {
		return nil, execErr
	}
	return &engine.ExecResult{ExitCode: 0, Duration: time.Millisecond}, nil
}

func (f *Fake) PutFile(ctx context.Context, id, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.Files[path] = append([]byte(nil), data...)
	return nil
}

func (f *Fake) GetFile(ctx context.Context, id, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	data, ok := c.Files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
	}
	return data, nil
}

func (f *Fake) ListFiles(ctx context.Context, id, path string) ([]*engine.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	var entries []*engine.FileEntry
	for p, data := range c.Files {
		entries = append(entries, &engine.FileEntry{
			Name: p,
			Path: p,
			Size: int64(len(data)),
		})
	}
	return entries, nil
}

func (f *Fake) DeleteFile(ctx context.Context, id, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	delete(c.Files, path)
	return nil
}

func (f *Fake) CommitContainer(ctx context.Context, id, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return err
	}
	f.Commits = append(f.Commits, tag)
	f.Images[tag] = engine.ImageInfo{
		ID:        "img-" + tag,
		Tags:      []string{tag},
		SizeBytes: 1 << 20,
		CreatedAt: time.Now(),
	}
	return nil
}

func (f *Fake) ListImages(ctx context.Context) ([]engine.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]engine.ImageInfo, 0, len(f.Images))
	for _, info := range f.Images {
		infos = append(infos, info)
	}
	return infos, nil
}

func (f *Fake) RemoveImage(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tag, info := range f.Images {
		if info.ID == id || tag == id {
			delete(f.Images, tag)
		}
	}
	return nil
}

func (f *Fake) Stats(ctx context.Context, id string) (*engine.ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	return &engine.ContainerStats{CPUMillis: 10, PeakMemoryMiB: 32}, nil
}

// AddImage registers an image tag, used to pre-seed cache-hit tests.
func (f *Fake) AddImage(tag string, created time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Images[tag] = engine.ImageInfo{
		ID:        "img-" + tag,
		Tags:      []string{tag},
		SizeBytes: 1 << 20,
		CreatedAt: created,
	}
}

// ContainerCount reports live containers.
func (f *Fake) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Containers)
}
