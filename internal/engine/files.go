package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/sandboxd/sandboxd/internal/errdefs"
)

// PutFile writes data to a container path via a tar stream. The path
// must already be sanitized by the security gate.
func (e *DockerEngine) PutFile(ctx context.Context, id, path string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("%w: tar write header: %v", errdefs.ErrContainer, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("%w: tar write body: %v", errdefs.ErrContainer, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: tar close: %v", errdefs.ErrContainer, err)
	}

	dir := filepath.Dir(path)
	if err := e.cli.CopyToContainer(ctx, id, dir, &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("%w: copy to container: %v", errdefs.ErrContainer, err)
	}
	return nil
}

// GetFile reads a single file from the container. The engine returns a
// tar stream even for one file; the first entry is the content.
func (e *DockerEngine) GetFile(ctx context.Context, id, path string) ([]byte, error) {
	reader, _, err := e.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: copy from container: %v", errdefs.ErrContainer, err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("%w: file not found in tar: %v", errdefs.ErrNotFound, err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("%w: tar read: %v", errdefs.ErrContainer, err)
	}
	return data, nil
}

// ListFiles walks the tar stream of a container path.
func (e *DockerEngine) ListFiles(ctx context.Context, id, path string) ([]*FileEntry, error) {
	reader, _, err := e.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: copy from container: %v", errdefs.ErrContainer, err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	var entries []*FileEntry
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: tar read: %v", errdefs.ErrContainer, err)
		}

		name := strings.TrimPrefix(header.Name, "/")
		entries = append(entries, &FileEntry{
			Name:         filepath.Base(name),
			Path:         name,
			Size:         header.Size,
			Mode:         header.Mode,
			IsDir:        header.Typeflag == tar.TypeDir,
			LastModified: header.ModTime,
		})
	}
	return entries, nil
}

// DeleteFile removes a path inside the container. The engine has no
// delete endpoint, so this execs rm in the container.
func (e *DockerEngine) DeleteFile(ctx context.Context, id, path string) error {
	res, err := e.Exec(ctx, id, []string{"rm", "-rf", "--", path}, ExecOptions{Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: delete %s: %s", errdefs.ErrContainer, path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
