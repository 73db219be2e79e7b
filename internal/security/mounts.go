package security

import (
	"path"
	"strings"

	"github.com/sandboxd/sandboxd/internal/errdefs"
)

// forbiddenHostPrefixes are host directories that must never be bound
// into a sandbox. /lib prefixes cover /lib, /lib32, /lib64.
var forbiddenHostPrefixes = []string{
	"/etc", "/proc", "/sys", "/dev", "/var", "/usr", "/bin", "/sbin",
	"/lib", "/root", "/home", "/boot", "/opt", "/run", "/srv", "/mnt",
	"/media",
}

// allowedContainerRoots are the only targets a bind may land on.
var allowedContainerRoots = []string{"/workspace", "/data"}

// Mount is the (host, container) pair checked by ValidateMounts. It
// mirrors engine.MountSpec without importing the engine package.
type Mount struct {
	HostPath      string
	ContainerPath string
}

// ValidateMounts rejects binds exposing host system directories or the
// engine socket, and binds whose container target is outside the
// sandbox's data roots.
func ValidateMounts(mounts []Mount) error {
	for _, m := range mounts {
		host := path.Clean(m.HostPath)
		if !strings.HasPrefix(host, "/") {
			return errdefs.Securityf("host mount path must be absolute: %q", m.HostPath)
		}
		if host == "/" {
			return errdefs.Securityf("cannot mount host root")
		}
		if strings.HasSuffix(host, "docker.sock") || strings.Contains(host, "containerd.sock") {
			return errdefs.Securityf("engine socket cannot be mounted")
		}
		for _, prefix := range forbiddenHostPrefixes {
			if host == prefix || strings.HasPrefix(host, prefix+"/") || (prefix == "/lib" && strings.HasPrefix(host, "/lib")) {
				return errdefs.Securityf("host path %q is under a system directory", m.HostPath)
			}
		}

		target := path.Clean(m.ContainerPath)
		ok := false
		for _, root := range allowedContainerRoots {
			if target == root || strings.HasPrefix(target, root+"/") {
				ok = true
				break
			}
		}
		if !ok {
			return errdefs.Securityf("container mount target %q must be under /workspace or /data", m.ContainerPath)
		}
	}
	return nil
}
