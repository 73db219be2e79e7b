package pool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxd/sandboxd/internal/engine"
)

// cleanerScript scrubs a container before it re-enters the idle set:
// workspace contents including dotfiles, temp dirs, shell and REPL
// history, package-manager caches, Python byte-code caches, SysV IPC
// segments owned by the sandbox uid, and stray environment state. The
// workspace is recreated with mode 0755 at the end.
const cleanerScript = `set -e
rm -rf /workspace/* /workspace/.[!.]* /workspace/..?* 2>/dev/null || true
rm -rf /tmp/* /tmp/.[!.]* /var/tmp/* 2>/dev/null || true
rm -f ~/.bash_history ~/.sh_history ~/.python_history 2>/dev/null || true
rm -rf ~/.ipython ~/.cache/pip ~/.npm ~/.cargo/registry/cache 2>/dev/null || true
rm -rf ~/go/pkg/mod/cache/download 2>/dev/null || true
find / -maxdepth 4 -name __pycache__ -type d -exec rm -rf {} + 2>/dev/null || true
find / -maxdepth 4 -name '*.pyc' -delete 2>/dev/null || true
if command -v ipcs >/dev/null 2>&1; then
  for id in $(ipcs -m 2>/dev/null | awk '$3 == 1000 {print $2}'); do ipcrm -m "$id" 2>/dev/null || true; done
  for id in $(ipcs -s 2>/dev/null | awk '$3 == 1000 {print $2}'); do ipcrm -s "$id" 2>/dev/null || true; done
  for id in $(ipcs -q 2>/dev/null | awk '$3 == 1000 {print $2}'); do ipcrm -q "$id" 2>/dev/null || true; done
fi
for v in $(env | cut -d= -f1); do
  case "$v" in
    PATH|HOME|TERM|LANG|HOSTNAME|PWD|SHLVL|_) ;;
    *) unset "$v" 2>/dev/null || true ;;
  esac
done
mkdir -p /workspace
chmod 0755 /workspace
ls -A /workspace | wc -l
`

// clean executes the scrub and verifies the workspace is empty
// afterwards. A non-empty workspace is logged as an incomplete clean
// but does not fail the release; a cleaner error does.
func (p *Pool) clean(ctx context.Context, containerID string) error {
	res, err := p.eng.Exec(ctx, containerID, []string{"sh", "-c", cleanerScript}, engine.ExecOptions{
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("cleaner exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	// The script's last line is the post-clean workspace entry count.
	lines := strings.Fields(strings.TrimSpace(res.Stdout))
	if len(lines) > 0 {
		if n, err := strconv.Atoi(lines[len(lines)-1]); err == nil && n > 0 {
			log.Warn().
				Str("container", containerID).
				Int("entries", n).
				Msg("Incomplete clean: workspace not empty after scrub")
		}
	}
	return nil
}
