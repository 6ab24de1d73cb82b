package repocache

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RunGit runs the git binary in the clone's working tree. Automatic gc is
// disabled so the object store only changes through Cleanup.
func (h *Handle) RunGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-c", "gc.auto=0"}, args...)...)
	cmd.Dir = h.path
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return string(output), nil
}

// RebaseInProgress reports whether git left rebase state behind.
func (h *Handle) RebaseInProgress() bool {
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		if info, err := os.Stat(filepath.Join(h.path, ".git", dir)); err == nil && info.IsDir() {
			return true
		}
	}
	return false
}
