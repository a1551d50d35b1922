package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// workspace is a scoped clone of the target repo. Remove must run on
// every exit path of task processing.
type workspace struct {
	dir string
}

// materialise shallow-clones |repo| at |branch| into a fresh scoped
// directory under |root| ("" means the system temp dir). When a local
// reference cache is configured the clone borrows its objects.
func materialise(ctx context.Context, cfg Config, taskID string) (*workspace, error) {
	var dir, err = os.MkdirTemp(cfg.WorkRoot, "agent-"+taskID+"-")
	if err != nil {
		return nil, fmt.Errorf("creating workdir: %w", err)
	}

	var args = []string{"clone", "--depth", "1", "--branch", cfg.Branch}
	if cfg.CacheRef != "" {
		args = append(args, "--reference-if-able", cfg.CacheRef)
	}
	args = append(args, cfg.RemoteRepo, dir)

	if out, err := git(ctx, "", args...); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("cloning %s: %s", cfg.RemoteRepo, out)
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) Remove() { os.RemoveAll(w.dir) }

// commitAndPush stages the whole tree onto a fresh branch and pushes it.
// The returned SHA identifies the new commit.
func (w *workspace) commitAndPush(ctx context.Context, branch, message string) (sha string, err error) {
	for _, args := range [][]string{
		{"checkout", "-B", branch},
		{"add", "-A"},
		{"-c", "user.name=forge-agent", "-c", "user.email=agent@forge.invalid",
			"commit", "-m", message},
	} {
		if out, err := git(ctx, w.dir, args...); err != nil {
			return "", fmt.Errorf("git %s: %s", args[0], out)
		}
	}
	out, err := git(ctx, w.dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %s", out)
	}
	sha = strings.TrimSpace(out)

	if out, err = git(ctx, w.dir, "push", "origin", branch); err != nil {
		return "", fmt.Errorf("pushing %s: %s", branch, out)
	}
	return sha, nil
}

// reset discards the previous attempt: back to the base branch, tree
// restored to the clone's tip, the work branch dropped if one was made.
func (w *workspace) reset(ctx context.Context, base, workBranch string) error {
	if out, err := git(ctx, w.dir, "checkout", "-f", base); err != nil {
		return fmt.Errorf("git checkout: %s", out)
	}
	if out, err := git(ctx, w.dir, "reset", "--hard", "origin/"+base); err != nil {
		return fmt.Errorf("git reset: %s", out)
	}
	_, _ = git(ctx, w.dir, "branch", "-D", workBranch)
	return nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	var cmd = exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, err = cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
