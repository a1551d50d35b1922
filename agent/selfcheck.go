package agent

import (
	"context"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// selfCheck is one entry of the post-patch battery.
type selfCheck struct {
	name string
	tool string
	args func(cfg Config) []string
}

// selfChecks runs in order, fail-fast: formatter, linter, then the fast
// test subset.
var selfChecks = []selfCheck{
	{name: "format", tool: "black", args: func(Config) []string {
		return []string{"--check", "--quiet", "."}
	}},
	{name: "lint", tool: "ruff", args: func(Config) []string {
		return []string{"check", "--quiet", "."}
	}},
	{name: "tests", tool: "pytest", args: func(cfg Config) []string {
		var args = []string{"-q", "-x"}
		if cfg.PytestMark != "" {
			args = append(args, "-m", cfg.PytestMark)
		}
		return args
	}},
}

// runSelfChecks exercises the battery against |workdir|. A check whose
// tool is not on PATH is skipped; with no Python sources in the tree the
// battery passes vacuously. The first failing check short-circuits and
// its output is returned.
func runSelfChecks(ctx context.Context, cfg Config, workdir string) (ok bool, output string) {
	if !hasSourceFiles(workdir, ".py") {
		return true, ""
	}

	for _, check := range selfChecks {
		if _, err := exec.LookPath(check.tool); err != nil {
			log.WithFields(log.Fields{"check": check.name, "tool": check.tool}).
				Debug("self-check tool not on PATH; skipping")
			continue
		}
		var cmd = exec.CommandContext(ctx, check.tool, check.args(cfg)...)
		cmd.Dir = workdir
		if out, err := cmd.CombinedOutput(); err != nil {
			return false, fmt.Sprintf("%s check failed:\n%s", check.name, strings.TrimSpace(string(out)))
		}
	}
	return true, ""
}

// hasSourceFiles reports whether any file under |root| carries |ext|,
// ignoring the .git directory.
func hasSourceFiles(root, ext string) bool {
	var found bool
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ext) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}
