package agent

import (
	"context"
	"os/exec"
	"strings"
)

// ApplyOutcome tags the result of a patch application so the retry loop
// is a plain switch, not error-string matching.
type ApplyOutcome int

const (
	// Applied: the working tree now carries the patch.
	Applied ApplyOutcome = iota
	// InvalidDiff: the text is not a well-formed unified diff.
	InvalidDiff
	// RejectedByTree: the diff is well-formed but does not apply to the
	// current tree.
	RejectedByTree
	// ToolMissing: git is not on PATH.
	ToolMissing
)

func (o ApplyOutcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case InvalidDiff:
		return "invalid diff"
	case RejectedByTree:
		return "rejected by tree"
	case ToolMissing:
		return "tool missing"
	}
	return "unknown"
}

// validDiff reports whether |diff| looks like a unified patch: at least
// one old/new file header pair and one hunk header.
func validDiff(diff string) bool {
	var hasOld, hasNew, hasHunk bool
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "--- "):
			hasOld = true
		case strings.HasPrefix(line, "+++ "):
			hasNew = true
		case strings.HasPrefix(line, "@@ "):
			hasHunk = true
		}
	}
	return hasOld && hasNew && hasHunk
}

// applyPatch validates |diff| and applies it to the tree at |workdir|.
// detail carries git's stderr when the tree rejects the patch.
func applyPatch(ctx context.Context, workdir, diff string) (outcome ApplyOutcome, detail string) {
	if !validDiff(diff) {
		return InvalidDiff, ""
	}
	if _, err := exec.LookPath("git"); err != nil {
		return ToolMissing, "git not on PATH"
	}

	var cmd = exec.CommandContext(ctx, "git", "apply", "--whitespace=nowarn", "-")
	cmd.Dir = workdir
	cmd.Stdin = strings.NewReader(diff)
	if out, err := cmd.CombinedOutput(); err != nil {
		return RejectedByTree, strings.TrimSpace(string(out))
	}
	return Applied, ""
}
