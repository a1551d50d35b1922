package ci

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/autoforge/forge/protocol"
	"github.com/stretchr/testify/require"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, interface{}, string) error { return nil }

// initRepo seeds a repository with one commit on a work branch and
// returns its path plus the commit SHA.
func initRepo(t *testing.T) (repo, branch, sha string) {
	t.Helper()
	repo = filepath.Join(t.TempDir(), "repo")
	branch = "agt/t-1"

	runGit(t, "", "-c", "init.defaultBranch=main", "init", repo)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("demo\n"), 0644))
	runGit(t, repo, "add", "-A")
	runGit(t, repo, "-c", "user.name=t", "-c", "user.email=t@t", "commit", "-m", "seed")
	runGit(t, repo, "checkout", "-b", branch)

	var cmd = exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = repo
	out, err := cmd.Output()
	require.NoError(t, err)
	return repo, branch, strings.TrimSpace(string(out))
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	var cmd = exec.Command("git", args...)
	cmd.Dir = dir
	var out, err = cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func TestCleanTreePassesAndArchives(t *testing.T) {
	var repo, branch, sha = initRepo(t)
	var artefacts = t.TempDir()
	var runner = New(Config{RemoteRepo: repo, ArtefactRoot: artefacts}, nopPublisher{})

	var report = runner.ProcessCommit(context.Background(), &protocol.CommitResult{
		CommitSHA:  sha,
		BranchName: branch,
		Status:     protocol.CommitSuccess,
	})

	require.Equal(t, protocol.BuildPassed, report.Status)
	require.Equal(t, sha, report.CommitSHA)
	require.Empty(t, report.FailedTests)
	require.Empty(t, report.LintErrors)

	require.Equal(t, filepath.Join(artefacts, sha+".tar.gz"), report.ArtefactURL)
	var info, err = os.Stat(report.ArtefactURL)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestUnknownCommitFails(t *testing.T) {
	var repo, branch, _ = initRepo(t)
	var runner = New(Config{RemoteRepo: repo, ArtefactRoot: t.TempDir()}, nopPublisher{})

	var report = runner.ProcessCommit(context.Background(), &protocol.CommitResult{
		CommitSHA:  "0000000000000000000000000000000000000000",
		BranchName: branch,
		Status:     protocol.CommitSuccess,
	})
	require.Equal(t, protocol.BuildFailed, report.Status)
	require.NotEmpty(t, report.LintErrors)
}

func TestParseFailedTests(t *testing.T) {
	var out = `
.F                                      [100%]
=================================== FAILURES ===================================
FAILED tests/test_app.py::test_greet - AssertionError: boom
ERROR tests/test_db.py::test_conn
1 failed, 1 passed in 0.12s
`
	require.Equal(t,
		[]string{"tests/test_app.py::test_greet", "tests/test_db.py::test_conn"},
		parseFailedTests(out))
	require.Empty(t, parseFailedTests("2 passed in 0.01s"))
}

func TestReadCoverage(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "coverage.json")

	// Missing report reads as zero.
	require.Zero(t, readCoverage(path))

	require.NoError(t, os.WriteFile(path, []byte(`{"totals": {"percent_covered": 87.5}}`), 0644))
	require.Equal(t, 87.5, readCoverage(path))

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))
	require.Zero(t, readCoverage(path))
}
