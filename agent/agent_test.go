package agent

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/autoforge/forge/llm"
	"github.com/autoforge/forge/protocol"
	"github.com/stretchr/testify/require"
)

type stubSnippets struct {
	texts map[uint64]string
}

func (s *stubSnippets) Snippet(_ context.Context, id uint64, _ int) (string, error) {
	return s.texts[id], nil
}

type recordingClaimer struct {
	claims map[int64]string
}

func (c *recordingClaimer) Claim(_ context.Context, leaseID int64, sha string) error {
	if c.claims == nil {
		c.claims = map[int64]string{}
	}
	c.claims[leaseID] = sha
	return nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, interface{}, string) error { return nil }

// initOrigin seeds a bare repository with one commit on main and returns
// its path.
func initOrigin(t *testing.T) string {
	t.Helper()
	var origin = filepath.Join(t.TempDir(), "origin.git")
	runGit(t, "", "-c", "init.defaultBranch=main", "init", "--bare", origin)

	var seed = filepath.Join(t.TempDir(), "seed")
	runGit(t, "", "clone", origin, seed)
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("demo\n"), 0644))
	runGit(t, seed, "checkout", "-b", "main")
	runGit(t, seed, "add", "-A")
	runGit(t, seed, "-c", "user.name=t", "-c", "user.email=t@t", "commit", "-m", "seed")
	runGit(t, seed, "push", "origin", "main")
	return origin
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	var cmd = exec.Command("git", args...)
	cmd.Dir = dir
	var out, err = cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// patchResponse encodes a {diff, reasoning} reply carrying |diff|.
func patchResponse(t *testing.T, diff string) string {
	t.Helper()
	var raw, err = json.Marshal(map[string]string{"diff": diff, "reasoning": "test"})
	require.NoError(t, err)
	return string(raw)
}

const addFileDiff = `--- /dev/null
+++ b/NOTES.txt
@@ -0,0 +1,2 @@
+greet added
+by agent
`

func newTestAgent(t *testing.T, origin string, provider llm.Provider) (*Agent, *recordingClaimer, string) {
	t.Helper()
	var workRoot = t.TempDir()
	var claimer = &recordingClaimer{}
	var agent = New(Config{
		RemoteRepo: origin,
		Branch:     "main",
		WorkRoot:   workRoot,
		MaxRetries: 2,
		Model:      "m",
	}, provider, &stubSnippets{}, claimer, nopPublisher{})
	return agent, claimer, workRoot
}

func TestTaskSuccessCommitsAndCleansUp(t *testing.T) {
	var origin = initOrigin(t)
	var provider = llm.NewDummy(patchResponse(t, addFileDiff))
	var agent, claimer, workRoot = newTestAgent(t, origin, provider)

	var task = protocol.CodingTask{
		ID:               "t-1",
		Goal:             "add greet()",
		Kind:             protocol.StepAdd,
		ReservedLeaseIDs: []string{"7"},
	}
	var result = agent.ProcessTask(context.Background(), &task)

	require.Equal(t, protocol.CommitSuccess, result.Status)
	require.Equal(t, "agt/t-1", result.BranchName)
	require.NotEmpty(t, result.CommitSHA)
	require.Equal(t, map[int64]string{7: result.CommitSHA}, claimer.claims)

	// The branch landed on the remote with the structured message.
	var cmd = exec.Command("git", "log", "-1", "--format=%s", "agt/t-1")
	cmd.Dir = origin
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "%s", out)
	require.Equal(t, "add: add greet()", strings.TrimSpace(string(out)))

	// The scoped working directory is gone.
	entries, err := os.ReadDir(workRoot)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestBogusDiffsExhaustRetriesIntoSoftFail(t *testing.T) {
	var origin = initOrigin(t)
	var dummy = llm.NewDummy(patchResponse(t, "not a diff"))
	var agent, _, workRoot = newTestAgent(t, origin, dummy)

	var result = agent.ProcessTask(context.Background(), &protocol.CodingTask{
		ID: "t-2", Goal: "g", Kind: protocol.StepModify,
	})

	require.Equal(t, protocol.CommitSoftFail, result.Status)
	require.Empty(t, result.CommitSHA)
	require.Empty(t, result.BranchName)
	require.NotEmpty(t, result.Notes)
	require.Contains(t, result.Notes[0], "invalid diff")
	require.Equal(t, int64(3), dummy.Calls())

	entries, err := os.ReadDir(workRoot)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRejectedPatchRetriesThenSucceeds(t *testing.T) {
	var origin = initOrigin(t)
	// A well-formed diff against content the tree does not have, then a
	// good one: the second attempt lands.
	var rejected = `--- a/README.md
+++ b/README.md
@@ -1 +1 @@
-no such line
+replacement
`
	var provider = llm.NewDummy(patchResponse(t, rejected), patchResponse(t, addFileDiff))
	var agent, _, workRoot = newTestAgent(t, origin, provider)

	var result = agent.ProcessTask(context.Background(), &protocol.CodingTask{
		ID: "t-3", Goal: "g", Kind: protocol.StepRefactor,
	})
	require.Equal(t, protocol.CommitSuccess, result.Status)

	entries, err := os.ReadDir(workRoot)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUnreachableRepoIsHardFail(t *testing.T) {
	var provider = llm.NewDummy(patchResponse(t, addFileDiff))
	var agent, _, _ = newTestAgent(t, filepath.Join(t.TempDir(), "absent.git"), provider)

	var result = agent.ProcessTask(context.Background(), &protocol.CodingTask{
		ID: "t-4", Goal: "g", Kind: protocol.StepAdd,
	})
	require.Equal(t, protocol.CommitHardFail, result.Status)
	require.NotEmpty(t, result.Notes)
}

func TestValidDiffRecognisesUnifiedShape(t *testing.T) {
	require.True(t, validDiff(addFileDiff))
	require.False(t, validDiff("not a diff"))
	require.False(t, validDiff("--- a/x\n+++ b/x\nno hunks"))
}
