// Package ci builds and verifies successful commits: lint, tests with
// coverage, and an artefact tarball, reported as a BuildReport.
package ci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/autoforge/forge/bus"
	"github.com/autoforge/forge/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ci_builds_total",
	Help: "Build reports emitted, by status.",
}, []string{"status"})

// Config parameterises the CI runner.
type Config struct {
	// RemoteRepo is the clone URL of the target repository.
	RemoteRepo string
	// ArtefactRoot receives <sha>.tar.gz build artefacts.
	ArtefactRoot string
	// PytestMark restricts the test run when non-empty.
	PytestMark string
}

// Publisher emits build reports; satisfied by *bus.Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg interface{}, key string) error
}

// Runner is the CI worker.
type Runner struct {
	cfg Config
	pub Publisher
}

// New assembles a Runner.
func New(cfg Config, pub Publisher) *Runner {
	return &Runner{cfg: cfg, pub: pub}
}

// Run consumes commit results until the context is cancelled, building
// each SUCCESS and reporting the verdict.
func (r *Runner) Run(ctx context.Context, sub *bus.Subscription) error {
	for {
		var env, err = sub.Next(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading bus: %w", err)
		}
		res, ok := env.Message.(*protocol.CommitResult)
		if !ok || res.Status != protocol.CommitSuccess {
			continue
		}
		var report = r.ProcessCommit(ctx, res)
		if err = r.pub.Publish(ctx, protocol.TopicBuildReport, &report, env.Key); err != nil {
			return fmt.Errorf("publishing build report: %w", err)
		}
	}
}

// ProcessCommit builds one commit end to end. The report is FAILED on any
// infrastructure trouble, never an error: the orchestrator treats every
// commit as eventually reported.
func (r *Runner) ProcessCommit(ctx context.Context, res *protocol.CommitResult) protocol.BuildReport {
	var report = r.build(ctx, res)
	buildsTotal.WithLabelValues(string(report.Status)).Inc()
	log.WithFields(log.Fields{
		"sha": res.CommitSHA, "status": report.Status, "coverage": report.LineCoverage,
	}).Info("build reported")
	return report
}

func (r *Runner) build(ctx context.Context, res *protocol.CommitResult) protocol.BuildReport {
	var report = protocol.BuildReport{CommitSHA: res.CommitSHA, Status: protocol.BuildFailed}

	var workdir, err = os.MkdirTemp("", "ci-")
	if err != nil {
		report.LintErrors = []string{err.Error()}
		return report
	}
	defer os.RemoveAll(workdir)

	if out, err := run(ctx, "", "git", "clone", "--branch", res.BranchName, r.cfg.RemoteRepo, workdir); err != nil {
		report.LintErrors = []string{"clone failed: " + out}
		return report
	}
	if out, err := run(ctx, workdir, "git", "checkout", res.CommitSHA); err != nil {
		report.LintErrors = []string{"checkout failed: " + out}
		return report
	}

	r.installDeps(ctx, workdir)
	report.LintErrors = r.lint(ctx, workdir)
	var failed, coverage = r.test(ctx, workdir)
	report.FailedTests = failed
	report.LineCoverage = coverage

	if len(report.LintErrors) == 0 && len(report.FailedTests) == 0 {
		report.Status = protocol.BuildPassed
	}

	if url, err := r.archive(ctx, workdir, res.CommitSHA); err != nil {
		log.WithFields(log.Fields{"sha": res.CommitSHA, "err": err}).Warn("artefact archive failed")
	} else {
		report.ArtefactURL = url
	}
	return report
}

// installDeps installs the project's manifest dependencies when the
// tooling and manifest are both present.
func (r *Runner) installDeps(ctx context.Context, workdir string) {
	if _, err := os.Stat(filepath.Join(workdir, "requirements.txt")); err != nil {
		return
	}
	if _, err := exec.LookPath("pip"); err != nil {
		return
	}
	if out, err := run(ctx, workdir, "pip", "install", "-q", "-r", "requirements.txt"); err != nil {
		log.WithField("out", out).Warn("dependency install failed")
	}
}

// lint runs the formatter and linter, collecting their complaint lines.
// Missing tools are skipped.
func (r *Runner) lint(ctx context.Context, workdir string) []string {
	var complaints []string
	for _, tool := range [][]string{
		{"black", "--check", "--quiet", "."},
		{"ruff", "check", "--quiet", "."},
	} {
		if _, err := exec.LookPath(tool[0]); err != nil {
			continue
		}
		if out, err := run(ctx, workdir, tool[0], tool[1:]...); err != nil {
			complaints = append(complaints, splitLines(out)...)
		}
	}
	return complaints
}

// test runs the suite with a JSON coverage report. A missing pytest or an
// empty suite passes; a missing coverage report reads as 0.0.
func (r *Runner) test(ctx context.Context, workdir string) (failed []string, coverage float64) {
	if _, err := exec.LookPath("pytest"); err != nil {
		return nil, 0
	}
	var base = []string{"-q"}
	if r.cfg.PytestMark != "" {
		base = append(base, "-m", r.cfg.PytestMark)
	}
	var out, err = run(ctx, workdir, "pytest", append(base, "--cov=.", "--cov-report=json")...)
	if err != nil && strings.Contains(out, "unrecognized arguments: --cov") {
		// No coverage plugin: run without it and report 0.0.
		out, err = run(ctx, workdir, "pytest", base...)
	}
	var exit *exec.ExitError
	// Exit code 5 is pytest's "no tests collected": an empty suite passes.
	if err != nil && !(errors.As(err, &exit) && exit.ExitCode() == 5) {
		failed = parseFailedTests(out)
		if len(failed) == 0 {
			failed = []string{"pytest exited non-zero"}
		}
	}
	return failed, readCoverage(filepath.Join(workdir, "coverage.json"))
}

// archive tarballs the tree into <artefact_root>/<sha>.tar.gz.
func (r *Runner) archive(ctx context.Context, workdir, sha string) (string, error) {
	if err := os.MkdirAll(r.cfg.ArtefactRoot, 0755); err != nil {
		return "", err
	}
	var dest = filepath.Join(r.cfg.ArtefactRoot, sha+".tar.gz")
	if out, err := run(ctx, "", "tar", "-czf", dest, "-C", workdir, "."); err != nil {
		return "", fmt.Errorf("tar: %s", out)
	}
	return dest, nil
}

// parseFailedTests extracts the failing test ids from pytest output.
func parseFailedTests(out string) []string {
	var failed []string
	for _, line := range splitLines(out) {
		if strings.HasPrefix(line, "FAILED ") || strings.HasPrefix(line, "ERROR ") {
			var fields = strings.Fields(line)
			if len(fields) > 1 {
				failed = append(failed, fields[1])
			}
		}
	}
	return failed
}

// readCoverage pulls the percent-covered total from a pytest-cov JSON
// report; absent or unreadable reports read as zero.
func readCoverage(path string) float64 {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return 0
	}
	var parsed struct {
		Totals struct {
			PercentCovered float64 `json:"percent_covered"`
		} `json:"totals"`
	}
	if err = json.Unmarshal(raw, &parsed); err != nil {
		return 0
	}
	return parsed.Totals.PercentCovered
}

func run(ctx context.Context, dir, name string, args ...string) (string, error) {
	var cmd = exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out, err = cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
