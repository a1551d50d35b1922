// Package gitadapter serves read-mostly git operations over a local
// bare-mirror cache, so pipeline workers never clone the remote host
// directly.
package gitadapter

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gitadapter_ops_total",
	Help: "Adapter operations served, by op.",
}, []string{"op"})

// ErrNotFound: the path is absent at the ref, or names a non-blob object.
var ErrNotFound = errors.New("path not found at ref")

// ErrBadRef: the ref does not resolve in the repository.
var ErrBadRef = errors.New("unknown ref")

// Service answers git operations against bare mirrors cached under a
// root directory, one mirror per remote URL.
type Service struct {
	cacheRoot string

	// mu serialises mirror creation and refresh per repo URL.
	mu      sync.Mutex
	mirrors map[string]*sync.Mutex
}

// NewService caches mirrors under |cacheRoot|.
func NewService(cacheRoot string) *Service {
	return &Service{cacheRoot: cacheRoot, mirrors: make(map[string]*sync.Mutex)}
}

// Checkout materialises a working tree of |repo| at |ref| and returns its
// path and resolved SHA. The caller owns the directory.
func (s *Service) Checkout(ctx context.Context, repo, ref string) (workdir, sha string, err error) {
	opsTotal.WithLabelValues("checkout").Inc()
	mirror, err := s.mirror(ctx, repo)
	if err != nil {
		return "", "", err
	}
	if sha, err = s.resolve(ctx, mirror, ref); err != nil {
		return "", "", err
	}

	if workdir, err = os.MkdirTemp("", "checkout-"); err != nil {
		return "", "", err
	}
	if out, err := git(ctx, "", "clone", "--shared", mirror, workdir); err != nil {
		os.RemoveAll(workdir)
		return "", "", fmt.Errorf("cloning mirror: %s", out)
	}
	if out, err := git(ctx, workdir, "checkout", "--detach", sha); err != nil {
		os.RemoveAll(workdir)
		return "", "", fmt.Errorf("checking out %s: %s", sha, out)
	}
	return workdir, sha, nil
}

// ReadFile returns the blob at |path| of |repo| at |ref|. ErrNotFound
// covers both absent paths and non-blob objects (directories, links).
func (s *Service) ReadFile(ctx context.Context, repo, ref, path string) ([]byte, error) {
	opsTotal.WithLabelValues("read_file").Inc()
	var mirror, err = s.mirror(ctx, repo)
	if err != nil {
		return nil, err
	}
	if _, err = s.resolve(ctx, mirror, ref); err != nil {
		return nil, err
	}

	var spec = ref + ":" + path
	objType, err := git(ctx, mirror, "cat-file", "-t", spec)
	if err != nil || objType != "blob" {
		return nil, ErrNotFound
	}
	var cmd = exec.CommandContext(ctx, "git", "cat-file", "blob", spec)
	cmd.Dir = mirror
	raw, err := cmd.Output()
	if err != nil {
		return nil, ErrNotFound
	}
	return raw, nil
}

// Diff returns the unified diff between two refs.
func (s *Service) Diff(ctx context.Context, repo, base, head string) (string, error) {
	opsTotal.WithLabelValues("diff").Inc()
	var mirror, err = s.mirror(ctx, repo)
	if err != nil {
		return "", err
	}
	for _, ref := range []string{base, head} {
		if _, err = s.resolve(ctx, mirror, ref); err != nil {
			return "", err
		}
	}
	var cmd = exec.CommandContext(ctx, "git", "diff", base, head)
	cmd.Dir = mirror
	raw, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("diffing %s..%s: %w", base, head, err)
	}
	return string(raw), nil
}

// Blame returns the commit SHA owning each line of |path| at |ref|.
func (s *Service) Blame(ctx context.Context, repo, ref, path string) ([]string, error) {
	opsTotal.WithLabelValues("blame").Inc()
	var mirror, err = s.mirror(ctx, repo)
	if err != nil {
		return nil, err
	}
	if _, err = s.resolve(ctx, mirror, ref); err != nil {
		return nil, err
	}

	out, err := git(ctx, mirror, "blame", "--line-porcelain", ref, "--", path)
	if err != nil {
		return nil, ErrNotFound
	}
	// Each porcelain group opens with "<sha> <orig> <final> [span]"; all
	// other non-content lines are named headers.
	var shas []string
	for _, line := range strings.Split(out, "\n") {
		var fields = strings.Fields(line)
		if len(fields) >= 3 && isHexSHA(fields[0]) {
			shas = append(shas, fields[0])
		}
	}
	return shas, nil
}

func isHexSHA(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// mirror returns the bare mirror path of |repo|, creating the mirror on
// first use and fetching updates otherwise.
func (s *Service) mirror(ctx context.Context, repo string) (string, error) {
	var dir = filepath.Join(s.cacheRoot, mirrorKey(repo))

	s.mu.Lock()
	var lock, ok = s.mirrors[repo]
	if !ok {
		lock = &sync.Mutex{}
		s.mirrors[repo] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.WithFields(log.Fields{"repo": repo, "mirror": dir}).Info("creating bare mirror")
		if out, err := git(ctx, "", "clone", "--mirror", repo, dir); err != nil {
			return "", fmt.Errorf("mirroring %s: %s", repo, out)
		}
		return dir, nil
	}
	if out, err := git(ctx, dir, "fetch", "--prune", "origin"); err != nil {
		log.WithFields(log.Fields{"repo": repo, "out": out}).Warn("mirror refresh failed; serving stale")
	}
	return dir, nil
}

func (s *Service) resolve(ctx context.Context, mirror, ref string) (string, error) {
	var sha, err = git(ctx, mirror, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", ErrBadRef
	}
	return sha, nil
}

// mirrorKey derives the cache directory name of a repo URL.
func mirrorKey(repo string) string {
	var sum = md5.Sum([]byte(repo))
	return hex.EncodeToString(sum[:])[:12]
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	var cmd = exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, err = cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
