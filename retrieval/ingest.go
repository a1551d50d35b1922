package retrieval

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Ingester writes commit content into both indices. Embedding calls are
// serialised per process to bound memory.
type Ingester struct {
	Engine *Engine

	embedMu sync.Mutex
}

// IngestCommit enumerates the paths changed by |commitSHA| in |repoDir|,
// chunks each file by blank-line paragraphs, and upserts chunks into the
// sparse and dense indices. Ingestion is idempotent by point id:
// re-ingesting the same commit overwrites and does not duplicate.
func (ing *Ingester) IngestCommit(ctx context.Context, commitSHA, repoDir string) error {
	var cmd = exec.CommandContext(ctx, "git", "diff-tree", "--no-commit-id", "--name-only", "-r", commitSHA)
	cmd.Dir = repoDir
	var out, err = cmd.Output()
	if err != nil {
		return fmt.Errorf("listing changed paths of %s: %w", commitSHA, err)
	}

	for _, path := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if path == "" {
			continue
		}
		var text, err = os.ReadFile(filepath.Join(repoDir, path))
		if err != nil {
			// Deleted paths appear in the diff but have no worktree file.
			log.WithFields(log.Fields{"path": path, "err": err}).Debug("skipping unreadable path")
			continue
		}
		if err = ing.ingestFile(ctx, path, string(text)); err != nil {
			return err
		}
	}
	return nil
}

func (ing *Ingester) ingestFile(ctx context.Context, path, text string) error {
	var chunks = SplitChunks(path, text)
	if len(chunks) == 0 {
		return nil
	}
	if err := ing.Engine.Sparse.Upsert(chunks); err != nil {
		return fmt.Errorf("sparse upsert of %s: %w", path, err)
	}

	var texts = make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	ing.embedMu.Lock()
	var vectors, err = ing.Engine.Embed.Embed(ctx, texts)
	ing.embedMu.Unlock()
	if err != nil {
		return fmt.Errorf("embedding %s: %w", path, err)
	}

	var points = make([]DensePoint, len(chunks))
	for i, c := range chunks {
		points[i] = DensePoint{
			PointID: c.PointID,
			Vector:  vectors[i],
			Payload: map[string]string{"path": c.Path},
		}
	}
	if err = ing.Engine.Dense.Upsert(ctx, points); err != nil {
		return fmt.Errorf("dense upsert of %s: %w", path, err)
	}
	log.WithFields(log.Fields{"path": path, "chunks": len(chunks)}).Info("ingested")
	return nil
}
