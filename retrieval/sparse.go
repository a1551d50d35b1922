package retrieval

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"

	_ "github.com/mattn/go-sqlite3" // Import for driver registration side-effect.
)

// SparseHit is one lexical search result. Score follows the BM25 distance
// convention: positive, lower is better.
type SparseHit struct {
	PointID uint64
	Score   float64
}

// SparseIndex is the lexical half of the retrieval engine. It doubles as
// the chunk content store used for snippet materialisation.
type SparseIndex interface {
	Upsert(chunks []Chunk) error
	Search(query string, limit int) ([]SparseHit, error)
	Content(pointID uint64) (string, error)
}

// ErrChunkNotFound is returned by Content for unknown point ids.
var ErrChunkNotFound = errors.New("chunk not found")

// BM25 parameters, the usual defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// SQLiteSparse keeps chunk content and a term-postings table in SQLite
// and scores matches with BM25 at query time. Upserts replace any prior
// postings of the same point id, so re-ingesting a commit overwrites
// rather than duplicates.
type SQLiteSparse struct {
	db *sql.DB
}

// OpenSparse opens (or creates) the sparse index at |path|.
// Use ":memory:" for an ephemeral index.
func OpenSparse(path string) (*SQLiteSparse, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sparse index: %w", err)
	}
	// Point ids are u64 but SQLite integers are signed; ids are stored
	// bit-cast and converted back on read.
	const ddl = `
	CREATE TABLE IF NOT EXISTS chunks (
		point_id INTEGER PRIMARY KEY,
		path     TEXT NOT NULL,
		content  TEXT NOT NULL,
		doc_len  INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS postings (
		term     TEXT NOT NULL,
		point_id INTEGER NOT NULL,
		tf       INTEGER NOT NULL,
		PRIMARY KEY (term, point_id)
	);
	CREATE INDEX IF NOT EXISTS idx_postings_point ON postings (point_id);`
	if _, err = db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("ensuring sparse schema: %w", err)
	}
	return &SQLiteSparse{db: db}, nil
}

// Close releases the underlying database.
func (s *SQLiteSparse) Close() error { return s.db.Close() }

// Upsert writes chunks and their postings, replacing prior rows with the
// same point id.
func (s *SQLiteSparse) Upsert(chunks []Chunk) error {
	var tx, err = s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	for _, chunk := range chunks {
		var id = int64(chunk.PointID)
		var tokens = tokenize(chunk.Content)
		if _, err = tx.Exec(
			`INSERT OR REPLACE INTO chunks (point_id, path, content, doc_len) VALUES (?, ?, ?, ?)`,
			id, chunk.Path, chunk.Content, len(tokens)); err != nil {
			return fmt.Errorf("upserting chunk %d: %w", chunk.PointID, err)
		}
		if _, err = tx.Exec(`DELETE FROM postings WHERE point_id = ?`, id); err != nil {
			return fmt.Errorf("clearing postings of %d: %w", chunk.PointID, err)
		}
		var counts = map[string]int{}
		for _, tok := range tokens {
			counts[tok]++
		}
		for term, tf := range counts {
			if _, err = tx.Exec(
				`INSERT INTO postings (term, point_id, tf) VALUES (?, ?, ?)`,
				term, id, tf); err != nil {
				return fmt.Errorf("inserting posting: %w", err)
			}
		}
	}
	return tx.Commit()
}

// Search scores all chunks matching any query term with BM25 and returns
// the best |limit| as distances (1/bm25). Ties break by point id.
func (s *SQLiteSparse) Search(query string, limit int) ([]SparseHit, error) {
	var terms = tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var docCount int
	var avgLen float64
	var err = s.db.QueryRow(`SELECT COUNT(*), COALESCE(AVG(doc_len), 0) FROM chunks`).
		Scan(&docCount, &avgLen)
	if err != nil {
		return nil, fmt.Errorf("reading corpus stats: %w", err)
	}
	if docCount == 0 {
		return nil, nil
	}

	var scores = map[int64]float64{}
	for _, term := range terms {
		var df int
		if err = s.db.QueryRow(`SELECT COUNT(*) FROM postings WHERE term = ?`, term).Scan(&df); err != nil {
			return nil, fmt.Errorf("reading df: %w", err)
		}
		if df == 0 {
			continue
		}
		var idf = math.Log(1 + (float64(docCount)-float64(df)+0.5)/(float64(df)+0.5))

		rows, err := s.db.Query(`
			SELECT p.point_id, p.tf, c.doc_len
			FROM postings p JOIN chunks c ON c.point_id = p.point_id
			WHERE p.term = ?`, term)
		if err != nil {
			return nil, fmt.Errorf("reading postings: %w", err)
		}
		for rows.Next() {
			var id int64
			var tf, docLen int
			if err = rows.Scan(&id, &tf, &docLen); err != nil {
				rows.Close()
				return nil, err
			}
			var norm = bm25K1 * (1 - bm25B + bm25B*float64(docLen)/avgLen)
			scores[id] += idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + norm)
		}
		if err = rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	var hits = make([]SparseHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, SparseHit{PointID: uint64(id), Score: 1 / score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score < hits[j].Score
		}
		return hits[i].PointID < hits[j].PointID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Content returns the stored chunk text.
func (s *SQLiteSparse) Content(pointID uint64) (string, error) {
	var content string
	var err = s.db.QueryRow(`SELECT content FROM chunks WHERE point_id = ?`, int64(pointID)).
		Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrChunkNotFound
	} else if err != nil {
		return "", fmt.Errorf("reading chunk %d: %w", pointID, err)
	}
	return content, nil
}
