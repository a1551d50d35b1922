package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Import for driver registration side-effect.
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reserveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "srm_reserve_total",
	Help: "Reserve calls, by outcome.",
}, []string{"status"})

const schema = `
CREATE TABLE IF NOT EXISTS symbols (
	id             BIGSERIAL PRIMARY KEY,
	repo           TEXT NOT NULL,
	branch         TEXT NOT NULL,
	fq_name        TEXT NOT NULL,
	kind           TEXT NOT NULL,
	file_path      TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'reserved',
	plan_id        TEXT NOT NULL DEFAULT '',
	reserved_until TIMESTAMPTZ,
	commit_sha     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols (repo, branch, fq_name);
`

// Store persists symbol records in Postgres. The read establishing "no
// existing live record" and the subsequent insert run inside one
// serializable transaction, so concurrent reserves of the same name
// cannot both succeed. A partial unique index can't express liveness
// (expired reservations must not block), hence the transactional guard.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore wraps an open database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open connects to |databaseURL| and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	var db, err = sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if _, err = db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(db), nil
}

// Reserve inserts a new reserved record for (repo, branch, fq_name),
// failing with ErrConflict if an active or unexpired reserved record
// already holds the triple.
func (s *Store) Reserve(ctx context.Context, req ReserveRequest) (rec SymbolRow, err error) {
	var tx *sqlx.Tx
	if tx, err = s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}); err != nil {
		return rec, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var now = s.now().UTC()
	var live int
	err = tx.GetContext(ctx, &live, `
		SELECT COUNT(*) FROM symbols
		WHERE repo = $1 AND branch = $2 AND fq_name = $3
		  AND (status = 'active' OR (status = 'reserved' AND reserved_until > $4))`,
		req.Repo, req.Branch, req.FQName, now)
	if err != nil {
		return rec, fmt.Errorf("checking liveness: %w", err)
	}
	if live > 0 {
		reserveTotal.WithLabelValues("conflict").Inc()
		return rec, ErrConflict
	}

	var until = now.Add(time.Duration(req.TTLSec) * time.Second)
	err = tx.GetContext(ctx, &rec, `
		INSERT INTO symbols (repo, branch, fq_name, kind, file_path, status, plan_id, reserved_until, created_at)
		VALUES ($1, $2, $3, $4, $5, 'reserved', $6, $7, $8)
		RETURNING id, repo, branch, fq_name, kind, file_path, status, plan_id, reserved_until, commit_sha, created_at`,
		req.Repo, req.Branch, req.FQName, req.Kind, req.FilePath, req.PlanID, until, now)
	if err != nil {
		return rec, asConflict(err, "inserting reservation")
	}
	if err = tx.Commit(); err != nil {
		return rec, asConflict(err, "committing reservation")
	}
	reserveTotal.WithLabelValues("success").Inc()
	return rec, nil
}

// Claim upgrades a reserved lease to an active record bound to a commit.
func (s *Store) Claim(ctx context.Context, leaseID int64, commitSHA string) (rec SymbolRow, err error) {
	var tx *sqlx.Tx
	if tx, err = s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}); err != nil {
		return rec, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.GetContext(ctx, &rec, `
		SELECT id, repo, branch, fq_name, kind, file_path, status, plan_id, reserved_until, commit_sha, created_at
		FROM symbols WHERE id = $1`, leaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("lease %d: %w", leaseID, ErrInvalidLease)
	} else if err != nil {
		return rec, fmt.Errorf("fetching lease: %w", err)
	}

	if rec.Status != "reserved" {
		return rec, fmt.Errorf("lease %d is %s: %w", leaseID, rec.Status, ErrInvalidLease)
	}
	if rec.ReservedUntil == nil || s.now().UTC().After(*rec.ReservedUntil) {
		return rec, fmt.Errorf("lease %d expired: %w", leaseID, ErrInvalidLease)
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE symbols SET status = 'active', commit_sha = $2, reserved_until = NULL
		WHERE id = $1`, leaseID, commitSHA); err != nil {
		return rec, fmt.Errorf("activating lease: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return rec, fmt.Errorf("committing claim: %w", err)
	}

	rec.Status = "active"
	rec.CommitSHA = commitSHA
	rec.ReservedUntil = nil
	return rec, nil
}

// Lookup fetches the record for (repo, branch, fq_name), preferring the
// most recent row when expired reservations remain for audit.
func (s *Store) Lookup(ctx context.Context, repo, branch, fqName string) (rec SymbolRow, err error) {
	err = s.db.GetContext(ctx, &rec, `
		SELECT id, repo, branch, fq_name, kind, file_path, status, plan_id, reserved_until, commit_sha, created_at
		FROM symbols WHERE repo = $1 AND branch = $2 AND fq_name = $3
		ORDER BY id DESC LIMIT 1`, repo, branch, fqName)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	} else if err != nil {
		return rec, fmt.Errorf("looking up symbol: %w", err)
	}
	return rec, nil
}

// SymbolRow is the store's row shape. See protocol.SymbolRecord for the
// wire form.
type SymbolRow struct {
	ID            int64      `db:"id"`
	Repo          string     `db:"repo"`
	Branch        string     `db:"branch"`
	FQName        string     `db:"fq_name"`
	Kind          string     `db:"kind"`
	FilePath      string     `db:"file_path"`
	Status        string     `db:"status"`
	PlanID        string     `db:"plan_id"`
	ReservedUntil *time.Time `db:"reserved_until"`
	CommitSHA     string     `db:"commit_sha"`
	CreatedAt     time.Time  `db:"created_at"`
}

// asConflict maps a Postgres serialization failure (code 40001) onto
// ErrConflict: under concurrent reserves of one name, exactly one
// transaction commits and the rest report the collision.
func asConflict(err error, during string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return ErrConflict
	}
	return fmt.Errorf("%s: %w", during, err)
}
