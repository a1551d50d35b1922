package registry

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

var symbolColumns = []string{
	"id", "repo", "branch", "fq_name", "kind", "file_path",
	"status", "plan_id", "reserved_until", "commit_sha", "created_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	var db, mock, err = sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var store = NewStore(sqlx.NewDb(db, "pgx"))
	store.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return store, mock
}

func TestReserveInsertsWhenNoLiveRecord(t *testing.T) {
	var store, mock = newMockStore(t)
	var now = store.now().UTC()
	var until = now.Add(600 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("demo", "main", "greet", now).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("INSERT INTO symbols").
		WillReturnRows(sqlmock.NewRows(symbolColumns).
			AddRow(7, "demo", "main", "greet", "function", "src/app.py",
				"reserved", "plan-1", until, "", now))
	mock.ExpectCommit()

	var rec, err = store.Reserve(context.Background(), ReserveRequest{
		Repo: "demo", Branch: "main", FQName: "greet",
		Kind: "function", FilePath: "src/app.py", PlanID: "plan-1", TTLSec: 600,
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), rec.ID)
	require.Equal(t, "reserved", rec.Status)
	require.NotNil(t, rec.ReservedUntil)
	require.True(t, rec.ReservedUntil.After(rec.CreatedAt))
	require.Empty(t, rec.CommitSHA)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveConflictsOnLiveRecord(t *testing.T) {
	var store, mock = newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	var _, err = store.Reserve(context.Background(), ReserveRequest{
		Repo: "demo", Branch: "main", FQName: "greet", TTLSec: 600,
	})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimActivatesReservedLease(t *testing.T) {
	var store, mock = newMockStore(t)
	var now = store.now().UTC()
	var until = now.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, repo").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(symbolColumns).
			AddRow(7, "demo", "main", "greet", "function", "src/app.py",
				"reserved", "plan-1", until, "", now))
	mock.ExpectExec("UPDATE symbols SET status").
		WithArgs(int64(7), "abc123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var rec, err = store.Claim(context.Background(), 7, "abc123")
	require.NoError(t, err)
	require.Equal(t, "active", rec.Status)
	require.Equal(t, "abc123", rec.CommitSHA)
	require.Nil(t, rec.ReservedUntil)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRejectsMissingExpiredAndActiveLeases(t *testing.T) {
	var store, mock = newMockStore(t)
	var now = store.now().UTC()

	// Missing lease.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, repo").
		WillReturnRows(sqlmock.NewRows(symbolColumns))
	mock.ExpectRollback()

	var _, err = store.Claim(context.Background(), 404, "abc")
	require.ErrorIs(t, err, ErrInvalidLease)

	// Expired lease.
	var past = now.Add(-time.Second)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, repo").
		WillReturnRows(sqlmock.NewRows(symbolColumns).
			AddRow(8, "demo", "main", "greet", "function", "",
				"reserved", "", past, "", now.Add(-time.Hour)))
	mock.ExpectRollback()

	_, err = store.Claim(context.Background(), 8, "abc")
	require.ErrorIs(t, err, ErrInvalidLease)

	// Already active.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, repo").
		WillReturnRows(sqlmock.NewRows(symbolColumns).
			AddRow(9, "demo", "main", "greet", "function", "",
				"active", "", nil, "def456", now.Add(-time.Hour)))
	mock.ExpectRollback()

	_, err = store.Claim(context.Background(), 9, "abc")
	require.ErrorIs(t, err, ErrInvalidLease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupNotFound(t *testing.T) {
	var store, mock = newMockStore(t)

	mock.ExpectQuery("SELECT id, repo").
		WillReturnRows(sqlmock.NewRows(symbolColumns))

	var _, err = store.Lookup(context.Background(), "demo", "main", "nope")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
