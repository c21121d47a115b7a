package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndMigrate(t *testing.T) {
	dir := t.TempDir()

	testCases := []struct {
		name    string
		profile DatabaseProfile
		table   string
	}{
		{"world", ProfileLedger, "users"},
		{"chat", ProfileStandard, "chat_messages"},
		{"cache", ProfileCache, "kv_cache"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, err := New(Config{
				Path:    filepath.Join(dir, tc.name+".db"),
				Profile: tc.profile,
				Name:    tc.name,
			})
			assert.NoError(t, err)
			defer db.Close()

			assert.NoError(t, db.Migrate())
			// Migrate must be idempotent
			assert.NoError(t, db.Migrate())

			var count int
			err = db.QueryRow(
				"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
				tc.table,
			).Scan(&count)
			assert.NoError(t, err)
			assert.Equal(t, 1, count)

			assert.NoError(t, db.QuickCheck(context.Background()))
			assert.NoError(t, db.HealthCheck(context.Background()))
		})
	}
}

func TestBuildConnectionString(t *testing.T) {
	ledger := buildConnectionString("/tmp/world.db", ProfileLedger)
	assert.Contains(t, ledger, "_pragma=journal_mode(WAL)")
	assert.Contains(t, ledger, "_pragma=synchronous(FULL)")
	assert.Contains(t, ledger, "_txlock=immediate")

	cache := buildConnectionString("/tmp/cache.db", ProfileCache)
	assert.Contains(t, cache, "_pragma=synchronous(OFF)")
	assert.NotContains(t, cache, "_txlock=immediate")
}

func TestWithTransactionCommit(t *testing.T) {
	db := openTestDB(t)

	err := WithTransaction(db, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO items (name) VALUES (?)", "a")
		return err
	})
	assert.NoError(t, err)

	var count int
	assert.NoError(t, db.QueryRow("SELECT COUNT(*) FROM items").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTransactionRollbackOnError(t *testing.T) {
	db := openTestDB(t)

	wantErr := errors.New("boom")
	err := WithTransaction(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO items (name) VALUES (?)", "a"); err != nil {
			return err
		}
		return wantErr
	})
	assert.Error(t, err)
	assert.ErrorIs(t, err, wantErr)

	var count int
	assert.NoError(t, db.QueryRow("SELECT COUNT(*) FROM items").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithTransactionRollbackOnPanic(t *testing.T) {
	db := openTestDB(t)

	err := WithTransaction(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO items (name) VALUES (?)", "a"); err != nil {
			return err
		}
		panic("unexpected")
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")

	var count int
	assert.NoError(t, db.QueryRow("SELECT COUNT(*) FROM items").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestBackupTo(t *testing.T) {
	dir := t.TempDir()
	db, err := New(Config{
		Path:    filepath.Join(dir, "world.db"),
		Profile: ProfileStandard,
		Name:    "world",
	})
	assert.NoError(t, err)
	defer db.Close()
	assert.NoError(t, db.Migrate())

	dest := filepath.Join(dir, "world-backup.db")
	assert.NoError(t, db.BackupTo(dest))

	copied, err := sql.Open("sqlite", dest)
	assert.NoError(t, err)
	defer copied.Close()

	var count int
	err = copied.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='users'",
	).Scan(&count)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	assert.NoError(t, err)

	return db
}
