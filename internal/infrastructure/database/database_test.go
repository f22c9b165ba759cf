package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRebind(t *testing.T) {
	q := "SELECT * FROM payments WHERE id = ? AND status IN (?, ?)"
	assert.Equal(t, "SELECT * FROM payments WHERE id = $1 AND status IN ($2, $3)", Rebind(DialectPostgres, q))
	assert.Equal(t, q, Rebind(DialectSQLite, q))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
}

func TestDSN_DefaultsSSLMode(t *testing.T) {
	cfg := DBConfig{Host: "localhost", Port: 5432, User: "u", Password: "p", DBName: "payments"}
	assert.Equal(t, "host=localhost port=5432 user=u password=p dbname=payments sslmode=disable", cfg.DSN())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.True(t, IsForeignKeyViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
}

func TestMigrate_SQLite(t *testing.T) {
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, DialectSQLite, zap.NewNop()))
	// Second run is a no-op.
	require.NoError(t, Migrate(db, DialectSQLite, zap.NewNop()))

	_, err = db.Exec(`INSERT INTO payments (id, idempotency_key, status, amount, currency, created_at, updated_at)
		VALUES ('p', 'k', 'pending', '1.00', 'RUB', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO payments (id, idempotency_key, status, amount, currency, created_at, updated_at)
		VALUES ('p2', 'k', 'pending', '1.00', 'RUB', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestMigrate_UnknownDialect(t *testing.T) {
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	defer db.Close()

	require.Error(t, Migrate(db, Dialect("oracle"), zap.NewNop()))
}
