package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db/dialect"
)

func TestOpenSQLitePool_ReaderSeesWrites(t *testing.T) {
	pool, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "sub", "t.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	assert.Equal(t, dialect.SQLite3, pool.DriverName())

	_, err = pool.Writer().Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = pool.Writer().Exec(`INSERT INTO kv (k, v) VALUES ('a', 'b')`)
	require.NoError(t, err)

	var v string
	require.NoError(t, pool.Reader().Get(&v, `SELECT v FROM kv WHERE k = 'a'`))
	assert.Equal(t, "b", v)

	_, err = pool.Reader().Exec(`INSERT INTO kv (k, v) VALUES ('c', 'd')`)
	assert.Error(t, err, "reader must be read-only")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "mysql"})
	assert.Error(t, err)
}

func TestOpenSQLitePool_EmptyPath(t *testing.T) {
	_, err := OpenSQLitePool("")
	assert.Error(t, err)
}
