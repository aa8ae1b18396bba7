package postgres

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://bot:pw@db:5432/trading?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "trading", User: "bot", Password: "pw"}))
	assert.Equal(t, "postgres://bot:pw@db:6543/trading?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "trading", User: "bot", Password: "pw", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestMigrationsCreateEveryTable(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var all strings.Builder
	for _, e := range entries {
		data, err := migrationsFS.ReadFile("migrations/" + e.Name())
		require.NoError(t, err)
		all.Write(data)
	}
	for _, table := range []string{"open_positions", "closed_positions", "audit_log"} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table)
	}
	for _, col := range positionColumns {
		assert.Contains(t, all.String(), col)
	}
}
