package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/fleet?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "fleet"}))
	assert.Equal(t, "postgres://u:p@db:6432/fleet?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Port: 6432, Database: "fleet", SSLMode: "require"}))
	assert.Equal(t, "postgres://override", DSN(ClientConfig{DSN: "postgres://override", Host: "ignored"}))
}

func TestMigrationFiles(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])

	data, err := migrationsFS.ReadFile("migrations/" + names[0])
	require.NoError(t, err)
	for _, table := range []string{"arb_history", "audit_log", "coordinated_groups"} {
		assert.Contains(t, string(data), table)
	}
}

func TestAuditListQuery(t *testing.T) {
	q, args := auditListQuery(domain.ListOpts{})
	assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log WHERE 1=1 ORDER BY created_at DESC", q)
	assert.Empty(t, args)

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args = auditListQuery(domain.ListOpts{Since: &since, Limit: 50, Offset: 100})
	assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log WHERE 1=1"+
		" AND created_at >= $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3", q)
	assert.Equal(t, []any{since, 50, 100}, args)
}
