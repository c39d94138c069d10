// Integration tests for the PostgreSQL connection and migrator.  They
// require Docker and are gated behind the "integration" build tag.
//
//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/transientlab/skymatch/internal/config"
	"github.com/transientlab/skymatch/internal/infrastructure/database/postgres"
)

// migrationsPath points at the repository's migration files relative to this
// package directory.
const migrationsPath = "../../../../migrations"

// startPostgres launches a PostgreSQL 16 container and returns a database
// configuration pointing at it.
func startPostgres(t *testing.T) config.DatabaseConfig {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "skymatch_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return config.DatabaseConfig{
		Host:          host,
		Port:          port.Int(),
		User:          "test",
		Password:      "test",
		DBName:        "skymatch_test",
		SSLMode:       "disable",
		MaxConns:      5,
		MigrationPath: migrationsPath,
	}
}

func TestConnection_Lifecycle(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()

	conn, err := postgres.NewConnection(ctx, cfg, nil)
	require.NoError(t, err)

	require.NoError(t, conn.HealthCheck(ctx))

	stat := conn.Stats()
	assert.Equal(t, int32(5), stat.MaxConns())

	// Close must be idempotent.
	conn.Close()
	conn.Close()
}

func TestMigrator_UpDownReset(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()

	mg, err := postgres.NewMigrator(cfg, nil)
	require.NoError(t, err)
	defer mg.Close() //nolint:errcheck

	require.NoError(t, mg.Up())

	version, dirty, err := mg.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	// Re-running with nothing pending is not an error.
	require.NoError(t, mg.Up())

	// The schema is actually usable after Up.
	conn, err := postgres.NewConnection(ctx, cfg, nil)
	require.NoError(t, err)
	defer conn.Close()

	var count int
	require.NoError(t, conn.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM datasets`).Scan(&count))
	assert.Equal(t, 0, count)

	require.NoError(t, mg.Down(1))
	version, dirty, err = mg.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(0), version)

	assert.Error(t, mg.Down(0))

	require.NoError(t, mg.Reset())
	version, _, err = mg.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}
