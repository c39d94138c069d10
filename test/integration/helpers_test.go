// Shared container plumbing for the cross-package integration suite.  The
// tests here drive the full write path, the association service over real
// PostgreSQL and Redis, instead of a single package's slice of it.
//
//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/transientlab/skymatch/internal/application/association"
	"github.com/transientlab/skymatch/internal/config"
	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/domain/sky"
	"github.com/transientlab/skymatch/internal/infrastructure/database/postgres"
	"github.com/transientlab/skymatch/internal/infrastructure/database/postgres/repositories"
	"github.com/transientlab/skymatch/internal/infrastructure/database/redis"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
)

const migrationsPath = "../../migrations"

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

func startRedis(t *testing.T) config.RedisConfig {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return config.RedisConfig{
		Addr:      host + ":" + port.Port(),
		KeyPrefix: "skymatch_test",
		LockTTL:   30 * time.Second,
	}
}

// pipelineEnv is a fully wired association stack plus the read repositories
// the assertions use.
type pipelineEnv struct {
	svc      association.Service
	datasets catalog.DatasetRepository
	images   catalog.ImageRepository
	sources  catalog.RunningSourceRepository
	history  catalog.AssociationRepository
}

// newPipeline launches postgres and redis, applies the real migrations, and
// assembles the association service exactly the way the worker does.
func newPipeline(t *testing.T) *pipelineEnv {
	t.Helper()
	ctx := context.Background()

	dbCfg := startPostgres(t)
	mg, err := postgres.NewMigrator(dbCfg, nil)
	require.NoError(t, err)
	require.NoError(t, mg.Up())
	require.NoError(t, mg.Close())

	conn, err := postgres.NewConnection(ctx, dbCfg, nil)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	redisCfg := startRedis(t)
	client, err := redis.NewClient(ctx, redisCfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	pool := conn.Pool()
	env := &pipelineEnv{
		datasets: repositories.NewDatasetRepository(pool, nil),
		images:   repositories.NewImageRepository(pool, nil),
		sources:  repositories.NewRunningSourceRepository(pool, nil),
		history:  repositories.NewAssociationRepository(pool, nil),
	}

	svc, err := association.NewService(association.ServiceConfig{
		Images:         env.images,
		Detections:     repositories.NewDetectionRepository(pool, nil),
		RunningSources: env.sources,
		Store:          postgres.NewStore(pool, nil),
		Lock:           redis.NewDatasetLock(client, redisCfg, nil),
		Defaults:       association.Options{Theta: 0.025, ZoneHeight: 1.0},
		Logger:         logging.NewNopLogger(),
	})
	require.NoError(t, err)
	env.svc = svc
	return env
}

// pipelineDetection builds an unsaved detection with 2 arcsec positional
// errors and a 4×3 arcsec fitted shape; the service assigns IDs on ingestion.
func pipelineDetection(datasetID int64, ra, decl float64) catalog.Detection {
	return catalog.Detection{
		DatasetID:     datasetID,
		Pos:           sky.MustPosition(ra, decl),
		RAErr:         2,
		DeclErr:       2,
		SemiMajor:     4,
		SemiMinor:     3,
		PositionAngle: 30,
		Flux: catalog.FluxMeasurement{
			Peak: 0.5, PeakErr: 0.01, Int: 0.6, IntErr: 0.02, DetSigma: 12,
		},
	}
}

func epochInput(datasetID int64, taustart time.Time, dets ...catalog.Detection) association.ProcessImageInput {
	return association.ProcessImageInput{
		DatasetID:  datasetID,
		TaustartTS: taustart,
		FreqEffHz:  150e6,
		URL:        "obs/epoch.fits",
		Detections: dets,
	}
}
