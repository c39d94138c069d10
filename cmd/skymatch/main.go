// Command skymatch is the operator CLI: run association batches from
// detection files, browse the running catalog, and manage the database
// schema.  Batches run against the same postgres catalog and Redis dataset
// lock as the worker, so CLI runs and streamed batches never race on a
// dataset.
package main

import (
	"context"
	"os"

	"github.com/transientlab/skymatch/internal/application/association"
	"github.com/transientlab/skymatch/internal/infrastructure/database/postgres"
	"github.com/transientlab/skymatch/internal/infrastructure/database/postgres/repositories"
	redisclient "github.com/transientlab/skymatch/internal/infrastructure/database/redis"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	"github.com/transientlab/skymatch/internal/interfaces/cli"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func init() {
	cli.Version = version
	cli.GitCommit = commit
	cli.BuildDate = buildDate
}

func main() {
	deps := cli.Dependencies{
		Association: newAssociationService,
		Catalog:     newCatalogReader,
		Migrator:    newMigrator,
	}

	// Execute already prints the failure; main only sets the exit code.
	if err := cli.Execute(deps); err != nil {
		os.Exit(1)
	}
}

// newAssociationService opens postgres and redis and assembles the
// association service.  CLI batches commit to the catalog only; decisions
// are not published to Kafka, so replaying a file never feeds downstream
// consumers twice.
func newAssociationService(ctx context.Context, cliCtx *cli.CLIContext) (association.Service, func(), error) {
	cfg := cliCtx.Config
	logger := cliCtx.Logger

	pg, err := postgres.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}

	rds, err := redisclient.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		pg.Close()
		return nil, nil, err
	}

	closeFn := func() {
		if err := rds.Close(); err != nil {
			logger.Warn("failed to close redis client", logging.Err(err))
		}
		pg.Close()
	}

	pool := pg.Pool()
	svc, err := association.NewService(association.ServiceConfig{
		Images:         repositories.NewImageRepository(pool, logger),
		Detections:     repositories.NewDetectionRepository(pool, logger),
		RunningSources: repositories.NewRunningSourceRepository(pool, logger),
		Store:          postgres.NewStore(pool, logger),
		Lock:           redisclient.NewDatasetLock(rds, cfg.Redis, logger),
		Defaults: association.Options{
			Theta:      cfg.Association.Theta,
			ZoneHeight: cfg.Association.ZoneHeight,
		},
		Logger: logger,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	return svc, closeFn, nil
}

// newCatalogReader opens a read-only postgres handle for the browse
// commands.
func newCatalogReader(ctx context.Context, cliCtx *cli.CLIContext) (*cli.CatalogReader, func(), error) {
	cfg := cliCtx.Config
	logger := cliCtx.Logger

	pg, err := postgres.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}

	pool := pg.Pool()
	reader := &cli.CatalogReader{
		Sources:      repositories.NewRunningSourceRepository(pool, logger),
		Associations: repositories.NewAssociationRepository(pool, logger),
		Images:       repositories.NewImageRepository(pool, logger),
	}
	return reader, pg.Close, nil
}

func newMigrator(cliCtx *cli.CLIContext) (cli.SchemaMigrator, error) {
	return postgres.NewMigrator(cliCtx.Config.Database, cliCtx.Logger)
}
