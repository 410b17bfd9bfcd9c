package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/planboard/internal/logger"
	"github.com/wolfeidau/planboard/internal/store/postgres"
)

type MigrateCmd struct {
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Dev)

	pool, err := c.Postgres.connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Msg("Database is up to date")
	return nil
}
