package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the viewpool database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Infof("Beginning %s database migration", config.DatabaseType)
	_, closeRepo, err := viewpool.OpenRepository(context.Background(), config, true)
	if err != nil {
		return errors.WithMessage(err, "Failed to migrate viewpool database")
	}
	closeRepo()
	log.Infof("viewpool database migrated in %s", time.Since(start))
	return nil
}
