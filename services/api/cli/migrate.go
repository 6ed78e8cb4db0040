package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/taskpulse/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|status|version]",
	Short: "Run archive database migrations",
	Long: `Connect to PostgreSQL and apply the task archive schema migrations.

Reads the DSN from the POSTGRES_DSN env var, the config file, or the
serve --postgres-dsn default. The command defaults to "up".`,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status", "version"},
	RunE:      runMigrate,
}

func runMigrate(_ *cobra.Command, args []string) error {
	command := "up"
	if len(args) == 1 {
		command = args[0]
	}
	dsn := viper.GetString("postgres_dsn")
	if dsn == "" {
		return fmt.Errorf("postgres_dsn is empty")
	}
	logger := buildLogger(viper.GetString("log_level"), "api")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.Migrate(ctx, dsn, command, logger); err != nil {
		return fmt.Errorf("migrate %s: %w", command, err)
	}
	return nil
}
