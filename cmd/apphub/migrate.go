package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store/postgres"
)

func newMigrateCommand() *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				databaseURL = os.Getenv("APPHUB_DATABASE_URL")
			}
			if databaseURL == "" {
				return core.NewConfiguration("APPHUB_DATABASE_URL is required for migrate", nil)
			}
			return postgres.Migrate(databaseURL)
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "postgres connection string (defaults to APPHUB_DATABASE_URL)")
	return cmd
}
