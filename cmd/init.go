package cmd

import (
	"errors"
	"fmt"
	"github.com/spf13/cobra"
	"github.com/yngpiu/confession-discord-bot/confessbot"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and apply schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DatabaseType == "" {
			return errors.New(
				"database type not set (CB_DATABASE_TYPE must be one of: sqlite, postgres)",
			)
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (CB_DATABASE must be a connection string or sqlite file path)",
			)
		}

		db, err := confessbot.CreateDB(cmd.Context(), cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		fmt.Fprintln(
			cmd.OutOrStdout(),
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
