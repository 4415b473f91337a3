package cmd

import (
	"errors"
	"fmt"
	"github.com/spf13/cobra"
	"github.com/yngpiu/confession-discord-bot/confessbot"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Convert legacy idol/fan channel configs into guild character systems",
	Long: "Converts every legacy two-persona channel config into its guild's " +
		"character system, resolving channel guilds through the discord API. " +
		"Configs that can't be resolved are left in place. Safe to run repeatedly.",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		bot, err := confessbot.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		if err = bot.Init(ctx); err != nil {
			return errors.Join(err, bot.Close())
		}
		defer func() {
			err = errors.Join(err, bot.Close())
		}()

		result, err := bot.MigrateLegacyPersonas(ctx)
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"migrated=%d skipped=%d\n",
			result.Migrated,
			result.Skipped,
		)
		return err
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Overwrite the bot's slash commands without starting it",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		bot, err := confessbot.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		if err = bot.Init(ctx); err != nil {
			return errors.Join(err, bot.Close())
		}
		defer func() {
			err = errors.Join(err, bot.Close())
		}()

		commands, err := bot.RegisterCommands()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range commands {
			fmt.Fprintf(out, "registered /%s (%s)\n", c.Name, c.ID)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(registerCmd)
}
