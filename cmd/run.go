package cmd

import (
	"fmt"
	"github.com/spf13/cobra"
	"github.com/yngpiu/confession-discord-bot/confessbot"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Connects to discord and starts the bot and status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bot, err := confessbot.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating bot: %w", err)
			}
			if err = bot.Run(cmd.Context()); err != nil {
				return fmt.Errorf("error running bot: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
