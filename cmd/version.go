package cmd

import (
	"fmt"
	"github.com/spf13/cobra"
	"github.com/yngpiu/confession-discord-bot/confessbot"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s\n",
			confessbot.Version,
			confessbot.CommitSHA,
			confessbot.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
