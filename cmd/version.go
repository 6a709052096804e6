package cmd

import (
	"fmt"

	"github.com/LainPM/AxisDiscordBot/axis"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			axis.Version,
			axis.CommitSHA,
			axis.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
