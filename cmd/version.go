package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nandsync/nandsync/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "prints nandsync version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version.NandsyncVersion())
	},
}
