package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/routeros/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "routeros",
	Short: "Talk to RouterOS devices over the API protocol",
	Long: `Talk to RouterOS devices over the API protocol.

Connection settings are read from ROUTEROS_* environment variables and an
optional .env.local file, and can be overridden with flags.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(ExecCmd)
	RootCmd.AddCommand(EmulateCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
