package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eleven-am/mesh/internal/domain"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the runtime and protocol version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "meshnode %s (protocol %s)\n", domain.RuntimeVersion, domain.ProtocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
