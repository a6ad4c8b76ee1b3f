package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jtaka1125-beep/mirage/internal/version"
)

// CreateVersionCmd creates the version command.
func CreateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().Banner())
		},
	}
}
