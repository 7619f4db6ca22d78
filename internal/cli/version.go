package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the release of the tool. It is overridden at build time.
var Version = "0.6"

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}
