package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/voicenote-sync/internal/version"
)

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pinsync %s\n", version.String())
		},
	}
}
