package cli

import (
	"github.com/spf13/cobra"

	"github.com/draknorr/publisheriq/internal/version"
)

// NewVersionCmd prints the binary version.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.Full())
		},
	}
}
