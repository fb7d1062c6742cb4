package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"sub2mcp/internal/protocol"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	RunE:  runVersion,
}

func runVersion(_ *cobra.Command, _ []string) error {
	fmt.Println(protocol.ServerName, protocol.ServerVersion)
	return nil
}
