package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strand-protocol/strand/mgmtapi/pkg/protocol"
)

// version is set at build time via -ldflags "-X github.com/strand-protocol/strand/mgmtapi/pkg/cli.mgmtctlVersion=x.y.z"
var mgmtctlVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show mgmtctl and protocol versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "mgmtctl version %s\n", mgmtctlVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "protocol version: %d\n", protocol.ProtocolVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
