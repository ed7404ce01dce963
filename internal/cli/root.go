// Package cli holds the hostsentryd commands: the daemon itself and the
// operator queries against its control surface.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hostsentryd",
		Short:         "hostsentryd: host execution authorization agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("hostsentryd {{.Version}}\n")

	cmd.AddCommand(newRunCmd(version))
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newRuleCmd())

	return cmd
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
