package cmd

import (
	"github.com/spf13/cobra"

	buildsyscmd "github.com/slipway-dev/slipway/pkg/buildsys/cmd"
)

var rootCmd = &cobra.Command{
	Use:   "slipway",
	Short: "Cross-compilation and artifact staging tool",
	Long: `slipway builds a shared library for a matrix of target triples and stages
the resulting artifacts into a per-platform directory tree. It also bundles
the small helpers needed for that job (toolchain downloads, cross-platform
file operations, artifact bundles).`,
}

func init() {
	rootCmd.AddCommand(buildsyscmd.RootCmd)
	rootCmd.AddCommand(buildsyscmd.ConfigureCmd)
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
