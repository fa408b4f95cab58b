package cmd

import (
	"fmt"
	"os"

	"github.com/certusone/wormhole/witnessd/cmd/witnessd"
	"github.com/certusone/wormhole/witnessd/pkg/version"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "witnessd",
	Short: "Epoch scoped block witnessing node",
}

// Top-level version subcommand
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display binary version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(witnessd.NodeCmd)
	rootCmd.AddCommand(versionCmd)
}
