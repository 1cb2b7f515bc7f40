package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	appName    = "ddbroker"
	appVersion = "0.1.0"
)

var (
	// Global flags
	configFile string
	logLevel   string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Hierarchical pub/sub broker",
		Long: `ddbroker runs one node of a ddmesh broker tree. Clients register with a
broker under a tenant and exchange notifications and scoped publications with
any other client of the tree.`,
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "loglevel", "v", "", "Log level: e, w, n, i, d or q")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newKeysCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newStopCommand())
	return rootCmd
}
