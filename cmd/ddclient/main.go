package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	keyFile   string
	name      string
	endpoint  string
	logLevel  string
	regWait   time.Duration
	outputRaw bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ddclient",
		Short: "ddmesh command line client",
		Long: `ddclient registers with a ddmesh broker and sends notifications,
publishes on topics or prints what it receives.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&keyFile, "keys", "k", "", "Client key file (required)")
	rootCmd.PersistentFlags().StringVarP(&name, "name", "n", "", "Client name (required)")
	rootCmd.PersistentFlags().StringVarP(&endpoint, "broker", "d", "127.0.0.1:5555", "Broker endpoint")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "loglevel", "v", "w", "Log level: e, w, i, d or q")
	rootCmd.PersistentFlags().DurationVar(&regWait, "wait", 10*time.Second, "How long to wait for registration")
	rootCmd.PersistentFlags().BoolVar(&outputRaw, "raw", false, "Print payloads without decoration")
	rootCmd.MarkPersistentFlagRequired("keys")
	rootCmd.MarkPersistentFlagRequired("name")

	rootCmd.AddCommand(newNotifyCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newSubscribeCommand())
	return rootCmd
}
