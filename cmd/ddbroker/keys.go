package main

import (
	"fmt"
	"os"

	"github.com/rmacdonaldsmith/ddmesh-go/internal/keystore"
	"github.com/spf13/cobra"
)

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage key files",
	}
	cmd.AddCommand(newKeysGenerateCommand())
	return cmd
}

func newKeysGenerateCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "generate [tenant...]",
		Short: "Generate broker and client key files",
		Long: `Generate a broker key file and one client key file per tenant. The
public tenant is always included.`,
		Example: `  ddbroker keys generate --dir ./keys acme globex`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
			set, err := keystore.Generate(args)
			if err != nil {
				return fmt.Errorf("failed to generate keys: %w", err)
			}
			paths, err := set.Write(dir)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "🔑 %s\n", p)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Directory for the key files")
	return cmd
}
