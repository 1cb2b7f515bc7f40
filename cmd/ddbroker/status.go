package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/httpclient"
	"github.com/spf13/cobra"
)

type apiFlags struct {
	server  string
	token   string
	timeout time.Duration
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "http://127.0.0.1:8080", "Broker HTTP API URL")
	cmd.Flags().StringVar(&f.token, "token", "", "Admin token from 'ddbroker token'")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "Request timeout")
}

func (f *apiFlags) client() (*httpclient.Client, error) {
	return httpclient.NewClient(httpclient.Config{ServerURL: f.server, Token: f.token, Timeout: f.timeout})
}

func newStatusCommand() *cobra.Command {
	var flags apiFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the tables of a running broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			stats, err := client.GetStats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "🌳 %s broker, scope %s, protocol %s\n", stats.State, stats.Scope, stats.Version)
			fmt.Fprintf(out, "🔌 Endpoint: %s\n", stats.Endpoint)
			if stats.Parent != "" {
				fmt.Fprintf(out, "🔗 Parent: %s (identity %s)\n", stats.Parent, stats.Identity)
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"brokers": stats.Brokers,
				"local":   stats.LocalClients,
				"distant": stats.DistantClients,
				"subs":    stats.Subscriptions,
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newStopCommand() *cobra.Command {
	var flags apiFlags

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running broker through its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			resp, err := client.AdminStop(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🛑 Stopping broker at %s\n", resp.Endpoint)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
