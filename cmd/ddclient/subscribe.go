package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/client"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
	"github.com/spf13/cobra"
)

func newSubscribeCommand() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "subscribe [topic...]",
		Short: "Print notifications and publications until interrupted",
		Long: `Subscribe to the given topics and print every notification and
publication received. Without topics only notifications are printed.`,
		Example: `  ddclient -k acme-keys.yaml -n B subscribe alerts --scope region`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			s, err := connect(ctx, printer(out))
			if err != nil {
				return err
			}
			for _, topic := range args {
				if err := s.Subscribe(topic, scope); err != nil {
					s.close()
					return err
				}
			}
			if !outputRaw {
				fmt.Fprintf(out, "📡 %s registered at %s, waiting for messages\n", name, endpoint)
			}
			<-ctx.Done()
			return s.close()
		},
	}

	cmd.Flags().StringVarP(&scope, "scope", "s", client.ScopeAll,
		"Scope: all, region, cluster, node, noscope or a pattern such as /*/2/")
	return cmd
}

// printer writes received messages to out.
func printer(out io.Writer) client.Handler {
	return client.Handler{
		OnData: func(source string, payload []byte) {
			if outputRaw {
				fmt.Fprintf(out, "%s\n", payload)
				return
			}
			fmt.Fprintf(out, "📨 %s: %s\n", source, payload)
		},
		OnPublication: func(source, topic string, payload []byte) {
			if outputRaw {
				fmt.Fprintf(out, "%s\n", payload)
				return
			}
			fmt.Fprintf(out, "📢 [%s] %s: %s\n", topic, source, payload)
		},
		OnError: func(e *protocol.Error) {
			fmt.Fprintf(out, "❌ %s %s %s\n", e.Code, e.Message, e.Destination)
		},
		OnDisconnected: func() {
			fmt.Fprintln(out, "⚠️  broker lost, registering again")
		},
	}
}
