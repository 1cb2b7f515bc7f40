package main

import (
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/client"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
	"github.com/spf13/cobra"
)

// errorGrace is how long notify and publish wait for an ERROR answer.
const errorGrace = 500 * time.Millisecond

func newNotifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "notify <target> <message...>",
		Short: "Send a message to one client",
		Example: `  ddclient -k acme-keys.yaml -n A notify B hello
  ddclient -k acme-keys.yaml -n A notify public.P hello`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect(cmd.Context(), client.Handler{})
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.Notify(args[0], payloadArg(args[1:])); err != nil {
				return err
			}
			return awaitError(s)
		},
	}
}

func newPublishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <topic> <message...>",
		Short: "Publish a message on a topic",
		Long: `Publish a message on a topic. The broker appends its scope to the topic
unless it ends with '$'.`,
		Example: `  ddclient -k acme-keys.yaml -n A publish alerts fire
  ddclient -k acme-keys.yaml -n A publish 'news$' hello`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect(cmd.Context(), client.Handler{})
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.Publish(args[0], payloadArg(args[1:])); err != nil {
				return err
			}
			return awaitError(s)
		},
	}
}

// awaitError reports an ERROR frame arriving shortly after a send.
func awaitError(s *session) error {
	select {
	case e := <-s.errors:
		if e.Code == protocol.CodeNoDestination {
			return fmt.Errorf("no destination %q", e.Destination)
		}
		return fmt.Errorf("broker error %s: %s", e.Code, e.Message)
	case <-time.After(errorGrace):
		return nil
	}
}
