package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/internal/httpapi"
	"github.com/spf13/cobra"
)

// adminSecret returns secret, or a random one nobody knows when it is empty.
func adminSecret(secret string) string {
	if secret != "" {
		return secret
	}
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func newTokenCommand() *cobra.Command {
	var (
		secret string
		id     string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" && configFile != "" {
				cfg, err := loadFileConfig(configFile)
				if err != nil {
					return err
				}
				secret = cfg.Secret
			}
			if secret == "" {
				return errors.New("a secret is required, set --secret or secret in the config file")
			}

			token, expiresAt, err := httpapi.NewJWTAuth(secret).WithTTL(ttl).GenerateToken(id, true)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Secret configured on the broker")
	cmd.Flags().StringVar(&id, "id", "admin", "Operator name recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", httpapi.DefaultTokenTTL, "Token lifetime")
	return cmd
}
