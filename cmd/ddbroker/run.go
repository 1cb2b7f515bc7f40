package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/internal/broker"
	"github.com/rmacdonaldsmith/ddmesh-go/internal/httpapi"
	"github.com/rmacdonaldsmith/ddmesh-go/internal/keystore"
	"github.com/rmacdonaldsmith/ddmesh-go/internal/metrics"
	peerlinkpkg "github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCommand() *cobra.Command {
	var flags fileConfig

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a broker",
		Long: `Run a broker. Settings come from the configuration file given with
--config; flags override the file.`,
		Example: `  ddbroker run --router tcp://*:5555 --scope 1 --keyfile broker-keys.yaml
  ddbroker run --router tcp://*:5556 --dealer tcp://10.0.0.1:5555 --scope 1/2 --rest 127.0.0.1:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFileConfig(configFile)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, flags)
			return runBroker(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&flags.Router, "router", "r", "", "Endpoints to listen on, comma separated")
	cmd.Flags().StringVar(&flags.Advertise, "advertise", "", "Endpoint announced to child brokers")
	cmd.Flags().StringVarP(&flags.Dealer, "dealer", "d", "", "Parent broker endpoint")
	cmd.Flags().StringVarP(&flags.Scope, "scope", "s", "", "Scope of this broker, e.g. 1/2/3")
	cmd.Flags().StringVarP(&flags.Keyfile, "keyfile", "k", "", "Broker key file")
	cmd.Flags().StringVar(&flags.Rest, "rest", "", "Address of the HTTP status API, empty to disable")
	cmd.Flags().StringVar(&flags.Secret, "secret", "", "Secret for admin tokens of the HTTP API")
	return cmd
}

// applyFlags copies explicitly set flags over the file configuration.
func applyFlags(cmd *cobra.Command, cfg *fileConfig, flags fileConfig) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("router", &cfg.Router, flags.Router)
	set("advertise", &cfg.Advertise, flags.Advertise)
	set("dealer", &cfg.Dealer, flags.Dealer)
	set("scope", &cfg.Scope, flags.Scope)
	set("keyfile", &cfg.Keyfile, flags.Keyfile)
	set("rest", &cfg.Rest, flags.Rest)
	set("secret", &cfg.Secret, flags.Secret)
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

func runBroker(ctx context.Context, cfg fileConfig) error {
	logger, err := newLogger(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	listen, ignored := routerEndpoints(cfg.Router)
	if listen == "" {
		return errors.New("no router endpoint configured")
	}
	for _, ep := range ignored {
		logger.Warn("only one router endpoint is supported, ignoring", "endpoint", ep)
	}

	logger.Info(fmt.Sprintf("🚀 Starting %s v%s", appName, appVersion))
	logger.Info(fmt.Sprintf("🔑 Keys: %s", cfg.Keyfile))
	store, err := keystore.LoadStore(cfg.Keyfile)
	if err != nil {
		return fmt.Errorf("failed to load keys: %w", err)
	}

	linkConfig := &transport.Config{
		ListenAddress:    listen,
		AdvertiseAddress: normalizeEndpoint(cfg.Advertise),
		Logger:           logger,
	}
	m := metrics.New()

	b, err := broker.New(&broker.Config{
		Scope:          cfg.Scope,
		ParentEndpoint: normalizeEndpoint(cfg.Dealer),
		Keystore:       store,
		Listen: func(inbound chan<- peerlinkpkg.Frame) (peerlinkpkg.Listener, error) {
			l, err := transport.NewGRPCListener(linkConfig, inbound)
			if err != nil {
				return nil, err
			}
			if err := l.Start(); err != nil {
				l.Close()
				return nil, err
			}
			return l, nil
		},
		Dialer:  transport.NewGRPCDialer(linkConfig),
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	logger.Info(fmt.Sprintf("🔌 Router: %s", b.Endpoint()))
	if cfg.Dealer != "" {
		logger.Info(fmt.Sprintf("🔗 Dealer: %s", normalizeEndpoint(cfg.Dealer)))
	} else {
		logger.Info("🌳 No dealer configured, running as root")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	// an admin stop ends Run on its own; take the API down with it
	g.Go(func() error {
		defer cancel()
		return b.Run(gctx)
	})

	if cfg.Rest != "" {
		if cfg.Secret == "" {
			logger.Warn("⚠️  No secret configured, admin endpoints will reject every token")
		}
		api, err := httpapi.NewServer(b, httpapi.Config{
			ListenAddress: normalizeEndpoint(cfg.Rest),
			SecretKey:     adminSecret(cfg.Secret),
			Keys:          store,
			Metrics:       m,
			Logger:        logger,
		})
		if err != nil {
			cancel()
			return errors.Join(err, g.Wait())
		}
		logger.Info(fmt.Sprintf("🌐 HTTP API: %s", normalizeEndpoint(cfg.Rest)))
		g.Go(api.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return api.Stop(shutdownCtx)
		})
	}

	logger.Info(fmt.Sprintf("✅ %s started, scope %s", appName, b.Status().Scope))
	logger.Info("💡 Use Ctrl+C to shutdown gracefully")
	err = g.Wait()
	logger.Info(fmt.Sprintf("👋 %s stopped", appName))
	return err
}
