package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/entitlesync/internal/server"
	"github.com/mihaimyh/entitlesync/pkg/api"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if cfg.Stripe.WebhookSecret == "" {
				logger.Warn().Msg("STRIPE_WEBHOOK_SECRET is not set; webhooks will be rejected with 503")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn().Err(err).Msg("error releasing resources")
				}
			}()

			srv, err := server.New(server.Config{
				Addr:              cfg.HTTP.Addr,
				Webhook:           a.provider.WebhookHandler(),
				API:               a.api,
				Gate:              a.gate,
				GetTenantID:       api.FromHeader(cfg.API.TenantHeader),
				Metrics:           a.metricsHandler(),
				TrustProxyHeaders: cfg.HTTP.TrustProxyHeaders,
				ShutdownTimeout:   cfg.HTTP.ShutdownTimeout,
				Logger:            logger,
			})
			if err != nil {
				return err
			}

			logger.Info().
				Str("store", cfg.Store.Driver).
				Bool("redis_hot", cfg.Store.RedisHot).
				Bool("enforce_event_order", cfg.Events.EnforceEventOrder).
				Bool("broker", a.subscriber != nil).
				Msg("starting entitlesync")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			if a.subscriber != nil {
				g.Go(func() error {
					err := a.subscriber.Run(gctx, a.invalidate)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}

			err = g.Wait()
			logger.Info().Msg("entitlesync stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}
