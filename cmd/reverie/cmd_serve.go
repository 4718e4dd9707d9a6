package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nvandessel/reverie/internal/api"
	"github.com/nvandessel/reverie/internal/ratelimit"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve simulations over HTTP and WebSocket",
		Long: `Start the HTTP API and the WebSocket envelope stream.

Simulations are started with POST /start and driven with /add_command,
/run, /chat and /publish_event. Each simulation streams its outbound
envelopes on GET /ws/message/{sim}.

Examples:
  reverie serve
  reverie serve --addr 127.0.0.1:11544 --auto-advance`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
			}
			autoAdvance, _ := cmd.Flags().GetBool("auto-advance")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rt, err := newRuntime(ctx, cfg, runtimeOptions{
				AutoAdvance: autoAdvance,
				Fanout:      true,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			srv, err := api.NewServer(api.Config{
				Addr:            cfg.Server.Addr,
				Manager:         rt.manager,
				Limits:          ratelimit.NewLimits(cfg.Server.RateLimit, cfg.Server.RateBurst),
				BaseTemplates:   cfg.Simulation.BaseTemplates,
				DefaultTemplate: defaultTemplate(cfg),
				Logger:          rt.logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create api server: %w", err)
			}

			sig := make(chan os.Signal, 1)
			notifySignals(sig)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe(gctx, cfg.Pool.ShutdownTimeout)
			})
			g.Go(func() error {
				select {
				case s := <-sig:
					rt.logger.Info("received signal", "signal", s.String())
					cancel()
				case <-gctx.Done():
				}
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default: server.addr from config)")
	cmd.Flags().Bool("auto-advance", false, "Run offline simulations without a frontend position feed")
	return cmd
}
