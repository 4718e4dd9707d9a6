package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/reverie/internal/mcp"
	"github.com/nvandessel/reverie/internal/ratelimit"
)

func newMCPServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve simulations as MCP tools over stdio",
		Long: `Run reverie as a Model Context Protocol server on stdin/stdout.

Tools: reverie_start, reverie_command, reverie_run, reverie_status,
reverie_chat, reverie_publish_event, reverie_persona.
Resource: reverie://templates.

Logs go to stderr; stdout carries only protocol messages.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			autoAdvance, _ := cmd.Flags().GetBool("auto-advance")

			ctx := context.Background()
			rt, err := newRuntime(ctx, cfg, runtimeOptions{AutoAdvance: autoAdvance})
			if err != nil {
				return err
			}
			defer rt.Close()

			srv, err := mcp.NewServer(&mcp.Config{
				Name:            "reverie",
				Version:         version,
				Manager:         rt.manager,
				Limits:          ratelimit.NewLimits(cfg.Server.RateLimit, cfg.Server.RateBurst),
				AuditPath:       cfg.Server.AuditLog,
				DefaultTemplate: defaultTemplate(cfg),
				Logger:          rt.logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create mcp server: %w", err)
			}
			return srv.Run(ctx)
		},
	}

	cmd.Flags().Bool("auto-advance", false, "Run offline simulations without a frontend position feed")
	return cmd
}
