package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/gatekeeper/internal/approvals"
	"github.com/haasonsaas/gatekeeper/internal/auth"
	"github.com/haasonsaas/gatekeeper/internal/channels"
	"github.com/haasonsaas/gatekeeper/internal/channels/discord"
	"github.com/haasonsaas/gatekeeper/internal/channels/slack"
	"github.com/haasonsaas/gatekeeper/internal/channels/telegram"
	"github.com/haasonsaas/gatekeeper/internal/channels/web"
	"github.com/haasonsaas/gatekeeper/internal/config"
	"github.com/haasonsaas/gatekeeper/internal/observability"
	"github.com/haasonsaas/gatekeeper/internal/server"
	"github.com/haasonsaas/gatekeeper/internal/store"
	"github.com/haasonsaas/gatekeeper/internal/sweeper"
)

// loadConfig resolves the config path from the flag, the GATEKEEPER_CONFIG
// environment variable, or gatekeeper.yaml in the working directory, and
// falls back to defaults when no file exists.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("GATEKEEPER_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("gatekeeper.yaml"); err == nil {
			path = "gatekeeper.yaml"
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Client, error) {
	st := store.Open(store.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the approval coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			metrics := observability.NewMetrics()
			svc := approvals.NewService(st, approvals.Options{
				Logger:            logger,
				Metrics:           metrics,
				DefaultTimeout:    cfg.Approval.DefaultTimeout,
				ResolvedRetention: cfg.Approval.ResolvedRetention,
				AuditLimit:        cfg.Approval.AuditLimit,
			})
			observability.RegisterPendingGauge(func() (int, error) {
				countCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return svc.CountPending(countCtx)
			})

			registry := channels.NewRegistry(logger)
			var hub *web.Hub
			if cfg.Channels.Web.Enabled {
				hub = web.NewHub(svc, logger)
				registry.Register(hub)
			}
			if cfg.Channels.Slack.Enabled {
				registry.Register(slack.NewAdapter(slack.Config{
					BotToken: cfg.Channels.Slack.BotToken,
					AppToken: cfg.Channels.Slack.AppToken,
					Channel:  cfg.Channels.Slack.Channel,
				}, svc, logger))
			}
			if cfg.Channels.Telegram.Enabled {
				adapter, err := telegram.NewAdapter(telegram.Config{
					Token:  cfg.Channels.Telegram.BotToken,
					ChatID: cfg.Channels.Telegram.ChatID,
				}, svc, logger)
				if err != nil {
					return err
				}
				registry.Register(adapter)
			}
			if cfg.Channels.Discord.Enabled {
				adapter, err := discord.NewAdapter(discord.Config{
					BotToken:  cfg.Channels.Discord.BotToken,
					ChannelID: cfg.Channels.Discord.ChannelID,
				}, svc, logger)
				if err != nil {
					return err
				}
				registry.Register(adapter)
			}

			if err := registry.StartAll(ctx); err != nil {
				return err
			}

			var jwtService *auth.JWTService
			if cfg.Auth.JWTSecret != "" {
				jwtService = auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
			}
			srv := server.New(server.Config{
				Host: cfg.Server.Host,
				Port: cfg.Server.Port,
			}, svc, hub, jwtService, metrics, logger)
			if err := srv.Start(ctx); err != nil {
				registry.StopAll(ctx)
				return err
			}

			var sw *sweeper.Sweeper
			if cfg.Sweeper.Enabled {
				sw = sweeper.New(svc, cfg.Sweeper.Interval, logger)
				if err := sw.Start(ctx); err != nil {
					return err
				}
			}

			logger.Info("gatekeeper running",
				"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
				"channels", len(registry.All()))
			<-ctx.Done()

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if sw != nil {
				sw.Stop()
			}
			registry.StopAll(shutdownCtx)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown error", "error", err)
			}
			return nil
		},
	}
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending approvals and audit trail size",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := approvals.NewService(st, approvals.Options{})
			pending, err := svc.ListPending(ctx)
			if err != nil {
				return err
			}
			auditSize, err := svc.AuditSize(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("store:    %s (ok)\n", cfg.Redis.Addr)
			fmt.Printf("pending:  %d\n", len(pending))
			fmt.Printf("audited:  %d\n", auditSize)
			for _, req := range pending {
				fmt.Printf("  %s  %-20s  session=%s  expires=%s\n",
					req.ID, req.Tool, req.SessionID, req.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func buildAuditCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print recent audit trail entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := approvals.NewService(st, approvals.Options{})
			entries, err := svc.AuditTrail(ctx, limit, offset)
			if err != nil {
				return err
			}
			for _, e := range entries {
				when := e.CreatedAt
				if e.ResolvedAt != nil {
					when = *e.ResolvedAt
				}
				fmt.Printf("%s  %-8s  %-20s  by=%s from=%s\n",
					when.Format(time.RFC3339), e.Status, e.Tool, e.ResolvedBy, e.ResolvedFrom)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "entries to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var subject, name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
			if jwtService == nil {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			token, err := jwtService.Generate(subject, name)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
