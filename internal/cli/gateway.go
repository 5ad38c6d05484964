package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixelbao/chatflow/internal/botapi"
	"github.com/pixelbao/chatflow/internal/channel"
	"github.com/pixelbao/chatflow/internal/channel/wsbridge"
	"github.com/pixelbao/chatflow/internal/config"
	"github.com/pixelbao/chatflow/internal/engine"
	"github.com/pixelbao/chatflow/internal/hooks"
	"github.com/pixelbao/chatflow/internal/imagegen"
	"github.com/pixelbao/chatflow/internal/notify"
	"github.com/pixelbao/chatflow/internal/store"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the ChatFlow gateway",
	}

	cmd.AddCommand(newGatewayRunCmd())
	return cmd
}

func newGatewayRunCmd() *cobra.Command {
	var bridgeListen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if bridgeListen != "" {
				if cfg.Bridge == nil {
					cfg.Bridge = &config.BridgeConfig{Path: "/bridge"}
				}
				cfg.Bridge.Listen = bridgeListen
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}
			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("creating data directories: %w", err)
			}

			hookMgr := hooks.NewManager(log)

			opts := engine.Options{
				Config:    cfg.Engine,
				Generator: botapi.New(cfg.Bot, log),
				Hooks:     hookMgr,
			}

			// Typed-nil collaborators must stay out of the interface fields.
			if img := imagegen.New(cfg.ImageGen, log); img != nil {
				opts.ImageGen = img
				log.Info().Str("model", cfg.ImageGen.Model).Msg("image generation enabled")
			} else {
				log.Info().Msg("no image model configured, create and gacha commands disabled")
			}
			if wh := notify.New(cfg.Notify, log); wh != nil {
				opts.Notifier = wh
				defer wh.Flush()
			}

			var db *store.DB
			if !cfg.Store.Disabled {
				dbPath := cfg.Store.Path
				if dbPath == "" {
					dbPath = filepath.Join(paths.Data, "chatflow.db")
				}
				db, err = store.Open(dbPath, log)
				if err != nil {
					return fmt.Errorf("opening database: %w", err)
				}
				defer db.Close()
				opts.Recorder = store.NewRequestLog(db, log)
			}

			channels := channel.NewRegistry(log)
			if cfg.Bridge != nil {
				channels.Register(wsbridge.New(*cfg.Bridge, log))
			}
			if channels.Count() == 0 {
				return fmt.Errorf("no channels configured, add a bridge section to the config")
			}
			opts.Sender = channels

			eng := engine.New(opts, log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng.Start(ctx)
			for _, id := range channels.List() {
				if ch, ok := channels.Get(id); ok {
					ch.OnMessage(eng.HandleInbound)
				}
			}
			channels.StartAll(ctx)
			hookMgr.Emit(ctx, hooks.EventGatewayStart, map[string]any{"channels": channels.List()})
			log.Info().Int("channels", channels.Count()).Msg("gateway running")

			<-ctx.Done()
			log.Info().Msg("shutting down")

			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			channels.StopAll(shutCtx)
			eng.Stop()
			hookMgr.Emit(shutCtx, hooks.EventGatewayStop, nil)
			return nil
		},
	}

	cmd.Flags().StringVar(&bridgeListen, "bridge-listen", "", "override the bridge listen address")
	return cmd
}
