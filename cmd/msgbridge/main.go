package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coopco/msgbridge/internal/bridge"
	"github.com/coopco/msgbridge/internal/completion"
	"github.com/coopco/msgbridge/internal/config"
	"github.com/coopco/msgbridge/internal/notify"
	"github.com/coopco/msgbridge/internal/responder"
	"github.com/coopco/msgbridge/internal/router"
	"github.com/coopco/msgbridge/internal/store"
	"github.com/coopco/msgbridge/internal/webhook"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "msgbridge",
		Short: "Personal assistant messaging bridge",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "msgbridge.yaml", "path to config file")

	root.AddCommand(serveCmd(), bridgeCmd(), secretCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start all enabled bridges and serve webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			completions, err := completion.New(completion.Config{
				Backend: cfg.Completion.Backend,
				CLIPath: cfg.Completion.CLIPath,
				Workdir: cfg.Workspace,
				APIKey:  cfg.Completion.APIKey,
				Model:   cfg.Completion.Model,
			})
			if err != nil {
				return err
			}

			hub := notify.NewHub(0)

			// The router needs the manager for adapter lookup and the
			// manager needs the router as its inbound sink, so wire the
			// sink through a late-bound pointer.
			var rt *router.Router
			manager := bridge.NewManager(db, db, func(bridgeID string, msg bridge.NormalizedMessage) {
				if err := rt.HandleInbound(cmd.Context(), bridgeID, msg); err != nil {
					slog.Error("inbound handling failed", "bridge", bridgeID, "error", err)
				}
			})
			rt = router.New(db, db, manager, hub)
			rt.SetResponder(responder.New(db, completions, rt, cfg.Workspace))

			prober, err := bridge.NewHealthProber(manager, cfg.HealthSchedule)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := manager.StartEnabled(ctx); err != nil {
				return err
			}
			prober.Start()

			server := webhook.NewServer(cfg.ListenAddr, manager)
			server.Start()

			<-ctx.Done()
			slog.Info("shutting down")

			prober.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				slog.Error("webhook server shutdown failed", "error", err)
			}
			manager.StopAll()
			return nil
		},
	}
}

func bridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Manage bridge configurations",
	}

	var platform, name, configJSON string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(db *store.Store) error {
				b := &store.Bridge{
					Platform: platform,
					Name:     name,
					Config:   configJSON,
				}
				if err := db.CreateBridge(b); err != nil {
					return err
				}
				fmt.Println(b.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&platform, "platform", "", "platform tag (telegram, discord, imessage, gmail, email)")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&configJSON, "json", "{}", "platform-specific config blob")
	add.MarkFlagRequired("platform")
	add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List bridges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(db *store.Store) error {
				bridges, err := db.ListBridges(false)
				if err != nil {
					return err
				}
				for _, b := range bridges {
					fmt.Printf("%s  %-10s %-20s enabled=%-5v %s %s\n",
						b.ID, b.Platform, b.Name, b.Enabled, b.HealthStatus, b.HealthMessage)
				}
				return nil
			})
		},
	}

	enable := toggleCmd("enable", true)
	disable := toggleCmd("disable", false)

	remove := &cobra.Command{
		Use:   "remove <bridge-id>",
		Short: "Delete a bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(db *store.Store) error {
				return db.DeleteBridge(args[0])
			})
		},
	}

	cmd.AddCommand(add, list, enable, disable, remove)
	return cmd
}

func toggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <bridge-id>",
		Short: use + " a bridge (takes effect on next serve)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(db *store.Store) error {
				return db.SetBridgeEnabled(args[0], enabled)
			})
		},
	}
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage platform credentials",
	}
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(db *store.Store) error {
				return db.SetSecret(args[0], args[1])
			})
		},
	}
	cmd.AddCommand(set)
	return cmd
}

func withStore(fn func(db *store.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}
