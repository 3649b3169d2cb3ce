package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"warden/config"
	"warden/internal/logs"
	"warden/internal/vpn/amnezia"
	"warden/server"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// cobra уже напечатал ошибку
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "warden",
		Short:         "VPN peer lifecycle and access control service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cfgFile != "" {
				_ = os.Setenv("CONFIG_FILE", cfgFile)
			}
		},
		RunE: runServe,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (overrides CONFIG_FILE)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run HTTP API and the reconcile loop",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "resync",
			Short: "Re-register every active peer on the interface and exit",
			RunE: withApp(func(ctx context.Context, a *server.App) (any, error) {
				return a.Reconciler.Restore(ctx)
			}),
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Revoke peers of expired subscriptions once and exit",
			RunE: withApp(func(ctx context.Context, a *server.App) (any, error) {
				return a.Reconciler.Sweep(ctx)
			}),
		},
		newLinkCmd(),
	)
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	app := &server.App{}
	if err := app.Initialize(cfg); err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = app.Run(ctx)
	logs.For("server").Info("stopped")
	return err
}

// withApp поднимает App без HTTP, выполняет fn и печатает отчёт в JSON.
func withApp(fn func(ctx context.Context, a *server.App) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		app := &server.App{}
		if err := app.Initialize(cfg); err != nil {
			return err
		}
		defer app.Close()

		rep, err := fn(cmd.Context(), app)
		if rep != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			_ = enc.Encode(rep)
		}
		return err
	}
}

func newLinkCmd() *cobra.Command {
	link := &cobra.Command{
		Use:   "link",
		Short: "Inspect vpn:// links",
	}
	link.AddCommand(&cobra.Command{
		Use:   "decode <vpn://...>",
		Short: "Print the JSON payload and the embedded client config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, raw, err := amnezia.DecodeLink(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(raw))
			lc, err := l.LastConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			fmt.Fprint(out, lc.Config)
			return nil
		},
	})
	return link
}
