// Command livelyd runs the Lively collaboration server: one HTTP
// listener that upgrades WebSocket connections and routes them to
// per-room actors, with bbolt-backed snapshot persistence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Polqt/lively/persistence"
	"github.com/Polqt/lively/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dataPath string

	root := &cobra.Command{
		Use:   "livelyd",
		Short: "Lively real-time collaboration server",
	}
	root.PersistentFlags().StringVar(&dataPath, "data", "lively.db", "path to the bbolt snapshot database")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dataPath)
		},
	}
	root.AddCommand(serve)
	return root
}

func runServe(dataPath string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("livelyd: build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck
	sugar := log.Sugar()

	v := viper.New()
	v.SetEnvPrefix("LIVELY")
	v.AutomaticEnv()
	cfg := server.LoadConfig(v)

	persist, err := persistence.OpenBolt(dataPath)
	if err != nil {
		return fmt.Errorf("livelyd: open persistence: %w", err)
	}
	defer persist.Close() //nolint:errcheck

	srv := server.New(cfg, newCallbacks(persist, sugar), persist, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("livelyd starting", "port", cfg.Port, "basePath", cfg.BasePath, "data", dataPath)
	return srv.ListenAndServe(ctx)
}
