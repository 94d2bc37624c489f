package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-mesh/meridian/pkg/config"
	"github.com/meridian-mesh/meridian/pkg/node"
	"github.com/meridian-mesh/meridian/pkg/observability/logging"
)

const defaultConfigPath = "meridian.yaml"

func main() {
	rootCmd := &cobra.Command{Use: "meridian"}

	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Start a Meridian mesh node",
		Run:   runNode,
	}
	nodeCmd.Flags().String("config", defaultConfigPath, "Path to the node config file")

	rootCmd.AddCommand(nodeCmd, newIdentityCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute command: %q", err)
	}
}

func runNode(cmd *cobra.Command, args []string) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logging.Init(cfg.LogLevel)
	defer zap.S().Sync() //nolint:errcheck

	logger := zap.S()
	logger.Infow("starting meridian...", "version", "0.1.0")

	ctx, stopFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopFunc()

	n, err := node.New(cfg)
	if err != nil {
		logger.Fatal(err)
	}

	if err := n.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logger.Fatal(err)
	}
}
