// Package main provides the entry point for the PBFT consensus daemon.
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

	"github.com/ahwlsqja/pbft-engine/consensus/pbft"
	"github.com/ahwlsqja/pbft-engine/node"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := node.NewViper()
	var configPath string

	root := &cobra.Command{
		Use:           "pbftd",
		Short:         "PBFT consensus engine daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "console", "log format: json or console")
	root.PersistentFlags().Bool("metrics", true, "serve prometheus metrics")
	root.PersistentFlags().String("metrics-addr", "0.0.0.0:26660", "prometheus metrics address")
	bindFlag(v, root, node.KeyLogLevel, "log-level")
	bindFlag(v, root, node.KeyLogFormat, "log-format")
	bindFlag(v, root, node.KeyMetricsEnabled, "metrics")
	bindFlag(v, root, node.KeyMetricsAddr, "metrics-addr")

	root.AddCommand(
		newRunCmd(v, &configPath),
		newDevnetCmd(v, &configPath),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(v *viper.Viper, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a host validator reachable over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(v, *configPath, func(ctx context.Context, n *node.Node) error {
				return n.Run(ctx)
			})
		},
	}
	cmd.Flags().String("host", "localhost:5050", "host validator bridge address")
	cmd.Flags().Duration("call-timeout", node.DefaultConfig().CallTimeout, "timeout for each call to the host")
	bindFlag(v, cmd, node.KeyHostAddr, "host")
	bindFlag(v, cmd, node.KeyCallTimeout, "call-timeout")
	return cmd
}

func newDevnetCmd(v *viper.Viper, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devnet",
		Short: "Run an in-process network of simulated validators",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(v, *configPath, func(ctx context.Context, n *node.Node) error {
				return n.RunDevnet(ctx)
			})
		},
	}
	cmd.Flags().Int("nodes", 4, "number of validators")
	cmd.Flags().Duration("block-interval", node.DefaultConfig().Devnet.BlockInterval, "time each primary spends building a block")
	bindFlag(v, cmd, node.KeyDevnetNodes, "nodes")
	cmd.Flags().String("data-dir", "", "directory for the validators' chains (memory when empty)")
	bindFlag(v, cmd, node.KeyDevnetBlockInterval, "block-interval")
	bindFlag(v, cmd, node.KeyDevnetDataDir, "data-dir")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the protocol name and version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", pbft.Name, pbft.Version)
		},
	}
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	f := cmd.Flags().Lookup(flag)
	if f == nil {
		f = cmd.PersistentFlags().Lookup(flag)
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

// withNode loads the config, builds the logger and node, and runs fn until SIGINT or SIGTERM.
func withNode(v *viper.Viper, configPath string, fn func(context.Context, *node.Node) error) error {
	cfg, err := node.LoadConfig(v, configPath)
	if err != nil {
		return err
	}
	logger, err := node.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	n, err := node.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting pbftd", zap.String("protocol", pbft.Name), zap.String("version", pbft.Version))
	err = fn(ctx, n)
	logger.Info("shutdown complete", zap.Error(err))
	return err
}
