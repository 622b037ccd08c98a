package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/internal/core"
	"github.com/Hara602/xdrSensor/pkg/logging"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "xdr-sensor",
		Short: "Host detection sensor",
		Long: `xdr-sensor watches files, autorun registry keys, network connections,
processes, services and host metrics, matches them against suspicious
patterns, correlates them into alerts and ships everything to a backend.`,
		SilenceUsage: true,
		RunE:         runSensor,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config/monitor.yaml", "config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the sensor until interrupted (default)",
			RunE:  runSensor,
		},
		&cobra.Command{
			Use:   "validate [file]",
			Short: "Load a config file and report every problem in it",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runValidate,
		},
		&cobra.Command{
			Use:   "defaults",
			Short: "Print the default config as YAML",
			Args:  cobra.NoArgs,
			RunE:  runDefaults,
		},
	)
	return root
}

func runSensor(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}

	// 1. 初始化日志系统
	if err := logging.InitLogger(cfg.Agent.LogMode, cfg.Agent.LogLevel); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}
	defer logging.CloseLogger()
	log := logging.Logger

	// 2. 组装管道
	engine, err := core.NewEngine(cfg, core.Options{ConfigPath: cfgFile}, log)
	if err != nil {
		log.Error("failed to start sensor", zap.Error(err))
		return err
	}

	// 3. 运行到收到退出信号
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sensor stopped with errors", zap.Error(err))
		return err
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if len(args) == 1 {
		path = args[0]
	}
	cfg, err := config.Load(path)
	if err != nil {
		var ce *config.ConfigError
		if errors.As(err, &ce) {
			for _, e := range ce.Errors() {
				fmt.Fprintln(cmd.ErrOrStderr(), " -", e)
			}
		}
		return fmt.Errorf("%s is invalid", path)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d watched paths, %d registry keys, %d patterns, backend %s\n",
		path, len(cfg.WatchedPaths()), len(cfg.Registry.WatchedKeys()), len(cfg.Registry.SuspiciousPatterns), cfg.Sink.Backend)
	return nil
}

func runDefaults(cmd *cobra.Command, _ []string) error {
	data, err := config.DefaultYAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
