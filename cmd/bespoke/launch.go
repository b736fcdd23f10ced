package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/openforcefield/bespoke-executor/pkg/config"
	"github.com/openforcefield/bespoke-executor/pkg/executor"
	"github.com/openforcefield/bespoke-executor/pkg/log"
	"github.com/openforcefield/bespoke-executor/pkg/supervisor"
	"github.com/spf13/cobra"
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Start the Coordinator Service and its Worker Pools",
	RunE:  runLaunch,
}

func init() {
	config.RegisterLaunchFlags(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromFlags(cmd)
	if err != nil {
		return withExit(exitUserError, err)
	}

	workDir := filepath.Join(cfg.DataDir, "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return withExit(exitUserError, err)
	}

	execs := executor.Set{
		Fragmenter: &executor.SubprocessExecutor{Command: cfg.FragmenterCmd, WorkDir: workDir, KeepIntermediate: cfg.KeepIntermediate},
		QC:         &executor.SubprocessExecutor{Command: cfg.QCCmd, WorkDir: workDir, KeepIntermediate: cfg.KeepIntermediate},
		Optimizer:  &executor.SubprocessExecutor{Command: cfg.OptimizerCmd, WorkDir: workDir, KeepIntermediate: cfg.KeepIntermediate},
	}

	sup := supervisor.New(cfg, execs)
	if err := sup.Start(); err != nil {
		return withExit(exitUserError, err)
	}
	logger := log.WithComponent("bespoke")
	logger.Info().Str("addr", sup.Addr()).Msg("bespoke coordinator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return sup.Stop(ctx)
}
