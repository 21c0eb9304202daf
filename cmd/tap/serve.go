package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rvkvit/Test-Automation-Platform/pkg/api"
	"github.com/rvkvit/Test-Automation-Platform/pkg/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the platform API server",
	Long: `Start the HTTP API server for project management, recording
sessions, translation and test execution.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.stop()

	dispatcher := engine.NewDispatcher(log, svc.engine, svc.cfg.App.Workers)

	if svc.cfg.BackgroundExecution() {
		if err := dispatcher.Start(ctx); err != nil {
			return fmt.Errorf("starting dispatcher: %w", err)
		}
	}

	srv := api.NewServer(log, svc.cfg, api.Deps{
		Store:      svc.store,
		Artifacts:  svc.artifacts,
		Engine:     svc.engine,
		Dispatcher: dispatcher,
		Recorder:   svc.recorder,
		Translator: svc.translator,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	// Drain queued and in-flight executions before the deferred cancel
	// tears down their run context.
	if svc.cfg.BackgroundExecution() {
		if err := dispatcher.Stop(); err != nil {
			log.WithError(err).Warn("Dispatcher shutdown error")
		}
	}

	return nil
}
