package main

import (
	"context"
	"fmt"

	"github.com/rvkvit/Test-Automation-Platform/pkg/artifacts"
	"github.com/rvkvit/Test-Automation-Platform/pkg/config"
	"github.com/rvkvit/Test-Automation-Platform/pkg/engine"
	"github.com/rvkvit/Test-Automation-Platform/pkg/recorder"
	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
	"github.com/rvkvit/Test-Automation-Platform/pkg/translator"
	"github.com/rvkvit/Test-Automation-Platform/pkg/upload"
)

// services bundles the platform components every command builds on.
type services struct {
	cfg        *config.Config
	store      store.Store
	artifacts  artifacts.Store
	engine     *engine.Engine
	recorder   *recorder.Manager
	translator *translator.Service
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// buildServices constructs and starts the shared components. The caller
// owns shutdown via services.stop.
func buildServices(ctx context.Context) (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	art, err := artifacts.New(log, cfg.App.Root)
	if err != nil {
		return nil, fmt.Errorf("creating artifact store: %w", err)
	}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	strategy, err := translator.NewStrategy(log, &cfg.Translator)
	if err != nil {
		return nil, fmt.Errorf("building translation strategy: %w", err)
	}

	eng := engine.New(log, cfg, st, art)

	if cfg.Upload != nil && cfg.Upload.Enabled {
		uploader, err := upload.NewS3Uploader(log, cfg.Upload)
		if err != nil {
			return nil, fmt.Errorf("creating uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return nil, fmt.Errorf("upload preflight: %w", err)
		}

		eng.SetUploader(uploader)
	}

	return &services{
		cfg:        cfg,
		store:      st,
		artifacts:  art,
		engine:     eng,
		recorder:   recorder.NewManager(log, &cfg.Recorder, art),
		translator: translator.NewService(log, st, art, strategy),
	}, nil
}

func (s *services) stop() {
	s.recorder.CleanupAll()

	if err := s.store.Stop(); err != nil {
		log.WithError(err).Warn("Store shutdown error")
	}
}
