package commands

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/kgcapture/internal/api"
	"github.com/bryanchriswhite/kgcapture/internal/capture"
	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/gpu"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"github.com/bryanchriswhite/kgcapture/internal/overlay"
	"github.com/bryanchriswhite/kgcapture/internal/pipeline"
	"github.com/bryanchriswhite/kgcapture/internal/present"
	"github.com/bryanchriswhite/kgcapture/internal/window"
	"github.com/spf13/cobra"
)

// runCapture is the default command: locate, capture and present until closed or interrupted
func runCapture(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("main")

	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Int("targets", len(cfg.Targets)).
		Msg("kgcapture starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := window.NewDefaultBackend()
	if err != nil {
		return fmt.Errorf("failed to initialize window backend: %w", err)
	}
	defer backend.Close()
	locator := window.NewLocator(backend, locateBackoff(cfg))

	capturer := capture.NewRouter(cfg.Capture.Method)
	if err := capturer.Start(); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	defer capturer.Stop()

	surface, err := present.New(cfg.Present)
	if err != nil {
		return fmt.Errorf("failed to create surface: %w", err)
	}

	loop, err := pipeline.New(pipeline.Options{
		Config:        cfg,
		Locator:       locator,
		Capturer:      capturer,
		Surface:       surface,
		DeviceFactory: gpu.SoftwareFactory(),
	})
	if err != nil {
		return err
	}

	stream, _ := surface.(*present.MJPEGSurface)
	labeler := overlay.NewLabeler(cfg.Present.Labels)
	if stream != nil {
		stream.SetDecorator(func(img *image.RGBA) {
			labeler.Draw(img, overlay.RegionLabels(loop.Layout(), loop.LastTick()))
		})
	}

	configMgr.OnChange(func(c *config.Config) {
		logger.SetLevel(c.LogLevel)
		labeler.SetEnabled(c.Present.Labels)
		loop.ApplyConfig(c)
	})
	if err := configMgr.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	}

	serverDone := make(chan struct{})
	if cfg.Server.Enabled {
		server := api.NewServer(api.Options{
			Config:   configMgr,
			Pipeline: loop,
			Locator:  locator,
			Stream:   stream,
		})
		go func() {
			defer close(serverDone)
			if err := server.Start(ctx, cfg.Server.Port); err != nil {
				log.Error().Err(err).Msg("Server error")
			}
		}()
		log.Info().
			Int("port", cfg.Server.Port).
			Bool("stream", stream != nil).
			Msgf("API on http://localhost:%d/api", cfg.Server.Port)
	} else {
		close(serverDone)
	}

	err = loop.Run(ctx)
	stop()
	<-serverDone

	var pe *pipeline.Error
	if errors.As(err, &pe) {
		log.Error().
			Str("kind", pe.Kind.String()).
			Str("region", pe.Region).
			Err(pe.Err).
			Msg("Render loop failed")
		return err
	}
	if err != nil {
		return err
	}

	totals := loop.Totals()
	log.Info().
		Uint64("ticks", totals.Ticks).
		Uint64("accepted", totals.Accepted).
		Uint64("skipped", totals.Skipped).
		Uint64("stale", totals.Stale).
		Msg("Shut down gracefully")
	return nil
}

func locateBackoff(cfg *config.Config) window.Backoff {
	return window.Backoff{
		Initial:     cfg.Locate.InitialBackoff,
		Max:         cfg.Locate.MaxBackoff,
		MaxAttempts: cfg.Locate.MaxAttempts,
	}
}
