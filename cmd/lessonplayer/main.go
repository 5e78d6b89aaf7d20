// The lessonplayer command plays a book chapter sentence by sentence and
// exposes playback controls over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agleyzer/lessonplayer/internal/cluster"
	"github.com/agleyzer/lessonplayer/internal/config"
	"github.com/agleyzer/lessonplayer/internal/fetch"
	"github.com/agleyzer/lessonplayer/internal/player"
	"github.com/agleyzer/lessonplayer/internal/server"
	"github.com/agleyzer/lessonplayer/internal/sound"
)

const (
	version = "1.0.0"
)

func main() {
	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Parse(os.Args[0], os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Printf("LessonPlayer v%s\n", version)
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Verbose)

	logger.Info("LessonPlayer starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("LessonPlayer stopped")
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	clientCfg := fetch.DefaultConfig()
	clientCfg.Logger = logger
	client := fetch.New(clientCfg)

	loader := sound.NewMP3Loader(client, sound.PlayerConfig{
		FramesPerBuffer: cfg.FramesPerBuffer,
		PreloadTimeout:  cfg.PreloadTimeout,
	}, logger)
	if err := loader.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize audio output: %w", err)
	}
	defer loader.Terminate()

	logger.Info("fetching chapter manifest", "base_url", cfg.BaseURL, "book", cfg.Book, "chapter", cfg.Chapter)
	controller, err := player.Create(ctx, player.Config{
		BaseURL: cfg.BaseURL,
		Loader:  loader,
		Client:  client,
		Logger:  logger,
	}, cfg.Book, cfg.Chapter)
	if err != nil {
		return fmt.Errorf("failed to create playlist: %w", err)
	}
	defer func() {
		if err := controller.Destroy(); err != nil {
			logger.Warn("failed to release audio", "error", err)
		}
	}()

	controller.SetVolume(cfg.Volume)
	logCaptions(controller, cfg.Language, logger)

	var durations map[int]time.Duration
	if cfg.ProbeDurations {
		durations = probeDurations(ctx, client, controller, logger)
	}

	opts := server.Options{
		Port:      cfg.Port,
		BaseURL:   cfg.BaseURL,
		Durations: durations,
		SeekDelay: cfg.SeekDelay,
	}

	if cfg.Clustered() {
		manager, err := startCluster(ctx, cfg, controller, logger)
		if err != nil {
			return err
		}
		defer manager.Shutdown()
		opts.Cluster = manager
	}

	if cfg.Autoplay {
		go func() {
			if err := controller.Play(ctx); err != nil {
				logger.Warn("autoplay failed", "error", err)
			}
		}()
	}

	srv := server.New(controller, opts, logger)

	logger.Info("lesson player ready",
		"segments", controller.Len(),
		"state", fmt.Sprintf("http://localhost:%d/state", cfg.Port),
		"hls", fmt.Sprintf("http://localhost:%d/chapter.m3u8?lang=%s", cfg.Port, cfg.Language),
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}

// logCaptions logs the caption of every segment that becomes current.
func logCaptions(controller *player.Controller, lang string, logger *slog.Logger) {
	controller.OnCurrentIndexChange(func(index int) {
		seg, ok := controller.Segment(index)
		if !ok {
			return
		}
		logger.Info("current segment", "index", index, "file", seg.FileName, "text", seg.Text(lang))
	})
	controller.OnStatusChange(func(status player.Status) {
		logger.Debug("playback status", "status", status)
	})
}

// probeDurations decodes every segment to find its duration. Segments that
// cannot be probed are left out and get the default duration on export.
func probeDurations(ctx context.Context, client *fetch.Client, controller *player.Controller, logger *slog.Logger) map[int]time.Duration {
	durations := make(map[int]time.Duration, controller.Len())
	var total time.Duration

	for _, seg := range controller.Segments() {
		if ctx.Err() != nil {
			break
		}
		d, err := sound.Probe(ctx, client, controller.SegmentURL(seg.Index))
		if err != nil {
			logger.Warn("failed to probe segment duration", "index", seg.Index, "error", err)
			continue
		}
		durations[seg.Index] = d
		total += d
	}

	logger.Info("probed segment durations",
		"probed", len(durations),
		"segments", controller.Len(),
		"total", total.Round(time.Millisecond),
	)
	return durations
}

// startCluster joins the replicated listening session and keeps the
// controller in sync with it until ctx is done.
func startCluster(ctx context.Context, cfg *config.Config, controller *player.Controller, logger *slog.Logger) (*cluster.Manager, error) {
	manager, err := cluster.NewManager(cluster.Config{
		RaftID:   cfg.RaftID,
		BindAddr: cfg.RaftBind,
		Peers:    cfg.Peers,
		LogLevel: cfg.RaftLogLevel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster manager: %w", err)
	}

	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start cluster: %w", err)
	}

	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if err := manager.WaitForLeader(waitCtx); err != nil {
			logger.Error("no cluster leader elected", "error", err)
			return
		}

		if manager.IsLeader() {
			state := controller.Snapshot()
			if err := manager.Initialize(sessionPosition(state)); err != nil {
				logger.Warn("failed to initialize cluster state", "error", err)
			}
		}

		cluster.Follow(ctx, manager, controller, logger)
	}()

	return manager, nil
}

// sessionPosition converts a controller snapshot into the replicated position.
func sessionPosition(state player.State) cluster.Position {
	return cluster.Position{
		Book:    state.Book,
		Chapter: state.Chapter,
		Length:  state.Length,
		Index:   state.Index,
		Status:  state.Status,
	}
}
