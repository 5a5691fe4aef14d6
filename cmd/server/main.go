package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rook2pawn/audio-chunk/internal/archive"
	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/config"
	"github.com/rook2pawn/audio-chunk/internal/metrics"
	"github.com/rook2pawn/audio-chunk/internal/server"
	"github.com/rook2pawn/audio-chunk/internal/stream"
	"github.com/rook2pawn/audio-chunk/internal/transport"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audio-chunk"
	serviceVersion    = "1.0.0"

	shutdownTimeout = 10 * time.Second
	relayQueueSize  = 256
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_streams", cfg.Server.MaxConcurrentStreams),
		slog.Duration("max_age", cfg.Buffer.GetMaxAge()),
		slog.Int("subscriber_queue", cfg.Subscriber.QueueCapacity),
		slog.String("subscriber_overflow", cfg.Subscriber.Overflow),
		slog.Bool("forward_enabled", cfg.Forward.Enabled),
		slog.Bool("relay_enabled", cfg.Relay.Enabled),
		slog.Bool("archive_enabled", cfg.Archive.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// forwarders outlive the shutdown signal so they can drain; this context
	// only ends when the drain deadline passes
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	subscriberCfg, err := cfg.Subscriber.BridgeConfig()
	if err != nil {
		return err
	}

	streamMgr := stream.NewManager(logger, stream.ManagerConfig{
		MaxAge:          cfg.Buffer.GetMaxAge(),
		SessionTimeout:  cfg.Buffer.GetStreamTimeoutDuration(),
		CleanupInterval: cfg.Buffer.GetCleanupInterval(),
		MaxSessions:     cfg.Server.MaxConcurrentStreams,
		Subscriber:      subscriberCfg,
	}, appMetrics)
	logger.Info("Stream manager initialized",
		slog.Duration("max_age", cfg.Buffer.GetMaxAge()),
		slog.Duration("stream_timeout", cfg.Buffer.GetStreamTimeoutDuration()),
	)

	g, gctx := errgroup.WithContext(baseCtx)
	var (
		httpOpts []server.HTTPOption
		closers  []io.Closer
		sources  []stream.Stream
	)
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	if cfg.Forward.Enabled {
		codec, err := cfg.Forward.Codec()
		if err != nil {
			return err
		}
		poster, err := transport.NewPoster(transport.PosterConfig{
			Endpoint:      cfg.Forward.Endpoint,
			Timeout:       cfg.Forward.GetTimeoutDuration(),
			MaxRetries:    cfg.Forward.MaxRetries,
			MaxConcurrent: cfg.Forward.MaxConcurrent,
			Codec:         codec,
		}, logger, appMetrics)
		if err != nil {
			return fmt.Errorf("create poster: %w", err)
		}
		closers = append(closers, poster)

		tap := streamMgr.Tap(subscriberCfg)
		g.Go(func() error { return forward(gctx, logger, transport.SinkHTTP, tap, poster) })
		httpOpts = append(httpOpts,
			server.WithStats("forward", func() any { return poster.GetStats() }),
			server.WithStats("forward_queue", func() any { return tap.GetStats() }),
		)
		logger.Info("HTTP forwarding enabled",
			slog.String("endpoint", cfg.Forward.Endpoint),
			slog.String("protocol", codec.Name()),
		)
	}

	if cfg.Relay.Enabled {
		codec, err := cfg.Relay.Codec()
		if err != nil {
			return err
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
		})
		closers = append(closers, client)
		if err := client.Ping(baseCtx).Err(); err != nil {
			return fmt.Errorf("connect to relay %s: %w", cfg.Relay.Addr, err)
		}

		switch cfg.Relay.Mode {
		case "subscribe":
			src, err := transport.StreamFromRedis(baseCtx, client, cfg.Relay.Channel, codec,
				stream.BridgeConfig{Capacity: relayQueueSize, Overflow: stream.Block}, logger, appMetrics)
			if err != nil {
				return err
			}
			sources = append(sources, src)
			g.Go(func() error {
				return forward(gctx, logger, "relay", src, stream.SinkFunc(streamMgr.Publish))
			})
			httpOpts = append(httpOpts, server.WithStats("relay", func() any { return src.GetStats() }))

		default:
			publisher := transport.NewRedisPublisher(client, cfg.Relay.Channel, codec, appMetrics)
			tap := streamMgr.Tap(subscriberCfg)
			g.Go(func() error { return forward(gctx, logger, transport.SinkRedis, tap, publisher) })
			httpOpts = append(httpOpts, server.WithStats("relay", func() any { return tap.GetStats() }))
		}
		logger.Info("Redis relay enabled",
			slog.String("mode", cfg.Relay.Mode),
			slog.String("addr", cfg.Relay.Addr),
			slog.String("channel", cfg.Relay.Channel),
		)
	}

	if cfg.Archive.Enabled {
		db, err := archive.Open(baseCtx, cfg.Archive.DSN)
		if err != nil {
			return err
		}
		closers = append(closers, db)

		arch := archive.New(db, cfg.Archive.Table, appMetrics)
		if err := arch.EnsureSchema(baseCtx); err != nil {
			return err
		}

		tap := streamMgr.Tap(durableTapConfig(subscriberCfg))
		g.Go(func() error { return forward(gctx, logger, archive.SinkName, tap, arch) })
		httpOpts = append(httpOpts,
			server.WithArchive(arch),
			server.WithStats("archive_queue", func() any { return tap.GetStats() }),
		)
		logger.Info("SQL archive enabled", slog.String("table", cfg.Archive.Table))
	}

	udpServer := server.NewUDPServer(&cfg.Server, logger, streamMgr, appMetrics)
	logger.Info("UDP server initialized")

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, streamMgr, udpServer, appMetrics, httpOpts...)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if err := udpServer.Start(); err != nil {
		return fmt.Errorf("start UDP server: %w", err)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("start HTTP server: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", udpServer.Addr().String()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-gctx.Done():
		logger.Warn("Forwarder failed, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := udpServer.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	for _, src := range sources {
		src.Close()
	}

	// finishes every tap; forwarders drain what is queued and return
	streamMgr.Stop()

	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	var groupErr error
	select {
	case groupErr = <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("Forwarders did not drain in time")
		cancelBase()
		groupErr = <-drained
	}

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	return groupErr
}

// durableTapConfig keeps the queue bound of cfg but never drops: a full
// queue stalls publishers until the sink catches up.
func durableTapConfig(cfg stream.BridgeConfig) stream.BridgeConfig {
	cfg.Overflow = stream.Block
	cfg.OnDrop = nil
	return cfg
}

// forward pipes src into sink until src ends. A failed write is logged and
// skipped; only the source failing ends the forwarder with an error.
func forward(ctx context.Context, logger *slog.Logger, name string, src stream.Stream, sink stream.Sink) error {
	defer src.Close()

	logger.Info("Forwarder started", slog.String("sink", name))

	err := stream.PipeTo(ctx, src, stream.SinkFunc(func(ctx context.Context, c *audio.Chunk) error {
		if err := sink.Write(ctx, c); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Forward failed",
				slog.String("sink", name),
				slog.String("stream_id", stream.StreamKey(c)),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}))

	logger.Info("Forwarder stopped", slog.String("sink", name))

	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrClosed) {
		return nil
	}
	return fmt.Errorf("%s forwarder: %w", name, err)
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// anything else is a file path, rotated by size
		output = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
