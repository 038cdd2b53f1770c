package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/k0kubun/pp/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"oplogmirror/checkpoint"
	"oplogmirror/config"
	"oplogmirror/engine"
	"oplogmirror/feed"
	"oplogmirror/metrics"
	"oplogmirror/pgdest"
	"oplogmirror/redisdest"
	"oplogmirror/repl"
	"oplogmirror/sqlitedest"
)

// staleAfter is how long the feed may stay silent before /health reports the
// pipeline as stale.
const staleAfter = 30 * time.Second

// pipeline bundles one running replication pipeline with its resources.
type pipeline struct {
	name    string
	eng     *engine.Engine
	handle  *engine.Handle
	source  feed.Feed
	closers []func() error
}

func (p *pipeline) close(logger *zap.Logger) {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			logger.Warn("Close failed", zap.String("pipeline", p.name), zap.Error(err))
		}
	}
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the YAML config file")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Logging.DebugDump {
		pp.Println(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
		msrv := metrics.NewServer(cfg.Metrics.Port, logger)
		msrv.Start()
		defer msrv.Stop()
	}

	pipelines := make([]*pipeline, 0, len(cfg.Pipelines))
	for i := range cfg.Pipelines {
		p, err := buildPipeline(ctx, &cfg.Pipelines[i], logger, m)
		if err != nil {
			logger.Fatal("Failed to build pipeline",
				zap.String("pipeline", cfg.Pipelines[i].SourceIdentity),
				zap.Error(err))
		}
		pipelines = append(pipelines, p)
	}

	for _, p := range pipelines {
		p.handle = p.eng.Start(ctx)
		logger.Info("Pipeline started", zap.String("pipeline", p.name))
	}

	app := fiber.New(fiber.Config{AppName: "oplogmirror"})

	app.Get("/health", func(c *fiber.Ctx) error {
		healthy := true
		out := make(map[string]fiber.Map, len(pipelines))
		for _, p := range pipelines {
			prog := p.eng.Progress()
			entry := fiber.Map{
				"state":   prog.State,
				"applied": prog.Applied,
			}

			select {
			case <-p.handle.Done():
				healthy = false
				if err := p.handle.Wait(); err != nil {
					entry["error"] = err.Error()
				}
			default:
			}

			if act, ok := p.source.(feed.Activity); ok {
				silence := act.TimeSinceLastActivity()
				entry["last_activity_ago"] = silence.Round(time.Millisecond).String()
				if silence > staleAfter {
					healthy = false
					entry["stale"] = true
				}
			}
			out[p.name] = entry
		}

		status := fiber.StatusOK
		if !healthy {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"healthy":   healthy,
			"pipelines": out,
		})
	})

	app.Get("/pipelines", func(c *fiber.Ctx) error {
		out := make(map[string]engine.Progress, len(pipelines))
		for _, p := range pipelines {
			out[p.name] = p.eng.Progress()
		}
		return c.JSON(out)
	})

	// Handle shutdown signals
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("Shutting down")
		cancel()
		app.Shutdown()
	}()

	logger.Info("Starting server", zap.String("listen", cfg.Listen))
	if err := app.Listen(cfg.Listen); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}

	for _, p := range pipelines {
		if err := p.handle.Wait(); err != nil {
			logger.Error("Pipeline failed", zap.String("pipeline", p.name), zap.Error(err))
		}
		prog := p.eng.Progress()
		logger.Info("Pipeline stopped",
			zap.String("pipeline", p.name),
			zap.Int64("applied", prog.Applied),
			zap.String("token", prog.LastToken.String()))
		p.close(logger)
	}
	logger.Info("All pipelines stopped")
}

// buildPipeline wires one configured pipeline: its change feed, destination
// store and replay engine.
func buildPipeline(ctx context.Context, pc *config.PipelineConfig, logger *zap.Logger, m *metrics.Metrics) (*pipeline, error) {
	p := &pipeline{name: pc.SourceIdentity}

	src, err := buildFeed(ctx, pc, logger, m, p)
	if err != nil {
		p.close(logger)
		return nil, fmt.Errorf("feed: %w", err)
	}
	p.source = src

	applier, checkpoints, err := buildDestination(ctx, &pc.Destination, p)
	if err != nil {
		p.close(logger)
		return nil, fmt.Errorf("destination: %w", err)
	}

	eng, err := engine.New(engine.Config{
		SourceIdentity: pc.SourceIdentity,
		FirstRun:       engine.FirstRunMode(pc.FirstRun),
		ProgressEvery:  pc.ProgressEvery,
		Logger:         logger,
		Metrics:        m,
	}, src, applier, checkpoints)
	if err != nil {
		p.close(logger)
		return nil, err
	}
	p.eng = eng
	return p, nil
}

func buildFeed(ctx context.Context, pc *config.PipelineConfig, logger *zap.Logger, m *metrics.Metrics, p *pipeline) (feed.Feed, error) {
	switch pc.Feed.Kind {
	case config.FeedTable:
		tf, err := feed.NewTableFeed(ctx, feed.TableFeedConfig{
			ConnectionString: pc.Feed.DSN,
			Pipeline:         pc.SourceIdentity,
			PollInterval:     pc.Feed.PollInterval,
			BatchSize:        pc.Feed.BatchSize,
			Namespaces:       pc.Feed.Namespaces,
			Logger:           logger,
			Metrics:          m,
		})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, tf.Close)
		if err := tf.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return tf, nil

	case config.FeedWAL:
		return repl.NewLogicalFeed(repl.Config{
			ConnectionString:  pc.Feed.DSN,
			SlotName:          pc.Feed.Slot,
			PublicationName:   pc.Feed.Publication,
			Tables:            pc.Feed.Tables,
			TemporarySlot:     pc.Feed.TemporarySlot,
			CreatePublication: pc.Feed.CreatePublication,
			Pipeline:          pc.SourceIdentity,
			Logger:            logger,
			Metrics:           m,
		})

	default:
		return nil, fmt.Errorf("unknown feed kind %q", pc.Feed.Kind)
	}
}

func buildDestination(ctx context.Context, dc *config.DestinationConfig, p *pipeline) (engine.Applier, checkpoint.Store, error) {
	switch dc.Kind {
	case config.DestPostgres:
		d, err := pgdest.Connect(ctx, dc.DSN)
		if err != nil {
			return nil, nil, err
		}
		p.closers = append(p.closers, func() error { d.Close(); return nil })
		if err := d.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return d, d, nil

	case config.DestRedis:
		opts, err := redis.ParseURL(dc.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		p.closers = append(p.closers, client.Close)
		d := redisdest.New(client, dc.Prefix)
		if err := d.Ping(ctx); err != nil {
			return nil, nil, err
		}
		return d, d, nil

	case config.DestSQLite:
		d, err := sqlitedest.Open(dc.DSN)
		if err != nil {
			return nil, nil, err
		}
		p.closers = append(p.closers, d.Close)
		if err := d.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return d, d, nil

	default:
		return nil, nil, fmt.Errorf("unknown destination kind %q", dc.Kind)
	}
}

// initLogger initializes the zap logger
func initLogger(logLevel string) (*zap.Logger, error) {
	var level zapcore.Level
	switch logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	return config.Build()
}
