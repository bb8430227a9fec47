package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/semanticcity/server/internal/anchors"
	"github.com/semanticcity/server/internal/api"
	"github.com/semanticcity/server/internal/chunkcache"
	"github.com/semanticcity/server/internal/config"
	"github.com/semanticcity/server/internal/database"
	"github.com/semanticcity/server/internal/embeddings"
	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/performance"
)

const (
	dbConnectAttempts = 5
	shutdownTimeout   = 10 * time.Second
)

// main starts the Semantic City chunk server.
// Configuration comes from the environment (and an optional .env file).
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server stopped with error")
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	log := logging.Component(logger, "main")

	db, err := openDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	// The stored version only moves forward; a config bump raises it.
	worldState := database.NewWorldStateStorage(db)
	version, err := worldState.Initialize(ctx, cfg.World.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize world version: %w", err)
	}

	profiler := performance.NewProfiler(true)
	cache := chunkcache.New(database.NewChunkStorage(db), nil, cfg.World,
		chunkcache.WithLogger(logger),
		chunkcache.WithProfiler(profiler),
	)
	cache.SetVersion(version)

	index, meta, err := buildIndex(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer index.Close()

	cache.SetResolver(anchors.NewResolver(cache, index, meta, cfg.World,
		anchors.WithLogger(logger),
		anchors.WithProfiler(profiler),
	))

	handler, ws := api.NewRouter(api.RouterDeps{
		Config:   cfg,
		Cache:    cache,
		Versions: worldState,
		Store:    db,
		Profiler: profiler,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ws.GetHub().Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":        srv.Addr,
			"version":     version,
			"seed":        cfg.World.Seed,
			"environment": cfg.Server.Environment,
		}).Info("Semantic City server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("Shutting down")
		profiler.LogReport(log)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openDatabase connects, retrying transient failures with a doubling backoff.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Entry) (*database.DB, error) {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		db, err := database.Open(cfg)
		if err == nil {
			err = db.PingContext(ctx)
			if err == nil {
				log.WithField("driver", db.Dialect().String()).Info("Database connected")
				return db, nil
			}
			_ = db.Close()
		}
		if attempt >= dbConnectAttempts || !database.IsRetryable(err) {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		log.WithError(err).WithField("attempt", attempt).Warn("Database unavailable, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// buildIndex selects the embedding source and the metadata fallback.
// With the db source the website table serves both.
func buildIndex(ctx context.Context, cfg *config.Config, db *database.DB, logger *logrus.Logger) (*embeddings.BruteForceIndex, anchors.MetadataSource, error) {
	var (
		source embeddings.Source
		meta   anchors.MetadataSource
	)
	switch cfg.Embeddings.Source {
	case "jsonl":
		source = embeddings.JSONLSource{Path: cfg.Embeddings.JSONLPath}
	case "remote":
		remote := embeddings.NewRemoteSource(cfg)
		if err := remote.HealthCheck(ctx); err != nil {
			// The index loads lazily, so a late embedding service is tolerated.
			logging.Component(logger, "main").WithError(err).Warn("Embedding service not healthy yet")
		}
		source = remote
	default:
		websites := database.NewWebsiteStorage(db)
		source = websites
		meta = websites
	}

	index := embeddings.NewBruteForceIndex(source, logger)
	if meta == nil {
		meta = anchors.NewListMetadata(index)
	}

	if cfg.Embeddings.Preload {
		if err := index.Open(ctx); err != nil {
			// Generation degrades to fallback sites until the source recovers.
			logging.Component(logger, "main").WithError(err).Warn("Embedding index preload failed")
		}
	}
	return index, meta, nil
}
