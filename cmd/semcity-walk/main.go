// Command semcity-walk moves a viewer along a straight line through the
// city, streaming chunks from a running server the way a renderer would.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/client"
	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/streaming"
	"github.com/semanticcity/server/internal/world"
)

func main() {
	var (
		server   = flag.String("server", "http://127.0.0.1:8080", "chunk server base URL")
		x0       = flag.Float64("x0", 0, "start x (world units)")
		z0       = flag.Float64("z0", 0, "start z (world units)")
		x1       = flag.Float64("x1", 1500, "end x (world units)")
		z1       = flag.Float64("z1", 0, "end z (world units)")
		steps    = flag.Int("steps", 20, "number of moves between start and end")
		interval = flag.Duration("interval", 250*time.Millisecond, "pause between moves")
		radius   = flag.Int("radius", 1, "chunk load radius")
		evict    = flag.Int("evict", 3, "eviction radius (0 keeps everything)")
		retries  = flag.Int("retries", 3, "retries per chunk for retryable failures")
		timeout  = flag.Duration("timeout", 10*time.Second, "per-request timeout")
		level    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger, err := logging.New(logging.Options{Level: *level, Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component(logger, "walk")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chunks := client.New(*server, *timeout, client.WithLogger(logger))
	if err := chunks.Health(ctx); err != nil {
		log.WithError(err).Fatal("Server is not healthy")
	}
	info, err := chunks.Version(ctx)
	if err != nil {
		log.WithError(err).Fatal("Failed to fetch world version")
	}

	// Only the layout fields matter for mapping positions to chunks.
	cfg := world.DefaultConfig()
	cfg.Seed, cfg.Version = info.Seed, info.Version
	cfg.GridSize, cfg.CellSize = info.GridSize, info.CellSize

	var hits, misses, failures atomic.Int64
	manager := streaming.NewManager(chunks, cfg,
		streaming.WithRadius(*radius),
		streaming.WithEvictionRadius(*evict),
		streaming.WithMaxRetries(*retries),
		streaming.WithLogger(logger),
		streaming.OnLoad(func(ev streaming.LoadEvent) {
			entry := log.WithFields(logrus.Fields{"chunk": ev.Coord.String(), "attempts": ev.Attempts})
			switch {
			case ev.Err != nil:
				failures.Add(1)
				entry.WithError(ev.Err).Warn("Chunk failed")
			case ev.Hit:
				hits.Add(1)
				entry.Info("Chunk hit")
			default:
				misses.Add(1)
				entry.Info("Chunk miss")
			}
		}),
		streaming.OnEvict(func(c world.ChunkCoord) {
			log.WithField("chunk", c.String()).Debug("Chunk evicted")
		}),
	)

	log.WithFields(logrus.Fields{
		"version": info.Version,
		"from":    fmt.Sprintf("%.1f,%.1f", *x0, *z0),
		"to":      fmt.Sprintf("%.1f,%.1f", *x1, *z1),
	}).Info("Walk starting")

	manager.Spawn(ctx, *x0, *z0)
	n := max(*steps, 1)
walk:
	for i := 1; i <= n; i++ {
		select {
		case <-ctx.Done():
			break walk
		case <-time.After(*interval):
		}
		t := float64(i) / float64(n)
		x, z := *x0+(*x1-*x0)*t, *z0+(*z1-*z0)*t
		if requested := manager.UpdatePosition(ctx, x, z); len(requested) > 0 {
			current, _ := manager.Current()
			log.WithFields(logrus.Fields{
				"chunk":     current.String(),
				"requested": len(requested),
			}).Debug("Entered chunk")
		}
	}
	manager.Wait()

	log.WithFields(logrus.Fields{
		"hits":     hits.Load(),
		"misses":   misses.Load(),
		"failures": failures.Load(),
		"resident": len(manager.Loaded()),
	}).Info("Walk complete")
}
