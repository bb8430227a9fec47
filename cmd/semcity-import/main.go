// Command semcity-import loads embedding exports (JSONL, optionally
// zstd-compressed) into the website table used by the chunk server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/config"
	"github.com/semanticcity/server/internal/database"
	"github.com/semanticcity/server/internal/embeddings"
	"github.com/semanticcity/server/internal/logging"
)

func main() {
	batch := flag.Int("batch", 1000, "websites per transaction")
	dryRun := flag.Bool("dry-run", false, "parse files without writing")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] FILE.jsonl[.zst]...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component(logger, "import")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flag.Args(), *batch, *dryRun, log); err != nil {
		log.WithError(err).Fatal("Import failed")
	}
}

func run(ctx context.Context, cfg *config.Config, paths []string, batch int, dryRun bool, log *logrus.Entry) error {
	var storage *database.WebsiteStorage
	if !dryRun {
		db, err := database.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		storage = database.NewWebsiteStorage(db)
	}

	total := 0
	for _, path := range paths {
		sites, err := embeddings.LoadJSONL(path)
		if err != nil {
			return err
		}
		if storage != nil {
			for start := 0; start < len(sites); start += batch {
				end := min(start+batch, len(sites))
				if _, err := storage.UpsertWebsites(ctx, sites[start:end]); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
		}
		total += len(sites)
		log.WithFields(logrus.Fields{
			"file":     path,
			"websites": len(sites),
			"dry_run":  dryRun,
		}).Info("File imported")
	}

	if storage != nil {
		n, err := storage.CountWebsites(ctx)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"imported": total, "stored": n}).Info("Import complete")
	}
	return nil
}
