// Package main implements the ordersync CLI. The default invocation runs one
// full synchronization pass; -requeue and -archive run the maintenance
// commands on their own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Active-Apparel-Group/ordersync/internal/archive"
	"github.com/Active-Apparel-Group/ordersync/internal/backoff"
	"github.com/Active-Apparel-Group/ordersync/internal/board"
	"github.com/Active-Apparel-Group/ordersync/internal/config"
	"github.com/Active-Apparel-Group/ordersync/internal/orchestration"
	"github.com/Active-Apparel-Group/ordersync/internal/state"
	"github.com/Active-Apparel-Group/ordersync/pkg/logstore"
)

func main() {
	owner := flag.String("owner", "", "restrict the run to one owner key")
	dryRun := flag.Bool("dry-run", false, "resolve and validate without mutating the board or the store")
	requeue := flag.Bool("requeue", false, "requeue retryable errors below the retry cap and exit")
	archiveOnly := flag.Bool("archive", false, "run the archival pass on its own and exit")
	cutoff := flag.Duration("cutoff", 0, "archive rows settled longer than this ago (default ORDERSYNC_ARCHIVE_AGE)")
	flag.Parse()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *cutoff > 0 {
		cfg.ArchiveAge = *cutoff
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := state.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *requeue {
		n, err := store.RequeueErrors(ctx, cfg.MaxAttempts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "requeue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("requeued %d rows\n", n)
		return
	}

	archiver, err := buildArchiver(cfg, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive mirror: %v\n", err)
		os.Exit(1)
	}

	if *archiveOnly {
		counts, err := archiver.Archive(ctx, uuid.NewString(), time.Now().Add(-cfg.ArchiveAge))
		if err != nil {
			fmt.Fprintf(os.Stderr, "archive: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("archived %d headers, %d lines\n", counts.Headers, counts.Lines)
		return
	}

	mapping, err := store.FetchMapping(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "field mapping: %v\n", err)
		os.Exit(1)
	}

	cc := board.DefaultClientConfig()
	cc.BaseURL = cfg.APIURL
	cc.BoardID = cfg.BoardID
	cc.Auth = board.BearerToken{Token: cfg.APIToken}
	cc.RateLimit = cfg.RateLimit
	cc.RateBurst = cfg.RateBurst
	client := board.NewClient(cc, backoff.FromConfig(cfg), mapping)

	report, err := orchestration.New(store, client, archiver, cfg, *owner, *dryRun).Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	if err := report.Render(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "render report: %v\n", err)
	}
	if report.HasTerminalFailures() {
		os.Exit(2)
	}
}

// buildArchiver wires the archival pass. The object-store mirror is optional:
// without a bucket or local directory configured, diagnostics still move to
// the relational archive table and nothing is mirrored.
func buildArchiver(cfg *config.Config, store state.Store) (*archive.Archiver, error) {
	if cfg.ArchiveBucket == "" && cfg.LogDir == "" {
		return archive.New(store, nil, 0), nil
	}
	mirror, err := logstore.NewMinioStore(cfg.ArchiveBucket, cfg.LogDir)
	if err != nil {
		return nil, err
	}
	return archive.New(store, mirror, archive.DefaultRetentionDays), nil
}
