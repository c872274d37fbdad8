// Package orchestration drives one synchronization run end to end: group
// resolution first, then header batches, then line batches, then the
// archival pass off the critical path.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Active-Apparel-Group/ordersync/internal/archive"
	"github.com/Active-Apparel-Group/ordersync/internal/config"
	"github.com/Active-Apparel-Group/ordersync/internal/groups"
	"github.com/Active-Apparel-Group/ordersync/internal/model"
	"github.com/Active-Apparel-Group/ordersync/internal/scheduler"
	"github.com/Active-Apparel-Group/ordersync/internal/state"
)

// Client is the remote surface a run drives: batch mutations for the
// scheduler and group creation for the resolver.
type Client interface {
	scheduler.Client
	groups.GroupCreator
}

// Coordinator owns one run's phases and their shared state.
type Coordinator struct {
	store    state.Store
	client   Client
	archiver *archive.Archiver
	cfg      *config.Config
	owner    string
	dryRun   bool
	logger   *log.Logger
}

// New builds a coordinator. A nil archiver skips the archival pass; owner
// scopes the run to one owner key when non-empty.
func New(store state.Store, client Client, archiver *archive.Archiver, cfg *config.Config, owner string, dryRun bool) *Coordinator {
	return &Coordinator{
		store:    store,
		client:   client,
		archiver: archiver,
		cfg:      cfg,
		owner:    owner,
		dryRun:   dryRun,
		logger:   log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Run executes one full pass. Item failures land in the report, never in
// the returned error, which is reserved for conditions that stop the run:
// store fetch failures, group lookup failures, cancellation.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:   uuid.NewString(),
		Owner:   c.owner,
		DryRun:  c.dryRun,
		Started: time.Now(),
	}
	c.logger.Printf("run %s starting (owner=%q dryRun=%v)", report.RunID, c.owner, c.dryRun)

	headers, err := c.fetch(ctx, model.KindHeader)
	if err != nil {
		return report, fmt.Errorf("fetch headers: %w", err)
	}
	c.logger.Printf("run %s: %d headers pending", report.RunID, len(headers))

	ready, groupStats, err := c.resolveGroups(ctx, report, headers)
	if err != nil {
		return report, err
	}

	headerRunner := scheduler.NewRunner(c.store, c.client, c.runnerOptions())
	report.Headers, err = headerRunner.Run(ctx, scheduler.Partition(ready, c.cfg.BatchSize))
	report.Headers.Merge(groupStats)
	if err != nil {
		return report, err
	}

	lines, err := c.fetch(ctx, model.KindLine)
	if err != nil {
		return report, fmt.Errorf("fetch lines: %w", err)
	}
	c.logger.Printf("run %s: %d lines pending", report.RunID, len(lines))
	scheduler.InjectParentIDs(lines, headerRunner.SyncedExternalIDs())

	lineRunner := scheduler.NewRunner(c.store, c.client, c.runnerOptions())
	report.Lines, err = lineRunner.Run(ctx, scheduler.Partition(lines, c.cfg.BatchSize))
	if err != nil {
		return report, err
	}

	c.archivePass(ctx, report)

	report.Finished = time.Now()
	c.logger.Printf("run %s finished: %s", report.RunID, report.Summary())
	return report, nil
}

func (c *Coordinator) fetch(ctx context.Context, kind model.ItemKind) ([]*model.WorkItem, error) {
	return c.store.FetchPending(ctx, state.Filter{
		ItemKind:      kind,
		Owner:         c.owner,
		StaleInFlight: c.cfg.StaleLease,
		Limit:         c.cfg.FetchLimit,
	})
}

func (c *Coordinator) runnerOptions() scheduler.Options {
	return scheduler.Options{
		Concurrency:     c.cfg.Concurrency,
		BatchTimeout:    c.cfg.BatchTimeout,
		ItemTimeout:     c.cfg.ItemTimeout,
		InterBatchDelay: c.cfg.InterBatchDelay,
		InterItemDelay:  c.cfg.InterItemDelay,
		DryRun:          c.dryRun,
	}
}

// resolveGroups settles every group name the headers reference and splits
// out the creates whose group cannot exist: those are written ERROR before
// anything is submitted, so the scheduler never sees them. Updates address
// existing items and pass through without a group requirement.
func (c *Coordinator) resolveGroups(ctx context.Context, report *Report, headers []*model.WorkItem) ([]*model.WorkItem, scheduler.Stats, error) {
	var stats scheduler.Stats

	resolver := groups.NewResolver(c.store, c.client, c.dryRun)
	res, err := resolver.EnsureGroups(ctx, headers)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve groups: %w", err)
	}
	report.GroupsCreated = res.Created
	report.GroupFailures = res.FailedGroups()

	ready := make([]*model.WorkItem, 0, len(headers))
	var barred []state.Outcome
	for _, item := range headers {
		if item.Op != model.OpCreate {
			ready = append(ready, item)
			continue
		}
		if id, ok := res.IDFor(item); ok {
			gid := id
			item.GroupID = &gid
			ready = append(ready, item)
			continue
		}

		ferr := res.FailureFor(item)
		if ferr == nil {
			ready = append(ready, item)
			continue
		}
		code := model.CodeMissingGroup
		var coded *model.Error
		if errors.As(ferr, &coded) {
			code = coded.Code
		}
		barred = append(barred, state.Outcome{
			ItemID:    item.ID,
			Kind:      item.Kind,
			NewState:  model.StateError,
			ErrorCode: code,
			LastError: ferr.Error(),
		})
		stats.Items++
		stats.Errored++
		if stats.ByCode == nil {
			stats.ByCode = map[string]int{}
		}
		stats.ByCode[code]++
		stats.Failures = append(stats.Failures, scheduler.Failure{
			ItemID:   item.ID,
			Kind:     item.Kind,
			OwnerKey: item.OwnerKey,
			Code:     code,
			Message:  ferr.Error(),
		})
	}

	if len(barred) > 0 && !c.dryRun {
		if err := c.store.WriteOutcomes(ctx, barred); err != nil {
			c.logger.Printf("run %s: write %d unresolvable headers: %v", report.RunID, len(barred), err)
			stats.WriteFails++
		}
	}
	return ready, stats, nil
}

// archivePass drains settled diagnostics after the run; its failure is
// logged and never fails the sync.
func (c *Coordinator) archivePass(ctx context.Context, report *Report) {
	if c.archiver == nil || c.dryRun {
		return
	}
	cutoff := time.Now().Add(-c.cfg.ArchiveAge)
	counts, err := c.archiver.Archive(ctx, report.RunID, cutoff)
	if err != nil {
		c.logger.Printf("run %s: archive pass: %v", report.RunID, err)
		return
	}
	report.Archived = counts
}
