// Package archive drains diagnostics of settled work items into the
// append-only archive table and an optional object-store mirror.
package archive

import (
	"context"
	"log"
	"time"

	"github.com/Active-Apparel-Group/ordersync/internal/model"
	"github.com/Active-Apparel-Group/ordersync/internal/state"
	"github.com/Active-Apparel-Group/ordersync/pkg/logstore"
)

// DefaultRetentionDays bounds how long mirrored run objects are kept.
const DefaultRetentionDays = 30

// Counts reports how many diagnostics one archival pass moved.
type Counts struct {
	Headers int
	Lines   int
}

func (c Counts) Total() int { return c.Headers + c.Lines }

// Store is the slice of the state store the archiver uses.
type Store interface {
	ArchiveDiagnostics(ctx context.Context, runID string, cutoff time.Time) ([]state.ArchivedRecord, error)
}

// Archiver copies diagnostics of terminal items into the archive table and
// mirrors them to object storage. The relational archive is authoritative;
// mirror failures are logged and never fail the pass.
type Archiver struct {
	store         Store
	mirror        logstore.Store
	retentionDays int
}

// New builds an archiver. A nil mirror disables object storage.
func New(store Store, mirror logstore.Store, retentionDays int) *Archiver {
	return &Archiver{store: store, mirror: mirror, retentionDays: retentionDays}
}

// Archive moves diagnostics of items settled at or before cutoff, tagging
// them with runID.
func (a *Archiver) Archive(ctx context.Context, runID string, cutoff time.Time) (Counts, error) {
	recs, err := a.store.ArchiveDiagnostics(ctx, runID, cutoff)
	if err != nil {
		return Counts{}, err
	}

	var counts Counts
	byTable := make(map[string][]logstore.Record, 2)
	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range recs {
		table := "lines"
		if r.Kind == model.KindHeader {
			table = "headers"
			counts.Headers++
		} else {
			counts.Lines++
		}
		byTable[table] = append(byTable[table], logstore.Record{
			RunID:      runID,
			ItemID:     r.ItemID,
			ItemKind:   string(r.Kind),
			OwnerKey:   r.OwnerKey,
			Op:         string(r.Op),
			State:      string(r.State),
			ErrorCode:  r.ErrorCode,
			Diagnostic: r.Diagnostic,
			SyncedAt:   r.SyncedAt.UTC().Format(time.RFC3339),
			At:         now,
		})
	}

	if a.mirror != nil {
		for _, table := range []string{"headers", "lines"} {
			a.mirrorTable(ctx, table, runID, byTable[table])
		}
	}
	return counts, nil
}

func (a *Archiver) mirrorTable(ctx context.Context, table, runID string, records []logstore.Record) {
	if len(records) == 0 {
		return
	}
	for i := range records {
		records[i].Seq = int64(i)
	}

	if path, err := a.mirror.Append(ctx, table, runID, records); err != nil {
		log.Printf("archive: mirror append %s: %v", table, err)
	} else {
		log.Printf("archive: mirrored %d %s diagnostics to %s", len(records), table, path)
	}

	snapshot, err := logstore.MarshalParquet(records)
	if err != nil {
		log.Printf("archive: snapshot encode %s: %v", table, err)
		return
	}
	if path, err := a.mirror.WriteSnapshot(ctx, table, runID, snapshot); err != nil {
		log.Printf("archive: snapshot write %s: %v", table, err)
	} else {
		log.Printf("archive: snapshot %s at %s", table, path)
	}

	if err := a.mirror.Prune(ctx, table, a.retentionDays); err != nil {
		log.Printf("archive: prune %s: %v", table, err)
	}
}
