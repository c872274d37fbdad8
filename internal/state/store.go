// Package state adapts the relational store of pending work: it reads
// PENDING items filtered by kind and owner, and writes back external ids,
// terminal states and diagnostics atomically per batch. A Postgres
// implementation serves production; a memory implementation serves tests.
package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

// Filter selects the pending work one fetch returns.
type Filter struct {
	// ItemKind picks the structural family: headers or lines.
	ItemKind model.ItemKind

	// Owner scopes the fetch to one owner key when non-empty.
	Owner string

	// Ops restricts the operation kinds; empty means CREATE and UPDATE.
	Ops []model.OpKind

	// StaleInFlight reclaims rows stuck IN_FLIGHT longer than this bound,
	// treating them as pending again. Zero fetches PENDING rows only.
	StaleInFlight time.Duration

	// Limit caps the number of rows returned; zero means no cap.
	Limit int
}

// Outcome is one item's write-back after a sync attempt. A batch's outcomes
// are applied in a single transaction so siblings of one remote call are
// never split between SYNCED and PENDING.
type Outcome struct {
	ItemID     int64
	Kind       model.ItemKind
	NewState   model.SyncState
	ExternalID string // empty leaves the stored id untouched
	ErrorCode  string
	LastError  string
	Diagnostic *model.Diagnostic
}

// ArchivedRecord is one diagnostic copied off a work item into the
// append-only archive, tagged with the run that moved it.
type ArchivedRecord struct {
	ItemID     int64
	Kind       model.ItemKind
	OwnerKey   string
	Op         model.OpKind
	State      model.SyncState
	ErrorCode  string
	Diagnostic string // raw JSON as written by the sync attempt
	SyncedAt   time.Time
}

// Store is the synchronization core's view of the relational store. Rows are
// created by an upstream stage; this core mutates state, external ids, error
// fields and diagnostics, and never deletes.
type Store interface {
	// FetchPending returns pending work matching the filter. Read ordering
	// interleaves owners rather than sorting strictly by owner, so partial
	// failures of one owner do not starve the rest.
	FetchPending(ctx context.Context, f Filter) ([]*model.WorkItem, error)

	// MarkInFlight leases rows for a submitted batch. Best effort: callers
	// log failures and proceed.
	MarkInFlight(ctx context.Context, kind model.ItemKind, ids []int64) error

	// WriteOutcomes applies a batch's outcomes in one transaction. On error
	// nothing is applied and every item remains in its prior state.
	WriteOutcomes(ctx context.Context, outcomes []Outcome) error

	// LookupGroupIDs returns the resolved external id per group name, for
	// names that already carry one.
	LookupGroupIDs(ctx context.Context, names []string) (map[string]string, error)

	// AssignGroupID writes a freshly created group's external id to every
	// row sharing the name, including rows outside the current run's scope,
	// in one transaction. Returns the number of rows updated.
	AssignGroupID(ctx context.Context, name, externalID string) (int64, error)

	// FetchMapping reads the per-environment field mapping table.
	FetchMapping(ctx context.Context) (model.Mapping, error)

	// RequeueErrors resets retryable ERROR rows with retry_count below the
	// cap back to PENDING, incrementing their retry count. Rows carrying
	// terminal codes are left for manual remediation.
	RequeueErrors(ctx context.Context, maxRetries int) (int64, error)

	// ArchiveDiagnostics copies not-yet-archived diagnostics of terminal
	// rows older than the cutoff into the archive table, tagged with the
	// run id, and marks the source rows archived in the same transaction.
	// Idempotent: a second call with the same cutoff returns nothing.
	ArchiveDiagnostics(ctx context.Context, runID string, cutoff time.Time) ([]ArchivedRecord, error)
}

// marshalDiagnostic encodes a diagnostic for the store. Serialization
// failures must not block recording the terminal state, so they degrade to a
// truncated marker instead of an error.
func marshalDiagnostic(d *model.Diagnostic) []byte {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		data, _ = json.Marshal(map[string]any{
			"op":        d.Op,
			"errorCode": d.ErrorCode,
			"truncated": true,
		})
	}
	return data
}

// opFilter normalizes the operation-kind filter: empty means both.
func opFilter(ops []model.OpKind) []string {
	if len(ops) == 0 {
		return []string{string(model.OpCreate), string(model.OpUpdate)}
	}
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, string(op))
	}
	return out
}
