// Package logstore mirrors archived sync diagnostics into an object store.
//
// Each archival run appends the archived records as a JSONL object and writes
// a Parquet snapshot alongside it, keyed by run id. The mirror is best-effort
// storage for offline analysis; the relational archive table remains the
// source of truth.
package logstore

import "context"

// Record is one archived diagnostic, flattened for object storage.
type Record struct {
	RunID      string `json:"runId"`
	ItemID     int64  `json:"itemId"`
	ItemKind   string `json:"itemKind"`
	OwnerKey   string `json:"ownerKey"`
	Op         string `json:"op"`
	State      string `json:"state"`
	ErrorCode  string `json:"errorCode"`
	Diagnostic string `json:"diagnostic"`
	SyncedAt   string `json:"syncedAt"`
	Seq        int64  `json:"seq"`
	At         string `json:"at"`
}

// Store abstracts append-only archive storage.
type Store interface {
	CreateTable(ctx context.Context, table string) error
	Append(ctx context.Context, table, runID string, records []Record) (string, error)
	WriteSnapshot(ctx context.Context, table, runID string, snapshot []byte) (string, error)
	Prune(ctx context.Context, table string, retentionDays int) error
	ListPaths(ctx context.Context, prefix string) ([]string, error)
}
