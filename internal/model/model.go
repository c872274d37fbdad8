// Package model holds the synchronization domain kernel: work items and their
// state machine, group resources, field payloads, diagnostics, and the coded
// error taxonomy shared by every component of the sync core.
package model

import "time"

// SyncState is the per-attempt state machine carried on every work item.
type SyncState string

const (
	StatePending  SyncState = "PENDING"
	StateInFlight SyncState = "IN_FLIGHT"
	StateSynced   SyncState = "SYNCED"
	StateError    SyncState = "ERROR"
)

// Terminal reports whether the state ends an attempt.
func (s SyncState) Terminal() bool { return s == StateSynced || s == StateError }

// ItemKind distinguishes order headers from their lines.
type ItemKind string

const (
	KindHeader ItemKind = "header"
	KindLine   ItemKind = "line"
)

// OpKind is the record-level operation requested by the upstream stage.
type OpKind string

const (
	OpCreate OpKind = "CREATE"
	OpUpdate OpKind = "UPDATE"
)

// --- Work Items ---

// WorkItem is one header or line row pending synchronization. Rows are created
// PENDING by an upstream stage; this core mutates only state, external id and
// error fields, and never deletes.
type WorkItem struct {
	ID        int64
	Kind      ItemKind
	ParentID  *int64 // lines: row id of the owning header
	OwnerKey  string // pre-computed grouping key (customer)
	GroupName string // named remote container this item belongs to
	GroupID   *string
	Op        OpKind
	State     SyncState
	Name      string // display name of the remote resource

	ExternalID       *string
	ParentExternalID *string // lines: owning header's external id, set after the header syncs

	LastError  string
	ErrorCode  string
	RetryCount int
	Payload    FieldPayload

	CreatedAt time.Time
	SyncedAt  *time.Time
}

// ResolvedParent reports whether a line's owning header id is available.
func (w *WorkItem) ResolvedParent() bool {
	return w.ParentExternalID != nil && *w.ParentExternalID != ""
}

// --- Groups ---

// Group is a named external container headers reference. At most one remote
// group is created per unique name; every item sharing the name observes the
// same resolved id.
type Group struct {
	Name       string
	ExternalID string
}

// --- Diagnostics ---

// Diagnostic captures the request/response evidence of one sync attempt. It is
// written inline on the work item and owned by the archival sink once copied.
type Diagnostic struct {
	Op         string    `json:"op"`
	Request    string    `json:"request,omitempty"`
	Response   string    `json:"response,omitempty"`
	StatusCode int       `json:"statusCode,omitempty"`
	Attempts   int       `json:"attempts"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	DryRun     bool      `json:"dryRun,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// --- Field Mapping ---

// FieldMapping describes how one internal payload field corresponds to a
// remote column: target id, expected value kind, and for enumeration columns
// whether unknown labels may be auto-created remotely.
type FieldMapping struct {
	InternalID string
	ExternalID string
	Kind       ValueKind
	AutoCreate bool     // enum columns only: create unknown labels remotely
	Labels     []string // enum columns only: labels known to exist remotely
}

// KnownLabel reports whether the label is already present on the remote column.
func (m FieldMapping) KnownLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Mapping is the per-environment field-name mapping table, keyed by internal
// field id.
type Mapping map[string]FieldMapping

// Lookup returns the mapping for an internal field id.
func (m Mapping) Lookup(internalID string) (FieldMapping, bool) {
	fm, ok := m[internalID]
	return fm, ok
}
