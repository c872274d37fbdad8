package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

const (
	headerTable  = "sync_order_headers"
	lineTable    = "sync_order_lines"
	mappingTable = "sync_field_mappings"
	archiveTable = "sync_diagnostics_archive"
)

// Postgres implements Store on a pgx connection pool. Each batch write
// acquires its own pooled connection and transaction, released on
// commit/rollback.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Connect opens a pool against the DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return &Postgres{db: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.db.Close()
}

func tableFor(kind model.ItemKind) string {
	if kind == model.KindLine {
		return lineTable
	}
	return headerTable
}

// pendingWhere builds the shared filter clause for FetchPending. Columns are
// qualified with the given alias because the line query joins two tables with
// overlapping column names.
func pendingWhere(f Filter, alias string) (string, []any) {
	where := []string{}
	args := []any{}
	argIdx := 1

	pending := fmt.Sprintf("%s.sync_state = $%d", alias, argIdx)
	args = append(args, string(model.StatePending))
	argIdx++
	if f.StaleInFlight > 0 {
		pending = fmt.Sprintf("(%s OR (%s.sync_state = $%d AND %s.in_flight_at < $%d))",
			pending, alias, argIdx, alias, argIdx+1)
		args = append(args, string(model.StateInFlight), time.Now().Add(-f.StaleInFlight))
		argIdx += 2
	}
	where = append(where, pending)

	where = append(where, fmt.Sprintf("%s.op_kind = ANY($%d)", alias, argIdx))
	args = append(args, opFilter(f.Ops))
	argIdx++

	if f.Owner != "" {
		where = append(where, fmt.Sprintf("%s.owner_key = $%d", alias, argIdx))
		args = append(args, f.Owner)
	}
	return strings.Join(where, " AND "), args
}

func limitClause(n int) string {
	if n > 0 {
		return fmt.Sprintf(" LIMIT %d", n)
	}
	return ""
}

// FetchPending reads pending rows, ranking each owner's rows independently
// and ordering by that rank so owners interleave instead of running
// contiguously. Lines join their owning header to carry the parent's
// external id when the header has synced.
func (p *Postgres) FetchPending(ctx context.Context, f Filter) ([]*model.WorkItem, error) {
	if f.ItemKind == model.KindLine {
		return p.fetchLines(ctx, f)
	}
	return p.fetchHeaders(ctx, f)
}

func (p *Postgres) fetchHeaders(ctx context.Context, f Filter) ([]*model.WorkItem, error) {
	where, args := pendingWhere(f, "h")
	stmt := fmt.Sprintf(`SELECT id, owner_key, group_name, group_id, op_kind, sync_state, name,
       external_id, error_code, last_error, retry_count, payload, created_at, synced_at
FROM (
    SELECT h.id, h.owner_key, COALESCE(h.group_name, '') AS group_name, h.group_id,
           h.op_kind, h.sync_state, COALESCE(h.name, '') AS name, h.external_id,
           COALESCE(h.error_code, '') AS error_code, COALESCE(h.last_error, '') AS last_error,
           h.retry_count, h.payload, h.created_at, h.synced_at,
           ROW_NUMBER() OVER (PARTITION BY h.owner_key ORDER BY h.id) AS owner_rank
    FROM %s h
    WHERE %s
) ranked
ORDER BY owner_rank, owner_key, id%s`, headerTable, where, limitClause(f.Limit))

	rows, err := p.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch headers: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkItem
	for rows.Next() {
		item := &model.WorkItem{Kind: model.KindHeader}
		var payload []byte
		if err := rows.Scan(&item.ID, &item.OwnerKey, &item.GroupName, &item.GroupID,
			&item.Op, &item.State, &item.Name, &item.ExternalID,
			&item.ErrorCode, &item.LastError, &item.RetryCount,
			&payload, &item.CreatedAt, &item.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan header: %w", err)
		}
		if err := decodePayload(payload, item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (p *Postgres) fetchLines(ctx context.Context, f Filter) ([]*model.WorkItem, error) {
	where, args := pendingWhere(f, "l")
	stmt := fmt.Sprintf(`SELECT id, header_id, owner_key, group_name, group_id, op_kind, sync_state, name,
       external_id, error_code, last_error, retry_count, payload, created_at, synced_at,
       parent_external_id, parent_state
FROM (
    SELECT l.id, l.header_id, l.owner_key, COALESCE(l.group_name, '') AS group_name, l.group_id,
           l.op_kind, l.sync_state, COALESCE(l.name, '') AS name, l.external_id,
           COALESCE(l.error_code, '') AS error_code, COALESCE(l.last_error, '') AS last_error,
           l.retry_count, l.payload, l.created_at, l.synced_at,
           h.external_id AS parent_external_id, h.sync_state AS parent_state,
           ROW_NUMBER() OVER (PARTITION BY l.owner_key ORDER BY l.id) AS owner_rank
    FROM %s l
    JOIN %s h ON h.id = l.header_id
    WHERE %s
) ranked
ORDER BY owner_rank, owner_key, id%s`, lineTable, headerTable, where, limitClause(f.Limit))

	rows, err := p.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch lines: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkItem
	for rows.Next() {
		item := &model.WorkItem{Kind: model.KindLine}
		var payload []byte
		var headerID int64
		var parentExternal *string
		var parentState string
		if err := rows.Scan(&item.ID, &headerID, &item.OwnerKey, &item.GroupName, &item.GroupID,
			&item.Op, &item.State, &item.Name, &item.ExternalID,
			&item.ErrorCode, &item.LastError, &item.RetryCount,
			&payload, &item.CreatedAt, &item.SyncedAt, &parentExternal, &parentState); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		item.ParentID = &headerID
		if model.SyncState(parentState) == model.StateSynced && parentExternal != nil && *parentExternal != "" {
			item.ParentExternalID = parentExternal
		}
		if err := decodePayload(payload, item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func decodePayload(raw []byte, item *model.WorkItem) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &item.Payload); err != nil {
		return fmt.Errorf("item %d: decode payload: %w", item.ID, err)
	}
	return nil
}

// MarkInFlight leases rows that are still PENDING; rows another worker
// already moved are left alone.
func (p *Postgres) MarkInFlight(ctx context.Context, kind model.ItemKind, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`UPDATE %s SET sync_state = $1, in_flight_at = now() WHERE id = ANY($2) AND sync_state = $3`,
		tableFor(kind))
	_, err := p.db.Exec(ctx, stmt, string(model.StateInFlight), ids, string(model.StatePending))
	if err != nil {
		return fmt.Errorf("mark in flight: %w", err)
	}
	return nil
}

// WriteOutcomes applies a batch's outcomes inside one transaction. The
// external id is only overwritten when the outcome carries one, and the
// terminal timestamp is set for SYNCED and ERROR alike.
func (p *Postgres) WriteOutcomes(ctx context.Context, outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return model.NewError(model.CodeStoreWrite, true, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback(ctx)

	for _, o := range outcomes {
		stmt := fmt.Sprintf(`UPDATE %s
SET sync_state = $1,
    external_id = COALESCE($2, external_id),
    error_code = $3,
    last_error = $4,
    diagnostic = COALESCE($5, diagnostic),
    synced_at = CASE WHEN $6 THEN now() ELSE synced_at END,
    in_flight_at = NULL
WHERE id = $7`, tableFor(o.Kind))

		var externalID any
		if o.ExternalID != "" {
			externalID = o.ExternalID
		}
		var diag any
		if data := marshalDiagnostic(o.Diagnostic); data != nil {
			diag = data
		}
		if _, err := tx.Exec(ctx, stmt, string(o.NewState), externalID, o.ErrorCode, o.LastError,
			diag, o.NewState.Terminal(), o.ItemID); err != nil {
			return model.NewError(model.CodeStoreWrite, true, fmt.Errorf("item %d: %w", o.ItemID, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.NewError(model.CodeStoreWrite, true, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// LookupGroupIDs returns the already-resolved id per group name.
func (p *Postgres) LookupGroupIDs(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out, nil
	}
	stmt := fmt.Sprintf(`SELECT DISTINCT group_name, group_id FROM %s
WHERE group_name = ANY($1) AND group_id IS NOT NULL`, headerTable)
	rows, err := p.db.Query(ctx, stmt, names)
	if err != nil {
		return nil, fmt.Errorf("lookup groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out[name] = id
	}
	return out, rows.Err()
}

// AssignGroupID flips every row sharing the name to the resolved id in one
// transaction, committed before any item batch is scheduled, so a later run
// cannot re-create the group.
func (p *Postgres) AssignGroupID(ctx context.Context, name, externalID string) (int64, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int64
	for _, table := range []string{headerTable, lineTable} {
		stmt := fmt.Sprintf(`UPDATE %s SET group_id = $1 WHERE group_name = $2 AND group_id IS NULL`, table)
		tag, err := tx.Exec(ctx, stmt, externalID, name)
		if err != nil {
			return 0, fmt.Errorf("assign group %q: %w", name, err)
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit group %q: %w", name, err)
	}
	return total, nil
}

// FetchMapping reads the field mapping table into the kernel form.
func (p *Postgres) FetchMapping(ctx context.Context) (model.Mapping, error) {
	stmt := fmt.Sprintf(`SELECT internal_id, external_id, value_kind, auto_create, known_labels FROM %s`, mappingTable)
	rows, err := p.db.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("fetch mapping: %w", err)
	}
	defer rows.Close()

	mapping := make(model.Mapping)
	for rows.Next() {
		var fm model.FieldMapping
		var kind string
		if err := rows.Scan(&fm.InternalID, &fm.ExternalID, &kind, &fm.AutoCreate, &fm.Labels); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		fm.Kind = model.ValueKind(kind)
		mapping[fm.InternalID] = fm
	}
	return mapping, rows.Err()
}

// RequeueErrors resets retryable ERROR rows under the retry cap back to
// PENDING, incrementing their retry count. Terminal codes stay put.
func (p *Postgres) RequeueErrors(ctx context.Context, maxRetries int) (int64, error) {
	var total int64
	for _, table := range []string{headerTable, lineTable} {
		stmt := fmt.Sprintf(`UPDATE %s
SET sync_state = $1, retry_count = retry_count + 1, error_code = '', last_error = '', in_flight_at = NULL
WHERE sync_state = $2 AND retry_count < $3 AND COALESCE(error_code, '') NOT IN ($4, $5)`, table)
		tag, err := p.db.Exec(ctx, stmt, string(model.StatePending), string(model.StateError),
			maxRetries, model.CodeValidation, model.CodeMissingGroup)
		if err != nil {
			return total, fmt.Errorf("requeue %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// ArchiveDiagnostics moves not-yet-archived diagnostics of terminal rows at
// or before the cutoff into the archive table and marks the source rows in
// the same transaction. Selecting only rows with an unarchived diagnostic
// makes the operation idempotent.
func (p *Postgres) ArchiveDiagnostics(ctx context.Context, runID string, cutoff time.Time) ([]ArchivedRecord, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var out []ArchivedRecord
	for _, src := range []struct {
		table string
		kind  model.ItemKind
	}{
		{headerTable, model.KindHeader},
		{lineTable, model.KindLine},
	} {
		stmt := fmt.Sprintf(`WITH moved AS (
    UPDATE %s
    SET archived_at = now()
    WHERE diagnostic IS NOT NULL
      AND archived_at IS NULL
      AND sync_state = ANY($2)
      AND synced_at IS NOT NULL
      AND synced_at <= $3
    RETURNING id, owner_key, op_kind, sync_state, error_code, diagnostic, synced_at
)
INSERT INTO %s (run_id, item_id, item_kind, owner_key, op_kind, state, error_code, diagnostic, synced_at)
SELECT $1, id, $4, owner_key, op_kind, sync_state, COALESCE(error_code, ''), diagnostic, synced_at FROM moved
RETURNING item_id, owner_key, op_kind, state, error_code, diagnostic::text, synced_at`, src.table, archiveTable)

		rows, err := tx.Query(ctx, stmt, runID,
			[]string{string(model.StateSynced), string(model.StateError)}, cutoff, string(src.kind))
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", src.table, err)
		}
		for rows.Next() {
			rec := ArchivedRecord{Kind: src.kind}
			if err := rows.Scan(&rec.ItemID, &rec.OwnerKey, &rec.Op, &rec.State,
				&rec.ErrorCode, &rec.Diagnostic, &rec.SyncedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan archive row: %w", err)
			}
			out = append(out, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("archive %s: %w", src.table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit archive: %w", err)
	}
	return out, nil
}
