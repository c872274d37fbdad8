package state

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

// =============================================================================
// STORE INTEGRATION TESTS
// =============================================================================

const testSchema = `
CREATE TABLE IF NOT EXISTS sync_order_headers (
    id BIGINT PRIMARY KEY,
    owner_key TEXT NOT NULL,
    group_name TEXT NOT NULL DEFAULT '',
    group_id TEXT,
    op_kind TEXT NOT NULL,
    sync_state TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    external_id TEXT,
    error_code TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    retry_count INT NOT NULL DEFAULT 0,
    payload JSONB,
    diagnostic JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    synced_at TIMESTAMPTZ,
    in_flight_at TIMESTAMPTZ,
    archived_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS sync_order_lines (
    id BIGINT PRIMARY KEY,
    header_id BIGINT NOT NULL,
    owner_key TEXT NOT NULL,
    group_name TEXT NOT NULL DEFAULT '',
    group_id TEXT,
    op_kind TEXT NOT NULL,
    sync_state TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    external_id TEXT,
    error_code TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    retry_count INT NOT NULL DEFAULT 0,
    payload JSONB,
    diagnostic JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    synced_at TIMESTAMPTZ,
    in_flight_at TIMESTAMPTZ,
    archived_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS sync_field_mappings (
    internal_id TEXT PRIMARY KEY,
    external_id TEXT NOT NULL,
    value_kind TEXT NOT NULL,
    auto_create BOOLEAN NOT NULL DEFAULT false,
    known_labels TEXT[] NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS sync_diagnostics_archive (
    id BIGSERIAL PRIMARY KEY,
    run_id TEXT NOT NULL,
    item_id BIGINT NOT NULL,
    item_kind TEXT NOT NULL,
    owner_key TEXT NOT NULL,
    op_kind TEXT NOT NULL,
    state TEXT NOT NULL,
    error_code TEXT NOT NULL DEFAULT '',
    diagnostic JSONB,
    synced_at TIMESTAMPTZ,
    archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func testStore(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("ORDERSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ORDERSYNC_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(store.Close)

	if _, err := store.db.Exec(ctx, testSchema); err != nil {
		t.Fatalf("create fixture tables: %v", err)
	}
	_, err = store.db.Exec(ctx,
		`TRUNCATE sync_order_headers, sync_order_lines, sync_field_mappings, sync_diagnostics_archive`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

func insertHeader(t *testing.T, s *Postgres, id int64, owner, group, op, state string, payload []byte) {
	t.Helper()
	_, err := s.db.Exec(context.Background(),
		`INSERT INTO sync_order_headers (id, owner_key, group_name, op_kind, sync_state, name, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, owner, group, op, state, "PO-"+owner, payload)
	if err != nil {
		t.Fatalf("insert header %d: %v", id, err)
	}
}

func insertLine(t *testing.T, s *Postgres, id, headerID int64, owner, op, state string) {
	t.Helper()
	_, err := s.db.Exec(context.Background(),
		`INSERT INTO sync_order_lines (id, header_id, owner_key, group_name, op_kind, sync_state, name)
		 VALUES ($1, $2, $3, 'grp', $4, $5, 'LINE')`,
		id, headerID, owner, op, state)
	if err != nil {
		t.Fatalf("insert line %d: %v", id, err)
	}
}

func TestPostgres_Integration_FetchRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	payload := model.FieldPayload{
		{ID: "po_number", Value: model.StringValue("PO-7781")},
		{ID: "qty_ordered", Value: model.NumberValue(1200)},
	}
	raw := marshalPayload(t, payload)
	insertHeader(t, s, 1, "A", "spring", "CREATE", "PENDING", raw)
	insertHeader(t, s, 2, "A", "spring", "CREATE", "PENDING", nil)
	insertHeader(t, s, 3, "B", "spring", "CREATE", "PENDING", nil)
	insertHeader(t, s, 4, "A", "spring", "UPDATE", "PENDING", nil)
	insertHeader(t, s, 5, "C", "spring", "CREATE", "SYNCED", nil)

	items, err := s.FetchPending(ctx, Filter{ItemKind: model.KindHeader, Ops: []model.OpKind{model.OpCreate}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var ids []int64
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	// Owner ranks interleave: A's first row, then B's, then A's second.
	want := []int64{1, 3, 2}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, ids)
		}
	}

	if got, _ := items[0].Payload.Get("po_number"); got.Str != "PO-7781" {
		t.Errorf("payload round trip lost po_number, got %q", got.Str)
	}
	if got, _ := items[0].Payload.Get("qty_ordered"); got.Num != 1200 {
		t.Errorf("payload round trip lost qty_ordered, got %v", got.Num)
	}
}

func TestPostgres_Integration_LeaseAndOutcomes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	insertHeader(t, s, 1, "A", "spring", "CREATE", "PENDING", nil)
	insertHeader(t, s, 2, "A", "spring", "CREATE", "PENDING", nil)

	if err := s.MarkInFlight(ctx, model.KindHeader, []int64{1, 2}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	items, err := s.FetchPending(ctx, Filter{ItemKind: model.KindHeader})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("leased rows still visible: %d", len(items))
	}

	// Stale bound reclaims them.
	_, err = s.db.Exec(ctx, `UPDATE sync_order_headers SET in_flight_at = now() - interval '1 hour'`)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
	items, err = s.FetchPending(ctx, Filter{ItemKind: model.KindHeader, StaleInFlight: 30 * time.Minute})
	if err != nil {
		t.Fatalf("fetch stale: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 reclaimed rows, got %d", len(items))
	}

	diag := &model.Diagnostic{Op: "create_item", Attempts: 1, StartedAt: time.Now(), FinishedAt: time.Now()}
	err = s.WriteOutcomes(ctx, []Outcome{
		{ItemID: 1, Kind: model.KindHeader, NewState: model.StateSynced, ExternalID: "itm-1", Diagnostic: diag},
		{ItemID: 2, Kind: model.KindHeader, NewState: model.StateError, ErrorCode: model.CodeTimeout, LastError: "deadline exceeded", Diagnostic: diag},
	})
	if err != nil {
		t.Fatalf("write outcomes: %v", err)
	}

	var state, externalID string
	var syncedAt *time.Time
	err = s.db.QueryRow(ctx,
		`SELECT sync_state, COALESCE(external_id, ''), synced_at FROM sync_order_headers WHERE id = 1`).
		Scan(&state, &externalID, &syncedAt)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if state != "SYNCED" || externalID != "itm-1" || syncedAt == nil {
		t.Errorf("item 1: state %s external %s synced_at %v", state, externalID, syncedAt)
	}

	var code string
	var inFlight *time.Time
	err = s.db.QueryRow(ctx,
		`SELECT sync_state, error_code, in_flight_at FROM sync_order_headers WHERE id = 2`).
		Scan(&state, &code, &inFlight)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if state != "ERROR" || code != model.CodeTimeout || inFlight != nil {
		t.Errorf("item 2: state %s code %s in_flight %v", state, code, inFlight)
	}
}

func TestPostgres_Integration_LineParentJoin(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	insertHeader(t, s, 1, "A", "grp", "CREATE", "PENDING", nil)
	insertLine(t, s, 10, 1, "A", "CREATE", "PENDING")

	items, err := s.FetchPending(ctx, Filter{ItemKind: model.KindLine})
	if err != nil {
		t.Fatalf("fetch lines: %v", err)
	}
	if len(items) != 1 || items[0].ResolvedParent() {
		t.Fatalf("line resolved before header synced")
	}
	if items[0].ParentID == nil || *items[0].ParentID != 1 {
		t.Fatalf("line lost header id")
	}

	err = s.WriteOutcomes(ctx, []Outcome{
		{ItemID: 1, Kind: model.KindHeader, NewState: model.StateSynced, ExternalID: "itm-1"},
	})
	if err != nil {
		t.Fatalf("sync header: %v", err)
	}

	items, err = s.FetchPending(ctx, Filter{ItemKind: model.KindLine})
	if err != nil {
		t.Fatalf("fetch lines: %v", err)
	}
	if len(items) != 1 || !items[0].ResolvedParent() || *items[0].ParentExternalID != "itm-1" {
		t.Fatalf("line did not observe synced parent")
	}
}

func TestPostgres_Integration_GroupAssignment(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	insertHeader(t, s, 1, "A", "spring", "CREATE", "PENDING", nil)
	insertHeader(t, s, 2, "B", "spring", "CREATE", "PENDING", nil)
	insertHeader(t, s, 3, "C", "fall", "CREATE", "PENDING", nil)
	insertLine(t, s, 10, 1, "A", "CREATE", "PENDING")
	_, err := s.db.Exec(ctx, `UPDATE sync_order_lines SET group_name = 'spring' WHERE id = 10`)
	if err != nil {
		t.Fatalf("set line group: %v", err)
	}

	ids, err := s.LookupGroupIDs(ctx, []string{"spring", "fall"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no resolved groups, got %v", ids)
	}

	n, err := s.AssignGroupID(ctx, "spring", "grp-11")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 rows updated (2 headers, 1 line), got %d", n)
	}

	ids, err = s.LookupGroupIDs(ctx, []string{"spring", "fall"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ids["spring"] != "grp-11" {
		t.Errorf("spring not resolved: %v", ids)
	}
	if _, ok := ids["fall"]; ok {
		t.Errorf("fall resolved without assignment")
	}

	// Re-assignment is a no-op on already-resolved rows.
	n, err = s.AssignGroupID(ctx, "spring", "grp-99")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if n != 0 {
		t.Errorf("reassign touched %d rows", n)
	}
}

func TestPostgres_Integration_RequeueAndArchive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	insertHeader(t, s, 1, "A", "grp", "CREATE", "PENDING", nil)
	insertHeader(t, s, 2, "B", "grp", "CREATE", "PENDING", nil)
	insertHeader(t, s, 3, "C", "grp", "CREATE", "PENDING", nil)

	diag := &model.Diagnostic{Op: "create_item", Attempts: 2, StartedAt: time.Now(), FinishedAt: time.Now()}
	err := s.WriteOutcomes(ctx, []Outcome{
		{ItemID: 1, Kind: model.KindHeader, NewState: model.StateError, ErrorCode: model.CodeTimeout, LastError: "deadline", Diagnostic: diag},
		{ItemID: 2, Kind: model.KindHeader, NewState: model.StateError, ErrorCode: model.CodeValidation, LastError: "bad column", Diagnostic: diag},
		{ItemID: 3, Kind: model.KindHeader, NewState: model.StateSynced, ExternalID: "itm-3", Diagnostic: diag},
	})
	if err != nil {
		t.Fatalf("write outcomes: %v", err)
	}

	n, err := s.RequeueErrors(ctx, 4)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued, got %d", n)
	}
	var state string
	var retries int
	if err := s.db.QueryRow(ctx,
		`SELECT sync_state, retry_count FROM sync_order_headers WHERE id = 1`).Scan(&state, &retries); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if state != "PENDING" || retries != 1 {
		t.Errorf("requeued row: state %s retries %d", state, retries)
	}
	if err := s.db.QueryRow(ctx,
		`SELECT sync_state FROM sync_order_headers WHERE id = 2`).Scan(&state); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if state != "ERROR" {
		t.Errorf("validation error requeued")
	}

	// Archive moves terminal diagnostics once.
	recs, err := s.ArchiveDiagnostics(ctx, "run-1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	// Item 1 went back to PENDING; items 2 and 3 are terminal.
	if len(recs) != 2 {
		t.Fatalf("expected 2 archived, got %d", len(recs))
	}
	for _, r := range recs {
		if r.Diagnostic == "" {
			t.Errorf("item %d archived without diagnostic", r.ItemID)
		}
	}

	recs, err = s.ArchiveDiagnostics(ctx, "run-2", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("archive again: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("second archive moved %d rows", len(recs))
	}

	var archived int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_diagnostics_archive WHERE run_id = 'run-1'`).Scan(&archived); err != nil {
		t.Fatalf("count archive: %v", err)
	}
	if archived != 2 {
		t.Errorf("archive table holds %d rows for run-1", archived)
	}
}

func TestPostgres_Integration_FetchMapping(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(ctx,
		`INSERT INTO sync_field_mappings (internal_id, external_id, value_kind, auto_create, known_labels)
		 VALUES ('po_number', 'text_po', 'string', false, '{}'),
		        ('season', 'dropdown_season', 'enum', true, '{SPRING,FALL}')`)
	if err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	mapping, err := s.FetchMapping(ctx)
	if err != nil {
		t.Fatalf("fetch mapping: %v", err)
	}
	fm, ok := mapping.Lookup("season")
	if !ok {
		t.Fatal("season mapping missing")
	}
	if fm.Kind != model.ValueEnum || !fm.AutoCreate || !fm.KnownLabel("SPRING") {
		t.Errorf("season mapping mangled: %+v", fm)
	}
	if fm.ExternalID != "dropdown_season" {
		t.Errorf("season external id %q", fm.ExternalID)
	}
}

func marshalPayload(t *testing.T, p model.FieldPayload) []byte {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}
