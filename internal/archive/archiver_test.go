package archive

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Active-Apparel-Group/ordersync/internal/model"
	"github.com/Active-Apparel-Group/ordersync/internal/state"
	"github.com/Active-Apparel-Group/ordersync/pkg/logstore"
)

func seedTerminal(t *testing.T, mem *state.Memory) {
	t.Helper()
	headerID := int64(1)
	mem.Add(
		&model.WorkItem{ID: 1, Kind: model.KindHeader, OwnerKey: "CUST-1", Op: model.OpCreate, State: model.StatePending, Name: "PO-1"},
		&model.WorkItem{ID: 2, Kind: model.KindHeader, OwnerKey: "CUST-2", Op: model.OpCreate, State: model.StatePending, Name: "PO-2"},
		&model.WorkItem{ID: 10, Kind: model.KindLine, ParentID: &headerID, OwnerKey: "CUST-1", Op: model.OpCreate, State: model.StatePending, Name: "PO-1/1"},
	)

	diag := func(op, code string) *model.Diagnostic {
		return &model.Diagnostic{Op: op, Attempts: 1, ErrorCode: code, StartedAt: time.Now(), FinishedAt: time.Now()}
	}
	err := mem.WriteOutcomes(context.Background(), []state.Outcome{
		{ItemID: 1, Kind: model.KindHeader, NewState: model.StateSynced, ExternalID: "itm-1", Diagnostic: diag("create_item", "")},
		{ItemID: 2, Kind: model.KindHeader, NewState: model.StateError, ErrorCode: model.CodeValidation, LastError: "missing name", Diagnostic: diag("create_item", model.CodeValidation)},
		{ItemID: 10, Kind: model.KindLine, NewState: model.StateSynced, ExternalID: "sub-1", Diagnostic: diag("create_subitem", "")},
	})
	if err != nil {
		t.Fatalf("seed outcomes: %v", err)
	}
}

func TestArchiver_Unit_MovesTerminalDiagnostics(t *testing.T) {
	ctx := context.Background()
	mem := state.NewMemory()
	seedTerminal(t, mem)

	a := New(mem, nil, DefaultRetentionDays)
	counts, err := a.Archive(ctx, "run-arch", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if counts.Headers != 2 || counts.Lines != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if counts.Total() != 3 {
		t.Fatalf("unexpected total: %d", counts.Total())
	}

	// a second pass finds nothing left to move
	counts, err = a.Archive(ctx, "run-arch-2", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("second archive failed: %v", err)
	}
	if counts.Total() != 0 {
		t.Fatalf("expected idempotent archive, got %+v", counts)
	}
}

func TestArchiver_Unit_CutoffExcludesFreshRows(t *testing.T) {
	ctx := context.Background()
	mem := state.NewMemory()
	seedTerminal(t, mem)

	a := New(mem, nil, DefaultRetentionDays)
	counts, err := a.Archive(ctx, "run-arch", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if counts.Total() != 0 {
		t.Fatalf("expected no rows before cutoff, got %+v", counts)
	}
}

func TestArchiver_Unit_MirrorsToObjectStore(t *testing.T) {
	ctx := context.Background()
	mem := state.NewMemory()
	seedTerminal(t, mem)

	t.Setenv("MINIO_ENDPOINT", "")
	mirror, err := logstore.NewMinioStore("arch-test", t.TempDir())
	if err != nil {
		t.Fatalf("mirror setup: %v", err)
	}

	a := New(mem, mirror, DefaultRetentionDays)
	if _, err := a.Archive(ctx, "run-mirror", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	headerKeys, err := mirror.ListPaths(ctx, "headers")
	if err != nil {
		t.Fatalf("list headers: %v", err)
	}
	var jsonl, parquet int
	for _, k := range headerKeys {
		if strings.HasSuffix(k, ".jsonl") {
			jsonl++
		}
		if strings.HasSuffix(k, "run-mirror.snapshot.parquet") {
			parquet++
		}
	}
	if jsonl != 1 || parquet != 1 {
		t.Fatalf("expected header jsonl and snapshot, got %v", headerKeys)
	}

	lineKeys, err := mirror.ListPaths(ctx, "lines")
	if err != nil {
		t.Fatalf("list lines: %v", err)
	}
	if len(lineKeys) != 2 {
		t.Fatalf("expected line jsonl and snapshot, got %v", lineKeys)
	}
}

func TestArchiver_Unit_EmptyPassSkipsMirror(t *testing.T) {
	ctx := context.Background()
	mem := state.NewMemory()

	t.Setenv("MINIO_ENDPOINT", "")
	mirror, err := logstore.NewMinioStore("arch-empty", t.TempDir())
	if err != nil {
		t.Fatalf("mirror setup: %v", err)
	}

	a := New(mem, mirror, DefaultRetentionDays)
	counts, err := a.Archive(ctx, "run-empty", time.Now())
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if counts.Total() != 0 {
		t.Fatalf("expected empty pass, got %+v", counts)
	}
	keys, err := mirror.ListPaths(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no mirror objects, got %v", keys)
	}
}
