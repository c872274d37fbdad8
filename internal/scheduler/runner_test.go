package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Active-Apparel-Group/ordersync/internal/board"
	"github.com/Active-Apparel-Group/ordersync/internal/model"
	"github.com/Active-Apparel-Group/ordersync/internal/state"
)

type fakeClient struct {
	mu    sync.Mutex
	calls []*board.Request
	fn    func(req *board.Request) *board.Result

	inFlight    int32
	maxInFlight int32
	delay       time.Duration
}

func (f *fakeClient) Execute(_ context.Context, req *board.Request) (*board.Result, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(req), nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okResult(req *board.Request) *board.Result {
	per := make([]board.ItemOutcome, len(req.Records))
	ids := make([]string, len(req.Records))
	for i, rec := range req.Records {
		id := "itm-" + rec.Name
		per[i] = board.ItemOutcome{Index: i, ExternalID: id}
		ids[i] = id
	}
	return &board.Result{
		Success:     true,
		ExternalIDs: ids,
		PerItem:     per,
		Diagnostic:  model.Diagnostic{Op: string(req.Op), Attempts: 1},
	}
}

func wholeCallFailure(req *board.Request, code string, retryable bool) *board.Result {
	per := make([]board.ItemOutcome, len(req.Records))
	for i := range per {
		per[i] = board.ItemOutcome{Index: i}
	}
	return &board.Result{
		PerItem:    per,
		Err:        model.NewError(code, retryable, errors.New("call failed")),
		Diagnostic: model.Diagnostic{Op: string(req.Op), Attempts: 1, ErrorCode: code},
	}
}

func seedHeaders(mem *state.Memory, n int) []*model.WorkItem {
	group := "grp-1"
	items := make([]*model.WorkItem, n)
	for i := 0; i < n; i++ {
		items[i] = &model.WorkItem{
			ID:        int64(i + 1),
			Kind:      model.KindHeader,
			OwnerKey:  "A",
			GroupName: "spring",
			GroupID:   &group,
			Op:        model.OpCreate,
			State:     model.StatePending,
			Name:      fmt.Sprintf("PO-%d", i+1),
		}
		mem.Add(items[i])
	}
	return items
}

func testOptions() Options {
	return Options{Concurrency: 2, BatchTimeout: time.Second, ItemTimeout: time.Second}
}

func TestRunner_Unit_BatchSyncPersistsAtomically(t *testing.T) {
	mem := state.NewMemory()
	items := seedHeaders(mem, 2)
	client := &fakeClient{fn: okResult}
	r := NewRunner(mem, client, testOptions())

	stats, err := r.Run(context.Background(), Partition(items, 5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Batches != 1 || stats.Synced != 2 || stats.Errored != 0 {
		t.Errorf("stats: %+v", stats)
	}
	if mem.WriteCalls() != 1 {
		t.Errorf("expected 1 outcome transaction, got %d", mem.WriteCalls())
	}
	for _, it := range items {
		got, _ := mem.Item(model.KindHeader, it.ID)
		if got.State != model.StateSynced || got.ExternalID == nil {
			t.Errorf("item %d: state %s", it.ID, got.State)
		}
		if got.SyncedAt == nil {
			t.Errorf("item %d missing synced_at", it.ID)
		}
	}
	ext := r.SyncedExternalIDs()
	if len(ext) != 2 || ext[1] != "itm-PO-1" {
		t.Errorf("external ids not recorded: %v", ext)
	}
}

func TestRunner_Unit_AmbiguousFailureFallsBackPerItem(t *testing.T) {
	mem := state.NewMemory()
	items := seedHeaders(mem, 3)
	client := &fakeClient{fn: func(req *board.Request) *board.Result {
		if len(req.Records) > 1 {
			return wholeCallFailure(req, model.CodeTimeout, true)
		}
		return okResult(req)
	}}
	r := NewRunner(mem, client, testOptions())

	stats, err := r.Run(context.Background(), Partition(items, 5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Fallbacks != 1 {
		t.Errorf("expected 1 fallback, got %d", stats.Fallbacks)
	}
	if stats.Synced != 3 {
		t.Errorf("expected 3 synced after fallback, got %d", stats.Synced)
	}
	// One batch call plus three singles.
	if client.callCount() != 4 {
		t.Errorf("expected 4 calls, got %d", client.callCount())
	}
	client.mu.Lock()
	for _, call := range client.calls[1:] {
		if len(call.Records) != 1 || call.Op != board.OpCreateItem {
			t.Errorf("fallback call: %d records op %s", len(call.Records), call.Op)
		}
	}
	client.mu.Unlock()
	if mem.WriteCalls() != 1 {
		t.Errorf("fallback wrote %d transactions, want 1", mem.WriteCalls())
	}
}

func TestRunner_Unit_AttributableOutcomesDontFallBack(t *testing.T) {
	mem := state.NewMemory()
	items := seedHeaders(mem, 2)
	client := &fakeClient{fn: func(req *board.Request) *board.Result {
		res := okResult(req)
		res.PerItem[1] = board.ItemOutcome{
			Index: 1,
			Err:   model.NewError(model.CodeValidation, false, errors.New("bad column value")),
		}
		res.ExternalIDs[1] = ""
		res.Success = false
		res.Err = model.NewError(model.CodePartialBatch, false, errors.New("1 of 2 failed"))
		return res
	}}
	r := NewRunner(mem, client, testOptions())

	stats, err := r.Run(context.Background(), Partition(items, 5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if client.callCount() != 1 {
		t.Errorf("attributable batch retried: %d calls", client.callCount())
	}
	if stats.Synced != 1 || stats.Errored != 1 || stats.ByCode[model.CodeValidation] != 1 {
		t.Errorf("stats: %+v", stats)
	}
	got, _ := mem.Item(model.KindHeader, 2)
	if got.State != model.StateError || got.ErrorCode != model.CodeValidation {
		t.Errorf("item 2: state %s code %s", got.State, got.ErrorCode)
	}
}

func TestRunner_Unit_PartialSuccessBlocksFallback(t *testing.T) {
	mem := state.NewMemory()
	items := seedHeaders(mem, 2)
	client := &fakeClient{fn: func(req *board.Request) *board.Result {
		// Whole-call timeout code, but one item already has an id: fates are
		// not ambiguous, so no resubmission.
		res := wholeCallFailure(req, model.CodeTimeout, true)
		res.PerItem[0].ExternalID = "itm-landed"
		return res
	}}
	r := NewRunner(mem, client, testOptions())

	stats, err := r.Run(context.Background(), Partition(items, 5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if client.callCount() != 1 {
		t.Errorf("partially-landed batch resubmitted: %d calls", client.callCount())
	}
	if stats.Fallbacks != 0 || stats.Synced != 1 || stats.Errored != 1 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestRunner_Unit_TerminalWholeCallWritesErrors(t *testing.T) {
	mem := state.NewMemory()
	items := seedHeaders(mem, 2)
	client := &fakeClient{fn: func(req *board.Request) *board.Result {
		return wholeCallFailure(req, model.CodeValidation, false)
	}}
	r := NewRunner(mem, client, testOptions())

	stats, err := r.Run(context.Background(), Partition(items, 5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Fallbacks != 0 || client.callCount() != 1 {
		t.Errorf("terminal whole-call failure retried")
	}
	if stats.Errored != 2 || stats.ByCode[model.CodeValidation] != 2 {
		t.Errorf("stats: %+v", stats)
	}
	got, _ := mem.Item(model.KindHeader, 1)
	if got.State != model.StateError || got.ErrorCode != model.CodeValidation {
		t.Errorf("item 1: state %s code %s", got.State, got.ErrorCode)
	}
	if mem.Diagnostic(model.KindHeader, 1) == nil {
		t.Errorf("diagnostic not persisted with error outcome")
	}
}

func TestRunner_Unit_DryRunPersistsNothing(t *testing.T) {
	mem := state.NewMemory()
	items := seedHeaders(mem, 2)
	opts := testOptions()
	opts.DryRun = true
	client := &fakeClient{fn: okResult}
	r := NewRunner(mem, client, opts)

	stats, err := r.Run(context.Background(), Partition(items, 5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Synced != 2 {
		t.Errorf("dry run stats: %+v", stats)
	}
	if mem.WriteCalls() != 0 {
		t.Errorf("dry run wrote %d transactions", mem.WriteCalls())
	}
	for _, it := range items {
		got, _ := mem.Item(model.KindHeader, it.ID)
		if got.State != model.StatePending {
			t.Errorf("dry run moved item %d to %s", it.ID, got.State)
		}
	}
	if len(r.SyncedExternalIDs()) != 2 {
		t.Errorf("dry run did not record external ids for parent threading")
	}
}

func TestRunner_Unit_WriteFailureLeavesLease(t *testing.T) {
	mem := state.NewMemory()
	items := seedHeaders(mem, 2)
	mem.FailNextWrite(errors.New("pool exhausted"))
	client := &fakeClient{fn: okResult}
	r := NewRunner(mem, client, testOptions())

	stats, err := r.Run(context.Background(), Partition(items, 5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.WriteFails != 1 {
		t.Errorf("expected 1 write failure, got %d", stats.WriteFails)
	}
	if stats.Synced != 0 {
		t.Errorf("unwritten outcomes counted as synced")
	}
	got, _ := mem.Item(model.KindHeader, 1)
	if got.State != model.StateInFlight {
		t.Errorf("expected row left leased for reclaim, state %s", got.State)
	}
	if len(r.SyncedExternalIDs()) != 0 {
		t.Errorf("unwritten ids exposed for parent threading")
	}
}

func TestRunner_Unit_ConcurrencyBounded(t *testing.T) {
	mem := state.NewMemory()
	var items []*model.WorkItem
	for i := 1; i <= 8; i++ {
		ext := fmt.Sprintf("itm-%d", i)
		item := &model.WorkItem{
			ID: int64(i), Kind: model.KindHeader, OwnerKey: "A", GroupName: "g",
			Op: model.OpUpdate, State: model.StatePending, Name: fmt.Sprintf("PO-%d", i),
			ExternalID: &ext,
		}
		mem.Add(item)
		items = append(items, item)
	}
	client := &fakeClient{fn: okResult, delay: 20 * time.Millisecond}
	r := NewRunner(mem, client, Options{Concurrency: 2})

	if _, err := r.Run(context.Background(), Partition(items, 5)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if max := atomic.LoadInt32(&client.maxInFlight); max > 2 {
		t.Errorf("concurrency cap exceeded: %d in flight", max)
	}
	if client.callCount() != 8 {
		t.Errorf("expected 8 update calls, got %d", client.callCount())
	}
}

func TestRunner_Unit_CancelStopsSubmission(t *testing.T) {
	mem := state.NewMemory()
	items := seedHeaders(mem, 3)
	client := &fakeClient{fn: okResult}
	r := NewRunner(mem, client, Options{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, Partition(items, 1))
	if err == nil {
		t.Fatal("expected context error")
	}
	if client.callCount() != 0 {
		t.Errorf("canceled run submitted %d batches", client.callCount())
	}
}

func TestRunner_Unit_DeferredCounted(t *testing.T) {
	mem := state.NewMemory()
	client := &fakeClient{fn: okResult}
	r := NewRunner(mem, client, testOptions())

	line := &model.WorkItem{
		ID: 1, Kind: model.KindLine, OwnerKey: "A", Op: model.OpCreate,
		State: model.StatePending, Name: "LINE-1",
	}
	parent := int64(99)
	line.ParentID = &parent

	stats, err := r.Run(context.Background(), Partition([]*model.WorkItem{line}, 5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Deferred != 1 || stats.Batches != 0 {
		t.Errorf("stats: %+v", stats)
	}
	if client.callCount() != 0 {
		t.Errorf("deferred line submitted")
	}
}
