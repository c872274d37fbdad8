package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Active-Apparel-Group/ordersync/internal/backoff"
	"github.com/Active-Apparel-Group/ordersync/internal/board"
	"github.com/Active-Apparel-Group/ordersync/internal/model"
	"github.com/Active-Apparel-Group/ordersync/internal/state"
)

// Client is the slice of the board client the runner drives.
type Client interface {
	Execute(ctx context.Context, req *board.Request) (*board.Result, error)
}

// OutcomeStore is the slice of the state store the runner writes through.
type OutcomeStore interface {
	MarkInFlight(ctx context.Context, kind model.ItemKind, ids []int64) error
	WriteOutcomes(ctx context.Context, outcomes []state.Outcome) error
}

// Options bound a runner's concurrency and pacing.
type Options struct {
	Concurrency     int
	BatchTimeout    time.Duration
	ItemTimeout     time.Duration
	InterBatchDelay time.Duration
	InterItemDelay  time.Duration
	DryRun          bool
}

// Stats accumulates one run phase's tallies.
type Stats struct {
	Batches    int
	Fallbacks  int // batches retried item by item after an ambiguous failure
	Items      int
	Synced     int
	Errored    int
	Deferred   int
	WriteFails int // outcome transactions that could not be applied
	ByCode     map[string]int
	Failures   []Failure // non-retryable errors needing manual remediation
}

// Failure identifies an item that ended the phase in a non-retryable error.
type Failure struct {
	ItemID   int64
	Kind     model.ItemKind
	OwnerKey string
	Code     string
	Message  string
}

// Merge folds another phase's tallies into s.
func (s *Stats) Merge(o Stats) {
	s.Batches += o.Batches
	s.Fallbacks += o.Fallbacks
	s.Items += o.Items
	s.Synced += o.Synced
	s.Errored += o.Errored
	s.Deferred += o.Deferred
	s.WriteFails += o.WriteFails
	for code, n := range o.ByCode {
		if s.ByCode == nil {
			s.ByCode = map[string]int{}
		}
		s.ByCode[code] += n
	}
	s.Failures = append(s.Failures, o.Failures...)
}

// SuccessRate reports synced over attempted items.
func (s Stats) SuccessRate() float64 {
	if s.Items == 0 {
		return 1
	}
	return float64(s.Synced) / float64(s.Items)
}

// Runner executes a plan's batches concurrently under a semaphore, leases
// rows before each call, and writes each call's outcomes back atomically.
// Whole-call failures that leave item fates unknown are retried one item at
// a time before anything is written.
type Runner struct {
	store  OutcomeStore
	client Client
	opts   Options

	mu       sync.Mutex
	stats    Stats
	external map[int64]string // header row id -> external id, this run
}

// NewRunner builds a runner over the store and client.
func NewRunner(store OutcomeStore, client Client, opts Options) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Runner{
		store:    store,
		client:   client,
		opts:     opts,
		external: map[int64]string{},
	}
}

// SyncedExternalIDs returns the header ids resolved during this run, for
// threading into dependent lines.
func (r *Runner) SyncedExternalIDs() map[int64]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]string, len(r.external))
	for k, v := range r.external {
		out[k] = v
	}
	return out
}

// Run executes every batch in the plan and returns the phase tallies. Item
// failures are recorded as outcomes, never returned; the error is reserved
// for cancellation.
func (r *Runner) Run(ctx context.Context, plan Plan) (Stats, error) {
	r.mu.Lock()
	r.stats.Deferred += len(plan.Deferred)
	r.mu.Unlock()

	sem := make(chan struct{}, r.opts.Concurrency)
	var wg sync.WaitGroup

	for _, batch := range plan.Batches {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return r.snapshot(), err
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return r.snapshot(), ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(b Batch) {
			defer wg.Done()
			r.runBatch(ctx, b)
			if r.opts.InterBatchDelay > 0 {
				backoff.Sleep(ctx, r.opts.InterBatchDelay)
			}
			<-sem
		}(batch)
	}

	wg.Wait()
	return r.snapshot(), ctx.Err()
}

func (r *Runner) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.ByCode = make(map[string]int, len(r.stats.ByCode))
	for k, v := range r.stats.ByCode {
		out.ByCode[k] = v
	}
	out.Failures = append([]Failure(nil), r.stats.Failures...)
	return out
}

// runBatch leases, submits, and writes back one batch.
func (r *Runner) runBatch(ctx context.Context, b Batch) {
	r.mu.Lock()
	r.stats.Batches++
	r.stats.Items += len(b.Items)
	r.mu.Unlock()

	if !r.opts.DryRun {
		ids := make([]int64, len(b.Items))
		for i, it := range b.Items {
			ids[i] = it.ID
		}
		if err := r.store.MarkInFlight(ctx, b.Kind, ids); err != nil {
			log.Printf("scheduler: lease %s batch of %d: %v", b.BoardOp, len(b.Items), err)
		}
	}

	bctx := ctx
	var cancel context.CancelFunc
	if r.opts.BatchTimeout > 0 {
		bctx, cancel = context.WithTimeout(ctx, r.opts.BatchTimeout)
	}
	res, err := r.client.Execute(bctx, &board.Request{
		Op:      b.BoardOp,
		Records: recordsFor(b),
		DryRun:  r.opts.DryRun,
	})
	if cancel != nil {
		cancel()
	}
	if err != nil {
		// Misuse path: nothing was submitted.
		log.Printf("scheduler: %s batch rejected: %v", b.BoardOp, err)
		failed := model.NewError(model.CodeUnknown, false, err)
		r.writeBack(ctx, b, failAllOutcomes(b, failed, nil))
		return
	}

	if fallbackWorthwhile(res) {
		r.mu.Lock()
		r.stats.Fallbacks++
		r.mu.Unlock()
		log.Printf("scheduler: %s batch of %d failed %s; retrying items individually",
			b.BoardOp, len(b.Items), res.Err.Code)
		r.runFallback(ctx, b, res)
		return
	}

	r.writeBack(ctx, b, outcomesFor(b, res))
}

// fallbackWorthwhile reports whether a result warrants item-by-item retry:
// the whole call failed with a code that leaves item fates ambiguous, and no
// item got a verdict of its own.
func fallbackWorthwhile(res *board.Result) bool {
	if res.Err == nil {
		return false
	}
	if res.Err.Code != model.CodeTimeout && res.Err.Code != model.CodeUnknown {
		return false
	}
	for _, o := range res.PerItem {
		if o.Succeeded() {
			return false
		}
	}
	return true
}

// runFallback resubmits a batch's items one at a time under the item timeout,
// pacing between submissions. Items that carried their own verdict from the
// batch call (up-front validation failures) keep it.
func (r *Runner) runFallback(ctx context.Context, b Batch, batchRes *board.Result) {
	outcomes := make([]state.Outcome, 0, len(b.Items))
	diag := batchRes.Diagnostic
	submitted := 0
	for i, item := range b.Items {
		if verdict := batchRes.PerItem[i]; verdict.Err != nil {
			outcomes = append(outcomes, state.Outcome{
				ItemID:     item.ID,
				Kind:       item.Kind,
				NewState:   model.StateError,
				ErrorCode:  verdict.Err.Code,
				LastError:  verdict.Err.Error(),
				Diagnostic: &diag,
			})
			continue
		}
		if submitted > 0 && r.opts.InterItemDelay > 0 {
			backoff.Sleep(ctx, r.opts.InterItemDelay)
		}
		submitted++

		single := Batch{Kind: b.Kind, Op: b.Op, BoardOp: operationFor(b.Kind, b.Op, 1), Items: []*model.WorkItem{item}}
		ictx := ctx
		var cancel context.CancelFunc
		if r.opts.ItemTimeout > 0 {
			ictx, cancel = context.WithTimeout(ctx, r.opts.ItemTimeout)
		}
		res, err := r.client.Execute(ictx, &board.Request{
			Op:      single.BoardOp,
			Records: recordsFor(single),
			DryRun:  r.opts.DryRun,
		})
		if cancel != nil {
			cancel()
		}
		if err != nil {
			failed := model.NewError(model.CodeUnknown, false, err)
			outcomes = append(outcomes, failAllOutcomes(single, failed, nil)...)
			continue
		}
		outcomes = append(outcomes, outcomesFor(single, res)...)
	}
	r.writeBack(ctx, b, outcomes)
}

// writeBack persists one batch's outcomes in a single transaction and folds
// them into the tallies. Dry runs tally without persisting. A failed write
// leaves every row in its prior state for the stale-lease reclaim.
func (r *Runner) writeBack(ctx context.Context, b Batch, outcomes []state.Outcome) {
	if !r.opts.DryRun {
		if err := r.store.WriteOutcomes(ctx, outcomes); err != nil {
			log.Printf("scheduler: write %s batch of %d: %v", b.BoardOp, len(outcomes), err)
			r.mu.Lock()
			r.stats.WriteFails++
			r.mu.Unlock()
			return
		}
	}

	owners := make(map[int64]string, len(b.Items))
	for _, it := range b.Items {
		owners[it.ID] = it.OwnerKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range outcomes {
		switch o.NewState {
		case model.StateSynced:
			r.stats.Synced++
			if o.Kind == model.KindHeader && o.ExternalID != "" {
				r.external[o.ItemID] = o.ExternalID
			}
		case model.StateError:
			r.stats.Errored++
			if o.ErrorCode != "" {
				if r.stats.ByCode == nil {
					r.stats.ByCode = map[string]int{}
				}
				r.stats.ByCode[o.ErrorCode]++
			}
			if model.TerminalCode(o.ErrorCode) {
				r.stats.Failures = append(r.stats.Failures, Failure{
					ItemID:   o.ItemID,
					Kind:     o.Kind,
					OwnerKey: owners[o.ItemID],
					Code:     o.ErrorCode,
					Message:  o.LastError,
				})
			}
		}
	}
}

// recordsFor builds the wire records for a batch, index-aligned with items.
func recordsFor(b Batch) []board.Record {
	records := make([]board.Record, len(b.Items))
	for i, item := range b.Items {
		rec := board.Record{Name: item.Name, Payload: item.Payload}
		switch {
		case item.Kind == model.KindHeader && item.Op == model.OpCreate:
			if item.GroupID != nil {
				rec.GroupID = *item.GroupID
			}
		case item.Kind == model.KindLine && item.Op == model.OpCreate:
			if item.ParentExternalID != nil {
				rec.ParentID = *item.ParentExternalID
			}
		default:
			if item.ExternalID != nil {
				rec.ItemID = *item.ExternalID
			}
		}
		records[i] = rec
	}
	return records
}

// outcomesFor translates one call's verdicts into store outcomes. Items with
// their own verdict keep it; the rest inherit the whole-call error.
func outcomesFor(b Batch, res *board.Result) []state.Outcome {
	outcomes := make([]state.Outcome, len(b.Items))
	diag := res.Diagnostic
	for i, item := range b.Items {
		o := state.Outcome{ItemID: item.ID, Kind: item.Kind, Diagnostic: &diag}
		verdict := res.PerItem[i]
		switch {
		case verdict.Succeeded():
			o.NewState = model.StateSynced
			o.ExternalID = verdict.ExternalID
		case verdict.Err != nil:
			o.NewState = model.StateError
			o.ErrorCode = verdict.Err.Code
			o.LastError = verdict.Err.Error()
		case res.Err != nil:
			o.NewState = model.StateError
			o.ErrorCode = res.Err.Code
			o.LastError = res.Err.Error()
		default:
			o.NewState = model.StateError
			o.ErrorCode = model.CodeUnknown
			o.LastError = fmt.Sprintf("item %d: call returned no verdict", item.ID)
		}
		outcomes[i] = o
	}
	return outcomes
}

// failAllOutcomes marks every item of a batch with one error.
func failAllOutcomes(b Batch, err *model.Error, diag *model.Diagnostic) []state.Outcome {
	outcomes := make([]state.Outcome, len(b.Items))
	for i, item := range b.Items {
		outcomes[i] = state.Outcome{
			ItemID:     item.ID,
			Kind:       item.Kind,
			NewState:   model.StateError,
			ErrorCode:  err.Code,
			LastError:  err.Error(),
			Diagnostic: diag,
		}
	}
	return outcomes
}
