// Package scheduler turns fetched work items into bounded batches and runs
// them against the board client under a concurrency cap, translating each
// call's verdicts into store outcomes. Batch boundaries respect the per
// operation ceilings of the remote API; lines whose parent has not synced are
// deferred untouched rather than failed.
package scheduler

import (
	"github.com/Active-Apparel-Group/ordersync/internal/board"
	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

// Batch is one remote call's worth of items: a single structural family and
// operation, sized within the operation's ceiling.
type Batch struct {
	Kind    model.ItemKind
	Op      model.OpKind
	BoardOp board.Operation
	Items   []*model.WorkItem
}

// Plan is the partition of one fetch: the batches to run, in submission
// order, plus the lines deferred because their parent has no external id yet.
type Plan struct {
	Batches  []Batch
	Deferred []*model.WorkItem
}

// Items counts the items across all batches.
func (p Plan) Items() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Items)
	}
	return n
}

// operationFor maps an item family and operation, at a given batch width, to
// the remote operation submitted.
func operationFor(kind model.ItemKind, op model.OpKind, width int) board.Operation {
	switch {
	case kind == model.KindHeader && op == model.OpCreate && width > 1:
		return board.OpBatchCreateItem
	case kind == model.KindHeader && op == model.OpCreate:
		return board.OpCreateItem
	case kind == model.KindHeader:
		return board.OpUpdateItem
	case op == model.OpCreate:
		return board.OpCreateSubitem
	default:
		return board.OpUpdateSubitem
	}
}

// familyCap returns the widest batch a family may form, bounded by the
// configured batch size and the remote ceiling.
func familyCap(kind model.ItemKind, op model.OpKind, batchSize int) int {
	if batchSize < 1 {
		batchSize = 1
	}
	ceiling := 1
	switch {
	case kind == model.KindHeader && op == model.OpCreate:
		ceiling = board.MaxBatch(board.OpBatchCreateItem)
	case kind == model.KindLine && op == model.OpCreate:
		ceiling = board.MaxBatch(board.OpCreateSubitem)
	}
	if batchSize < ceiling {
		return batchSize
	}
	return ceiling
}

// Partition splits items into batches, preserving the fetch's owner
// interleaved order inside each family. Header creates batch up to the bulk
// ceiling; updates never batch; line creates batch per owning parent so one
// call never spans parents. Line creates without a resolved parent are
// deferred, left PENDING for a later run.
func Partition(items []*model.WorkItem, batchSize int) Plan {
	var plan Plan

	type familyKey struct {
		kind   model.ItemKind
		op     model.OpKind
		parent string
	}
	order := []familyKey{}
	families := map[familyKey][]*model.WorkItem{}

	for _, it := range items {
		if it.Kind == model.KindLine && it.Op == model.OpCreate && !it.ResolvedParent() {
			plan.Deferred = append(plan.Deferred, it)
			continue
		}
		key := familyKey{kind: it.Kind, op: it.Op}
		if it.Kind == model.KindLine && it.Op == model.OpCreate {
			key.parent = *it.ParentExternalID
		}
		if _, ok := families[key]; !ok {
			order = append(order, key)
		}
		families[key] = append(families[key], it)
	}

	for _, key := range order {
		width := familyCap(key.kind, key.op, batchSize)
		run := families[key]
		for start := 0; start < len(run); start += width {
			end := start + width
			if end > len(run) {
				end = len(run)
			}
			chunk := run[start:end]
			plan.Batches = append(plan.Batches, Batch{
				Kind:    key.kind,
				Op:      key.op,
				BoardOp: operationFor(key.kind, key.op, len(chunk)),
				Items:   chunk,
			})
		}
	}
	return plan
}

// InjectParentIDs threads external ids of headers synced earlier in the same
// run into their lines, covering parents whose ids are not yet visible to the
// store read (same-run syncs and dry runs).
func InjectParentIDs(lines []*model.WorkItem, headerIDs map[int64]string) {
	for _, line := range lines {
		if line.ResolvedParent() || line.ParentID == nil {
			continue
		}
		if id, ok := headerIDs[*line.ParentID]; ok && id != "" {
			v := id
			line.ParentExternalID = &v
		}
	}
}
