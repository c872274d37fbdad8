package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

// memRow wraps a work item with the store-side columns the kernel type does
// not carry.
type memRow struct {
	item       model.WorkItem
	inFlightAt *time.Time
	diagnostic []byte
	archivedAt *time.Time
}

// Memory is an in-process Store used by tests and dry runs against synthetic
// data. It mirrors the Postgres implementation's semantics: owner-interleaved
// fetch order, all-or-nothing outcome writes, and idempotent archival.
type Memory struct {
	mu      sync.Mutex
	rows    map[model.ItemKind][]*memRow
	byID    map[model.ItemKind]map[int64]*memRow
	mapping model.Mapping

	writeCalls int
	failWrite  error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rows: map[model.ItemKind][]*memRow{
			model.KindHeader: {},
			model.KindLine:   {},
		},
		byID: map[model.ItemKind]map[int64]*memRow{
			model.KindHeader: {},
			model.KindLine:   {},
		},
		mapping: model.Mapping{},
	}
}

// Add seeds work items. Items keep their given ids; callers are responsible
// for uniqueness within a kind.
func (m *Memory) Add(items ...*model.WorkItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		row := &memRow{item: cloneItem(it)}
		m.rows[it.Kind] = append(m.rows[it.Kind], row)
		m.byID[it.Kind][it.ID] = row
	}
}

// SetMapping seeds the field mapping table.
func (m *Memory) SetMapping(mapping model.Mapping) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapping = mapping
}

// FailNextWrite makes the next WriteOutcomes call fail with err without
// applying anything.
func (m *Memory) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite = err
}

// Item returns a snapshot of one stored item.
func (m *Memory) Item(kind model.ItemKind, id int64) (model.WorkItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.byID[kind][id]
	if !ok {
		return model.WorkItem{}, false
	}
	return cloneItem(&row.item), true
}

// Diagnostic returns the raw stored diagnostic of one item.
func (m *Memory) Diagnostic(kind model.ItemKind, id int64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.byID[kind][id]
	if !ok {
		return nil
	}
	return append([]byte(nil), row.diagnostic...)
}

// WriteCalls reports how many WriteOutcomes transactions have been applied.
func (m *Memory) WriteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCalls
}

func (m *Memory) FetchPending(ctx context.Context, f Filter) ([]*model.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := f.ItemKind
	if kind == "" {
		kind = model.KindHeader
	}
	ops := make(map[string]bool)
	for _, op := range opFilter(f.Ops) {
		ops[op] = true
	}
	staleCutoff := time.Now().Add(-f.StaleInFlight)

	var matched []*memRow
	for _, row := range m.rows[kind] {
		switch row.item.State {
		case model.StatePending:
		case model.StateInFlight:
			if f.StaleInFlight <= 0 || row.inFlightAt == nil || !row.inFlightAt.Before(staleCutoff) {
				continue
			}
		default:
			continue
		}
		if !ops[string(row.item.Op)] {
			continue
		}
		if f.Owner != "" && row.item.OwnerKey != f.Owner {
			continue
		}
		matched = append(matched, row)
	}

	// Row id order first, then per-owner rank, mirroring the ranked read.
	sort.Slice(matched, func(i, j int) bool { return matched[i].item.ID < matched[j].item.ID })
	rank := make(map[*memRow]int, len(matched))
	seen := make(map[string]int)
	for _, row := range matched {
		seen[row.item.OwnerKey]++
		rank[row] = seen[row.item.OwnerKey]
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if rank[a] != rank[b] {
			return rank[a] < rank[b]
		}
		if a.item.OwnerKey != b.item.OwnerKey {
			return a.item.OwnerKey < b.item.OwnerKey
		}
		return a.item.ID < b.item.ID
	})

	out := make([]*model.WorkItem, 0, len(matched))
	for _, row := range matched {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		item := cloneItem(&row.item)
		if kind == model.KindLine {
			m.deriveParent(&item)
		}
		out = append(out, &item)
	}
	return out, nil
}

// deriveParent mirrors the line fetch join: a line observes its header's
// external id only once the header has synced.
func (m *Memory) deriveParent(line *model.WorkItem) {
	if line.ParentID == nil {
		return
	}
	header, ok := m.byID[model.KindHeader][*line.ParentID]
	if !ok {
		return
	}
	if header.item.State == model.StateSynced && header.item.ExternalID != nil && *header.item.ExternalID != "" {
		id := *header.item.ExternalID
		line.ParentExternalID = &id
	}
}

func (m *Memory) MarkInFlight(ctx context.Context, kind model.ItemKind, ids []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		row, ok := m.byID[kind][id]
		if !ok || row.item.State != model.StatePending {
			continue
		}
		row.item.State = model.StateInFlight
		t := now
		row.inFlightAt = &t
	}
	return nil
}

func (m *Memory) WriteOutcomes(ctx context.Context, outcomes []Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(outcomes) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrite != nil {
		err := m.failWrite
		m.failWrite = nil
		return model.NewError(model.CodeStoreWrite, true, err)
	}

	now := time.Now()
	for _, o := range outcomes {
		row, ok := m.byID[o.Kind][o.ItemID]
		if !ok {
			continue
		}
		row.item.State = o.NewState
		if o.ExternalID != "" {
			id := o.ExternalID
			row.item.ExternalID = &id
		}
		row.item.ErrorCode = o.ErrorCode
		row.item.LastError = o.LastError
		if data := marshalDiagnostic(o.Diagnostic); data != nil {
			row.diagnostic = data
		}
		if o.NewState.Terminal() {
			t := now
			row.item.SyncedAt = &t
		}
		row.inFlightAt = nil
	}
	m.writeCalls++
	return nil
}

func (m *Memory) LookupGroupIDs(ctx context.Context, names []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make(map[string]string)
	for _, row := range m.rows[model.KindHeader] {
		if row.item.GroupID == nil || !want[row.item.GroupName] {
			continue
		}
		out[row.item.GroupName] = *row.item.GroupID
	}
	return out, nil
}

func (m *Memory) AssignGroupID(ctx context.Context, name, externalID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, kind := range []model.ItemKind{model.KindHeader, model.KindLine} {
		for _, row := range m.rows[kind] {
			if row.item.GroupName != name || row.item.GroupID != nil {
				continue
			}
			id := externalID
			row.item.GroupID = &id
			total++
		}
	}
	return total, nil
}

func (m *Memory) FetchMapping(ctx context.Context) (model.Mapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(model.Mapping, len(m.mapping))
	for k, v := range m.mapping {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) RequeueErrors(ctx context.Context, maxRetries int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, kind := range []model.ItemKind{model.KindHeader, model.KindLine} {
		for _, row := range m.rows[kind] {
			if row.item.State != model.StateError {
				continue
			}
			if row.item.RetryCount >= maxRetries || model.TerminalCode(row.item.ErrorCode) {
				continue
			}
			row.item.State = model.StatePending
			row.item.RetryCount++
			row.item.ErrorCode = ""
			row.item.LastError = ""
			row.inFlightAt = nil
			total++
		}
	}
	return total, nil
}

func (m *Memory) ArchiveDiagnostics(ctx context.Context, runID string, cutoff time.Time) ([]ArchivedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []ArchivedRecord
	for _, kind := range []model.ItemKind{model.KindHeader, model.KindLine} {
		for _, row := range m.rows[kind] {
			if row.diagnostic == nil || row.archivedAt != nil {
				continue
			}
			if !row.item.State.Terminal() {
				continue
			}
			if row.item.SyncedAt == nil || row.item.SyncedAt.After(cutoff) {
				continue
			}
			t := now
			row.archivedAt = &t
			out = append(out, ArchivedRecord{
				ItemID:     row.item.ID,
				Kind:       kind,
				OwnerKey:   row.item.OwnerKey,
				Op:         row.item.Op,
				State:      row.item.State,
				ErrorCode:  row.item.ErrorCode,
				Diagnostic: string(row.diagnostic),
				SyncedAt:   *row.item.SyncedAt,
			})
		}
	}
	return out, nil
}

func cloneItem(src *model.WorkItem) model.WorkItem {
	out := *src
	if src.ParentID != nil {
		v := *src.ParentID
		out.ParentID = &v
	}
	if src.GroupID != nil {
		v := *src.GroupID
		out.GroupID = &v
	}
	if src.ExternalID != nil {
		v := *src.ExternalID
		out.ExternalID = &v
	}
	if src.ParentExternalID != nil {
		v := *src.ParentExternalID
		out.ParentExternalID = &v
	}
	if src.SyncedAt != nil {
		v := *src.SyncedAt
		out.SyncedAt = &v
	}
	if src.Payload != nil {
		out.Payload = append(model.FieldPayload(nil), src.Payload...)
	}
	return out
}
