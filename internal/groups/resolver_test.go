package groups

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

type fakeStore struct {
	known     map[string]string
	assigns   map[string]string
	lookups   int
	lookupErr error
	assignErr error
}

func (f *fakeStore) LookupGroupIDs(_ context.Context, names []string) (map[string]string, error) {
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	out := map[string]string{}
	for _, n := range names {
		if id, ok := f.known[n]; ok {
			out[n] = id
		}
	}
	return out, nil
}

func (f *fakeStore) AssignGroupID(_ context.Context, name, externalID string) (int64, error) {
	if f.assignErr != nil {
		return 0, f.assignErr
	}
	if f.assigns == nil {
		f.assigns = map[string]string{}
	}
	f.assigns[name] = externalID
	return 1, nil
}

type fakeCreator struct {
	errs   map[string]error
	calls  []string
	dryRun []bool
	next   int
}

func (f *fakeCreator) CreateGroup(_ context.Context, name string, dryRun bool) (string, error) {
	f.calls = append(f.calls, name)
	f.dryRun = append(f.dryRun, dryRun)
	if err, ok := f.errs[name]; ok {
		return "", err
	}
	f.next++
	return fmt.Sprintf("grp-%d", f.next), nil
}

func itemInGroup(id int64, group string) *model.WorkItem {
	return &model.WorkItem{ID: id, Kind: model.KindHeader, GroupName: group, Op: model.OpCreate, State: model.StatePending}
}

func TestResolver_Unit_RowIDWinsWithoutRemoteCalls(t *testing.T) {
	store := &fakeStore{}
	creator := &fakeCreator{}
	r := NewResolver(store, creator, false)

	resolved := "grp-77"
	item := itemInGroup(1, "spring")
	item.GroupID = &resolved

	res, err := r.EnsureGroups(context.Background(), []*model.WorkItem{item})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if store.lookups != 0 || len(creator.calls) != 0 {
		t.Errorf("resolved item triggered remote work: %d lookups %d creates", store.lookups, len(creator.calls))
	}
	id, ok := res.IDFor(item)
	if !ok || id != "grp-77" {
		t.Errorf("expected row id grp-77, got %q", id)
	}
	if err := res.FailureFor(item); err != nil {
		t.Errorf("resolved item reported failure: %v", err)
	}
}

func TestResolver_Unit_StoreLookupAvoidsCreate(t *testing.T) {
	store := &fakeStore{known: map[string]string{"spring": "grp-5"}}
	creator := &fakeCreator{}
	r := NewResolver(store, creator, false)

	res, err := r.EnsureGroups(context.Background(), []*model.WorkItem{itemInGroup(1, "spring")})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(creator.calls) != 0 {
		t.Errorf("known group recreated")
	}
	if id, _ := res.IDFor(itemInGroup(2, "spring")); id != "grp-5" {
		t.Errorf("expected grp-5, got %q", id)
	}
}

func TestResolver_Unit_CreatesEachNameOnce(t *testing.T) {
	store := &fakeStore{}
	creator := &fakeCreator{}
	r := NewResolver(store, creator, false)

	items := []*model.WorkItem{
		itemInGroup(1, "spring"),
		itemInGroup(2, "spring"),
		itemInGroup(3, "fall"),
	}
	res, err := r.EnsureGroups(context.Background(), items)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(creator.calls) != 2 {
		t.Fatalf("expected 2 creates, got %v", creator.calls)
	}
	if len(res.Created) != 2 {
		t.Errorf("expected 2 created groups, got %d", len(res.Created))
	}
	id1, _ := res.IDFor(items[0])
	id2, _ := res.IDFor(items[1])
	if id1 == "" || id1 != id2 {
		t.Errorf("siblings observed different ids: %q vs %q", id1, id2)
	}
	if store.assigns["spring"] != id1 {
		t.Errorf("spring id not persisted: %v", store.assigns)
	}

	// A second pass settles from cache: no lookups, no creates.
	store.lookups = 0
	res2, err := r.EnsureGroups(context.Background(), items)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if store.lookups != 0 || len(creator.calls) != 2 {
		t.Errorf("second pass did remote work: %d lookups %d creates", store.lookups, len(creator.calls))
	}
	if id, _ := res2.IDFor(items[0]); id != id1 {
		t.Errorf("cache lost id: %q", id)
	}
}

func TestResolver_Unit_CreateFailureIsolatedPerName(t *testing.T) {
	store := &fakeStore{}
	creator := &fakeCreator{errs: map[string]error{"fall": errors.New("boom")}}
	r := NewResolver(store, creator, false)

	spring := itemInGroup(1, "spring")
	fall := itemInGroup(2, "fall")
	res, err := r.EnsureGroups(context.Background(), []*model.WorkItem{spring, fall})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := res.FailureFor(spring); err != nil {
		t.Errorf("healthy group failed: %v", err)
	}
	ferr := res.FailureFor(fall)
	if ferr == nil {
		t.Fatal("expected failure for fall")
	}
	var coded *model.Error
	if !errors.As(ferr, &coded) || coded.Code != model.CodeMissingGroup || coded.Retryable {
		t.Errorf("expected terminal %s, got %v", model.CodeMissingGroup, ferr)
	}
	if len(res.FailedGroups()) != 1 {
		t.Errorf("expected 1 failed group, got %d", len(res.FailedGroups()))
	}
}

func TestResolver_Unit_MissingNameFailsWithoutRemoteCalls(t *testing.T) {
	store := &fakeStore{}
	creator := &fakeCreator{}
	r := NewResolver(store, creator, false)

	item := itemInGroup(1, "")
	res, err := r.EnsureGroups(context.Background(), []*model.WorkItem{item})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if store.lookups != 0 || len(creator.calls) != 0 {
		t.Errorf("nameless item triggered remote work")
	}
	ferr := res.FailureFor(item)
	var coded *model.Error
	if !errors.As(ferr, &coded) || coded.Code != model.CodeMissingGroup {
		t.Errorf("expected %s, got %v", model.CodeMissingGroup, ferr)
	}
}

func TestResolver_Unit_DryRunSkipsPersistence(t *testing.T) {
	store := &fakeStore{}
	creator := &fakeCreator{}
	r := NewResolver(store, creator, true)

	item := itemInGroup(1, "spring")
	res, err := r.EnsureGroups(context.Background(), []*model.WorkItem{item})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(creator.dryRun) != 1 || !creator.dryRun[0] {
		t.Errorf("creator not called in dry-run mode")
	}
	if len(store.assigns) != 0 {
		t.Errorf("dry run persisted group ids: %v", store.assigns)
	}
	if id, ok := res.IDFor(item); !ok || id == "" {
		t.Errorf("dry run item left unresolved")
	}
}

func TestResolver_Unit_AssignFailureFailsGroup(t *testing.T) {
	store := &fakeStore{assignErr: errors.New("pool closed")}
	creator := &fakeCreator{}
	r := NewResolver(store, creator, false)

	item := itemInGroup(1, "spring")
	res, err := r.EnsureGroups(context.Background(), []*model.WorkItem{item})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := res.FailureFor(item); err == nil {
		t.Error("unpersisted group treated as resolved")
	}
}

func TestResolver_Unit_LookupErrorAborts(t *testing.T) {
	store := &fakeStore{lookupErr: errors.New("connection refused")}
	creator := &fakeCreator{}
	r := NewResolver(store, creator, false)

	_, err := r.EnsureGroups(context.Background(), []*model.WorkItem{itemInGroup(1, "spring")})
	if err == nil {
		t.Fatal("expected lookup error to abort")
	}
	if len(creator.calls) != 0 {
		t.Errorf("creation attempted after failed lookup")
	}
}
