// Package groups resolves named remote containers before items that depend
// on them are scheduled. Each distinct name is created at most once; every
// item sharing a name observes the same resolved id, and items whose group
// cannot be resolved are failed without ever being submitted.
package groups

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

// GroupStore is the slice of the state store the resolver needs.
type GroupStore interface {
	LookupGroupIDs(ctx context.Context, names []string) (map[string]string, error)
	AssignGroupID(ctx context.Context, name, externalID string) (int64, error)
}

// GroupCreator creates one named container remotely and returns its id.
type GroupCreator interface {
	CreateGroup(ctx context.Context, name string, dryRun bool) (string, error)
}

// Resolver ensures every group name referenced by a run's items has an
// external id before any dependent item is submitted. Successful resolutions
// are cached for the life of the resolver, so repeated calls make no remote
// calls for names already settled.
type Resolver struct {
	store   GroupStore
	creator GroupCreator
	dryRun  bool

	cache map[string]string
}

// NewResolver builds a resolver. In dry-run mode created groups get synthetic
// ids and nothing is persisted.
func NewResolver(store GroupStore, creator GroupCreator, dryRun bool) *Resolver {
	return &Resolver{
		store:   store,
		creator: creator,
		dryRun:  dryRun,
		cache:   map[string]string{},
	}
}

// Resolution reports the outcome of one EnsureGroups pass. It is read-only
// after the pass completes.
type Resolution struct {
	ids     map[string]string
	failed  map[string]error
	Created []model.Group
}

// IDFor returns the resolved group id for an item: the id already carried by
// the row wins, then the resolution by name.
func (r *Resolution) IDFor(item *model.WorkItem) (string, bool) {
	if item.GroupID != nil && *item.GroupID != "" {
		return *item.GroupID, true
	}
	id, ok := r.ids[item.GroupName]
	return id, ok
}

// FailureFor returns the terminal error barring an item from submission:
// a missing group name, or a group that could not be created.
func (r *Resolution) FailureFor(item *model.WorkItem) error {
	if item.GroupID != nil && *item.GroupID != "" {
		return nil
	}
	if item.GroupName == "" {
		return model.NewError(model.CodeMissingGroup, false, fmt.Errorf("item %d has no group name", item.ID))
	}
	if err, ok := r.failed[item.GroupName]; ok {
		return err
	}
	if _, ok := r.ids[item.GroupName]; !ok {
		return model.NewError(model.CodeMissingGroup, false, fmt.Errorf("group %q unresolved", item.GroupName))
	}
	return nil
}

// FailedGroups returns the per-name creation failures of the pass.
func (r *Resolution) FailedGroups() map[string]error {
	return r.failed
}

// EnsureGroups settles every group name the items reference. Names already
// resolved (on the rows, in the resolver cache, or in the store) cost
// nothing; the rest are created remotely one by one, and each fresh id is
// written through to every row sharing the name before any item batch is
// scheduled. Creation failures are isolated per name: other groups and their
// items proceed.
//
// The returned error is reserved for store lookup failures, which leave the
// whole pass undecidable.
func (r *Resolver) EnsureGroups(ctx context.Context, items []*model.WorkItem) (*Resolution, error) {
	res := &Resolution{
		ids:    map[string]string{},
		failed: map[string]error{},
	}

	// Distinct unresolved names, in deterministic order.
	pending := map[string]bool{}
	for _, it := range items {
		if it.GroupName == "" || (it.GroupID != nil && *it.GroupID != "") {
			continue
		}
		if id, ok := r.cache[it.GroupName]; ok {
			res.ids[it.GroupName] = id
			continue
		}
		pending[it.GroupName] = true
	}
	if len(pending) == 0 {
		return res, nil
	}

	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)

	known, err := r.store.LookupGroupIDs(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("lookup group ids: %w", err)
	}
	for name, id := range known {
		r.cache[name] = id
		res.ids[name] = id
		delete(pending, name)
	}

	for _, name := range names {
		if !pending[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, err := r.creator.CreateGroup(ctx, name, r.dryRun)
		if err != nil {
			log.Printf("groups: create %q failed: %v", name, err)
			res.failed[name] = model.NewError(model.CodeMissingGroup, false,
				fmt.Errorf("group %q unresolved: %w", name, err))
			continue
		}

		if !r.dryRun {
			n, err := r.store.AssignGroupID(ctx, name, id)
			if err != nil {
				// The remote group exists but no row records it; a later run
				// would create a duplicate. Fail the name so this surfaces.
				log.Printf("groups: assign %q=%s failed: %v", name, id, err)
				res.failed[name] = model.NewError(model.CodeMissingGroup, false,
					fmt.Errorf("group %q created as %s but not persisted: %w", name, id, err))
				continue
			}
			log.Printf("groups: created %q as %s (%d rows updated)", name, id, n)
		} else {
			log.Printf("groups: dry run created %q as %s", name, id)
		}

		r.cache[name] = id
		res.ids[name] = id
		res.Created = append(res.Created, model.Group{Name: name, ExternalID: id})
	}

	return res, nil
}
