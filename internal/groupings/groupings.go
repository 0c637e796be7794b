package groupings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoStore indicates a save was attempted before the grouping set was
// bound to a store; a set loaded through the state manager is always
// bound.
var ErrNoStore = errors.New("groupings: no store attached")

// EntityGroupings is the in-memory set of grouping records for one
// (objType, fieldName, scope filters) triple: the mailbox hierarchy of
// one user, the option list of one fkey field. Deletions queue separately
// from the active set so the store can emit delete events on save.
type EntityGroupings struct {
	objType   string
	fieldName string
	filters   map[string]string

	groups  []*Group
	deleted []*Group

	store *Store
}

// ObjectType returns the object type the groupings belong to.
func (eg *EntityGroupings) ObjectType() string {
	return eg.objType
}

// FieldName returns the grouping field name.
func (eg *EntityGroupings) FieldName() string {
	return eg.fieldName
}

// Filters returns the scope filters the set was loaded under.
func (eg *EntityGroupings) Filters() map[string]string {
	return eg.filters
}

// FiltersHash returns the canonical hash of the scope filters, "none"
// when the set is unscoped. The hash is part of the commit head key.
func (eg *EntityGroupings) FiltersHash() string {
	return hashFilters(eg.filters)
}

// HeadKey returns the commit head key for this grouping stream.
func (eg *EntityGroupings) HeadKey() string {
	return fmt.Sprintf("groupings/%s/%s/%s", eg.objType, eg.fieldName, eg.FiltersHash())
}

// All returns the active groups.
func (eg *EntityGroupings) All() []*Group {
	return eg.groups
}

// GetByID returns the active group with the identifier, or nil.
func (eg *EntityGroupings) GetByID(id string) *Group {
	for _, group := range eg.groups {
		if group.id == id {
			return group
		}
	}
	return nil
}

// GetByName returns the group with an exact name match under the parent
// scope, or nil. An empty parentID scopes to the roots.
func (eg *EntityGroupings) GetByName(name, parentID string) *Group {
	for _, group := range eg.groups {
		if group.name == name && group.parentID == parentID {
			return group
		}
	}
	return nil
}

// GetByPath resolves a /-delimited hierarchical path one level at a
// time, or returns nil when any segment is missing.
func (eg *EntityGroupings) GetByPath(path string) *Group {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	parentID := ""
	var current *Group
	for _, segment := range segments {
		if segment == "" {
			return nil
		}
		current = eg.GetByName(segment, parentID)
		if current == nil {
			return nil
		}
		parentID = current.id
	}
	return current
}

// Create builds a new dirty group attached to the set, rejecting a
// sibling name collision.
func (eg *EntityGroupings) Create(name, parentID string) (*Group, error) {
	validName, err := validateName(name)
	if err != nil {
		return nil, err
	}
	id, err := eg.newID()
	if err != nil {
		return nil, err
	}
	group := &Group{id: id, name: validName, parentID: parentID, dirty: true}
	if err := eg.Add(group); err != nil {
		return nil, err
	}
	return group, nil
}

// Add attaches a group to the active set. A sibling with the same name
// under the same parent is rejected, as is a parent outside the set.
func (eg *EntityGroupings) Add(group *Group) error {
	if existing := eg.GetByName(group.name, group.parentID); existing != nil && existing.id != group.id {
		return fmt.Errorf("%w: %q under parent %q", ErrDuplicateName, group.name, group.parentID)
	}
	if group.parentID != "" && eg.GetByID(group.parentID) == nil {
		return fmt.Errorf("%w: %q", ErrUnknownParent, group.parentID)
	}
	eg.groups = append(eg.groups, group)
	return nil
}

// Move reparents a group, rejecting sibling name collisions and cycles.
func (eg *EntityGroupings) Move(groupID, newParentID string) error {
	group := eg.GetByID(groupID)
	if group == nil {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, groupID)
	}
	if group.parentID == newParentID {
		return nil
	}
	if newParentID != "" {
		if eg.GetByID(newParentID) == nil {
			return fmt.Errorf("%w: %q", ErrUnknownParent, newParentID)
		}
		// Walk up from the new parent; hitting the group itself would
		// close a cycle and orphan the subtree from path resolution.
		for ancestorID := newParentID; ancestorID != ""; {
			if ancestorID == groupID {
				return fmt.Errorf("%w: %q cannot become its own ancestor", ErrGroupingCycle, groupID)
			}
			ancestor := eg.GetByID(ancestorID)
			if ancestor == nil {
				break
			}
			ancestorID = ancestor.parentID
		}
	}
	if existing := eg.GetByName(group.name, newParentID); existing != nil && existing.id != group.id {
		return fmt.Errorf("%w: %q under parent %q", ErrDuplicateName, group.name, newParentID)
	}
	group.parentID = newParentID
	group.dirty = true
	return nil
}

// Delete moves a group from the active set to the deleted queue,
// reporting whether the id was found. The durable delete and its export
// event happen on the next save.
func (eg *EntityGroupings) Delete(id string) bool {
	for i, group := range eg.groups {
		if group.id == id {
			eg.groups = append(eg.groups[:i], eg.groups[i+1:]...)
			eg.deleted = append(eg.deleted, group)
			return true
		}
	}
	return false
}

// Changed returns the groups with unsaved changes.
func (eg *EntityGroupings) Changed() []*Group {
	changed := make([]*Group, 0)
	for _, group := range eg.groups {
		if group.dirty {
			changed = append(changed, group)
		}
	}
	return changed
}

// DeletedQueue returns the groups awaiting durable deletion.
func (eg *EntityGroupings) DeletedQueue() []*Group {
	return eg.deleted
}

// Save persists through the attached store, failing when the set was
// never bound to one.
func (eg *EntityGroupings) Save(ctx context.Context) (SaveResult, error) {
	if eg.store == nil || eg.store.manager == nil {
		return SaveResult{}, ErrNoStore
	}
	return eg.store.manager.Save(ctx, eg)
}

func (eg *EntityGroupings) newID() (string, error) {
	if eg.store == nil || eg.store.ids == nil {
		return "", ErrNoStore
	}
	return eg.store.ids.NewID()
}

func (eg *EntityGroupings) clearDeleted() {
	eg.deleted = nil
}

// hashFilters canonicalizes scope filters into a short stable hash.
// json.Marshal sorts map keys, so equal filter sets hash identically.
func hashFilters(filters map[string]string) string {
	if len(filters) == 0 {
		return "none"
	}
	encoded, err := json.Marshal(filters)
	if err != nil {
		return "none"
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])[:12]
}

// cacheKey identifies one grouping set in the state manager's memo.
func cacheKey(objType, fieldName string, filters map[string]string) string {
	return objType + "/" + fieldName + "/" + hashFilters(filters)
}
