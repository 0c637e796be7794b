package groupings

import (
	"errors"
	"fmt"
	"strings"
)

const maxNameLength = 190

var (
	// ErrInvalidGroupName indicates that a group name is empty, contains a
	// path separator, or exceeds storage bounds.
	ErrInvalidGroupName = errors.New("groupings: invalid group name")
	// ErrDuplicateName indicates that a sibling with the same name already
	// exists under the same parent.
	ErrDuplicateName = errors.New("groupings: duplicate sibling name")
	// ErrGroupingCycle indicates that a reparent would make a group its
	// own ancestor. Cycles are rejected outright: a cyclic hierarchy is
	// unreachable by path resolution.
	ErrGroupingCycle = errors.New("groupings: circular parent reference")
	// ErrUnknownGroup indicates the referenced group is not in the set.
	ErrUnknownGroup = errors.New("groupings: unknown group")
	// ErrUnknownParent indicates the referenced parent is not in the set.
	ErrUnknownParent = errors.New("groupings: unknown parent group")
)

// Group is one hierarchical grouping record: a mailbox folder, a label,
// or a generic fkey option. A group carries a dirty flag so a save only
// touches what actually changed.
type Group struct {
	id         string
	name       string
	parentID   string
	systemFlag bool
	sortOrder  int
	commitID   int64
	dirty      bool
}

func validateName(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidGroupName)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: contains path separator", ErrInvalidGroupName)
	}
	if len(trimmed) > maxNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidGroupName, maxNameLength)
	}
	return trimmed, nil
}

// ID returns the group identifier.
func (g *Group) ID() string {
	return g.id
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.name
}

// SetName renames the group and marks it dirty.
func (g *Group) SetName(rawInput string) error {
	name, err := validateName(rawInput)
	if err != nil {
		return err
	}
	if g.name == name {
		return nil
	}
	g.name = name
	g.dirty = true
	return nil
}

// ParentID returns the parent group identifier, empty for roots.
func (g *Group) ParentID() string {
	return g.parentID
}

// SystemFlag reports whether the group is system-managed.
func (g *Group) SystemFlag() bool {
	return g.systemFlag
}

// SetSystemFlag updates the system flag and marks the group dirty.
func (g *Group) SetSystemFlag(value bool) {
	if g.systemFlag == value {
		return
	}
	g.systemFlag = value
	g.dirty = true
}

// SortOrder returns the sibling ordering hint.
func (g *Group) SortOrder() int {
	return g.sortOrder
}

// SetSortOrder updates the ordering hint and marks the group dirty.
func (g *Group) SetSortOrder(value int) {
	if g.sortOrder == value {
		return
	}
	g.sortOrder = value
	g.dirty = true
}

// CommitID returns the commit the group's current state was saved under.
func (g *Group) CommitID() int64 {
	return g.commitID
}

// Dirty reports whether the group has unsaved changes.
func (g *Group) Dirty() bool {
	return g.dirty
}

// GroupRecord is the persisted grouping row.
type GroupRecord struct {
	GroupID     string `gorm:"column:group_id;primaryKey;size:190;not null"`
	ObjectType  string `gorm:"column:object_type;size:190;not null;index:idx_groupings_scope,priority:1"`
	FieldName   string `gorm:"column:field_name;size:190;not null;index:idx_groupings_scope,priority:2"`
	FiltersHash string `gorm:"column:filters_hash;size:64;not null;index:idx_groupings_scope,priority:3"`
	Name        string `gorm:"column:name;size:190;not null"`
	ParentID    string `gorm:"column:parent_id;size:190;not null;default:''"`
	SystemFlag  bool   `gorm:"column:system_flag;not null;default:false"`
	SortOrder   int    `gorm:"column:sort_order;not null;default:0"`
	CommitID    int64  `gorm:"column:commit_id;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (GroupRecord) TableName() string {
	return "entity_groupings"
}
