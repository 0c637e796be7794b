package groupings

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stickaround/entitysync/internal/entity"
)

const (
	opLoadGroupings = "groupings.load"
	opSaveGroupings = "groupings.save"
	opChangedSince  = "groupings.changed_since"
	opResolve       = "groupings.resolve"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonQueryFailed       = "query_failed"
	reasonSaveFailed        = "save_failed"
	reasonDeleteFailed      = "delete_failed"

	fieldObjectType = "object_type"
	fieldFieldName  = "field_name"
	fieldGroupID    = "group_id"
)

var noOpLogger = zap.NewNop()

// StoreError carries a stable operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Code returns the stable error code.
func (e *StoreError) Code() string {
	return e.code
}

// Unwrap exposes the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.err
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for new groups.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig configures a grouping Store.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the data mapper between grouping sets and their rows. It also
// serves grouping collections as a change source for reconciliation.
type Store struct {
	db      *gorm.DB
	ids     IDProvider
	logger  *zap.Logger
	manager *StateManager
}

// NewStore validates the configuration and builds a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opLoadGroupings, reasonMissingDatabase, errors.New("database handle is required"))
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opLoadGroupings, reasonMissingIDProvider, errors.New("id provider is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, ids: cfg.IDProvider, logger: logger}, nil
}

// LoadGroupings reads the grouping set for the scope, ordered for stable
// sibling traversal. An empty scope loads as an empty, saveable set.
func (s *Store) LoadGroupings(ctx context.Context, objType, fieldName string, filters map[string]string) (*EntityGroupings, error) {
	var records []GroupRecord
	if err := s.db.WithContext(ctx).
		Where("object_type = ? AND field_name = ? AND filters_hash = ?", objType, fieldName, hashFilters(filters)).
		Order("sort_order ASC, name ASC").
		Find(&records).Error; err != nil {
		s.logError(opLoadGroupings, reasonQueryFailed, err,
			zap.String(fieldObjectType, objType), zap.String(fieldFieldName, fieldName))
		return nil, newStoreError(opLoadGroupings, reasonQueryFailed, err)
	}

	set := &EntityGroupings{
		objType:   objType,
		fieldName: fieldName,
		filters:   filters,
		store:     s,
	}
	for _, record := range records {
		set.groups = append(set.groups, &Group{
			id:         record.GroupID,
			name:       record.Name,
			parentID:   record.ParentID,
			systemFlag: record.SystemFlag,
			sortOrder:  record.SortOrder,
			commitID:   record.CommitID,
		})
	}
	return set, nil
}

// SaveGroupings writes the dirty groups under commitID and removes the
// queued deletions, returning what changed. Deleted groups keep the
// commit id they last carried so their retirement can be announced.
func (s *Store) SaveGroupings(ctx context.Context, set *EntityGroupings, commitID int64) (changed []*Group, deleted []*Group, err error) {
	if set == nil {
		return nil, nil, newStoreError(opSaveGroupings, reasonSaveFailed, errors.New("grouping set is required"))
	}

	changed = set.Changed()
	deleted = set.DeletedQueue()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, group := range changed {
			record := GroupRecord{
				GroupID:     group.id,
				ObjectType:  set.objType,
				FieldName:   set.fieldName,
				FiltersHash: set.FiltersHash(),
				Name:        group.name,
				ParentID:    group.parentID,
				SystemFlag:  group.systemFlag,
				SortOrder:   group.sortOrder,
				CommitID:    commitID,
			}
			if err := tx.Save(&record).Error; err != nil {
				s.logError(opSaveGroupings, reasonSaveFailed, err, zap.String(fieldGroupID, group.id))
				return newStoreError(opSaveGroupings, reasonSaveFailed, err)
			}
		}
		for _, group := range deleted {
			if err := tx.Where("group_id = ?", group.id).Delete(&GroupRecord{}).Error; err != nil {
				s.logError(opSaveGroupings, reasonDeleteFailed, err, zap.String(fieldGroupID, group.id))
				return newStoreError(opSaveGroupings, reasonDeleteFailed, err)
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, nil, txErr
	}

	for _, group := range changed {
		group.commitID = commitID
		group.dirty = false
	}
	set.clearDeleted()
	return changed, deleted, nil
}

// ChangedSince lists groups in the scope whose commit id moved past
// sinceCommit. For groupings the collection conditions are the scope
// filters, so they select the stream rather than filter rows within it.
func (s *Store) ChangedSince(ctx context.Context, objType string, fieldName string, conditions []entity.Condition, sinceCommit int64, limit int) ([]entity.SourceStat, error) {
	query := s.db.WithContext(ctx).
		Where("object_type = ? AND field_name = ? AND filters_hash = ? AND commit_id > ?",
			objType, fieldName, hashFilters(filtersFromConditions(conditions)), sinceCommit).
		Order("commit_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []GroupRecord
	if err := query.Find(&records).Error; err != nil {
		s.logError(opChangedSince, reasonQueryFailed, err,
			zap.String(fieldObjectType, objType), zap.String(fieldFieldName, fieldName))
		return nil, newStoreError(opChangedSince, reasonQueryFailed, err)
	}
	stats := make([]entity.SourceStat, 0, len(records))
	for _, record := range records {
		stats = append(stats, entity.SourceStat{ObjectID: record.GroupID, CommitID: record.CommitID})
	}
	return stats, nil
}

// Resolve reports a group's current standing. A group lives in exactly
// one scope, so existence within the scope implies a match.
func (s *Store) Resolve(ctx context.Context, objType string, fieldName string, conditions []entity.Condition, objectID string) (entity.ResolveResult, error) {
	var record GroupRecord
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND object_type = ? AND field_name = ? AND filters_hash = ?",
			objectID, objType, fieldName, hashFilters(filtersFromConditions(conditions))).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entity.ResolveResult{}, nil
	}
	if err != nil {
		s.logError(opResolve, reasonQueryFailed, err, zap.String(fieldGroupID, objectID))
		return entity.ResolveResult{}, newStoreError(opResolve, reasonQueryFailed, err)
	}
	return entity.ResolveResult{Exists: true, Matches: true, CommitID: record.CommitID}, nil
}

// filtersFromConditions projects equality conditions onto the scope
// filter map grouping streams are keyed by.
func filtersFromConditions(conditions []entity.Condition) map[string]string {
	if len(conditions) == 0 {
		return nil
	}
	filters := make(map[string]string, len(conditions))
	for _, condition := range conditions {
		if condition.Operator != entity.OperatorEqual {
			continue
		}
		filters[condition.Field] = condition.Value
	}
	if len(filters) == 0 {
		return nil
	}
	return filters
}

// SortSiblings orders groups for display: sort order first, then name.
func SortSiblings(groups []*Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].sortOrder != groups[j].sortOrder {
			return groups[i].sortOrder < groups[j].sortOrder
		}
		return groups[i].name < groups[j].name
	})
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	s.logger.Error("grouping store operation failed", append(attrs, fields...)...)
}
