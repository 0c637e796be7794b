package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stickaround/entitysync/internal/commit"
)

const (
	opSaveObject   = "entity.save_object"
	opGetObject    = "entity.get_object"
	opDeleteObject = "entity.delete_object"
	opChangedSince = "entity.changed_since"
	opResolve      = "entity.resolve"

	reasonMissingDatabase    = "missing_database"
	reasonMissingCommits     = "missing_commit_issuer"
	reasonFieldsEncodeFailed = "fields_encode_failed"
	reasonFieldsDecodeFailed = "fields_decode_failed"
	reasonCommitIssueFailed  = "commit_issue_failed"
	reasonObjectLoadFailed   = "object_load_failed"
	reasonObjectSaveFailed   = "object_save_failed"
	reasonStalePublishFailed = "stale_publish_failed"
	reasonQueryFailed        = "query_failed"

	fieldObjectType = "object_type"
	fieldObjectID   = "object_id"
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingCommitIssuer = errors.New("commit issuer is required")
	noOpLogger             = zap.NewNop()
)

// StoreError wraps object storage failures with an operation code.
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

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code for the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// CommitIssuer issues commit identifiers for object change-streams.
type CommitIssuer interface {
	CreateCommit(ctx context.Context, headKey commit.HeadKey) (commit.CommitID, error)
}

// StalePublisher is notified when a save supersedes a previously
// committed object state, so subscriber collections can be re-derived.
type StalePublisher interface {
	PublishEntityStale(ctx context.Context, accountID string, lastCommitID, newCommitID int64) error
}

// StoreConfig configures an object Store. AccountID scopes the store to
// one tenant; stale signals carry it so only that account's collections
// are re-derived.
type StoreConfig struct {
	Database  *gorm.DB
	Commits   CommitIssuer
	Stale     StalePublisher
	AccountID string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Store persists objects with per-save commit stamping. Every save and
// delete pulls a fresh commit id for the head "entities/<objType>" so the
// sync engine can order changes, and publishes a stale signal for the
// superseded commit when one exists.
type Store struct {
	db        *gorm.DB
	commits   CommitIssuer
	stale     StalePublisher
	accountID string
	clock     func() time.Time
	logger    *zap.Logger
}

// NewStore constructs an object Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opSaveObject, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Commits == nil {
		return nil, newStoreError(opSaveObject, reasonMissingCommits, errMissingCommitIssuer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:        cfg.Database,
		commits:   cfg.Commits,
		stale:     cfg.Stale,
		accountID: cfg.AccountID,
		clock:     clock,
		logger:    logger,
	}, nil
}

// HeadKeyForType returns the commit head key for an object type stream.
func HeadKeyForType(objType ObjectType) (commit.HeadKey, error) {
	return commit.NewHeadKey("entities/" + objType.String())
}

// Save persists the field values under a fresh commit id and returns the
// stored object. An existing object is overwritten; its prior commit id
// is reported stale so exported copies get re-derived.
func (s *Store) Save(ctx context.Context, objType ObjectType, objectID ObjectID, fields map[string]string) (Object, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		s.logError(opSaveObject, reasonFieldsEncodeFailed, err, zap.String(fieldObjectID, objectID.String()))
		return Object{}, newStoreError(opSaveObject, reasonFieldsEncodeFailed, err)
	}

	headKey, err := HeadKeyForType(objType)
	if err != nil {
		return Object{}, newStoreError(opSaveObject, reasonCommitIssueFailed, err)
	}
	commitID, err := s.commits.CreateCommit(ctx, headKey)
	if err != nil {
		s.logError(opSaveObject, reasonCommitIssueFailed, err, zap.String(fieldObjectType, objType.String()))
		return Object{}, newStoreError(opSaveObject, reasonCommitIssueFailed, err)
	}

	var previousCommit int64
	model := Object{
		ObjectType:       objType.String(),
		ObjectID:         objectID.String(),
		CommitID:         commitID.Int64(),
		FieldsJSON:       string(encoded),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Object
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("object_type = ? AND object_id = ?", objType.String(), objectID.String()).
			Take(&existing).Error
		if err == nil {
			previousCommit = existing.CommitID
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opSaveObject, reasonObjectLoadFailed, err, zap.String(fieldObjectID, objectID.String()))
			return newStoreError(opSaveObject, reasonObjectLoadFailed, err)
		}
		if saveErr := tx.Save(&model).Error; saveErr != nil {
			s.logError(opSaveObject, reasonObjectSaveFailed, saveErr, zap.String(fieldObjectID, objectID.String()))
			return newStoreError(opSaveObject, reasonObjectSaveFailed, saveErr)
		}
		return nil
	})
	if txErr != nil {
		return Object{}, txErr
	}

	if err := s.publishStale(ctx, previousCommit, commitID.Int64()); err != nil {
		return Object{}, err
	}
	return model, nil
}

// Get loads an object, returning (nil, nil) when it does not exist.
func (s *Store) Get(ctx context.Context, objType ObjectType, objectID ObjectID) (*Object, error) {
	var model Object
	err := s.db.WithContext(ctx).
		Where("object_type = ? AND object_id = ?", objType.String(), objectID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetObject, reasonObjectLoadFailed, err, zap.String(fieldObjectID, objectID.String()))
		return nil, newStoreError(opGetObject, reasonObjectLoadFailed, err)
	}
	return &model, nil
}

// Delete soft-deletes an object under a fresh commit id, so the deletion
// itself is an ordered, syncable change. Deleting a missing or already
// deleted object is a no-op.
func (s *Store) Delete(ctx context.Context, objType ObjectType, objectID ObjectID) error {
	existing, err := s.Get(ctx, objType, objectID)
	if err != nil {
		return err
	}
	if existing == nil || existing.IsDeleted {
		return nil
	}

	headKey, err := HeadKeyForType(objType)
	if err != nil {
		return newStoreError(opDeleteObject, reasonCommitIssueFailed, err)
	}
	commitID, err := s.commits.CreateCommit(ctx, headKey)
	if err != nil {
		s.logError(opDeleteObject, reasonCommitIssueFailed, err, zap.String(fieldObjectType, objType.String()))
		return newStoreError(opDeleteObject, reasonCommitIssueFailed, err)
	}

	previousCommit := existing.CommitID
	existing.IsDeleted = true
	existing.CommitID = commitID.Int64()
	existing.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Save(existing).Error; err != nil {
		s.logError(opDeleteObject, reasonObjectSaveFailed, err, zap.String(fieldObjectID, objectID.String()))
		return newStoreError(opDeleteObject, reasonObjectSaveFailed, err)
	}

	return s.publishStale(ctx, previousCommit, commitID.Int64())
}

// Fields decodes the stored field values.
func (o *Object) Fields() (map[string]string, error) {
	fields := make(map[string]string)
	if o.FieldsJSON == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(o.FieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("%s: %w", reasonFieldsDecodeFailed, err)
	}
	return fields, nil
}

// SourceStat reports one object whose commit is newer than a watermark.
type SourceStat struct {
	ObjectID string
	CommitID int64
}

// ChangedSince returns up to limit live objects of the type that match
// the conditions and carry a commit id newer than sinceCommit, ordered
// by commit id.
func (s *Store) ChangedSince(ctx context.Context, objType string, fieldName string, conditions []Condition, sinceCommit int64, limit int) ([]SourceStat, error) {
	var models []Object
	if err := s.db.WithContext(ctx).
		Where("object_type = ? AND commit_id > ? AND is_deleted = ?", objType, sinceCommit, false).
		Order("commit_id ASC").
		Find(&models).Error; err != nil {
		s.logError(opChangedSince, reasonQueryFailed, err, zap.String(fieldObjectType, objType))
		return nil, newStoreError(opChangedSince, reasonQueryFailed, err)
	}

	stats := make([]SourceStat, 0, len(models))
	for _, model := range models {
		fields, err := model.Fields()
		if err != nil {
			s.logError(opChangedSince, reasonFieldsDecodeFailed, err, zap.String(fieldObjectID, model.ObjectID))
			return nil, newStoreError(opChangedSince, reasonFieldsDecodeFailed, err)
		}
		if !MatchesAll(conditions, fields) {
			continue
		}
		stats = append(stats, SourceStat{ObjectID: model.ObjectID, CommitID: model.CommitID})
		if limit > 0 && len(stats) >= limit {
			break
		}
	}
	return stats, nil
}

// ResolveResult reports an object's current standing against a filter.
type ResolveResult struct {
	Exists   bool
	Matches  bool
	CommitID int64
}

// Resolve reports whether the object still exists and still satisfies
// the conditions, along with its current commit id.
func (s *Store) Resolve(ctx context.Context, objType string, fieldName string, conditions []Condition, objectID string) (ResolveResult, error) {
	var model Object
	err := s.db.WithContext(ctx).
		Where("object_type = ? AND object_id = ?", objType, objectID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ResolveResult{}, nil
	}
	if err != nil {
		s.logError(opResolve, reasonObjectLoadFailed, err, zap.String(fieldObjectID, objectID))
		return ResolveResult{}, newStoreError(opResolve, reasonObjectLoadFailed, err)
	}
	if model.IsDeleted {
		return ResolveResult{Exists: false, CommitID: model.CommitID}, nil
	}
	fields, err := model.Fields()
	if err != nil {
		s.logError(opResolve, reasonFieldsDecodeFailed, err, zap.String(fieldObjectID, objectID))
		return ResolveResult{}, newStoreError(opResolve, reasonFieldsDecodeFailed, err)
	}
	return ResolveResult{
		Exists:   true,
		Matches:  MatchesAll(conditions, fields),
		CommitID: model.CommitID,
	}, nil
}

func (s *Store) publishStale(ctx context.Context, lastCommitID, newCommitID int64) error {
	if s.stale == nil || lastCommitID == 0 {
		return nil
	}
	if err := s.stale.PublishEntityStale(ctx, s.accountID, lastCommitID, newCommitID); err != nil {
		s.logError(opSaveObject, reasonStalePublishFailed, err,
			zap.Int64("last_commit_id", lastCommitID),
			zap.Int64("new_commit_id", newCommitID))
		return newStoreError(opSaveObject, reasonStalePublishFailed, err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("entity store error", attrs...)
}
