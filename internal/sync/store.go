package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stickaround/entitysync/internal/entity"
)

const (
	opSavePartner     = "sync.save_partner"
	opGetPartner      = "sync.get_partner"
	opDeletePartner   = "sync.delete_partner"
	opLoadCollections = "sync.load_collections"
	opCollectionsOf   = "sync.collections_of_type"

	reasonMissingDatabase     = "missing_database"
	reasonMissingIDProvider   = "missing_id_provider"
	reasonIDGenerationFailed  = "id_generation_failed"
	reasonConditionsEncode    = "conditions_encode_failed"
	reasonConditionsDecode    = "conditions_decode_failed"
	reasonPartnerSaveFailed   = "partner_save_failed"
	reasonPartnerQueryFailed  = "partner_query_failed"
	reasonPartnerDeleteFailed = "partner_delete_failed"
	reasonCollectionSave      = "collection_save_failed"
	reasonCollectionQuery     = "collection_query_failed"
	reasonCollectionDelete    = "collection_delete_failed"
	reasonLedgerDeleteFailed  = "ledger_delete_failed"

	fieldPartnerID       = "partner_id"
	fieldRemotePartnerID = "remote_partner_id"
	fieldCollectionID    = "collection_id"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingPartner    = errors.New("partner is required")
	noOpLogger           = zap.NewNop()
)

// StoreError wraps sync storage failures with an operation code so callers
// never depend on the storage technology underneath.
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

// IDProvider issues identifiers for partners and collections.
type IDProvider interface {
	NewID() (string, error)
}

// ChangeSource enumerates and resolves domain objects for one collection
// type. The entity object store serves entity collections; the grouping
// store serves grouping collections.
type ChangeSource interface {
	ChangedSince(ctx context.Context, objType, fieldName string, conditions []entity.Condition, sinceCommit int64, limit int) ([]entity.SourceStat, error)
	Resolve(ctx context.Context, objType, fieldName string, conditions []entity.Condition, objectID string) (entity.ResolveResult, error)
}

// StoreConfig configures a sync Store.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store is the durable persistence layer for partners, collections, and
// the per-collection export/import ledgers. It is the only component that
// advances commit watermarks; all watermark writes are row-locked so the
// monotonic invariant holds under concurrent reconciliation attempts.
type Store struct {
	db     *gorm.DB
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a sync Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opSavePartner, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opSavePartner, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, ids: cfg.IDProvider, clock: clock, logger: logger}, nil
}

// SavePartner persists the partner and its active collections, assigning
// identifiers on first save, and consumes the pending-removal queue by
// deleting those collections together with their ledgers.
func (s *Store) SavePartner(ctx context.Context, partner *Partner) error {
	if partner == nil {
		return newStoreError(opSavePartner, reasonPartnerSaveFailed, errMissingPartner)
	}

	if partner.id == "" {
		id, err := s.ids.NewID()
		if err != nil {
			s.logError(opSavePartner, reasonIDGenerationFailed, err)
			return newStoreError(opSavePartner, reasonIDGenerationFailed, err)
		}
		partner.id = id
	}

	record := PartnerRecord{
		PartnerID:       partner.id,
		AccountID:       partner.accountID.String(),
		RemotePartnerID: partner.remoteID.String(),
		OwnerID:         partner.ownerID,
		LastSyncSeconds: formatLastSync(partner.lastSync),
	}

	collectionRecords := make([]CollectionRecord, 0, len(partner.collections))
	for _, collection := range partner.collections {
		if collection.id == "" {
			id, err := s.ids.NewID()
			if err != nil {
				s.logError(opSavePartner, reasonIDGenerationFailed, err)
				return newStoreError(opSavePartner, reasonIDGenerationFailed, err)
			}
			collection.id = id
		}
		collection.partnerID = partner.id
		collectionRecord, err := s.collectionToRecord(collection)
		if err != nil {
			return err
		}
		collectionRecords = append(collectionRecords, collectionRecord)
	}

	removedIDs := make([]string, 0, len(partner.pendingRemoval))
	for _, collection := range partner.pendingRemoval {
		if collection.id != "" {
			removedIDs = append(removedIDs, collection.id)
		}
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&record).Error; err != nil {
			s.logError(opSavePartner, reasonPartnerSaveFailed, err, zap.String(fieldPartnerID, partner.id))
			return newStoreError(opSavePartner, reasonPartnerSaveFailed, err)
		}
		for i := range collectionRecords {
			if err := tx.Save(&collectionRecords[i]).Error; err != nil {
				s.logError(opSavePartner, reasonCollectionSave, err, zap.String(fieldCollectionID, collectionRecords[i].CollectionID))
				return newStoreError(opSavePartner, reasonCollectionSave, err)
			}
		}
		if len(removedIDs) > 0 {
			if err := s.deleteCollections(tx, removedIDs); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	partner.clearPendingRemoval()
	return nil
}

// GetPartnerByRemoteID loads a partner by the identifier the external
// system supplied, returning (nil, nil) when no such partner exists.
func (s *Store) GetPartnerByRemoteID(ctx context.Context, accountID AccountID, remoteID RemotePartnerID) (*Partner, error) {
	var record PartnerRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND remote_partner_id = ?", accountID.String(), remoteID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetPartner, reasonPartnerQueryFailed, err, zap.String(fieldRemotePartnerID, remoteID.String()))
		return nil, newStoreError(opGetPartner, reasonPartnerQueryFailed, err)
	}
	return s.partnerFromRecord(ctx, record)
}

// GetPartnerByID loads a partner by internal identifier, returning
// (nil, nil) when no such partner exists.
func (s *Store) GetPartnerByID(ctx context.Context, partnerID string) (*Partner, error) {
	var record PartnerRecord
	err := s.db.WithContext(ctx).
		Where("partner_id = ?", partnerID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetPartner, reasonPartnerQueryFailed, err, zap.String(fieldPartnerID, partnerID))
		return nil, newStoreError(opGetPartner, reasonPartnerQueryFailed, err)
	}
	return s.partnerFromRecord(ctx, record)
}

// DeletePartner removes the partner, cascading to its collections and
// their export/import ledgers.
func (s *Store) DeletePartner(ctx context.Context, partner *Partner) error {
	if partner == nil || partner.id == "" {
		return newStoreError(opDeletePartner, reasonPartnerDeleteFailed, errMissingPartner)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var collectionIDs []string
		if err := tx.Model(&CollectionRecord{}).
			Where("partner_id = ?", partner.id).
			Pluck("collection_id", &collectionIDs).Error; err != nil {
			s.logError(opDeletePartner, reasonCollectionQuery, err, zap.String(fieldPartnerID, partner.id))
			return newStoreError(opDeletePartner, reasonCollectionQuery, err)
		}
		if len(collectionIDs) > 0 {
			if err := s.deleteCollections(tx, collectionIDs); err != nil {
				return err
			}
		}
		if err := tx.Where("partner_id = ?", partner.id).Delete(&PartnerRecord{}).Error; err != nil {
			s.logError(opDeletePartner, reasonPartnerDeleteFailed, err, zap.String(fieldPartnerID, partner.id))
			return newStoreError(opDeletePartner, reasonPartnerDeleteFailed, err)
		}
		return nil
	})
}

// CollectionByID loads a single collection, returning (nil, nil) when it
// does not exist.
func (s *Store) CollectionByID(ctx context.Context, collectionID string) (*Collection, error) {
	var record CollectionRecord
	err := s.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opLoadCollections, reasonCollectionQuery, err, zap.String(fieldCollectionID, collectionID))
		return nil, newStoreError(opLoadCollections, reasonCollectionQuery, err)
	}
	return s.collectionFromRecord(record)
}

// CollectionsOfType lists collections of one type, across all accounts
// when accountID is empty.
func (s *Store) CollectionsOfType(ctx context.Context, accountID AccountID, collType CollectionType) ([]*Collection, error) {
	query := s.db.WithContext(ctx).Where("collection_type = ?", int32(collType))
	if accountID != "" {
		query = query.Where("account_id = ?", accountID.String())
	}
	var records []CollectionRecord
	if err := query.Find(&records).Error; err != nil {
		s.logError(opCollectionsOf, reasonCollectionQuery, err)
		return nil, newStoreError(opCollectionsOf, reasonCollectionQuery, err)
	}
	collections := make([]*Collection, 0, len(records))
	for _, record := range records {
		collection, err := s.collectionFromRecord(record)
		if err != nil {
			return nil, err
		}
		collections = append(collections, collection)
	}
	return collections, nil
}

func (s *Store) partnerFromRecord(ctx context.Context, record PartnerRecord) (*Partner, error) {
	partner := &Partner{
		id:        record.PartnerID,
		remoteID:  RemotePartnerID(record.RemotePartnerID),
		accountID: AccountID(record.AccountID),
		ownerID:   record.OwnerID,
	}
	if record.LastSyncSeconds > 0 {
		partner.lastSync = time.Unix(record.LastSyncSeconds, 0).UTC()
	}

	var collectionRecords []CollectionRecord
	if err := s.db.WithContext(ctx).
		Where("partner_id = ?", record.PartnerID).
		Find(&collectionRecords).Error; err != nil {
		s.logError(opLoadCollections, reasonCollectionQuery, err, zap.String(fieldPartnerID, record.PartnerID))
		return nil, newStoreError(opLoadCollections, reasonCollectionQuery, err)
	}
	for _, collectionRecord := range collectionRecords {
		collection, err := s.collectionFromRecord(collectionRecord)
		if err != nil {
			return nil, err
		}
		partner.collections = append(partner.collections, collection)
	}
	return partner, nil
}

func (s *Store) collectionToRecord(collection *Collection) (CollectionRecord, error) {
	conditionsJSON := ""
	if len(collection.conditions) > 0 {
		encoded, err := json.Marshal(collection.conditions)
		if err != nil {
			s.logError(opSavePartner, reasonConditionsEncode, err, zap.String(fieldCollectionID, collection.id))
			return CollectionRecord{}, newStoreError(opSavePartner, reasonConditionsEncode, err)
		}
		conditionsJSON = string(encoded)
	}
	return CollectionRecord{
		CollectionID:   collection.id,
		PartnerID:      collection.partnerID,
		AccountID:      collection.accountID.String(),
		CollectionType: int32(collection.collType),
		ObjectType:     collection.objType,
		FieldName:      collection.fieldName,
		ConditionsJSON: conditionsJSON,
		LastCommitID:   collection.lastCommitID,
		Revision:       collection.revision,
	}, nil
}

func (s *Store) collectionFromRecord(record CollectionRecord) (*Collection, error) {
	var conditions []entity.Condition
	if record.ConditionsJSON != "" {
		if err := json.Unmarshal([]byte(record.ConditionsJSON), &conditions); err != nil {
			s.logError(opLoadCollections, reasonConditionsDecode, err, zap.String(fieldCollectionID, record.CollectionID))
			return nil, newStoreError(opLoadCollections, reasonConditionsDecode, err)
		}
	}
	collType, err := NewCollectionType(record.CollectionType)
	if err != nil {
		return nil, newStoreError(opLoadCollections, reasonConditionsDecode, err)
	}
	return &Collection{
		id:           record.CollectionID,
		partnerID:    record.PartnerID,
		accountID:    AccountID(record.AccountID),
		collType:     collType,
		objType:      record.ObjectType,
		fieldName:    record.FieldName,
		conditions:   entity.CanonicalConditions(conditions),
		lastCommitID: record.LastCommitID,
		revision:     record.Revision,
	}, nil
}

func (s *Store) deleteCollections(tx *gorm.DB, collectionIDs []string) error {
	if err := tx.Where("collection_id IN ?", collectionIDs).Delete(&ExportEntry{}).Error; err != nil {
		s.logError(opDeletePartner, reasonLedgerDeleteFailed, err)
		return newStoreError(opDeletePartner, reasonLedgerDeleteFailed, err)
	}
	if err := tx.Where("collection_id IN ?", collectionIDs).Delete(&ImportEntry{}).Error; err != nil {
		s.logError(opDeletePartner, reasonLedgerDeleteFailed, err)
		return newStoreError(opDeletePartner, reasonLedgerDeleteFailed, err)
	}
	if err := tx.Where("collection_id IN ?", collectionIDs).Delete(&CollectionRecord{}).Error; err != nil {
		s.logError(opDeletePartner, reasonCollectionDelete, err)
		return newStoreError(opDeletePartner, reasonCollectionDelete, err)
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
	s.logger.Error("sync store error", attrs...)
}
