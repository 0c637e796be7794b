package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opExportChanged  = "sync.export_changed"
	opImportChanged  = "sync.import_changed"
	opLogExported    = "sync.log_exported"
	opLogImported    = "sync.log_imported"
	opFastForward    = "sync.fast_forward"
	opApplyStaleMark = "sync.apply_stale_mark"

	reasonMissingCollection = "missing_collection"
	reasonMissingSource     = "missing_source"
	reasonExportQueryFailed = "export_query_failed"
	reasonExportSaveFailed  = "export_save_failed"
	reasonImportQueryFailed = "import_query_failed"
	reasonImportSaveFailed  = "import_save_failed"
	reasonSourceFailed      = "source_failed"
	reasonBrokenCommitChain = "broken_commit_chain"
	reasonWatermarkFailed   = "watermark_update_failed"
	reasonStaleUpdateFailed = "stale_update_failed"

	fieldObjectID = "object_id"
	fieldRemoteID = "remote_id"
)

// DefaultExportBatchSize bounds one ExportChanged call. Callers loop until
// a call returns zero actions; a single call never drains the backlog.
const DefaultExportBatchSize = 1000

var (
	errMissingCollection = errors.New("collection with an id is required")
	errMissingSource     = errors.New("change source is required")
)

// ExportChanged returns up to limit pending export actions for the
// collection: stale ledger entries first (re-resolved against the source
// to decide change vs delete), then live objects whose commit id moved
// past the collection watermark. Stale offers come back flagged so that
// callers advance the watermark only on the live scan.
//
// An object offered by the source with no commit id is a broken commit
// chain and fails the whole batch with ErrIntegrity.
func (s *Store) ExportChanged(ctx context.Context, collection *Collection, source ChangeSource, limit int) ([]ExportAction, error) {
	if collection == nil || collection.id == "" {
		return nil, newStoreError(opExportChanged, reasonMissingCollection, errMissingCollection)
	}
	if source == nil {
		return nil, newStoreError(opExportChanged, reasonMissingSource, errMissingSource)
	}
	if limit <= 0 {
		limit = DefaultExportBatchSize
	}

	actions := make([]ExportAction, 0, limit)

	// Stale entries: a superseding commit invalidated what the partner
	// last saw for these objects. Whether that means change or delete
	// depends on the object's current standing against the filter.
	var staleEntries []ExportEntry
	if err := s.db.WithContext(ctx).
		Where("collection_id = ? AND new_commit_id IS NOT NULL", collection.id).
		Limit(limit).
		Find(&staleEntries).Error; err != nil {
		s.logError(opExportChanged, reasonExportQueryFailed, err, zap.String(fieldCollectionID, collection.id))
		return nil, newStoreError(opExportChanged, reasonExportQueryFailed, err)
	}
	for _, entry := range staleEntries {
		resolved, err := source.Resolve(ctx, collection.objType, collection.fieldName, collection.conditions, entry.ObjectID)
		if err != nil {
			s.logError(opExportChanged, reasonSourceFailed, err, zap.String(fieldObjectID, entry.ObjectID))
			return nil, newStoreError(opExportChanged, reasonSourceFailed, err)
		}
		if resolved.Exists && resolved.Matches {
			if resolved.CommitID == 0 {
				s.logError(opExportChanged, reasonBrokenCommitChain, ErrIntegrity, zap.String(fieldObjectID, entry.ObjectID))
				return nil, fmt.Errorf("%w: object %s has no commit id", ErrIntegrity, entry.ObjectID)
			}
			actions = append(actions, ExportChange{ObjectID: entry.ObjectID, CommitID: resolved.CommitID, Stale: true})
		} else {
			actions = append(actions, ExportDelete{ObjectID: entry.ObjectID})
		}
	}

	remaining := limit - len(actions)
	if remaining <= 0 {
		return actions, nil
	}

	stats, err := source.ChangedSince(ctx, collection.objType, collection.fieldName, collection.conditions, collection.lastCommitID, remaining)
	if err != nil {
		s.logError(opExportChanged, reasonSourceFailed, err, zap.String(fieldCollectionID, collection.id))
		return nil, newStoreError(opExportChanged, reasonSourceFailed, err)
	}
	seen := make(map[string]bool, len(staleEntries))
	for _, entry := range staleEntries {
		seen[entry.ObjectID] = true
	}
	for _, stat := range stats {
		if stat.CommitID == 0 {
			s.logError(opExportChanged, reasonBrokenCommitChain, ErrIntegrity, zap.String(fieldObjectID, stat.ObjectID))
			return nil, fmt.Errorf("%w: object %s has no commit id", ErrIntegrity, stat.ObjectID)
		}
		if seen[stat.ObjectID] {
			continue
		}
		actions = append(actions, ExportChange{ObjectID: stat.ObjectID, CommitID: stat.CommitID})
	}
	return actions, nil
}

// LogExported records the commit id the partner has now seen for the
// object. A nil commit id retires the entry: the partner was told to
// delete the object, so it is not re-offered until a new commit brings it
// back into view.
func (s *Store) LogExported(ctx context.Context, collectionID, objectID string, commitID *int64) error {
	if collectionID == "" || objectID == "" {
		return newStoreError(opLogExported, reasonMissingCollection, errMissingCollection)
	}
	entry := ExportEntry{
		CollectionID: collectionID,
		ObjectID:     objectID,
		CommitID:     commitID,
		NewCommitID:  nil,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection_id"}, {Name: "object_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"commit_id", "new_commit_id"}),
		}).
		Create(&entry).Error
	if err != nil {
		s.logError(opLogExported, reasonExportSaveFailed, err,
			zap.String(fieldCollectionID, collectionID),
			zap.String(fieldObjectID, objectID))
		return newStoreError(opLogExported, reasonExportSaveFailed, err)
	}
	return nil
}

// FastForward advances the collection watermark to commitID. The call is
// a no-op when the watermark is already at or past the value; a watermark
// never regresses, even when two passes race on the same collection.
func (s *Store) FastForward(ctx context.Context, collection *Collection, commitID int64) error {
	if collection == nil || collection.id == "" {
		return newStoreError(opFastForward, reasonMissingCollection, errMissingCollection)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record CollectionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("collection_id = ?", collection.id).
			Take(&record).Error
		if err != nil {
			s.logError(opFastForward, reasonWatermarkFailed, err, zap.String(fieldCollectionID, collection.id))
			return newStoreError(opFastForward, reasonWatermarkFailed, err)
		}
		if commitID <= record.LastCommitID {
			collection.lastCommitID = record.LastCommitID
			collection.revision = record.Revision
			return nil
		}
		record.LastCommitID = commitID
		record.Revision++
		if err := tx.Save(&record).Error; err != nil {
			s.logError(opFastForward, reasonWatermarkFailed, err, zap.String(fieldCollectionID, collection.id))
			return newStoreError(opFastForward, reasonWatermarkFailed, err)
		}
		collection.lastCommitID = record.LastCommitID
		collection.revision = record.Revision
		return nil
	})
	return txErr
}

// ImportChanged diffs the remote system's current listing against the
// import ledger: unseen remote ids become creates, revision moves become
// updates, and ledger entries missing from the listing become deletes.
// Re-running against an unchanged listing yields zero actions.
func (s *Store) ImportChanged(ctx context.Context, collection *Collection, remote []RemoteStat) ([]ImportAction, error) {
	if collection == nil || collection.id == "" {
		return nil, newStoreError(opImportChanged, reasonMissingCollection, errMissingCollection)
	}

	var entries []ImportEntry
	if err := s.db.WithContext(ctx).
		Where("collection_id = ?", collection.id).
		Find(&entries).Error; err != nil {
		s.logError(opImportChanged, reasonImportQueryFailed, err, zap.String(fieldCollectionID, collection.id))
		return nil, newStoreError(opImportChanged, reasonImportQueryFailed, err)
	}
	byRemoteID := make(map[string]ImportEntry, len(entries))
	for _, entry := range entries {
		byRemoteID[entry.RemoteID] = entry
	}

	actions := make([]ImportAction, 0)
	seen := make(map[string]bool, len(remote))
	for _, stat := range remote {
		if stat.RemoteID == "" || seen[stat.RemoteID] {
			continue
		}
		seen[stat.RemoteID] = true

		entry, logged := byRemoteID[stat.RemoteID]
		if !logged {
			actions = append(actions, ImportChange{RemoteID: stat.RemoteID, RemoteRevision: stat.Revision})
			continue
		}
		if entry.RemoteRevision != stat.Revision {
			localID := ""
			if entry.LocalID != nil {
				localID = *entry.LocalID
			}
			actions = append(actions, ImportChange{RemoteID: stat.RemoteID, RemoteRevision: stat.Revision, LocalID: localID})
		}
	}
	for _, entry := range entries {
		if seen[entry.RemoteID] {
			continue
		}
		localID := ""
		if entry.LocalID != nil {
			localID = *entry.LocalID
		}
		actions = append(actions, ImportDelete{RemoteID: entry.RemoteID, LocalID: localID})
	}
	return actions, nil
}

// LogImported records the local object created or updated for a remote
// id, with the revisions seen on each side. A nil localID retires the
// entry after the local object was deleted, so a later remote reappearance
// is treated as new.
func (s *Store) LogImported(ctx context.Context, collectionID, remoteID string, remoteRevision int64, localID *string, localRevision int64) error {
	if collectionID == "" || remoteID == "" {
		return newStoreError(opLogImported, reasonMissingCollection, errMissingCollection)
	}
	if localID == nil {
		err := s.db.WithContext(ctx).
			Where("collection_id = ? AND remote_id = ?", collectionID, remoteID).
			Delete(&ImportEntry{}).Error
		if err != nil {
			s.logError(opLogImported, reasonImportSaveFailed, err,
				zap.String(fieldCollectionID, collectionID),
				zap.String(fieldRemoteID, remoteID))
			return newStoreError(opLogImported, reasonImportSaveFailed, err)
		}
		return nil
	}

	entry := ImportEntry{
		CollectionID:   collectionID,
		RemoteID:       remoteID,
		LocalID:        localID,
		LocalRevision:  localRevision,
		RemoteRevision: remoteRevision,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection_id"}, {Name: "remote_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"local_id", "local_revision", "remote_revision"}),
		}).
		Create(&entry).Error
	if err != nil {
		s.logError(opLogImported, reasonImportSaveFailed, err,
			zap.String(fieldCollectionID, collectionID),
			zap.String(fieldRemoteID, remoteID))
		return newStoreError(opLogImported, reasonImportSaveFailed, err)
	}
	return nil
}

// ApplyStaleMark fans the mark out to the export ledgers: every entry in
// a collection of the mark's type whose exported commit equals the
// superseded commit gets its new-commit pointer set, which re-offers the
// object on that collection's next export pass. Returns the number of
// entries marked.
func (s *Store) ApplyStaleMark(ctx context.Context, mark StaleMark) (int64, error) {
	collectionQuery := s.db.WithContext(ctx).
		Model(&CollectionRecord{}).
		Select("collection_id").
		Where("collection_type = ?", int32(mark.Type))
	if mark.AccountID != "" {
		collectionQuery = collectionQuery.Where("account_id = ?", mark.AccountID.String())
	}

	result := s.db.WithContext(ctx).
		Model(&ExportEntry{}).
		Where("commit_id = ? AND collection_id IN (?)", mark.LastCommitID, collectionQuery).
		Update("new_commit_id", mark.NewCommitID)
	if result.Error != nil {
		s.logError(opApplyStaleMark, reasonStaleUpdateFailed, result.Error,
			zap.Int64("last_commit_id", mark.LastCommitID),
			zap.Int64("new_commit_id", mark.NewCommitID))
		return 0, newStoreError(opApplyStaleMark, reasonStaleUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}
