package sync

// PartnerRecord is the persisted partner row.
type PartnerRecord struct {
	PartnerID       string `gorm:"column:partner_id;primaryKey;size:190;not null"`
	AccountID       string `gorm:"column:account_id;size:190;not null;uniqueIndex:idx_sync_partner_remote,priority:1"`
	RemotePartnerID string `gorm:"column:remote_partner_id;size:190;not null;uniqueIndex:idx_sync_partner_remote,priority:2"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null"`
	LastSyncSeconds int64  `gorm:"column:last_sync_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PartnerRecord) TableName() string {
	return "entity_sync_partners"
}

// CollectionRecord is the persisted collection row.
type CollectionRecord struct {
	CollectionID   string `gorm:"column:collection_id;primaryKey;size:190;not null"`
	PartnerID      string `gorm:"column:partner_id;size:190;not null;index:idx_sync_collection_partner"`
	AccountID      string `gorm:"column:account_id;size:190;not null;index:idx_sync_collection_account_type,priority:1"`
	CollectionType int32  `gorm:"column:collection_type;not null;index:idx_sync_collection_account_type,priority:2"`
	ObjectType     string `gorm:"column:object_type;size:190;not null"`
	FieldName      string `gorm:"column:field_name;size:190;not null;default:''"`
	ConditionsJSON string `gorm:"column:conditions_json;type:text;not null;default:''"`
	LastCommitID   int64  `gorm:"column:last_commit_id;not null;default:0"`
	Revision       int64  `gorm:"column:revision;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CollectionRecord) TableName() string {
	return "entity_sync_collections"
}

// ExportEntry records the last commit id successfully sent to the partner
// for one object. A NULL commit id means the entry is retired: the partner
// was told to delete the object and it must not be re-offered until a new
// commit re-enters the collection. NewCommitID is set when a stale mark
// supersedes the exported commit.
type ExportEntry struct {
	CollectionID string `gorm:"column:collection_id;primaryKey;size:190;not null"`
	ObjectID     string `gorm:"column:object_id;primaryKey;size:190;not null"`
	CommitID     *int64 `gorm:"column:commit_id;index:idx_sync_export_commit"`
	NewCommitID  *int64 `gorm:"column:new_commit_id"`
}

// TableName provides the explicit table binding for GORM.
func (ExportEntry) TableName() string {
	return "entity_sync_export"
}

// ImportEntry maps a remote id to the local object created or updated for
// it, with the revisions last seen on each side.
type ImportEntry struct {
	CollectionID   string  `gorm:"column:collection_id;primaryKey;size:190;not null"`
	RemoteID       string  `gorm:"column:remote_id;primaryKey;size:190;not null"`
	LocalID        *string `gorm:"column:local_id;size:190"`
	LocalRevision  int64   `gorm:"column:local_revision;not null;default:0"`
	RemoteRevision int64   `gorm:"column:remote_revision;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ImportEntry) TableName() string {
	return "entity_sync_import"
}
