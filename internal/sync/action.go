package sync

// ExportAction is the closed set of outcomes an export pass can offer.
// Callers type-switch over ExportChange and ExportDelete; no other
// implementations exist.
type ExportAction interface {
	isExportAction()
}

// ExportChange offers one object whose current state the partner has not
// seen as of CommitID. Stale marks an offer re-resolved from a stale
// ledger entry: its commit may sit far ahead of the watermark scan, so it
// must never be used to advance the collection watermark.
type ExportChange struct {
	ObjectID string
	CommitID int64
	Stale    bool
}

func (ExportChange) isExportAction() {}

// ExportDelete offers one object that left the partner's view, either by
// genuine deletion or by falling out of the collection's filter.
type ExportDelete struct {
	ObjectID string
}

func (ExportDelete) isExportAction() {}

// ImportAction is the closed set of outcomes an import diff can produce.
type ImportAction interface {
	isImportAction()
}

// ImportChange offers one remote item that is new (LocalID empty) or whose
// remote revision moved past the last imported one (LocalID set).
type ImportChange struct {
	RemoteID       string
	RemoteRevision int64
	LocalID        string
}

func (ImportChange) isImportAction() {}

// ImportDelete offers one previously imported item the remote listing no
// longer contains.
type ImportDelete struct {
	RemoteID string
	LocalID  string
}

func (ImportDelete) isImportAction() {}
