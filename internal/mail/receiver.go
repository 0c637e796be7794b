package mail

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stickaround/entitysync/internal/entity"
	"github.com/stickaround/entitysync/internal/sync"
)

const (
	opReceive = "mail.receive"
	opSend    = "mail.send"

	reasonMissingMailbox    = "missing_mailbox"
	reasonMissingObjects    = "missing_object_store"
	reasonMissingSyncStore  = "missing_sync_store"
	reasonMissingIDProvider = "missing_id_provider"
	reasonMissingCollection = "missing_collection"
	reasonListFailed        = "list_failed"
	reasonDiffFailed        = "diff_failed"
	reasonFetchFailed       = "fetch_failed"
	reasonApplyFailed       = "apply_failed"
	reasonLedgerFailed      = "ledger_failed"

	fieldCollectionID = "collection_id"
	fieldRemoteUID    = "remote_uid"
	fieldLocalID      = "local_id"
)

var noOpLogger = zap.NewNop()

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// Unwrap exposes the underlying cause.
func (e *ServiceError) Unwrap() error {
	return e.err
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for locally created messages.
type IDProvider interface {
	NewID() (string, error)
}

// ReceiveSummary reports what one import pass did.
type ReceiveSummary struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Failed    int
}

// ReceiverConfig configures a ReceiverService.
type ReceiverConfig struct {
	Mailbox    Mailbox
	Objects    *entity.Store
	Sync       *sync.Store
	IDProvider IDProvider
	Logger     *zap.Logger
}

// ReceiverService pulls a remote mailbox into local email_message
// objects through a collection's import ledger. A pass lists the remote
// side, diffs against what was previously imported, and applies the
// resulting creates, updates, and deletes. Items that fail to apply are
// skipped and retried on the next pass; only listing or diff failures
// abort a pass.
type ReceiverService struct {
	mailbox Mailbox
	objects *entity.Store
	sync    *sync.Store
	ids     IDProvider
	logger  *zap.Logger
}

// NewReceiverService validates the configuration and builds a
// ReceiverService.
func NewReceiverService(cfg ReceiverConfig) (*ReceiverService, error) {
	if cfg.Mailbox == nil {
		return nil, newServiceError(opReceive, reasonMissingMailbox, errors.New("mailbox is required"))
	}
	if cfg.Objects == nil {
		return nil, newServiceError(opReceive, reasonMissingObjects, errors.New("object store is required"))
	}
	if cfg.Sync == nil {
		return nil, newServiceError(opReceive, reasonMissingSyncStore, errors.New("sync store is required"))
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opReceive, reasonMissingIDProvider, errors.New("id provider is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ReceiverService{
		mailbox: cfg.Mailbox,
		objects: cfg.Objects,
		sync:    cfg.Sync,
		ids:     cfg.IDProvider,
		logger:  logger,
	}, nil
}

// Receive runs one import pass for the collection.
func (r *ReceiverService) Receive(ctx context.Context, collection *sync.Collection) (ReceiveSummary, error) {
	if collection == nil {
		return ReceiveSummary{}, newServiceError(opReceive, reasonMissingCollection, errors.New("collection is required"))
	}

	listing, err := r.mailbox.ListMessages(ctx)
	if err != nil {
		r.logError(opReceive, reasonListFailed, err, zap.String(fieldCollectionID, collection.ID()))
		return ReceiveSummary{}, newServiceError(opReceive, reasonListFailed, err)
	}
	remote := make([]sync.RemoteStat, 0, len(listing))
	for _, stat := range listing {
		remote = append(remote, sync.RemoteStat{RemoteID: stat.UID, Revision: stat.Revision})
	}

	actions, err := r.sync.ImportChanged(ctx, collection, remote)
	if err != nil {
		r.logError(opReceive, reasonDiffFailed, err, zap.String(fieldCollectionID, collection.ID()))
		return ReceiveSummary{}, newServiceError(opReceive, reasonDiffFailed, err)
	}

	var summary ReceiveSummary
	for _, action := range actions {
		switch action := action.(type) {
		case sync.ImportChange:
			r.applyChange(ctx, collection, action, &summary)
		case sync.ImportDelete:
			r.applyDelete(ctx, collection, action, &summary)
		}
	}
	return summary, nil
}

func (r *ReceiverService) applyChange(ctx context.Context, collection *sync.Collection, action sync.ImportChange, summary *ReceiveSummary) {
	message, err := r.mailbox.FetchMessage(ctx, action.RemoteID)
	if err != nil {
		summary.Failed++
		r.logError(opReceive, reasonFetchFailed, err,
			zap.String(fieldCollectionID, collection.ID()),
			zap.String(fieldRemoteUID, action.RemoteID))
		return
	}
	fields := fieldsFromMessage(message)

	objType, err := entity.NewObjectType(collection.ObjectType())
	if err != nil {
		summary.Failed++
		r.logError(opReceive, reasonApplyFailed, err, zap.String(fieldCollectionID, collection.ID()))
		return
	}

	localID := action.LocalID
	created := localID == ""
	if created {
		localID, err = r.ids.NewID()
		if err != nil {
			summary.Failed++
			r.logError(opReceive, reasonApplyFailed, err, zap.String(fieldRemoteUID, action.RemoteID))
			return
		}
	}
	objectID, err := entity.NewObjectID(localID)
	if err != nil {
		summary.Failed++
		r.logError(opReceive, reasonApplyFailed, err, zap.String(fieldRemoteUID, action.RemoteID))
		return
	}

	// A revision bump with identical content happens when the remote
	// counts a no-op flag write. Skip the local save so re-imports stay
	// write-free, but still advance the ledger revision.
	localRevision := int64(0)
	if !created {
		existing, err := r.objects.Get(ctx, objType, objectID)
		if err != nil {
			summary.Failed++
			r.logError(opReceive, reasonApplyFailed, err, zap.String(fieldLocalID, localID))
			return
		}
		if existing != nil && !existing.IsDeleted {
			existingFields, err := existing.Fields()
			if err == nil && fieldsEqual(existingFields, fields) {
				if err := r.sync.LogImported(ctx, collection.ID(), action.RemoteID, action.RemoteRevision, &localID, existing.CommitID); err != nil {
					summary.Failed++
					r.logError(opReceive, reasonLedgerFailed, err, zap.String(fieldRemoteUID, action.RemoteID))
					return
				}
				summary.Unchanged++
				return
			}
		}
	}

	saved, err := r.objects.Save(ctx, objType, objectID, fields)
	if err != nil {
		summary.Failed++
		r.logError(opReceive, reasonApplyFailed, err, zap.String(fieldLocalID, localID))
		return
	}
	localRevision = saved.CommitID

	if err := r.sync.LogImported(ctx, collection.ID(), action.RemoteID, action.RemoteRevision, &localID, localRevision); err != nil {
		summary.Failed++
		r.logError(opReceive, reasonLedgerFailed, err, zap.String(fieldRemoteUID, action.RemoteID))
		return
	}
	if created {
		summary.Created++
	} else {
		summary.Updated++
	}
}

func (r *ReceiverService) applyDelete(ctx context.Context, collection *sync.Collection, action sync.ImportDelete, summary *ReceiveSummary) {
	if action.LocalID != "" {
		objType, err := entity.NewObjectType(collection.ObjectType())
		if err != nil {
			summary.Failed++
			r.logError(opReceive, reasonApplyFailed, err, zap.String(fieldCollectionID, collection.ID()))
			return
		}
		objectID, err := entity.NewObjectID(action.LocalID)
		if err != nil {
			summary.Failed++
			r.logError(opReceive, reasonApplyFailed, err, zap.String(fieldLocalID, action.LocalID))
			return
		}
		if err := r.objects.Delete(ctx, objType, objectID); err != nil {
			summary.Failed++
			r.logError(opReceive, reasonApplyFailed, err, zap.String(fieldLocalID, action.LocalID))
			return
		}
	}
	if err := r.sync.LogImported(ctx, collection.ID(), action.RemoteID, 0, nil, 0); err != nil {
		summary.Failed++
		r.logError(opReceive, reasonLedgerFailed, err, zap.String(fieldRemoteUID, action.RemoteID))
		return
	}
	summary.Deleted++
}

func (r *ReceiverService) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	r.logger.Error("mail pass item failed", append(attrs, fields...)...)
}
