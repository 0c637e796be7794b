package mail

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/stickaround/entitysync/internal/entity"
	"github.com/stickaround/entitysync/internal/sync"
)

// SendSummary reports what one export pass did.
type SendSummary struct {
	Applied int
	Deleted int
	Failed  int
}

// SenderConfig configures a SenderService.
type SenderConfig struct {
	Mailbox   Mailbox
	Objects   *entity.Store
	Sync      *sync.Store
	BatchSize int
	Logger    *zap.Logger
}

// SenderService pushes local email_message changes back onto the remote
// mailbox: flag state for changed messages, deletion for messages that
// left the collection's view. Each applied item is logged to the export
// ledger before the watermark moves, so a crash mid-pass re-offers the
// unlogged remainder.
type SenderService struct {
	mailbox   Mailbox
	objects   *entity.Store
	sync      *sync.Store
	batchSize int
	logger    *zap.Logger
}

// NewSenderService validates the configuration and builds a SenderService.
func NewSenderService(cfg SenderConfig) (*SenderService, error) {
	if cfg.Mailbox == nil {
		return nil, newServiceError(opSend, reasonMissingMailbox, errors.New("mailbox is required"))
	}
	if cfg.Objects == nil {
		return nil, newServiceError(opSend, reasonMissingObjects, errors.New("object store is required"))
	}
	if cfg.Sync == nil {
		return nil, newServiceError(opSend, reasonMissingSyncStore, errors.New("sync store is required"))
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = sync.DefaultExportBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SenderService{
		mailbox:   cfg.Mailbox,
		objects:   cfg.Objects,
		sync:      cfg.Sync,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Send runs one export pass for the collection. The watermark only
// advances past commits whose items were applied and logged, so failed
// items hold the collection back and are re-offered next pass.
func (s *SenderService) Send(ctx context.Context, collection *sync.Collection) (SendSummary, error) {
	if collection == nil {
		return SendSummary{}, newServiceError(opSend, reasonMissingCollection, errors.New("collection is required"))
	}

	actions, err := s.sync.ExportChanged(ctx, collection, s.objects, s.batchSize)
	if err != nil {
		s.logError(opSend, reasonDiffFailed, err, zap.String(fieldCollectionID, collection.ID()))
		return SendSummary{}, newServiceError(opSend, reasonDiffFailed, err)
	}

	var summary SendSummary
	watermark := collection.LastCommitID()
	blocked := false
	for _, action := range actions {
		switch action := action.(type) {
		case sync.ExportChange:
			applied := s.applyChange(ctx, collection, action, &summary)
			if !applied {
				// Advancing past a failed commit would stop it from
				// being offered again, so the watermark holds here.
				blocked = true
				continue
			}
			// Stale re-offers carry the object's current commit, which
			// can sit far past items the watermark scan has not covered
			// yet. Their retry is driven by the ledger mark, so they
			// never move the watermark.
			if !blocked && !action.Stale && action.CommitID > watermark {
				watermark = action.CommitID
			}
		case sync.ExportDelete:
			s.applyDelete(ctx, collection, action, &summary)
		}
	}

	if watermark > collection.LastCommitID() {
		if err := s.sync.FastForward(ctx, collection, watermark); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (s *SenderService) applyChange(ctx context.Context, collection *sync.Collection, action sync.ExportChange, summary *SendSummary) bool {
	fields, ok := s.loadFields(ctx, collection, action.ObjectID, summary)
	if !ok {
		return false
	}
	uid := fields[FieldMessageUID]
	if uid == "" {
		// A message with no remote uid never came from this mailbox;
		// nothing to push flags onto. Leave it unlogged so an operator
		// sees it recur rather than silently losing it.
		summary.Failed++
		s.logError(opSend, reasonApplyFailed, errors.New("object has no remote uid"),
			zap.String(fieldLocalID, action.ObjectID))
		return false
	}
	if err := s.mailbox.SetFlags(ctx, uid, parseFlag(fields[FieldFlagSeen]), parseFlag(fields[FieldFlagFlag])); err != nil {
		summary.Failed++
		s.logError(opSend, reasonApplyFailed, err, zap.String(fieldRemoteUID, uid))
		return false
	}
	if err := s.sync.LogExported(ctx, collection.ID(), action.ObjectID, &action.CommitID); err != nil {
		summary.Failed++
		s.logError(opSend, reasonLedgerFailed, err, zap.String(fieldLocalID, action.ObjectID))
		return false
	}
	summary.Applied++
	return true
}

func (s *SenderService) applyDelete(ctx context.Context, collection *sync.Collection, action sync.ExportDelete, summary *SendSummary) {
	// The object may be soft-deleted or filtered out; its fields still
	// carry the remote uid needed to address the mailbox message.
	fields, ok := s.loadFields(ctx, collection, action.ObjectID, summary)
	if ok {
		if uid := fields[FieldMessageUID]; uid != "" {
			if err := s.mailbox.DeleteMessage(ctx, uid); err != nil {
				summary.Failed++
				s.logError(opSend, reasonApplyFailed, err, zap.String(fieldRemoteUID, uid))
				return
			}
		}
	}
	if err := s.sync.LogExported(ctx, collection.ID(), action.ObjectID, nil); err != nil {
		summary.Failed++
		s.logError(opSend, reasonLedgerFailed, err, zap.String(fieldLocalID, action.ObjectID))
		return
	}
	summary.Deleted++
}

// loadFields reads the object's current field values, tolerating a
// missing object. The bool reports whether fields were loaded.
func (s *SenderService) loadFields(ctx context.Context, collection *sync.Collection, localID string, summary *SendSummary) (map[string]string, bool) {
	objType, err := entity.NewObjectType(collection.ObjectType())
	if err != nil {
		summary.Failed++
		s.logError(opSend, reasonApplyFailed, err, zap.String(fieldCollectionID, collection.ID()))
		return nil, false
	}
	objectID, err := entity.NewObjectID(localID)
	if err != nil {
		summary.Failed++
		s.logError(opSend, reasonApplyFailed, err, zap.String(fieldLocalID, localID))
		return nil, false
	}
	object, err := s.objects.Get(ctx, objType, objectID)
	if err != nil {
		summary.Failed++
		s.logError(opSend, reasonApplyFailed, err, zap.String(fieldLocalID, localID))
		return nil, false
	}
	if object == nil {
		return nil, false
	}
	fields, err := object.Fields()
	if err != nil {
		summary.Failed++
		s.logError(opSend, reasonApplyFailed, err, zap.String(fieldLocalID, localID))
		return nil, false
	}
	return fields, true
}

func (s *SenderService) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	s.logger.Error("mail pass item failed", append(attrs, fields...)...)
}
