package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opServiceGetPartner    = "sync.service.get_partner"
	opServiceCreatePartner = "sync.service.create_partner"
	opServiceSavePartner   = "sync.service.save_partner"
	opServiceDeletePartner = "sync.service.delete_partner"
	opServiceSetStale      = "sync.service.set_exported_stale"

	reasonMissingStore    = "missing_store"
	reasonMissingQueue    = "missing_queue"
	reasonMissingRemoteID = "missing_remote_partner_id"
	reasonPublishFailed   = "publish_failed"
)

var (
	errMissingStore = errors.New("sync store is required")
	errMissingQueue = errors.New("stale queue is required")
)

// ServiceError wraps orchestrator failures with an operation code.
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

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code for the failure.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig configures the EntitySync orchestrator.
type ServiceConfig struct {
	Store  *Store
	Queue  *StaleQueue
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service is the top-level EntitySync API: partner lifecycle plus the
// stale-propagation primitive. It keeps a single-partner cache scoped to
// its own lifetime: repeated lookups for the same partner reuse the
// loaded instance, a lookup for a different partner evicts it.
type Service struct {
	store  *Store
	queue  *StaleQueue
	clock  func() time.Time
	logger *zap.Logger

	mu            sync.Mutex
	cachedPartner *Partner
	cachedKey     string
}

// NewService constructs the orchestrator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceGetPartner, reasonMissingStore, errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opServiceGetPartner, reasonMissingQueue, errMissingQueue)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, queue: cfg.Queue, clock: clock, logger: logger}, nil
}

// GetPartner loads a partner by remote id, returning (nil, nil) when no
// such partner exists. An empty remote id is a usage error.
func (s *Service) GetPartner(ctx context.Context, accountID AccountID, remoteID RemotePartnerID) (*Partner, error) {
	if remoteID == "" {
		return nil, newServiceError(opServiceGetPartner, reasonMissingRemoteID, ErrInvalidRemotePartnerID)
	}

	cacheKey := accountID.String() + "/" + remoteID.String()
	s.mu.Lock()
	if s.cachedPartner != nil && s.cachedKey == cacheKey {
		cached := s.cachedPartner
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	partner, err := s.store.GetPartnerByRemoteID(ctx, accountID, remoteID)
	if err != nil {
		return nil, err
	}
	if partner == nil {
		return nil, nil
	}

	s.mu.Lock()
	s.cachedPartner = partner
	s.cachedKey = cacheKey
	s.mu.Unlock()
	return partner, nil
}

// CreatePartner constructs a partner and immediately persists it.
func (s *Service) CreatePartner(ctx context.Context, accountID AccountID, remoteID RemotePartnerID, ownerID string) (*Partner, error) {
	partner, err := NewPartner(PartnerConfig{RemoteID: remoteID, AccountID: accountID, OwnerID: ownerID})
	if err != nil {
		return nil, newServiceError(opServiceCreatePartner, reasonMissingRemoteID, err)
	}
	if err := s.store.SavePartner(ctx, partner); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cachedPartner = partner
	s.cachedKey = accountID.String() + "/" + remoteID.String()
	s.mu.Unlock()
	return partner, nil
}

// SavePartner persists the partner, consuming its pending removals.
func (s *Service) SavePartner(ctx context.Context, partner *Partner) error {
	return s.store.SavePartner(ctx, partner)
}

// DeletePartner removes the partner and cascades to its collections.
func (s *Service) DeletePartner(ctx context.Context, partner *Partner) error {
	if err := s.store.DeletePartner(ctx, partner); err != nil {
		return err
	}
	s.mu.Lock()
	if s.cachedPartner == partner {
		s.cachedPartner = nil
		s.cachedKey = ""
	}
	s.mu.Unlock()
	return nil
}

// SetExportedStale publishes a stale mark for every collection of the
// type still holding exported state at lastCommitID. Propagation is
// asynchronous; the worker applies the mark before the next scheduled
// reconciliation pass observes it.
func (s *Service) SetExportedStale(ctx context.Context, accountID AccountID, collType CollectionType, lastCommitID, newCommitID int64) error {
	mark := StaleMark{
		AccountID:    accountID,
		Type:         collType,
		LastCommitID: lastCommitID,
		NewCommitID:  newCommitID,
	}
	if err := s.queue.Publish(ctx, mark); err != nil {
		s.logError(opServiceSetStale, reasonPublishFailed, err,
			zap.String("collection_type", collType.String()),
			zap.Int64("last_commit_id", lastCommitID))
		return newServiceError(opServiceSetStale, reasonPublishFailed, err)
	}
	return nil
}

// PublishEntityStale lets the entity object store report superseded
// commits without depending on this package's types.
func (s *Service) PublishEntityStale(ctx context.Context, accountID string, lastCommitID, newCommitID int64) error {
	return s.SetExportedStale(ctx, AccountID(accountID), CollectionTypeEntity, lastCommitID, newCommitID)
}

// PublishGroupingStale lets the grouping store report superseded commits
// without depending on this package's types.
func (s *Service) PublishGroupingStale(ctx context.Context, accountID string, lastCommitID, newCommitID int64) error {
	return s.SetExportedStale(ctx, AccountID(accountID), CollectionTypeGrouping, lastCommitID, newCommitID)
}

// Store exposes the underlying DataMapper for reconciliation consumers.
func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sync service error", attrs...)
}
