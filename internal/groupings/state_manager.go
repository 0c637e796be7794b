package groupings

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/stickaround/entitysync/internal/commit"
)

const (
	opGetGroupings = "groupings.get"
	opSaveState    = "groupings.save_state"

	reasonMissingStore   = "missing_store"
	reasonMissingCommits = "missing_commit_issuer"
	reasonCommitFailed   = "commit_failed"
	reasonStaleFailed    = "stale_publish_failed"

	fieldHeadKey = "head_key"
	fieldCommit  = "commit_id"
)

// CommitIssuer allocates the next commit id for a grouping stream.
type CommitIssuer interface {
	CreateCommit(ctx context.Context, headKey commit.HeadKey) (commit.CommitID, error)
}

// StalePublisher receives supersede notices for deleted groups so export
// ledgers referencing them get re-resolved.
type StalePublisher interface {
	PublishGroupingStale(ctx context.Context, accountID string, lastCommitID, newCommitID int64) error
}

// StateManagerConfig configures a StateManager.
type StateManagerConfig struct {
	Store     *Store
	Commits   CommitIssuer
	Stale     StalePublisher
	AccountID string
	Logger    *zap.Logger
}

// SaveResult summarizes one grouping save pass.
type SaveResult struct {
	CommitID int64
	Changed  int
	Deleted  int
}

// StateManager hands out grouping sets and memoizes them per scope, so
// repeated lookups within a process share one in-memory hierarchy. Saves
// run under a fresh commit from the stream's head and announce deleted
// groups as stale.
type StateManager struct {
	store     *Store
	commits   CommitIssuer
	stale     StalePublisher
	accountID string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*EntityGroupings
}

// NewStateManager validates the configuration and builds a StateManager.
func NewStateManager(cfg StateManagerConfig) (*StateManager, error) {
	if cfg.Store == nil {
		return nil, newStoreError(opGetGroupings, reasonMissingStore, errors.New("grouping store is required"))
	}
	if cfg.Commits == nil {
		return nil, newStoreError(opGetGroupings, reasonMissingCommits, errors.New("commit issuer is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	manager := &StateManager{
		store:     cfg.Store,
		commits:   cfg.Commits,
		stale:     cfg.Stale,
		accountID: cfg.AccountID,
		logger:    logger,
		cache:     make(map[string]*EntityGroupings),
	}
	cfg.Store.manager = manager
	return manager, nil
}

// Get returns the grouping set for the scope, loading it on first use
// and serving the memoized set afterwards.
func (m *StateManager) Get(ctx context.Context, objType, fieldName string, filters map[string]string) (*EntityGroupings, error) {
	key := cacheKey(objType, fieldName, filters)

	m.mu.Lock()
	cached, ok := m.cache[key]
	m.mu.Unlock()
	if ok {
		return cached, nil
	}

	loaded, err := m.store.LoadGroupings(ctx, objType, fieldName, filters)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A concurrent Get may have loaded the same scope; keep the first.
	if cached, ok := m.cache[key]; ok {
		return cached, nil
	}
	m.cache[key] = loaded
	return loaded, nil
}

// Evict drops the memoized set for the scope, forcing a reload.
func (m *StateManager) Evict(objType, fieldName string, filters map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, cacheKey(objType, fieldName, filters))
}

// Save persists the set's pending changes under one new commit from the
// stream's head, then announces each deletion as a superseded commit.
// A set with nothing changed and nothing deleted saves without issuing
// a commit.
func (m *StateManager) Save(ctx context.Context, set *EntityGroupings) (SaveResult, error) {
	if set == nil {
		return SaveResult{}, newStoreError(opSaveState, reasonSaveFailed, errors.New("grouping set is required"))
	}
	if len(set.Changed()) == 0 && len(set.DeletedQueue()) == 0 {
		return SaveResult{}, nil
	}

	headKey, err := commit.NewHeadKey(set.HeadKey())
	if err != nil {
		m.logError(opSaveState, reasonCommitFailed, err, zap.String(fieldHeadKey, set.HeadKey()))
		return SaveResult{}, newStoreError(opSaveState, reasonCommitFailed, err)
	}
	commitID, err := m.commits.CreateCommit(ctx, headKey)
	if err != nil {
		m.logError(opSaveState, reasonCommitFailed, err, zap.String(fieldHeadKey, headKey.String()))
		return SaveResult{}, newStoreError(opSaveState, reasonCommitFailed, err)
	}

	changed, deleted, err := m.store.SaveGroupings(ctx, set, commitID.Int64())
	if err != nil {
		return SaveResult{}, err
	}

	if m.stale != nil {
		for _, group := range deleted {
			if group.CommitID() == 0 {
				// Never persisted, so no partner can hold a reference.
				continue
			}
			if err := m.stale.PublishGroupingStale(ctx, m.accountID, group.CommitID(), commitID.Int64()); err != nil {
				m.logError(opSaveState, reasonStaleFailed, err,
					zap.String(fieldGroupID, group.ID()), zap.Int64(fieldCommit, commitID.Int64()))
				return SaveResult{}, newStoreError(opSaveState, reasonStaleFailed, err)
			}
		}
	}

	return SaveResult{CommitID: commitID.Int64(), Changed: len(changed), Deleted: len(deleted)}, nil
}

func (m *StateManager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	m.logger.Error("grouping state operation failed", append(attrs, fields...)...)
}
