package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateCommit = "commit.create_commit"
	opLastCommit   = "commit.last_commit"

	reasonMissingDatabase = "missing_database"
	reasonHeadLockFailed  = "head_lock_failed"
	reasonHeadInitFailed  = "head_init_failed"
	reasonHeadSaveFailed  = "head_save_failed"
	reasonHeadQueryFailed = "head_query_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ManagerError wraps commit storage failures with an operation code.
type ManagerError struct {
	code string
	err  error
}

func (e *ManagerError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ManagerError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code for the failure.
func (e *ManagerError) Code() string {
	return e.code
}

func newManagerError(operation, reason string, cause error) error {
	return &ManagerError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ManagerConfig configures a commit Manager.
type ManagerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager issues strictly increasing commit identifiers per head key.
//
// A Manager is safe for concurrent use: issuance is a row-locked
// read-modify-write inside a transaction, so two callers racing on the
// same head key always observe distinct, ordered identifiers. A storage
// failure is always surfaced as a hard error; a Manager never falls back
// to a stale or duplicate identifier.
type Manager struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, newManagerError(opCreateCommit, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CreateCommit issues the next commit identifier for the head key.
func (m *Manager) CreateCommit(ctx context.Context, headKey HeadKey) (CommitID, error) {
	var issued int64
	txErr := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head Head
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("head_key = ?", headKey.String()).
			Take(&head).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			head = Head{HeadKey: headKey.String(), LastCommitID: 1}
			if createErr := tx.Create(&head).Error; createErr != nil {
				m.logError(opCreateCommit, reasonHeadInitFailed, createErr, zap.String("head_key", headKey.String()))
				return newManagerError(opCreateCommit, reasonHeadInitFailed, createErr)
			}
			issued = head.LastCommitID
			return nil
		}
		if err != nil {
			m.logError(opCreateCommit, reasonHeadLockFailed, err, zap.String("head_key", headKey.String()))
			return newManagerError(opCreateCommit, reasonHeadLockFailed, err)
		}

		head.LastCommitID++
		if saveErr := tx.Save(&head).Error; saveErr != nil {
			m.logError(opCreateCommit, reasonHeadSaveFailed, saveErr, zap.String("head_key", headKey.String()))
			return newManagerError(opCreateCommit, reasonHeadSaveFailed, saveErr)
		}
		issued = head.LastCommitID
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return NewCommitID(issued)
}

// LastCommit returns the most recently issued commit identifier for the
// head key, or zero when the head has never issued one.
func (m *Manager) LastCommit(ctx context.Context, headKey HeadKey) (CommitID, error) {
	var head Head
	err := m.db.WithContext(ctx).
		Where("head_key = ?", headKey.String()).
		Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		m.logError(opLastCommit, reasonHeadQueryFailed, err, zap.String("head_key", headKey.String()))
		return 0, newManagerError(opLastCommit, reasonHeadQueryFailed, err)
	}
	return CommitID(head.LastCommitID), nil
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("commit manager error", attrs...)
}
