package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stickaround/entitysync/internal/entity"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRemotePartnerID indicates that a remote partner identifier is empty or exceeds storage bounds.
	ErrInvalidRemotePartnerID = errors.New("sync: invalid remote partner id")
	// ErrInvalidAccountID indicates that an account identifier is empty or exceeds storage bounds.
	ErrInvalidAccountID = errors.New("sync: invalid account id")
	// ErrInvalidCollectionType indicates an unknown collection type value.
	ErrInvalidCollectionType = errors.New("sync: invalid collection type")
	// ErrIntegrity indicates the commit chain is broken upstream: an object
	// is present but carries no resolvable commit id. This is fatal for the
	// batch; skipping it would silently hide a causal-ordering violation.
	ErrIntegrity = errors.New("sync: commit integrity violation")
)

// RemotePartnerID is the partner identifier supplied by the external system.
type RemotePartnerID string

// NewRemotePartnerID validates raw input and returns a RemotePartnerID.
func NewRemotePartnerID(rawInput string) (RemotePartnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRemotePartnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRemotePartnerID, maxIdentifierLength)
	}
	return RemotePartnerID(trimmed), nil
}

// String returns the underlying remote partner identifier.
func (id RemotePartnerID) String() string {
	return string(id)
}

// AccountID scopes partners and collections to one tenant account.
type AccountID string

// NewAccountID validates raw input and returns an AccountID.
func NewAccountID(rawInput string) (AccountID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAccountID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAccountID, maxIdentifierLength)
	}
	return AccountID(trimmed), nil
}

// String returns the underlying account identifier.
func (id AccountID) String() string {
	return string(id)
}

// CollectionType enumerates the kinds of subscription streams.
type CollectionType int32

const (
	// CollectionTypeEntity streams filtered entity changes.
	CollectionTypeEntity CollectionType = 1
	// CollectionTypeGrouping streams grouping (folder/option-list) changes.
	CollectionTypeGrouping CollectionType = 2
	// CollectionTypeEntityDef streams object definition changes.
	CollectionTypeEntityDef CollectionType = 3
)

// NewCollectionType validates the value and returns a CollectionType.
func NewCollectionType(value int32) (CollectionType, error) {
	switch CollectionType(value) {
	case CollectionTypeEntity, CollectionTypeGrouping, CollectionTypeEntityDef:
		return CollectionType(value), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidCollectionType, value)
	}
}

// String names the collection type.
func (t CollectionType) String() string {
	switch t {
	case CollectionTypeEntity:
		return "entity"
	case CollectionTypeGrouping:
		return "grouping"
	case CollectionTypeEntityDef:
		return "entitydef"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// Collection is one filtered, watermarked subscription stream owned by a
// partner. The watermark (lastCommitID) only ever moves forward.
type Collection struct {
	id           string
	partnerID    string
	accountID    AccountID
	collType     CollectionType
	objType      string
	fieldName    string
	conditions   []entity.Condition
	lastCommitID int64
	revision     int64
}

// CollectionConfig describes the inputs required to build a Collection.
type CollectionConfig struct {
	AccountID  AccountID
	Type       CollectionType
	ObjectType string
	FieldName  string
	Conditions []entity.Condition
}

// NewCollection validates the configuration and returns a Collection.
func NewCollection(cfg CollectionConfig) (*Collection, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAccountID)
	}
	if _, err := NewCollectionType(int32(cfg.Type)); err != nil {
		return nil, err
	}
	objType := strings.TrimSpace(cfg.ObjectType)
	if objType == "" {
		return nil, fmt.Errorf("%w: empty object type", ErrInvalidCollectionType)
	}
	return &Collection{
		accountID:  cfg.AccountID,
		collType:   cfg.Type,
		objType:    objType,
		fieldName:  strings.TrimSpace(cfg.FieldName),
		conditions: entity.CanonicalConditions(cfg.Conditions),
	}, nil
}

// ID returns the collection identifier, empty until the first save.
func (c *Collection) ID() string {
	return c.id
}

// PartnerID returns the owning partner identifier.
func (c *Collection) PartnerID() string {
	return c.partnerID
}

// AccountID returns the owning account identifier.
func (c *Collection) AccountID() AccountID {
	return c.accountID
}

// Type returns the collection type.
func (c *Collection) Type() CollectionType {
	return c.collType
}

// ObjectType returns the object type name this collection streams.
func (c *Collection) ObjectType() string {
	return c.objType
}

// FieldName returns the grouping field name, empty for entity collections.
func (c *Collection) FieldName() string {
	return c.fieldName
}

// Conditions returns the canonicalized filter conditions.
func (c *Collection) Conditions() []entity.Condition {
	return c.conditions
}

// LastCommitID returns the current watermark.
func (c *Collection) LastCommitID() int64 {
	return c.lastCommitID
}

// Revision returns the persistence revision counter.
func (c *Collection) Revision() int64 {
	return c.revision
}

// matches reports whether the collection answers the same logical
// subscription: same type, object type, field, and a semantically equal
// condition set regardless of ordering.
func (c *Collection) matches(collType CollectionType, objType, fieldName string, conditions []entity.Condition) bool {
	if c.collType != collType || c.objType != objType || c.fieldName != fieldName {
		return false
	}
	return entity.ConditionsEqual(c.conditions, conditions)
}

// StaleMark signals that a previously reconciled commit id has been
// superseded, without carrying the delta itself. An empty AccountID marks
// matching collections across all accounts.
type StaleMark struct {
	AccountID    AccountID
	Type         CollectionType
	LastCommitID int64
	NewCommitID  int64
}

// RemoteStat is one item in a remote system's current listing.
type RemoteStat struct {
	RemoteID string
	Revision int64
}

// formatLastSync renders a partner's last-sync time for persistence.
func formatLastSync(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().Unix()
}
