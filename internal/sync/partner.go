package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/stickaround/entitysync/internal/entity"
)

// Partner represents one remote synchronization counterpart: a device, a
// mailbox, or an external system. A partner owns its collections; removing
// a collection only queues it, the physical delete happens at the next
// save so removal batches with the partner write.
type Partner struct {
	id        string
	remoteID  RemotePartnerID
	accountID AccountID
	ownerID   string
	lastSync  time.Time

	collections    []*Collection
	pendingRemoval []*Collection
}

// PartnerConfig describes the inputs required to build a Partner.
type PartnerConfig struct {
	RemoteID  RemotePartnerID
	AccountID AccountID
	OwnerID   string
}

// NewPartner validates the configuration and returns a transient Partner.
// The internal identifier is assigned on first save.
func NewPartner(cfg PartnerConfig) (*Partner, error) {
	if cfg.RemoteID == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidRemotePartnerID)
	}
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAccountID)
	}
	return &Partner{
		remoteID:  cfg.RemoteID,
		accountID: cfg.AccountID,
		ownerID:   strings.TrimSpace(cfg.OwnerID),
	}, nil
}

// ID returns the internal partner identifier, empty until the first save.
func (p *Partner) ID() string {
	return p.id
}

// RemoteID returns the identifier supplied by the external system.
func (p *Partner) RemoteID() RemotePartnerID {
	return p.remoteID
}

// AccountID returns the owning account identifier.
func (p *Partner) AccountID() AccountID {
	return p.accountID
}

// OwnerID returns the owning user identifier.
func (p *Partner) OwnerID() string {
	return p.ownerID
}

// LastSync returns the last successful sync time, zero when never synced.
func (p *Partner) LastSync() time.Time {
	return p.lastSync
}

// SetLastSync records the last successful sync time.
func (p *Partner) SetLastSync(value time.Time) {
	p.lastSync = value.UTC()
}

// Collections returns the partner's active collections.
func (p *Partner) Collections() []*Collection {
	return p.collections
}

// RemovedCollections returns collections queued for removal at next save.
func (p *Partner) RemovedCollections() []*Collection {
	return p.pendingRemoval
}

// AddCollection attaches a collection to the partner.
func (p *Partner) AddCollection(collection *Collection) {
	collection.partnerID = p.id
	collection.accountID = p.accountID
	p.collections = append(p.collections, collection)
}

// RemoveCollection moves a collection from the active set to the pending
// removal queue, reporting whether the id was found. The durable delete
// happens when the partner is next saved.
func (p *Partner) RemoveCollection(collectionID string) bool {
	for i, collection := range p.collections {
		if collection.id == collectionID && collectionID != "" {
			p.collections = append(p.collections[:i], p.collections[i+1:]...)
			p.pendingRemoval = append(p.pendingRemoval, collection)
			return true
		}
	}
	return false
}

// FindCollection returns the active collection answering the same logical
// subscription, matching conditions order-insensitively, or nil when the
// partner holds no such subscription. This is what prevents duplicate
// collections for one logical stream.
func (p *Partner) FindCollection(collType CollectionType, objType, fieldName string, conditions []entity.Condition) *Collection {
	canonical := entity.CanonicalConditions(conditions)
	for _, collection := range p.collections {
		if collection.matches(collType, objType, fieldName, canonical) {
			return collection
		}
	}
	return nil
}

// EnsureCollection returns the existing collection for the subscription or
// attaches and returns a new one.
func (p *Partner) EnsureCollection(cfg CollectionConfig) (*Collection, error) {
	if existing := p.FindCollection(cfg.Type, strings.TrimSpace(cfg.ObjectType), strings.TrimSpace(cfg.FieldName), cfg.Conditions); existing != nil {
		return existing, nil
	}
	if cfg.AccountID == "" {
		cfg.AccountID = p.accountID
	}
	collection, err := NewCollection(cfg)
	if err != nil {
		return nil, err
	}
	p.AddCollection(collection)
	return collection, nil
}

// clearPendingRemoval drops the removal queue after a save consumed it.
func (p *Partner) clearPendingRemoval() {
	p.pendingRemoval = nil
}
