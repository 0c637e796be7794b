package sync

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/stickaround/entitysync/internal/commit"
	"github.com/stickaround/entitysync/internal/entity"
)

type sequentialIDs struct {
	prefix string
	next   int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:sync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&PartnerRecord{}, &CollectionRecord{}, &ExportEntry{}, &ImportEntry{},
		&commit.Head{}, &entity.Object{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	store, err := NewStore(StoreConfig{Database: db, IDProvider: &sequentialIDs{prefix: "id"}})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func mustAccountID(t *testing.T, value string) AccountID {
	t.Helper()
	id, err := NewAccountID(value)
	if err != nil {
		t.Fatalf("unexpected account id error: %v", err)
	}
	return id
}

func mustRemoteID(t *testing.T, value string) RemotePartnerID {
	t.Helper()
	id, err := NewRemotePartnerID(value)
	if err != nil {
		t.Fatalf("unexpected remote partner id error: %v", err)
	}
	return id
}

func mustPartner(t *testing.T, account, remote string) *Partner {
	t.Helper()
	partner, err := NewPartner(PartnerConfig{
		RemoteID:  mustRemoteID(t, remote),
		AccountID: mustAccountID(t, account),
		OwnerID:   "owner-1",
	})
	if err != nil {
		t.Fatalf("unexpected partner error: %v", err)
	}
	return partner
}

func mustCollection(t *testing.T, cfg CollectionConfig) *Collection {
	t.Helper()
	collection, err := NewCollection(cfg)
	if err != nil {
		t.Fatalf("unexpected collection error: %v", err)
	}
	return collection
}

func mustCondition(t *testing.T, field string, operator entity.ConditionOperator, value string) entity.Condition {
	t.Helper()
	condition, err := entity.NewCondition(field, operator, value)
	if err != nil {
		t.Fatalf("unexpected condition error: %v", err)
	}
	return condition
}

// newTestEntityStore wires an object store over the same database so
// reconciliation tests can drive real object saves.
func newTestEntityStore(t *testing.T, db *gorm.DB, stale entity.StalePublisher) *entity.Store {
	t.Helper()
	commits, err := commit.NewManager(commit.ManagerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct commit manager: %v", err)
	}
	store, err := entity.NewStore(entity.StoreConfig{
		Database:  db,
		Commits:   commits,
		Stale:     stale,
		AccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("failed to construct entity store: %v", err)
	}
	return store
}
