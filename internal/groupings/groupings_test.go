package groupings

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/stickaround/entitysync/internal/commit"
	"github.com/stickaround/entitysync/internal/entity"
)

type sequentialIDs struct {
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("grp-%d", p.next), nil
}

type recordedStale struct {
	accountID    string
	lastCommitID int64
	newCommitID  int64
}

type staleRecorder struct {
	events []recordedStale
}

func (r *staleRecorder) PublishGroupingStale(_ context.Context, accountID string, lastCommitID, newCommitID int64) error {
	r.events = append(r.events, recordedStale{accountID: accountID, lastCommitID: lastCommitID, newCommitID: newCommitID})
	return nil
}

func newTestManager(t *testing.T) (*StateManager, *Store, *staleRecorder) {
	t.Helper()

	dsn := fmt.Sprintf("file:groupings_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&GroupRecord{}, &commit.Head{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{Database: db, IDProvider: &sequentialIDs{}})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	commits, err := commit.NewManager(commit.ManagerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct commit manager: %v", err)
	}
	recorder := &staleRecorder{}
	manager, err := NewStateManager(StateManagerConfig{
		Store:     store,
		Commits:   commits,
		Stale:     recorder,
		AccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("failed to construct state manager: %v", err)
	}
	return manager, store, recorder
}

func mustGet(t *testing.T, manager *StateManager, objType, fieldName string, filters map[string]string) *EntityGroupings {
	t.Helper()
	set, err := manager.Get(context.Background(), objType, fieldName, filters)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	return set
}

func mustCreate(t *testing.T, set *EntityGroupings, name, parentID string) *Group {
	t.Helper()
	group, err := set.Create(name, parentID)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return group
}

func mustSave(t *testing.T, set *EntityGroupings) SaveResult {
	t.Helper()
	result, err := set.Save(context.Background())
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	return result
}

func TestCreateRejectsInvalidAndDuplicateNames(t *testing.T) {
	manager, _, _ := newTestManager(t)
	set := mustGet(t, manager, "email_message", "mailbox_id", nil)

	if _, err := set.Create("", ""); !errors.Is(err, ErrInvalidGroupName) {
		t.Fatalf("expected invalid name error, got %v", err)
	}
	if _, err := set.Create("Inbox/Sub", ""); !errors.Is(err, ErrInvalidGroupName) {
		t.Fatalf("expected separator rejection, got %v", err)
	}

	mustCreate(t, set, "Inbox", "")
	if _, err := set.Create("Inbox", ""); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected duplicate sibling rejection, got %v", err)
	}

	// The same name under a different parent is a different group.
	parent := mustCreate(t, set, "Archive", "")
	if _, err := set.Create("Inbox", parent.ID()); err != nil {
		t.Fatalf("unexpected error for same name under other parent: %v", err)
	}
}

func TestGetByPathResolvesLevelByLevel(t *testing.T) {
	manager, _, _ := newTestManager(t)
	set := mustGet(t, manager, "email_message", "mailbox_id", nil)

	root := mustCreate(t, set, "Inbox", "")
	child := mustCreate(t, set, "Receipts", root.ID())
	grandchild := mustCreate(t, set, "2026", child.ID())

	if got := set.GetByPath("Inbox/Receipts/2026"); got == nil || got.ID() != grandchild.ID() {
		t.Fatalf("expected grandchild, got %+v", got)
	}
	if got := set.GetByPath("/Inbox/Receipts/"); got == nil || got.ID() != child.ID() {
		t.Fatalf("expected trimmed path to resolve child, got %+v", got)
	}
	if set.GetByPath("Inbox/Missing/2026") != nil {
		t.Fatalf("expected missing segment to resolve to nil")
	}
	if set.GetByPath("") != nil {
		t.Fatalf("expected empty path to resolve to nil")
	}
}

func TestMoveRejectsCycles(t *testing.T) {
	manager, _, _ := newTestManager(t)
	set := mustGet(t, manager, "email_message", "mailbox_id", nil)

	root := mustCreate(t, set, "Inbox", "")
	child := mustCreate(t, set, "Receipts", root.ID())
	grandchild := mustCreate(t, set, "2026", child.ID())

	if err := set.Move(root.ID(), grandchild.ID()); !errors.Is(err, ErrGroupingCycle) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
	if err := set.Move(root.ID(), root.ID()); !errors.Is(err, ErrGroupingCycle) {
		t.Fatalf("expected self-parent rejection, got %v", err)
	}
	if root.ParentID() != "" {
		t.Fatalf("expected rejected move to leave parent untouched")
	}

	// A legal reparent within the tree still works.
	if err := set.Move(grandchild.ID(), root.ID()); err != nil {
		t.Fatalf("unexpected move error: %v", err)
	}
	if got := set.GetByPath("Inbox/2026"); got == nil || got.ID() != grandchild.ID() {
		t.Fatalf("expected moved group under new parent")
	}
}

func TestSaveRoundTripsThroughStore(t *testing.T) {
	manager, _, _ := newTestManager(t)
	set := mustGet(t, manager, "email_message", "mailbox_id", nil)

	root := mustCreate(t, set, "Inbox", "")
	mustCreate(t, set, "Receipts", root.ID())
	result := mustSave(t, set)
	if result.CommitID == 0 || result.Changed != 2 {
		t.Fatalf("unexpected save result %+v", result)
	}
	if root.Dirty() {
		t.Fatalf("expected save to clear dirty flag")
	}
	if root.CommitID() != result.CommitID {
		t.Fatalf("expected group stamped with save commit")
	}

	manager.Evict("email_message", "mailbox_id", nil)
	reloaded := mustGet(t, manager, "email_message", "mailbox_id", nil)
	if reloaded == set {
		t.Fatalf("expected eviction to force a reload")
	}
	if got := reloaded.GetByPath("Inbox/Receipts"); got == nil {
		t.Fatalf("expected persisted hierarchy to reload")
	}
}

func TestSaveWithoutChangesIssuesNoCommit(t *testing.T) {
	manager, _, _ := newTestManager(t)
	set := mustGet(t, manager, "email_message", "mailbox_id", nil)

	mustCreate(t, set, "Inbox", "")
	first := mustSave(t, set)

	second := mustSave(t, set)
	if second.CommitID != 0 || second.Changed != 0 || second.Deleted != 0 {
		t.Fatalf("expected a clean save to be a no-op, got %+v", second)
	}

	set.GetByPath("Inbox").SetSortOrder(5)
	third := mustSave(t, set)
	if third.CommitID <= first.CommitID {
		t.Fatalf("expected a later commit, got %d after %d", third.CommitID, first.CommitID)
	}
}

func TestDeleteAnnouncesStaleOnSave(t *testing.T) {
	manager, _, recorder := newTestManager(t)
	set := mustGet(t, manager, "email_message", "mailbox_id", nil)

	group := mustCreate(t, set, "Inbox", "")
	saved := mustSave(t, set)
	priorCommit := saved.CommitID

	if !set.Delete(group.ID()) {
		t.Fatalf("expected delete to find the group")
	}
	if set.GetByID(group.ID()) != nil {
		t.Fatalf("expected deleted group to leave the active set")
	}

	result := mustSave(t, set)
	if result.Deleted != 1 {
		t.Fatalf("expected one deletion, got %+v", result)
	}
	if len(recorder.events) != 1 {
		t.Fatalf("expected one stale event, got %d", len(recorder.events))
	}
	event := recorder.events[0]
	if event.accountID != "acct-1" || event.lastCommitID != priorCommit || event.newCommitID != result.CommitID {
		t.Fatalf("unexpected stale event %+v", event)
	}
	if len(set.DeletedQueue()) != 0 {
		t.Fatalf("expected deletion queue to drain after save")
	}
}

func TestDeleteBeforeFirstSaveStaysSilent(t *testing.T) {
	manager, _, recorder := newTestManager(t)
	set := mustGet(t, manager, "email_message", "mailbox_id", nil)

	group := mustCreate(t, set, "Scratch", "")
	set.Delete(group.ID())
	mustSave(t, set)

	if len(recorder.events) != 0 {
		t.Fatalf("expected no stale event for a never-persisted group, got %d", len(recorder.events))
	}
}

func TestScopesIsolateGroupingStreams(t *testing.T) {
	manager, _, _ := newTestManager(t)

	unscoped := mustGet(t, manager, "email_message", "mailbox_id", nil)
	scoped := mustGet(t, manager, "email_message", "mailbox_id", map[string]string{"user_id": "u-1"})
	if unscoped == scoped {
		t.Fatalf("expected distinct sets per scope")
	}
	if unscoped.FiltersHash() != "none" {
		t.Fatalf("expected unscoped hash to be none, got %q", unscoped.FiltersHash())
	}
	if scoped.FiltersHash() == "none" {
		t.Fatalf("expected scoped set to carry a filter hash")
	}

	mustCreate(t, unscoped, "Inbox", "")
	mustSave(t, unscoped)
	mustCreate(t, scoped, "Inbox", "")
	mustSave(t, scoped)

	manager.Evict("email_message", "mailbox_id", map[string]string{"user_id": "u-1"})
	reloaded := mustGet(t, manager, "email_message", "mailbox_id", map[string]string{"user_id": "u-1"})
	if len(reloaded.All()) != 1 {
		t.Fatalf("expected scoped stream to hold only its own group, got %d", len(reloaded.All()))
	}
}

func TestGetMemoizesPerScope(t *testing.T) {
	manager, _, _ := newTestManager(t)

	first := mustGet(t, manager, "email_message", "mailbox_id", nil)
	second := mustGet(t, manager, "email_message", "mailbox_id", nil)
	if first != second {
		t.Fatalf("expected memoized set to be shared")
	}
}

func TestChangedSinceServesGroupingCollections(t *testing.T) {
	manager, store, _ := newTestManager(t)
	set := mustGet(t, manager, "email_message", "mailbox_id", nil)

	mustCreate(t, set, "Inbox", "")
	first := mustSave(t, set)
	archive := mustCreate(t, set, "Archive", "")
	second := mustSave(t, set)

	stats, err := store.ChangedSince(context.Background(), "email_message", "mailbox_id", nil, first.CommitID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 1 || stats[0].ObjectID != archive.ID() || stats[0].CommitID != second.CommitID {
		t.Fatalf("unexpected stats %+v", stats)
	}

	resolved, err := store.Resolve(context.Background(), "email_message", "mailbox_id", nil, archive.ID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resolved.Exists || !resolved.Matches || resolved.CommitID != second.CommitID {
		t.Fatalf("unexpected resolve result %+v", resolved)
	}

	set.Delete(archive.ID())
	mustSave(t, set)
	resolved, err = store.Resolve(context.Background(), "email_message", "mailbox_id", nil, archive.ID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Exists {
		t.Fatalf("expected deleted group to resolve as absent")
	}
}

func TestScopeFiltersSelectTheStream(t *testing.T) {
	manager, store, _ := newTestManager(t)
	scoped := mustGet(t, manager, "email_message", "mailbox_id", map[string]string{"user_id": "u-1"})
	mustCreate(t, scoped, "Inbox", "")
	result := mustSave(t, scoped)

	condition, err := entity.NewCondition("user_id", entity.OperatorEqual, "u-1")
	if err != nil {
		t.Fatalf("unexpected condition error: %v", err)
	}
	stats, err := store.ChangedSince(context.Background(), "email_message", "mailbox_id", []entity.Condition{condition}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 1 || stats[0].CommitID != result.CommitID {
		t.Fatalf("expected scoped stream via conditions, got %+v", stats)
	}

	other, err := entity.NewCondition("user_id", entity.OperatorEqual, "u-2")
	if err != nil {
		t.Fatalf("unexpected condition error: %v", err)
	}
	stats, err = store.ChangedSince(context.Background(), "email_message", "mailbox_id", []entity.Condition{other}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("expected other scope to be empty, got %+v", stats)
	}
}

func TestSaveWithoutStoreFails(t *testing.T) {
	set := &EntityGroupings{objType: "email_message", fieldName: "mailbox_id"}
	if _, err := set.Save(context.Background()); !errors.Is(err, ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}
