package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stickaround/entitysync/internal/entity"
)

// syncStalePublisher applies stale marks through the store immediately,
// standing in for the queue+worker pair where test determinism matters.
type syncStalePublisher struct {
	store *Store
}

func (p *syncStalePublisher) PublishEntityStale(ctx context.Context, accountID string, lastCommitID, newCommitID int64) error {
	_, err := p.store.ApplyStaleMark(ctx, StaleMark{
		AccountID:    AccountID(accountID),
		Type:         CollectionTypeEntity,
		LastCommitID: lastCommitID,
		NewCommitID:  newCommitID,
	})
	return err
}

type exportFixture struct {
	store      *Store
	objects    *entity.Store
	collection *Collection
	objType    entity.ObjectType
}

func newExportFixture(t *testing.T, conditions []entity.Condition) *exportFixture {
	t.Helper()
	store, db := newTestStore(t)
	objects := newTestEntityStore(t, db, &syncStalePublisher{store: store})

	partner := mustPartner(t, "acct-1", "device-abc")
	collection := mustCollection(t, CollectionConfig{
		AccountID:  mustAccountID(t, "acct-1"),
		Type:       CollectionTypeEntity,
		ObjectType: "email_message",
		Conditions: conditions,
	})
	partner.AddCollection(collection)
	if err := store.SavePartner(context.Background(), partner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	objType, err := entity.NewObjectType("email_message")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &exportFixture{store: store, objects: objects, collection: collection, objType: objType}
}

func (f *exportFixture) saveObject(t *testing.T, id string, fields map[string]string) entity.Object {
	t.Helper()
	objectID, err := entity.NewObjectID(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	saved, err := f.objects.Save(context.Background(), f.objType, objectID, fields)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return saved
}

// drainExport runs the apply+log+fast-forward loop a consumer would run,
// returning every action seen.
func (f *exportFixture) drainExport(t *testing.T) []ExportAction {
	t.Helper()
	var all []ExportAction
	for {
		actions, err := f.store.ExportChanged(context.Background(), f.collection, f.objects, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(actions) == 0 {
			return all
		}
		highest := f.collection.LastCommitID()
		for _, action := range actions {
			switch typed := action.(type) {
			case ExportChange:
				commitID := typed.CommitID
				if err := f.store.LogExported(context.Background(), f.collection.ID(), typed.ObjectID, &commitID); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				// Ledger-driven re-offers never move the watermark.
				if !typed.Stale && typed.CommitID > highest {
					highest = typed.CommitID
				}
			case ExportDelete:
				if err := f.store.LogExported(context.Background(), f.collection.ID(), typed.ObjectID, nil); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			default:
				t.Fatalf("unhandled export action %T", action)
			}
		}
		if highest > f.collection.LastCommitID() {
			if err := f.store.FastForward(context.Background(), f.collection, highest); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		all = append(all, actions...)
	}
}

func TestExportOffersNewObjectsAndAdvancesWatermark(t *testing.T) {
	inbox := []entity.Condition{}
	fixture := newExportFixture(t, inbox)
	saved := fixture.saveObject(t, "msg-1", map[string]string{"mailbox_id": "inbox"})

	actions := fixture.drainExport(t)
	if len(actions) != 1 {
		t.Fatalf("expected one action, got %+v", actions)
	}
	change, ok := actions[0].(ExportChange)
	if !ok || change.ObjectID != "msg-1" || change.CommitID != saved.CommitID {
		t.Fatalf("unexpected action: %+v", actions[0])
	}
	if fixture.collection.LastCommitID() != saved.CommitID {
		t.Fatalf("expected watermark %d, got %d", saved.CommitID, fixture.collection.LastCommitID())
	}

	// Nothing new: the next pass is empty.
	if extra := fixture.drainExport(t); len(extra) != 0 {
		t.Fatalf("expected drained export, got %+v", extra)
	}
}

func TestExportAtLeastOnceWhenLoggingSkipped(t *testing.T) {
	fixture := newExportFixture(t, nil)
	fixture.saveObject(t, "msg-1", map[string]string{"mailbox_id": "inbox"})

	// Apply happens but the crash window swallows LogExported and the
	// watermark advance. The next call must re-offer the same item.
	first, err := fixture.store.ExportChanged(context.Background(), fixture.collection, fixture.objects, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected one action, got %+v", first)
	}
	second, err := fixture.store.ExportChanged(context.Background(), fixture.collection, fixture.objects, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second) != 1 || second[0] != first[0] {
		t.Fatalf("expected the unlogged item to be re-offered, got %+v", second)
	}
}

func TestExportFilterExitBecomesDeleteExactlyOnce(t *testing.T) {
	inbox := []entity.Condition{mustCondition(t, "mailbox_id", entity.OperatorEqual, "inbox")}
	fixture := newExportFixture(t, inbox)

	fixture.saveObject(t, "msg-1", map[string]string{"mailbox_id": "inbox"})
	actions := fixture.drainExport(t)
	if len(actions) != 1 {
		t.Fatalf("expected initial change, got %+v", actions)
	}

	// Move the message out of the filter. The save publishes a stale mark
	// for the superseded commit, which the fixture applies synchronously.
	fixture.saveObject(t, "msg-1", map[string]string{"mailbox_id": "archive"})

	actions = fixture.drainExport(t)
	if len(actions) != 1 {
		t.Fatalf("expected one delete, got %+v", actions)
	}
	if _, ok := actions[0].(ExportDelete); !ok {
		t.Fatalf("expected delete after filter exit, got %+v", actions[0])
	}

	// Retired: never re-offered while it stays outside the filter.
	if extra := fixture.drainExport(t); len(extra) != 0 {
		t.Fatalf("expected no re-offer of retired object, got %+v", extra)
	}

	// Re-entering the filter is a fresh change under a new commit.
	reentered := fixture.saveObject(t, "msg-1", map[string]string{"mailbox_id": "inbox"})
	actions = fixture.drainExport(t)
	if len(actions) != 1 {
		t.Fatalf("expected re-offer after re-entry, got %+v", actions)
	}
	change, ok := actions[0].(ExportChange)
	if !ok || change.CommitID != reentered.CommitID {
		t.Fatalf("unexpected action after re-entry: %+v", actions[0])
	}
}

func TestExportGenuineDeleteBecomesDelete(t *testing.T) {
	fixture := newExportFixture(t, nil)
	fixture.saveObject(t, "msg-1", map[string]string{"mailbox_id": "inbox"})
	fixture.drainExport(t)

	objectID, err := entity.NewObjectID("msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fixture.objects.Delete(context.Background(), fixture.objType, objectID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	actions := fixture.drainExport(t)
	if len(actions) != 1 {
		t.Fatalf("expected one delete, got %+v", actions)
	}
	if deleted, ok := actions[0].(ExportDelete); !ok || deleted.ObjectID != "msg-1" {
		t.Fatalf("expected delete for msg-1, got %+v", actions[0])
	}
}

func TestExportStaleMarkReoffersWithoutFilterChange(t *testing.T) {
	fixture := newExportFixture(t, nil)
	saved := fixture.saveObject(t, "msg-1", map[string]string{"flag_seen": "false"})
	fixture.drainExport(t)

	// A flag flip supersedes the exported commit; the filter itself never
	// changed, yet the object must be re-offered.
	updated := fixture.saveObject(t, "msg-1", map[string]string{"flag_seen": "true"})
	if updated.CommitID <= saved.CommitID {
		t.Fatalf("expected a newer commit")
	}

	actions, err := fixture.store.ExportChanged(context.Background(), fixture.collection, fixture.objects, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, action := range actions {
		if change, ok := action.(ExportChange); ok && change.ObjectID == "msg-1" && change.CommitID == updated.CommitID {
			if !change.Stale {
				t.Fatalf("expected the ledger re-offer to be flagged stale: %+v", change)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stale mark to re-offer msg-1 at commit %d, got %+v", updated.CommitID, actions)
	}
}

func TestExportFreshOffersAreNotFlaggedStale(t *testing.T) {
	fixture := newExportFixture(t, nil)
	fixture.saveObject(t, "msg-1", map[string]string{"flag_seen": "false"})

	actions, err := fixture.store.ExportChanged(context.Background(), fixture.collection, fixture.objects, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one action, got %+v", actions)
	}
	if change, ok := actions[0].(ExportChange); !ok || change.Stale {
		t.Fatalf("expected an unflagged live offer, got %+v", actions[0])
	}
}

func TestExportBrokenCommitChainIsFatal(t *testing.T) {
	store, _ := newTestStore(t)
	partner := mustPartner(t, "acct-1", "device-abc")
	collection := mustCollection(t, CollectionConfig{
		AccountID:  mustAccountID(t, "acct-1"),
		Type:       CollectionTypeEntity,
		ObjectType: "email_message",
	})
	partner.AddCollection(collection)
	if err := store.SavePartner(context.Background(), partner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := store.ExportChanged(context.Background(), collection, brokenSource{}, 0); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

// brokenSource offers an object that claims existence without a commit id.
type brokenSource struct{}

func (brokenSource) ChangedSince(_ context.Context, _, _ string, _ []entity.Condition, _ int64, _ int) ([]entity.SourceStat, error) {
	return []entity.SourceStat{{ObjectID: "msg-broken", CommitID: 0}}, nil
}

func (brokenSource) Resolve(_ context.Context, _, _ string, _ []entity.Condition, _ string) (entity.ResolveResult, error) {
	return entity.ResolveResult{Exists: true, Matches: true, CommitID: 0}, nil
}

func newImportCollection(t *testing.T) (*Store, *Collection) {
	t.Helper()
	store, _ := newTestStore(t)
	partner := mustPartner(t, "acct-1", "mailbox-1")
	collection := mustCollection(t, CollectionConfig{
		AccountID:  mustAccountID(t, "acct-1"),
		Type:       CollectionTypeEntity,
		ObjectType: "email_message",
	})
	partner.AddCollection(collection)
	if err := store.SavePartner(context.Background(), partner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return store, collection
}

func TestImportLifecycleCreateUpdateDelete(t *testing.T) {
	store, collection := newImportCollection(t)

	// New remote message.
	actions, err := store.ImportChanged(context.Background(), collection, []RemoteStat{{RemoteID: "abc", Revision: 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one action, got %+v", actions)
	}
	change, ok := actions[0].(ImportChange)
	if !ok || change.RemoteID != "abc" || change.LocalID != "" {
		t.Fatalf("expected create for abc, got %+v", actions[0])
	}
	localID := "42"
	if err := store.LogImported(context.Background(), collection.ID(), "abc", 1, &localID, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Remote revision moves: update path with the mapped local id.
	actions, err = store.ImportChanged(context.Background(), collection, []RemoteStat{{RemoteID: "abc", Revision: 2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one action, got %+v", actions)
	}
	change, ok = actions[0].(ImportChange)
	if !ok || change.LocalID != "42" || change.RemoteRevision != 2 {
		t.Fatalf("expected update for local 42, got %+v", actions[0])
	}
	if err := store.LogImported(context.Background(), collection.ID(), "abc", 2, &localID, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Remote omits the message: delete path.
	actions, err = store.ImportChanged(context.Background(), collection, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one action, got %+v", actions)
	}
	deleted, ok := actions[0].(ImportDelete)
	if !ok || deleted.RemoteID != "abc" || deleted.LocalID != "42" {
		t.Fatalf("expected delete for abc/42, got %+v", actions[0])
	}
	if err := store.LogImported(context.Background(), collection.ID(), "abc", 0, nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Fully retired: an empty listing stays quiet.
	actions, err = store.ImportChanged(context.Background(), collection, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no actions after retirement, got %+v", actions)
	}
}

func TestImportIsIdempotentAgainstUnchangedSnapshot(t *testing.T) {
	store, collection := newImportCollection(t)
	snapshot := []RemoteStat{
		{RemoteID: "abc", Revision: 1},
		{RemoteID: "def", Revision: 3},
	}

	actions, err := store.ImportChanged(context.Background(), collection, snapshot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected two creates, got %+v", actions)
	}
	for _, action := range actions {
		change := action.(ImportChange)
		localID := "local-" + change.RemoteID
		if err := store.LogImported(context.Background(), collection.ID(), change.RemoteID, change.RemoteRevision, &localID, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// The same snapshot again must produce zero work.
	actions, err = store.ImportChanged(context.Background(), collection, snapshot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected idempotent import, got %+v", actions)
	}
}

func TestApplyStaleMarkOnlyTouchesMatchingTypeAndCommit(t *testing.T) {
	store, _ := newTestStore(t)
	partner := mustPartner(t, "acct-1", "device-abc")
	entityColl := mustCollection(t, CollectionConfig{
		AccountID:  mustAccountID(t, "acct-1"),
		Type:       CollectionTypeEntity,
		ObjectType: "email_message",
	})
	groupingColl := mustCollection(t, CollectionConfig{
		AccountID:  mustAccountID(t, "acct-1"),
		Type:       CollectionTypeGrouping,
		ObjectType: "email_message",
		FieldName:  "mailbox_id",
	})
	partner.AddCollection(entityColl)
	partner.AddCollection(groupingColl)
	if err := store.SavePartner(context.Background(), partner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	oldCommit := int64(5)
	otherCommit := int64(9)
	if err := store.LogExported(context.Background(), entityColl.ID(), "obj-1", &oldCommit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.LogExported(context.Background(), entityColl.ID(), "obj-2", &otherCommit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.LogExported(context.Background(), groupingColl.ID(), "grp-1", &oldCommit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	marked, err := store.ApplyStaleMark(context.Background(), StaleMark{
		Type:         CollectionTypeEntity,
		LastCommitID: oldCommit,
		NewCommitID:  11,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected exactly one entry marked, got %d", marked)
	}
}
