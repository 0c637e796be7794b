package commit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	dsn := fmt.Sprintf("file:commit_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Head{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	manager, err := NewManager(ManagerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return manager
}

func mustHeadKey(t *testing.T, value string) HeadKey {
	t.Helper()
	key, err := NewHeadKey(value)
	if err != nil {
		t.Fatalf("unexpected head key error: %v", err)
	}
	return key
}

func TestNewManagerRequiresDatabase(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err == nil {
		t.Fatalf("expected error for missing database")
	}
}

func TestNewHeadKeyRejectsEmpty(t *testing.T) {
	if _, err := NewHeadKey("   "); err == nil {
		t.Fatalf("expected error for empty head key")
	}
}

func TestCreateCommitIssuesStrictlyIncreasingIDs(t *testing.T) {
	manager := newTestManager(t)
	head := mustHeadKey(t, "groupings/email_message/mailbox_id/none")

	var previous CommitID
	for i := 0; i < 10; i++ {
		id, err := manager.CreateCommit(context.Background(), head)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id <= previous {
			t.Fatalf("commit id %d did not increase past %d", id, previous)
		}
		previous = id
	}
}

func TestCreateCommitSequencesHeadsIndependently(t *testing.T) {
	manager := newTestManager(t)
	headA := mustHeadKey(t, "entities/email_message")
	headB := mustHeadKey(t, "entities/contact")

	for i := 0; i < 3; i++ {
		if _, err := manager.CreateCommit(context.Background(), headA); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	id, err := manager.CreateCommit(context.Background(), headB)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Int64() != 1 {
		t.Fatalf("expected fresh head to start at 1, got %d", id)
	}
}

func TestCreateCommitConcurrentCallersNeverRepeat(t *testing.T) {
	manager := newTestManager(t)
	head := mustHeadKey(t, "entities/task")

	const workers = 8
	const perWorker = 5

	var mu sync.Mutex
	seen := make(map[CommitID]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := manager.CreateCommit(context.Background(), head)
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				mu.Lock()
				if seen[id] {
					t.Errorf("commit id %d issued twice", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d distinct commit ids, got %d", workers*perWorker, len(seen))
	}
}

func TestLastCommitReflectsIssuedIDs(t *testing.T) {
	manager := newTestManager(t)
	head := mustHeadKey(t, "entities/note")

	last, err := manager.LastCommit(context.Background(), head)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last != 0 {
		t.Fatalf("expected zero for untouched head, got %d", last)
	}

	issued, err := manager.CreateCommit(context.Background(), head)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last, err = manager.LastCommit(context.Background(), head)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last != issued {
		t.Fatalf("expected last commit %d, got %d", issued, last)
	}
}
