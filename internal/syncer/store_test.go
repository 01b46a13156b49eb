package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/estiohq/syncd/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	err = db.AutoMigrate(
		&models.Account{}, &models.Credential{}, &models.SyncCursor{},
		&models.Contact{}, &models.Conversation{}, &models.Message{},
		&models.SyncRunLog{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Every pooled connection to :memory: is its own database; pin the
	// pool so concurrent tests see one store.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db
}

func TestCursorLazyCreationAndAdvance(t *testing.T) {
	s := NewCursorStore(newTestDB(t))
	ctx := context.Background()

	cur, err := s.Get(ctx, "acc-1", "conversations")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.OpaqueToken != "" {
		t.Fatalf("fresh pair should have an empty cursor, got %q", cur.OpaqueToken)
	}

	if err := s.Advance(ctx, "acc-1", "conversations", "", "t1"); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	if err := s.Advance(ctx, "acc-1", "conversations", "t1", "t2"); err != nil {
		t.Fatalf("second advance: %v", err)
	}

	cur, err = s.Get(ctx, "acc-1", "conversations")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.OpaqueToken != "t2" {
		t.Fatalf("expected t2, got %q", cur.OpaqueToken)
	}
	if cur.LastSyncedAt.IsZero() {
		t.Fatal("lastSyncedAt not recorded")
	}
}

func TestStaleAdvanceIsRefused(t *testing.T) {
	s := NewCursorStore(newTestDB(t))
	ctx := context.Background()

	if err := s.Advance(ctx, "acc-1", "conversations", "", "t1"); err != nil {
		t.Fatalf("seed advance: %v", err)
	}

	// A slower run still holding the pre-t1 view must not win.
	err := s.Advance(ctx, "acc-1", "conversations", "", "t0")
	if !errors.Is(err, ErrStaleCursor) {
		t.Fatalf("expected stale cursor, got %v", err)
	}

	cur, _ := s.Get(ctx, "acc-1", "conversations")
	if cur.OpaqueToken != "t1" {
		t.Fatalf("stale run rolled the cursor back to %q", cur.OpaqueToken)
	}
}

func TestAdvanceOnMissingRowRequiresEmptyPrev(t *testing.T) {
	s := NewCursorStore(newTestDB(t))

	err := s.Advance(context.Background(), "acc-1", "conversations", "t1", "t2")
	if !errors.Is(err, ErrStaleCursor) {
		t.Fatalf("expected stale cursor for a vanished row, got %v", err)
	}
}

func TestCursorsAreIndependentPerChannel(t *testing.T) {
	s := NewCursorStore(newTestDB(t))
	ctx := context.Background()

	if err := s.Advance(ctx, "acc-1", "mail:inbox", "", "a"); err != nil {
		t.Fatalf("advance inbox: %v", err)
	}
	if err := s.Advance(ctx, "acc-1", "mail:sentitems", "", "b"); err != nil {
		t.Fatalf("advance sent: %v", err)
	}

	inbox, _ := s.Get(ctx, "acc-1", "mail:inbox")
	sent, _ := s.Get(ctx, "acc-1", "mail:sentitems")
	if inbox.OpaqueToken != "a" || sent.OpaqueToken != "b" {
		t.Fatalf("channels bled into each other: %q %q", inbox.OpaqueToken, sent.OpaqueToken)
	}
}

func TestResetClearsCursor(t *testing.T) {
	s := NewCursorStore(newTestDB(t))
	ctx := context.Background()

	if err := s.Advance(ctx, "acc-1", "conversations", "", "t1"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.Reset(ctx, "acc-1", "conversations"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	cur, err := s.Get(ctx, "acc-1", "conversations")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.OpaqueToken != "" {
		t.Fatalf("reset left token %q", cur.OpaqueToken)
	}

	// Post-reset the pair starts over like a fresh one.
	if err := s.Advance(ctx, "acc-1", "conversations", "", "t1"); err != nil {
		t.Fatalf("advance after reset: %v", err)
	}
}
