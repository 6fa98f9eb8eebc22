package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-newsletter-backend/internal/notify"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// newServiceDB opens a unique migrated in-memory database with a single
// connection, like the production SQLite pool.
func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedConfirmed(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		s, err := repo.CreateSubscriber(ctx, db, fmt.Sprintf("reader%d@example.com", i), "Reader", time.Now().UTC())
		if err != nil {
			t.Fatalf("create subscriber: %v", err)
		}
		if err := repo.ConfirmSubscriber(ctx, db, s.ID); err != nil {
			t.Fatalf("confirm subscriber: %v", err)
		}
	}
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Email
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, e notify.Email) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, e)
	return nil
}

func (n *recordingNotifier) emails() []notify.Email {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Email(nil), n.sent...)
}

type recordingWaker struct {
	mu  sync.Mutex
	ids []string
}

func (w *recordingWaker) Notify(_ context.Context, issueID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ids = append(w.ids, issueID)
	return nil
}
