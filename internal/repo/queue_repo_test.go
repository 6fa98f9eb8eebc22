package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

func seedSubscribers(t *testing.T, db *gorm.DB, confirmed, pending int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < confirmed; i++ {
		s, err := CreateSubscriber(ctx, db, fmt.Sprintf("c%d@example.com", i), "C", now)
		if err != nil {
			t.Fatalf("create subscriber: %v", err)
		}
		if err := ConfirmSubscriber(ctx, db, s.ID); err != nil {
			t.Fatalf("confirm: %v", err)
		}
	}
	for i := 0; i < pending; i++ {
		if _, err := CreateSubscriber(ctx, db, fmt.Sprintf("p%d@example.com", i), "P", now); err != nil {
			t.Fatalf("create subscriber: %v", err)
		}
	}
}

func seedIssueWithTasks(t *testing.T, db *gorm.DB, now time.Time) string {
	t.Helper()
	is, err := CreateIssue(context.Background(), db, "Title", "text", "<p>html</p>", now)
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if _, err := EnqueueDeliveryTasks(context.Background(), db, is.ID, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return is.ID
}

func TestEnqueueDeliveryTasks_OnlyConfirmed(t *testing.T) {
	db := newRepoDB(t)
	seedSubscribers(t, db, 3, 2)
	now := time.Now().UTC()

	is, err := CreateIssue(context.Background(), db, "T", "x", "<p>x</p>", now)
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	n, err := EnqueueDeliveryTasks(context.Background(), db, is.ID, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 tasks (confirmed only), got %d", n)
	}

	var tasks []domain.DeliveryTask
	db.Where("issue_id = ?", is.ID).Order("subscriber_email").Find(&tasks)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(tasks))
	}
	for _, tk := range tasks {
		if tk.Attempts != 0 || tk.ClaimToken != nil || tk.LockedUntil != nil {
			t.Fatalf("task should start pending: %+v", tk)
		}
	}

	// Enqueueing the same issue twice violates the (issue, email) key.
	if _, err := EnqueueDeliveryTasks(context.Background(), db, is.ID, now); err == nil {
		t.Fatalf("expected duplicate enqueue to fail")
	}
}

func TestEnqueueDeliveryTasks_NoAudience(t *testing.T) {
	db := newRepoDB(t)
	n, err := EnqueueDeliveryTasks(context.Background(), db, "issue", time.Now().UTC())
	if err != nil || n != 0 {
		t.Fatalf("expected 0 tasks, got n=%d err=%v", n, err)
	}
}

func TestClaimDeliveryTasks_LeaseExcludesAndExpires(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedSubscribers(t, db, 5, 0)
	now := time.Now().UTC()
	seedIssueWithTasks(t, db, now)

	first, err := ClaimDeliveryTasks(ctx, db, now, time.Minute, 3)
	if err != nil || len(first) != 3 {
		t.Fatalf("first claim: len=%d err=%v", len(first), err)
	}
	for _, tk := range first {
		if tk.ClaimToken == nil || tk.LockedUntil == nil {
			t.Fatalf("claimed task must carry a lease: %+v", tk)
		}
	}

	second, err := ClaimDeliveryTasks(ctx, db, now, time.Minute, 10)
	if err != nil || len(second) != 2 {
		t.Fatalf("second claim should get the remaining 2: len=%d err=%v", len(second), err)
	}
	seen := map[string]bool{}
	for _, tk := range append(first, second...) {
		if seen[tk.SubscriberEmail] {
			t.Fatalf("task %s claimed twice", tk.SubscriberEmail)
		}
		seen[tk.SubscriberEmail] = true
	}

	none, err := ClaimDeliveryTasks(ctx, db, now, time.Minute, 10)
	if err != nil || len(none) != 0 {
		t.Fatalf("all tasks leased, expected none: len=%d err=%v", len(none), err)
	}

	// Once the lease lapses the tasks become claimable again.
	later, err := ClaimDeliveryTasks(ctx, db, now.Add(2*time.Minute), time.Minute, 10)
	if err != nil || len(later) != 5 {
		t.Fatalf("expired leases should be reclaimable: len=%d err=%v", len(later), err)
	}
}

func TestClaimDeliveryTasks_RespectsExecuteAfterAndLimit(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedSubscribers(t, db, 2, 0)
	now := time.Now().UTC()
	seedIssueWithTasks(t, db, now.Add(time.Hour))

	got, err := ClaimDeliveryTasks(ctx, db, now, time.Minute, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("future tasks must not be claimed: len=%d err=%v", len(got), err)
	}
	if got, _ := ClaimDeliveryTasks(ctx, db, now, time.Minute, 0); got != nil {
		t.Fatalf("limit 0 should claim nothing")
	}
}

func TestClaimDeliveryTasks_ConcurrentClaimersAreDisjoint(t *testing.T) {
	db := newRepoDB(t)
	seedSubscribers(t, db, 20, 0)
	now := time.Now().UTC()
	seedIssueWithTasks(t, db, now)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []domain.DeliveryTask
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := ClaimDeliveryTasks(context.Background(), db, now, time.Minute, 5)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			all = append(all, got...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(all) != 20 {
		t.Fatalf("expected 20 claimed tasks in total, got %d", len(all))
	}
	seen := map[string]bool{}
	for _, tk := range all {
		if seen[tk.SubscriberEmail] {
			t.Fatalf("task %s claimed by two workers", tk.SubscriberEmail)
		}
		seen[tk.SubscriberEmail] = true
	}
}

func TestCompleteDeliveryTask_FencedByClaimToken(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedSubscribers(t, db, 1, 0)
	now := time.Now().UTC()
	seedIssueWithTasks(t, db, now)

	claimed, err := ClaimDeliveryTasks(ctx, db, now, time.Minute, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: len=%d err=%v", len(claimed), err)
	}
	task := claimed[0]

	stale := task
	other := "not-my-token"
	stale.ClaimToken = &other
	if err := CompleteDeliveryTask(ctx, db, stale); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for foreign token, got %v", err)
	}
	if err := CompleteDeliveryTask(ctx, db, task); err != nil {
		t.Fatalf("complete: %v", err)
	}
	var n int64
	db.Model(&domain.DeliveryTask{}).Count(&n)
	if n != 0 {
		t.Fatalf("completed task should be deleted, %d left", n)
	}
}

func TestExtendDeliveryLease_KeepsTaskFromOtherClaims(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedSubscribers(t, db, 1, 0)
	now := time.Now().UTC()
	seedIssueWithTasks(t, db, now)

	claimed, err := ClaimDeliveryTasks(ctx, db, now, time.Second, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: len=%d err=%v", len(claimed), err)
	}
	if err := ExtendDeliveryLease(ctx, db, claimed[0], now.Add(time.Hour)); err != nil {
		t.Fatalf("extend: %v", err)
	}

	// Past the original lease, the extended one still holds.
	again, err := ClaimDeliveryTasks(ctx, db, now.Add(time.Minute), time.Second, 1)
	if err != nil || len(again) != 0 {
		t.Fatalf("extended task must not be reclaimed: len=%d err=%v", len(again), err)
	}

	// Once another worker holds the task, the old claim cannot extend it.
	taken, err := ClaimDeliveryTasks(ctx, db, now.Add(2*time.Hour), time.Minute, 1)
	if err != nil || len(taken) != 1 {
		t.Fatalf("reclaim after expiry: len=%d err=%v", len(taken), err)
	}
	if err := ExtendDeliveryLease(ctx, db, claimed[0], now.Add(3*time.Hour)); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for replaced claim, got %v", err)
	}
}

func TestRescheduleDeliveryTask_ReleasesLease(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedSubscribers(t, db, 1, 0)
	now := time.Now().UTC()
	seedIssueWithTasks(t, db, now)

	claimed, _ := ClaimDeliveryTasks(ctx, db, now, time.Minute, 1)
	next := now.Add(30 * time.Second)
	if err := RescheduleDeliveryTask(ctx, db, claimed[0], 1, next, "smtp 451"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	var tk domain.DeliveryTask
	db.First(&tk, "subscriber_email = ?", claimed[0].SubscriberEmail)
	if tk.Attempts != 1 || tk.ClaimToken != nil || tk.LockedUntil != nil || tk.LastError != "smtp 451" {
		t.Fatalf("unexpected task after reschedule: %+v", tk)
	}
	if got, _ := ClaimDeliveryTasks(ctx, db, now.Add(10*time.Second), time.Minute, 1); len(got) != 0 {
		t.Fatalf("task must not be eligible before its backoff elapses")
	}
	if got, _ := ClaimDeliveryTasks(ctx, db, next, time.Minute, 1); len(got) != 1 {
		t.Fatalf("task must be eligible once its backoff elapses")
	}

	// The old claim no longer fences anything.
	if err := RescheduleDeliveryTask(ctx, db, claimed[0], 2, next, "x"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestDeadLetterAndRequeue(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedSubscribers(t, db, 2, 0)
	now := time.Now().UTC()
	issueID := seedIssueWithTasks(t, db, now)

	claimed, _ := ClaimDeliveryTasks(ctx, db, now, time.Minute, 1)
	task := claimed[0]
	if err := DeadLetterDeliveryTask(ctx, db, task, 5, domain.DeadLetterExhausted, "boom", now); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	if err := DeadLetterDeliveryTask(ctx, db, task, 5, domain.DeadLetterExhausted, "boom", now); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("second dead-letter must be fenced, got %v", err)
	}

	n, err := CountDeadLetters(ctx, db, issueID)
	if err != nil || n != 1 {
		t.Fatalf("CountDeadLetters: n=%d err=%v", n, err)
	}
	list, err := ListDeadLettersPage(ctx, db, "", 0, 10)
	if err != nil || len(list) != 1 || list[0].SubscriberEmail != task.SubscriberEmail || list[0].Reason != domain.DeadLetterExhausted {
		t.Fatalf("ListDeadLettersPage: %+v err=%v", list, err)
	}

	// Dead-lettered tasks are absent from further claims.
	rest, _ := ClaimDeliveryTasks(ctx, db, now.Add(time.Hour), time.Minute, 10)
	for _, tk := range rest {
		if tk.SubscriberEmail == task.SubscriberEmail {
			t.Fatalf("dead-lettered task was claimed again")
		}
	}

	if err := RequeueDeadLetter(ctx, db, issueID, "missing@example.com", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := RequeueDeadLetter(ctx, db, issueID, task.SubscriberEmail, now); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n, _ := CountDeadLetters(ctx, db, ""); n != 0 {
		t.Fatalf("dead letter should be removed on requeue, got %d", n)
	}
	var tk domain.DeliveryTask
	if err := db.First(&tk, "issue_id = ? AND subscriber_email = ?", issueID, task.SubscriberEmail).Error; err != nil {
		t.Fatalf("requeued task missing: %v", err)
	}
	if tk.Attempts != 0 {
		t.Fatalf("requeued task should start with a fresh budget, got %d", tk.Attempts)
	}
}
