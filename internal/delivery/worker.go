// Package delivery drains the issue delivery queue.
//
// A Worker repeatedly claims a batch of eligible tasks, sends one email per
// task through a notify.Notifier and records the outcome:
//
//   - success: the task row is deleted;
//   - transient failure below MaxAttempts: attempts is incremented and the
//     task becomes eligible again after an exponential backoff;
//   - permanent failure, or the MaxAttempts-th failure: the task moves to the
//     dead-letter table and an error event is logged.
//
// Delivery is at-least-once. Right before each send the worker re-stamps
// the task's lease, fenced by its claim token, to cover the send and the
// bookkeeping after it; a task whose claim was taken over while it waited is
// skipped unsent. A worker that crashes between a successful send and the
// delete still leaves the task to be claimed again after the lease expires,
// and that subscriber receives the issue twice. Writes after a send are
// fenced by the claim token as well.
//
// Several workers, in one process or many, may run against the same
// database; claims never overlap.
package delivery

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/notify"
	"github.com/tbourn/go-newsletter-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Options tunes a Worker. Zero values fall back to the defaults below.
type Options struct {
	PollInterval time.Duration // default 5s
	BatchSize    int           // default 20
	Concurrency  int           // default 4
	MaxAttempts  int           // default 5
	Lease        time.Duration // default 5m
	SendTimeout  time.Duration // default 30s
	SendRate     float64       // sends per second; 0 = unlimited
	Backoff      Backoff       // default 30s doubling to 1h, 20% jitter
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = Backoff{Base: 30 * time.Second, Max: time.Hour, Jitter: 0.2}
	}
	return o
}

// CycleStats reports what one RunOnce did.
type CycleStats struct {
	Claimed      int
	Sent         int
	Retried      int
	DeadLettered int
	LeaseLost    int
}

// Worker sends queued issue emails.
type Worker struct {
	DB       *gorm.DB
	Notifier notify.Notifier
	Sender   string
	Log      zerolog.Logger
	Opts     Options

	// Wake, when set, triggers a cycle before the next poll tick.
	Wake <-chan struct{}

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	limiter *rate.Limiter
}

// New builds a Worker with opts defaulted.
func New(db *gorm.DB, n notify.Notifier, sender string, log zerolog.Logger, opts Options) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		DB:       db,
		Notifier: n,
		Sender:   sender,
		Log:      log,
		Opts:     opts,
		limiter:  newLimiter(opts.SendRate),
	}
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), int(math.Max(1, math.Ceil(perSecond))))
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// Run cycles until ctx is cancelled. Full batches are drained back to back;
// otherwise the worker waits for the poll tick or a wake-up.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Opts.PollInterval)
	defer ticker.Stop()

	w.Log.Info().
		Int("batch_size", w.Opts.BatchSize).
		Int("concurrency", w.Opts.Concurrency).
		Int("max_attempts", w.Opts.MaxAttempts).
		Dur("poll_interval", w.Opts.PollInterval).
		Msg("delivery worker started")

	for {
		for {
			st, err := w.RunOnce(ctx)
			if ctx.Err() != nil {
				w.Log.Info().Msg("delivery worker stopped")
				return nil
			}
			if err != nil {
				w.Log.Error().Err(err).Msg("delivery cycle failed")
				break
			}
			if st.Claimed < w.Opts.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			w.Log.Info().Msg("delivery worker stopped")
			return nil
		case <-ticker.C:
		case <-w.Wake:
		}
	}
}

// RunOnce claims one batch and processes it. Per-task failures are recorded
// on the task; the returned error is reserved for failing to claim.
func (w *Worker) RunOnce(ctx context.Context) (CycleStats, error) {
	var st CycleStats

	tr := otel.Tracer("delivery/Worker")
	ctx, span := tr.Start(ctx, "RunOnce")
	defer span.End()

	tasks, err := repo.ClaimDeliveryTasks(ctx, w.DB, w.now(), w.Opts.Lease, w.Opts.BatchSize)
	if err != nil {
		span.RecordError(err)
		return st, err
	}
	st.Claimed = len(tasks)
	batchSize.Observe(float64(len(tasks)))
	span.SetAttributes(attribute.Int("delivery.claimed", len(tasks)))
	if len(tasks) == 0 {
		return st, nil
	}

	issues := w.loadIssues(ctx, tasks)

	var sent, retried, dead, lost atomic.Int64
	var g errgroup.Group
	g.SetLimit(w.Opts.Concurrency)
	for _, task := range tasks {
		g.Go(func() error {
			issue, loaded := issues[task.IssueID]
			switch w.process(ctx, task, issue, loaded) {
			case outcomeSent:
				sent.Add(1)
			case outcomeRetried:
				retried.Add(1)
			case outcomeDeadLettered:
				dead.Add(1)
			case outcomeLeaseLost:
				lost.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	st.Sent = int(sent.Load())
	st.Retried = int(retried.Load())
	st.DeadLettered = int(dead.Load())
	st.LeaseLost = int(lost.Load())
	return st, nil
}

// loadIssues fetches each distinct issue of the batch once. A deleted issue
// maps to nil; an issue that could not be read is absent.
func (w *Worker) loadIssues(ctx context.Context, tasks []domain.DeliveryTask) map[string]*domain.Issue {
	out := make(map[string]*domain.Issue)
	for _, t := range tasks {
		if _, ok := out[t.IssueID]; ok {
			continue
		}
		is, err := repo.GetIssue(ctx, w.DB, t.IssueID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			w.Log.Error().Err(err).Str("issue_id", t.IssueID).Msg("load issue failed")
			continue
		}
		out[t.IssueID] = is
	}
	return out
}

// bookkeepingTimeout bounds the writes that record a task's outcome.
const bookkeepingTimeout = 10 * time.Second

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSent
	outcomeRetried
	outcomeDeadLettered
	outcomeLeaseLost
)

func (w *Worker) process(ctx context.Context, task domain.DeliveryTask, issue *domain.Issue, loaded bool) outcome {
	tr := otel.Tracer("delivery/Worker")
	ctx, span := tr.Start(ctx, "Deliver",
		trace.WithAttributes(
			attribute.String("issue.id", task.IssueID),
			attribute.Int("delivery.attempts", task.Attempts),
		),
	)
	defer span.End()

	// Bookkeeping must land even when the worker is shutting down.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if !loaded {
		return w.fail(bctx, task, errors.New("issue could not be loaded"))
	}
	if issue == nil {
		return w.fail(bctx, task, notify.Permanent(errors.New("issue not found")))
	}

	if err := w.limiter.Wait(ctx); err != nil {
		// Not attempted: hand the task back untouched.
		if rerr := repo.RescheduleDeliveryTask(bctx, w.DB, task, task.Attempts, w.now(), task.LastError); rerr != nil && !errors.Is(rerr, repo.ErrLeaseLost) {
			w.Log.Error().Err(rerr).Str("issue_id", task.IssueID).Msg("release task failed")
		}
		return outcomeNone
	}

	// The claim lease may have run out while the task waited for a slot.
	until := w.now().Add(w.Opts.SendTimeout + bookkeepingTimeout)
	if err := repo.ExtendDeliveryLease(bctx, w.DB, task, until); err != nil {
		if errors.Is(err, repo.ErrLeaseLost) {
			w.Log.Warn().
				Str("issue_id", task.IssueID).
				Str("recipient_domain", recipientDomain(task.SubscriberEmail)).
				Msg("lease lost before send; task skipped")
			return outcomeLeaseLost
		}
		w.Log.Error().Err(err).Str("issue_id", task.IssueID).Msg("extend lease failed; task left for a later claim")
		return outcomeNone
	}

	sendCtx, sendCancel := context.WithTimeout(ctx, w.Opts.SendTimeout)
	start := time.Now()
	err := w.Notifier.Send(sendCtx, notify.Email{
		From:    w.Sender,
		To:      task.SubscriberEmail,
		Subject: issue.Title,
		HTML:    issue.HTMLContent,
		Text:    issue.TextContent,
	})
	sendCancel()
	sendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		return w.fail(bctx, task, err)
	}

	sentTotal.Inc()
	if err := repo.CompleteDeliveryTask(bctx, w.DB, task); err != nil {
		if errors.Is(err, repo.ErrLeaseLost) {
			w.Log.Warn().
				Str("issue_id", task.IssueID).
				Str("recipient_domain", recipientDomain(task.SubscriberEmail)).
				Msg("lease lost after send; task may be delivered again")
			return outcomeLeaseLost
		}
		w.Log.Error().Err(err).Str("issue_id", task.IssueID).Msg("complete task failed; task may be delivered again")
	}
	return outcomeSent
}

// fail records a failed attempt: reschedule with backoff, or dead-letter when
// the failure is permanent or the attempt budget is spent.
func (w *Worker) fail(ctx context.Context, task domain.DeliveryTask, sendErr error) outcome {
	attempts := task.Attempts + 1
	now := w.now()

	reason := ""
	switch {
	case notify.IsPermanent(sendErr):
		reason = domain.DeadLetterPermanent
	case attempts >= w.Opts.MaxAttempts:
		reason = domain.DeadLetterExhausted
	}

	if reason == "" {
		next := now.Add(w.Opts.Backoff.Delay(attempts))
		err := repo.RescheduleDeliveryTask(ctx, w.DB, task, attempts, next, sendErr.Error())
		if errors.Is(err, repo.ErrLeaseLost) {
			return outcomeLeaseLost
		}
		if err != nil {
			w.Log.Error().Err(err).Str("issue_id", task.IssueID).Msg("reschedule task failed")
			return outcomeNone
		}
		retriesTotal.Inc()
		w.Log.Debug().
			Str("issue_id", task.IssueID).
			Int("attempts", attempts).
			Time("execute_after", next).
			Err(sendErr).
			Msg("delivery failed; retry scheduled")
		return outcomeRetried
	}

	err := repo.DeadLetterDeliveryTask(ctx, w.DB, task, attempts, reason, sendErr.Error(), now)
	if errors.Is(err, repo.ErrLeaseLost) {
		return outcomeLeaseLost
	}
	if err != nil {
		w.Log.Error().Err(err).Str("issue_id", task.IssueID).Msg("dead-letter task failed")
		return outcomeNone
	}
	deadLettersTotal.WithLabelValues(reason).Inc()
	w.Log.Error().
		Str("event", "delivery_dead_lettered").
		Str("issue_id", task.IssueID).
		Str("recipient_domain", recipientDomain(task.SubscriberEmail)).
		Int("attempts", attempts).
		Str("reason", reason).
		Err(sendErr).
		Msg("delivery task dead-lettered")
	return outcomeDeadLettered
}

// recipientDomain keeps addresses out of the logs.
func recipientDomain(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return ""
}
