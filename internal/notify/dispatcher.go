package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/grapnel-io/hashintel/internal/audit"
	"github.com/grapnel-io/hashintel/internal/hash"
)

// Dispatcher configuration defaults.
const (
	DefaultWorkers         = 4
	DefaultPollInterval    = 5 * time.Second
	DefaultBatchSize       = 10
	DefaultMaxAttempts     = 3
	DefaultDeliveryTimeout = 10 * time.Second
	DefaultBackoffBase     = 2 * time.Second
	DefaultBackoffMax      = 5 * time.Minute
)

// Config controls the dispatcher's worker pool and retry policy.
type Config struct {
	// Workers is the number of concurrent delivery workers.
	Workers int
	// PollInterval is how often the queue is polled for due items.
	PollInterval time.Duration
	// BatchSize is the maximum number of items claimed per poll.
	BatchSize int
	// MaxAttempts bounds the retry count; a retryable failure past this
	// bound moves the item to failed.
	MaxAttempts int
	// DeliveryTimeout bounds each webhook attempt.
	DeliveryTimeout time.Duration
	// BackoffBase is the delay before the first retry; each further retry
	// doubles it, with jitter, up to BackoffMax.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
}

// withDefaults fills zero fields with the package defaults.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// MatchStore is the slice of the match repository the dispatcher needs:
// recording which systems have been notified for a match. Declared here so
// the notify package does not depend on the match package.
type MatchStore interface {
	AddNotifiedSystem(ctx context.Context, matchID string, system hash.SourceSystem) error
}

// Dispatcher drains the notification queue and delivers signed webhook
// notifications. Retries of one work item are strictly sequential: an item
// is claimed by exactly one worker at a time and only rescheduled after
// the attempt concludes.
type Dispatcher struct {
	queue   QueueRepository
	subs    SubscriptionRepository
	matches MatchStore
	auditor *audit.Logger
	metrics *Metrics
	logger  *slog.Logger
	client  *http.Client
	cfg     Config

	deliverySeq atomic.Uint64
}

// NewDispatcher creates a dispatcher. The HTTP client is traced via
// otelhttp so webhook latency shows up in spans.
func NewDispatcher(queue QueueRepository, subs SubscriptionRepository, matches MatchStore, auditor *audit.Logger, metrics *Metrics, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		queue:   queue,
		subs:    subs,
		matches: matches,
		auditor: auditor,
		metrics: metrics,
		logger:  logger,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.DeliveryTimeout,
		},
		cfg: cfg,
	}
}

// Run polls the queue and delivers items until ctx is cancelled. It blocks;
// callers run it in a goroutine and cancel the context to stop.
func (d *Dispatcher) Run(ctx context.Context) {
	items := make(chan *WorkItem)
	var wg sync.WaitGroup

	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range items {
				d.Deliver(ctx, item)
			}
		}()
	}

	d.logger.Info("notification dispatcher started",
		slog.Int("workers", d.cfg.Workers),
		slog.Duration("poll_interval", d.cfg.PollInterval))

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.poll(ctx, items)
		select {
		case <-ctx.Done():
			close(items)
			wg.Wait()
			d.logger.Info("notification dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// poll claims one batch of due items and feeds them to the workers.
func (d *Dispatcher) poll(ctx context.Context, items chan<- *WorkItem) {
	claimed, err := d.queue.ClaimDue(ctx, time.Now().UTC(), d.cfg.BatchSize)
	if err != nil {
		d.logger.Error("failed to claim work items", slog.String("error", err.Error()))
		return
	}
	if len(claimed) == 0 {
		return
	}
	if d.metrics != nil {
		d.metrics.AddClaimed(len(claimed))
	}
	for _, item := range claimed {
		select {
		case items <- item:
		case <-ctx.Done():
			// Unsent claims lapse with the claim lease.
			return
		}
	}
}

// Deliver executes one delivery attempt for a claimed item and applies the
// resulting state transition. Exported so tests and the worker binary can
// drive single attempts without the polling loop.
func (d *Dispatcher) Deliver(ctx context.Context, item *WorkItem) {
	target := string(item.TargetSystem)

	sub, err := d.subs.GetBySystem(ctx, item.TargetSystem)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		// Subscription lookup outage, not a delivery verdict: release the
		// claim without consuming retry budget so the item is picked up
		// again once the store recovers.
		d.release(ctx, item, fmt.Sprintf("subscription lookup failed: %v", err))
		return
	}
	if err != nil || !sub.Active {
		// No active endpoint to deliver to; the item fails terminally
		// rather than spinning forever against a missing subscription.
		if d.metrics != nil {
			d.metrics.IncDelivery(target, OutcomeNoTarget)
		}
		d.fail(ctx, item, "no active subscription for target system")
		return
	}

	start := time.Now()
	status, attemptErr := d.post(ctx, sub, item)
	if d.metrics != nil {
		d.metrics.ObserveDuration(target, time.Since(start).Seconds())
	}

	switch classify(status, attemptErr) {
	case outcomeSuccess:
		sentAt := time.Now().UTC()
		if err := d.queue.MarkSent(ctx, item.ID, sentAt); err != nil {
			d.logger.Error("failed to mark work item sent",
				slog.String("item_id", item.ID), slog.String("error", err.Error()))
			return
		}
		if err := d.matches.AddNotifiedSystem(ctx, item.MatchID, item.TargetSystem); err != nil {
			d.logger.Error("failed to record notified system",
				slog.String("match_id", item.MatchID), slog.String("error", err.Error()))
		}
		if d.metrics != nil {
			d.metrics.IncDelivery(target, OutcomeSent)
		}
		d.auditor.Record(ctx, audit.ActionNotifySent, target, item.ID, map[string]any{
			"match_id": item.MatchID,
			"attempts": item.Attempts,
		})

	case outcomeRetryable:
		reason := attemptReason(status, attemptErr)
		attempts := item.Attempts + 1
		if attempts > d.cfg.MaxAttempts {
			// The retry budget is spent; the count stays at the bound.
			d.fail(ctx, item, reason)
			return
		}
		delay := d.backoff(attempts)
		if err := d.queue.Reschedule(ctx, item.ID, attempts, time.Now().UTC().Add(delay), reason); err != nil {
			d.logger.Error("failed to reschedule work item",
				slog.String("item_id", item.ID), slog.String("error", err.Error()))
			return
		}
		if d.metrics != nil {
			d.metrics.IncDelivery(target, OutcomeRetried)
		}
		d.logger.Warn("webhook delivery retry scheduled",
			slog.String("item_id", item.ID),
			slog.String("target_system", target),
			slog.Int("attempts", attempts),
			slog.Duration("delay", delay),
			slog.String("reason", reason))

	case outcomePermanent:
		d.fail(ctx, item, attemptReason(status, attemptErr))
	}
}

// release returns a claimed item to the pending pool with its attempt count
// unchanged, scheduled one poll interval out.
func (d *Dispatcher) release(ctx context.Context, item *WorkItem, reason string) {
	next := time.Now().UTC().Add(d.cfg.PollInterval)
	if err := d.queue.Reschedule(ctx, item.ID, item.Attempts, next, reason); err != nil {
		d.logger.Error("failed to release work item",
			slog.String("item_id", item.ID), slog.String("error", err.Error()))
		return
	}
	d.logger.Warn("work item released for retry",
		slog.String("item_id", item.ID),
		slog.String("target_system", string(item.TargetSystem)),
		slog.String("reason", reason))
}

// fail moves an item to terminal failed status, preserving its retry count.
func (d *Dispatcher) fail(ctx context.Context, item *WorkItem, reason string) {
	if err := d.queue.MarkFailed(ctx, item.ID, item.Attempts, reason); err != nil {
		d.logger.Error("failed to mark work item failed",
			slog.String("item_id", item.ID), slog.String("error", err.Error()))
		return
	}
	if d.metrics != nil {
		d.metrics.IncDelivery(string(item.TargetSystem), OutcomeFailed)
	}
	d.logger.Error("webhook delivery failed terminally",
		slog.String("item_id", item.ID),
		slog.String("target_system", string(item.TargetSystem)),
		slog.Int("attempts", item.Attempts),
		slog.String("reason", reason))
	d.auditor.Record(ctx, audit.ActionNotifyFailed, string(item.TargetSystem), item.ID, map[string]any{
		"match_id": item.MatchID,
		"attempts": item.Attempts,
		"reason":   reason,
	})
}

// post performs the signed HTTP delivery. Returns the response status code,
// or an error for transport-level failures.
func (d *Dispatcher) post(ctx context.Context, sub *Subscription, item *WorkItem) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.WebhookURL, bytes.NewReader(item.Payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(item.Payload, sub.Secret))
	req.Header.Set(DeliveryHeader, strconv.FormatUint(d.deliverySeq.Add(1), 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// backoff computes the delay before retry number attempt (1-based):
// exponential growth from the base, capped, with jitter in the upper half
// so synchronized failures spread out.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			delay = d.cfg.BackoffMax
			break
		}
	}
	half := delay / 2
	return half + rand.N(half+1)
}

type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeRetryable
	outcomePermanent
)

// classify maps an attempt result to its outcome class: 2xx succeeds,
// transport errors, 429 and 5xx retry, and any other 4xx is permanent.
func classify(status int, err error) attemptOutcome {
	if err != nil {
		return outcomeRetryable
	}
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == http.StatusTooManyRequests:
		return outcomeRetryable
	case status >= 500:
		return outcomeRetryable
	default:
		return outcomePermanent
	}
}

func attemptReason(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("http status %d", status)
}
