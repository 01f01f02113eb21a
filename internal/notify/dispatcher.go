package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trustcheck/internal/domain"
	"trustcheck/internal/platform/config"
	"trustcheck/internal/platform/metrics"
	"trustcheck/pkg/platform/circuit"
)

// EventMarker is the slice of the repository the dispatcher needs to stamp
// delivery metadata.
type EventMarker interface {
	MarkNotified(ctx context.Context, eventID string, notifiedAt time.Time, channels []string) error
}

// Dispatcher fans events out to every configured channel. Critical events
// bypass batching; everything else accumulates until the batch window ticks.
// Channels fail independently: one channel being down never blocks another.
type Dispatcher struct {
	channels []Channel
	marker   EventMarker
	cfg      config.NotifyConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	// One breaker per channel. An open breaker drops the retry loop to a
	// single probe per batch.
	breakers map[string]*circuit.Breaker

	mu      sync.Mutex
	pending []domain.ChangeEvent
}

// NewDispatcher builds a Dispatcher. logger and m may be nil.
func NewDispatcher(channels []Channel, marker EventMarker, cfg config.NotifyConfig, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 5 * time.Minute
	}
	breakers := make(map[string]*circuit.Breaker, len(channels))
	for _, ch := range channels {
		breakers[ch.Name()] = circuit.New(ch.Name(), circuit.WithFailureThreshold(3))
	}
	return &Dispatcher{
		channels: channels,
		marker:   marker,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		sleep:    sleepCtx,
		breakers: breakers,
	}
}

// Enqueue accepts classified events. Critical ones are delivered before
// Enqueue returns; the rest wait for the next flush.
func (d *Dispatcher) Enqueue(ctx context.Context, events []domain.ChangeEvent) {
	immediate := make([]domain.ChangeEvent, 0)
	batched := make([]domain.ChangeEvent, 0, len(events))
	for _, ev := range events {
		if ev.Risk == domain.RiskCritical {
			immediate = append(immediate, ev)
		} else {
			batched = append(batched, ev)
		}
	}

	if len(batched) > 0 {
		d.mu.Lock()
		d.pending = append(d.pending, batched...)
		d.mu.Unlock()
	}
	if len(immediate) > 0 {
		d.dispatch(ctx, immediate)
	}
}

// Run flushes batched events every batch window until ctx is cancelled, then
// flushes once more so shutdown does not drop pending deliveries.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.BatchWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Flush(context.Background())
			return
		case <-ticker.C:
			d.Flush(ctx)
		}
	}
}

// Flush delivers everything currently batched, ordered most urgent first.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.mu.Lock()
	events := d.pending
	d.pending = nil
	d.mu.Unlock()

	if len(events) == 0 {
		return
	}
	sortByPriority(events)
	d.dispatch(ctx, events)
}

// PendingCount reports how many events await the next flush.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) dispatch(ctx context.Context, events []domain.ChangeEvent) {
	delivered := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		if err := d.sendWithRetry(ctx, ch, events); err != nil {
			d.logger.Error("channel delivery failed",
				"channel", ch.Name(), "events", len(events), "error", err)
			d.metrics.NotificationOutcome(ch.Name(), "failed")
			continue
		}
		delivered = append(delivered, ch.Name())
		d.metrics.NotificationOutcome(ch.Name(), "delivered")
	}

	if len(delivered) == 0 {
		d.logger.Error("no channel accepted delivery, events remain unnotified", "events", len(events))
		return
	}

	notifiedAt := d.now()
	for _, ev := range events {
		if err := d.marker.MarkNotified(ctx, ev.EventID, notifiedAt, delivered); err != nil {
			d.logger.Error("could not stamp delivery", "event_id", ev.EventID, "error", err)
		}
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, ch Channel, events []domain.ChangeEvent) error {
	breaker := d.breakers[ch.Name()]

	maxAttempts := d.cfg.MaxAttempts
	if breaker.IsOpen() {
		// Single probe while open; a success starts closing the breaker.
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, sendBackoff(d.cfg.BaseBackoff, attempt)); err != nil {
				return err
			}
		}
		if lastErr = ch.Send(ctx, events); lastErr == nil {
			breaker.RecordSuccess()
			return nil
		}
		d.logger.Warn("channel send failed",
			"channel", ch.Name(), "attempt", attempt+1, "max_attempts", maxAttempts, "error", lastErr)
	}

	if _, change := breaker.RecordFailure(); change.Opened {
		d.logger.Error("channel circuit opened", "channel", ch.Name())
	}
	return lastErr
}

// maxSendBackoff caps the doubling between channel retries.
const maxSendBackoff = time.Minute

// sendBackoff doubles up to the cap instead of shifting, so a large attempt
// count cannot overflow the duration negative.
func sendBackoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxSendBackoff; i++ {
		d *= 2
	}
	if d > maxSendBackoff {
		d = maxSendBackoff
	}
	return d
}

func sortByPriority(events []domain.ChangeEvent) {
	// Insertion sort; batches are small and mostly ordered already.
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Risk.Priority() > events[j-1].Risk.Priority(); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
