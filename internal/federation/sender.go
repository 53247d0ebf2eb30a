package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "fedsync/internal/errors"
	"fedsync/internal/metrics"
	"fedsync/internal/models"
	"fedsync/internal/privacy"
	"fedsync/internal/retry"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// SenderConfig tunes the outbound dispatcher.
type SenderConfig struct {
	Origin            string
	BatchLimit        int
	FlushInterval     time.Duration
	DegradedThreshold int
	Backoff           retry.BackoffConfig
}

// DestinationStats is a point-in-time view of one destination worker.
type DestinationStats struct {
	Status   models.DestinationStatus `json:"status"`
	Failures int                      `json:"failures"`
	Degraded bool                     `json:"degraded"`
}

// Sender owns one worker goroutine per destination. All sends to a
// destination flow through its worker, so there is never more than one
// transaction in flight per destination; destinations are otherwise
// fully independent and a failing remote cannot delay any other.
type Sender struct {
	queue     QueueStore
	builder   *Builder
	transport Transport
	cfg       SenderConfig
	backoff   *retry.Backoff
	clock     clock.Clock
	logger    *logrus.Logger
	errlog    *apperrors.Logger

	mu      sync.Mutex
	workers map[string]*destinationWorker
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// destinationWorker tracks the send/retry state machine for one remote.
// Only the worker goroutine moves the status between Sending and
// Backoff; the struct exists so enqueue and stats can observe it.
type destinationWorker struct {
	destination string
	wake        chan struct{}
	hint        atomic.Bool

	mu           sync.Mutex
	status       models.DestinationStatus
	failures     int
	degraded     bool
	backoffUntil time.Time
}

func (w *destinationWorker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *destinationWorker) setStatus(status models.DestinationStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

func (w *destinationWorker) inBackoff(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status == models.DestinationBackoff && now.Before(w.backoffUntil)
}

func NewSender(queue QueueStore, builder *Builder, transport Transport, cfg SenderConfig, clk clock.Clock, logger *logrus.Logger) *Sender {
	return &Sender{
		queue:     queue,
		builder:   builder,
		transport: transport,
		cfg:       cfg,
		backoff:   retry.NewBackoff(cfg.Backoff),
		clock:     clk,
		logger:    logger,
		errlog:    apperrors.NewLoggerFrom(logger),
		workers:   make(map[string]*destinationWorker),
	}
}

// Start launches workers for every destination that still has queued
// items from before the last shutdown, then accepts new traffic.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sender is already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	// Workers created while the sender was stopped (an enqueue before
	// Start, or survivors of a Stop) have no goroutine yet; Stop waited
	// for every goroutine to exit, so each worker here needs one.
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.runWorker(w)
		w.notify()
	}
	s.mu.Unlock()

	pending, err := s.queue.QueuedDestinations(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover queued destinations: %w", err)
	}

	for _, destination := range pending {
		w := s.workerFor(destination)
		w.notify()
	}

	s.logger.WithField("recovered_destinations", len(pending)).Info("Federation sender started")
	return nil
}

// Stop cancels every worker and waits for them to exit.
func (s *Sender) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Federation sender stopped")
}

// workerFor returns the worker for a destination, creating and starting
// it on first use. Destinations are never torn down: an idle worker
// parked on its wake channel is the steady state.
func (s *Sender) workerFor(destination string) *destinationWorker {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[destination]
	if !ok {
		w = &destinationWorker{
			destination: destination,
			wake:        make(chan struct{}, 1),
			status:      models.DestinationIdle,
		}
		s.workers[destination] = w
		if s.running {
			s.wg.Add(1)
			go s.runWorker(w)
		}
	}
	return w
}

// EnqueueDurable appends a durable item to a destination's queue and
// wakes its worker. If a transaction is already in flight the item waits
// for the next cycle; a second concurrent transaction is never started.
func (s *Sender) EnqueueDurable(ctx context.Context, destination string, payload json.RawMessage) error {
	if _, err := s.queue.EnqueueItem(ctx, destination, payload); err != nil {
		return apperrors.NewDatabaseError("enqueue", err)
	}

	metrics.IncrementCounter("federation_items_enqueued", map[string]string{"destination": destination}, "Durable items enqueued for delivery")
	s.workerFor(destination).notify()
	return nil
}

// EnqueueEphemeralHint nudges a destination's worker to build a
// transaction soon. Nothing is queued: the builder snapshots live
// ephemeral state when the transaction is assembled.
func (s *Sender) EnqueueEphemeralHint(destination string) {
	w := s.workerFor(destination)
	w.hint.Store(true)
	w.notify()
}

// Stats returns a snapshot of every known destination.
func (s *Sender) Stats() map[string]DestinationStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]DestinationStats, len(s.workers))
	for destination, w := range s.workers {
		w.mu.Lock()
		out[destination] = DestinationStats{
			Status:   w.status,
			Failures: w.failures,
			Degraded: w.degraded,
		}
		w.mu.Unlock()
	}
	return out
}

func (s *Sender) runWorker(w *destinationWorker) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.cfg.FlushInterval)
	defer ticker.Stop()

	var backoffTimer *clock.Timer
	var backoffCh <-chan time.Time

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		case <-backoffCh:
			backoffCh = nil
		}

		if w.inBackoff(s.clock.Now()) {
			continue
		}

		if delay := s.runCycle(w); delay > 0 {
			if backoffTimer != nil {
				backoffTimer.Stop()
			}
			backoffTimer = s.clock.Timer(delay)
			backoffCh = backoffTimer.C
		}
	}
}

// runCycle drains the destination's backlog one transaction at a time
// until nothing is left to send or a send fails. Returns the backoff
// delay to arm, or zero.
func (s *Sender) runCycle(w *destinationWorker) time.Duration {
	for {
		hinted := w.hint.Swap(false)

		built, err := s.builder.Build(s.ctx, w.destination)
		if err != nil {
			// Worker-local storage error: the hint is restored and the
			// cycle retried on the next flush tick.
			if hinted {
				w.hint.Store(true)
			}
			s.errlog.WithError(err).WithField("destination", privacy.MaskServerName(w.destination)).
				Error("Failed to build transaction, will retry")
			return 0
		}

		if !built.HasContent() {
			w.setStatus(models.DestinationIdle)
			return 0
		}

		w.setStatus(models.DestinationSending)
		start := s.clock.Now()
		err = s.transport.Send(s.ctx, w.destination, built.Txn)
		metrics.RecordTimer("federation_send_duration", s.clock.Now().Sub(start),
			map[string]string{"destination": w.destination}, "Transaction send round-trip")

		if err != nil {
			if s.ctx.Err() != nil {
				return 0
			}
			return s.handleFailure(w, err)
		}

		s.handleSuccess(w, built)
	}
}

func (s *Sender) handleSuccess(w *destinationWorker, built *BuiltTransaction) {
	ctx := s.ctx

	if built.Txn.AckSeq > 0 {
		if err := s.queue.AckItems(ctx, w.destination, built.Txn.AckSeq); err != nil {
			// The items were delivered; failing to remove them only
			// risks a duplicate send, never a loss.
			s.logger.WithError(err).WithField("destination", privacy.MaskServerName(w.destination)).
				Error("Failed to ack delivered items")
		}
	}

	for _, wm := range built.Watermarks {
		if err := s.queue.SetReceiptWatermark(ctx, w.destination, wm.RoomID, wm.Watermark); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"destination": privacy.MaskServerName(w.destination),
				"room":        wm.RoomID,
			}).Error("Failed to persist receipt watermark")
		}
	}

	w.mu.Lock()
	wasDegraded := w.degraded
	w.failures = 0
	w.degraded = false
	w.status = models.DestinationIdle
	w.mu.Unlock()

	if wasDegraded {
		metrics.SetGauge("federation_destination_degraded", 0,
			map[string]string{"destination": w.destination}, "Destination marked degraded after consecutive failures")
		s.logger.WithField("destination", privacy.MaskServerName(w.destination)).
			Info("Destination recovered")
	}

	metrics.IncrementCounter("federation_transactions_sent",
		map[string]string{"destination": w.destination}, "Transactions acknowledged by remote")
}

func (s *Sender) handleFailure(w *destinationWorker, err error) time.Duration {
	w.mu.Lock()
	w.failures++
	failures := w.failures
	delay := s.backoff.NextDelay(failures)
	w.status = models.DestinationBackoff
	w.backoffUntil = s.clock.Now().Add(delay)
	newlyDegraded := !w.degraded && failures >= s.cfg.DegradedThreshold
	if newlyDegraded {
		w.degraded = true
	}
	w.mu.Unlock()

	// errlog enriches the entry with the error code and retryable flag.
	entry := s.errlog.WithError(err).WithFields(logrus.Fields{
		"destination": privacy.MaskServerName(w.destination),
		"failures":    failures,
		"retry_in":    delay,
	})

	if apperrors.IsPermanentRejection(err) {
		// The remote refused this transaction framing. The framing is
		// dropped; the durable items behind it stay queued untouched.
		entry.Warn("Remote rejected transaction, items remain queued")
	} else {
		entry.Warn("Transaction send failed, backing off")
	}

	if newlyDegraded {
		metrics.SetGauge("federation_destination_degraded", 1,
			map[string]string{"destination": w.destination}, "Destination marked degraded after consecutive failures")
		s.logger.WithFields(logrus.Fields{
			"destination": privacy.MaskServerName(w.destination),
			"failures":    failures,
		}).Warn("Destination degraded, retries continue")
	}

	metrics.IncrementCounter("federation_transactions_failed",
		map[string]string{"destination": w.destination}, "Transaction sends that failed")

	return delay
}
