package ephemeral

import (
	"context"
	"time"

	"fedsync/internal/metrics"
	"fedsync/internal/notify"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Sweeper periodically removes stale typing entries and signals the
// affected rooms. This gives stale indicators a bounded clearing latency
// even when no further traffic touches the room; filtering on read alone
// cannot wake a blocked sync request.
type Sweeper struct {
	store    *Store
	bus      *notify.Bus
	interval time.Duration
	clock    clock.Clock
	logger   *logrus.Logger
	stopCh   chan struct{}
}

func NewSweeper(store *Store, bus *notify.Bus, interval time.Duration, clk clock.Clock, logger *logrus.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		bus:      bus,
		interval: interval,
		clock:    clk,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval).Info("Starting typing expiry sweeper")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Sweeper stop signal received, stopping")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) sweep() {
	affected := s.store.SweepExpired()
	if len(affected) == 0 {
		return
	}

	for _, roomID := range affected {
		s.bus.Signal(roomID, notify.ClassTyping)
	}

	metrics.AddToCounter("typing_entries_swept", float64(len(affected)), nil, "Rooms with expired typing entries removed")
	s.logger.WithField("rooms", len(affected)).Debug("Swept expired typing entries")
}
