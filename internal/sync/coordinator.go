package sync

import (
	"context"
	"time"

	"fedsync/internal/metrics"
	"fedsync/internal/models"
	"fedsync/internal/notify"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// EventSource supplies durable event content for a response. Timeline
// storage and room-state resolution live behind this interface; the
// coordinator only decides when a response is due.
type EventSource interface {
	EventsSince(ctx context.Context, userID string, since notify.Versions) (models.SyncResponse, error)
}

// MembershipSource answers which rooms a local user is joined to; those
// rooms plus the user's own scope are what a sync request waits on.
type MembershipSource interface {
	RoomsForUser(ctx context.Context, userID string) ([]string, error)
}

// EphemeralSource is the live typing/receipt state included in
// responses. Queried at build time, never replayed from history.
type EphemeralSource interface {
	TypingUsers(roomID string) []string
	Receipts(roomID string) map[string]models.Receipt
}

// Coordinator implements the client long-poll contract: return fresh
// data immediately if any change class moved past the caller's cursor,
// otherwise block until something changes or the timeout elapses.
type Coordinator struct {
	bus        *notify.Bus
	membership MembershipSource
	ephemeral  EphemeralSource
	events     EventSource
	clock      clock.Clock
	logger     *logrus.Logger
}

func NewCoordinator(bus *notify.Bus, membership MembershipSource, eph EphemeralSource, events EventSource, clk clock.Clock, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		bus:        bus,
		membership: membership,
		ephemeral:  eph,
		events:     events,
		clock:      clk,
		logger:     logger,
	}
}

// Wait blocks until data newer than since exists or timeout elapses.
//
// The check phase is a version-counter comparison only; the response is
// built after the check decides one is due, never before. Every change
// class is part of the check on every pass: a wake for one class
// re-checks all of them, since several classes often change together.
func (c *Coordinator) Wait(ctx context.Context, userID, since string, timeout time.Duration) (*models.SyncResponse, error) {
	sinceVersions, err := ParseCursor(since)
	if err != nil {
		return nil, err
	}

	rooms, err := c.membership.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	scopes := append(append([]string{}, rooms...), userID)

	start := c.clock.Now()
	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	for {
		current := c.bus.Global()
		if current.AnyNewerThan(sinceVersions) {
			metrics.RecordTimer("sync_wait_duration", c.clock.Now().Sub(start),
				map[string]string{"result": "data"}, "Time spent in sync long-poll")
			return c.build(ctx, userID, rooms, sinceVersions, current)
		}

		// current is what the check phase just observed; Wait compares
		// against it so a signal racing the registration is not lost.
		switch c.bus.Wait(ctx, scopes, current, timer.C) {
		case notify.WakeSignal:
			// Re-check all classes from the top.
		case notify.WakeTimeout:
			current = c.bus.Global()
			metrics.RecordTimer("sync_wait_duration", c.clock.Now().Sub(start),
				map[string]string{"result": "timeout"}, "Time spent in sync long-poll")
			// Empty body, but the cursor moves to "now" so the next
			// poll never re-observes versions this one already saw.
			return &models.SyncResponse{NextBatch: FormatCursor(current)}, nil
		case notify.WakeCancelled:
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) build(ctx context.Context, userID string, rooms []string, since, current notify.Versions) (*models.SyncResponse, error) {
	resp, err := c.events.EventsSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	resp.NextBatch = FormatCursor(current)

	// Typing is a complete per-room snapshot: a room with no entry in
	// the map was not included, a room mapped to an empty list has
	// nobody typing. Clients replace, never merge.
	if current[notify.ClassTyping] > since[notify.ClassTyping] {
		resp.Typing = make(map[string][]string, len(rooms))
		for _, roomID := range rooms {
			users := c.ephemeral.TypingUsers(roomID)
			if users == nil {
				users = []string{}
			}
			resp.Typing[roomID] = users
		}
	}

	if current[notify.ClassReceipt] > since[notify.ClassReceipt] {
		resp.Receipts = make(map[string]models.ReceiptContent)
		for _, roomID := range rooms {
			receipts := c.ephemeral.Receipts(roomID)
			if len(receipts) == 0 {
				continue
			}
			resp.Receipts[roomID] = models.ReceiptContent{
				RoomID:   roomID,
				Receipts: receipts,
			}
		}
	}

	return &resp, nil
}
