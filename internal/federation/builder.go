package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"fedsync/internal/models"

	"github.com/benbjohnson/clock"
)

// QueueStore is the durable queue the builder and sender consume.
type QueueStore interface {
	EnqueueItem(ctx context.Context, destination string, payload json.RawMessage) (int64, error)
	PeekItems(ctx context.Context, destination string, limit int) ([]models.QueuedItem, error)
	AckItems(ctx context.Context, destination string, throughSeq int64) error
	QueuedDestinations(ctx context.Context) ([]string, error)
	GetReceiptWatermark(ctx context.Context, destination, roomID string) (int64, error)
	SetReceiptWatermark(ctx context.Context, destination, roomID string, watermark int64) error
}

// Membership answers which rooms and servers overlap. Backed by the
// room membership registry; room-state resolution itself is out of
// scope here.
type Membership interface {
	ServersInRoom(ctx context.Context, roomID string) ([]string, error)
	RoomsForServer(ctx context.Context, server string) ([]string, error)
}

// EphemeralSource is the live typing/receipt state the builder
// snapshots. It is queried at build time; the builder never replays
// historical ephemeral diffs.
type EphemeralSource interface {
	TypingUsers(roomID string) []string
	Receipts(roomID string) map[string]models.Receipt
}

// WatermarkUpdate records a receipt watermark to persist once the
// transaction carrying it is acknowledged.
type WatermarkUpdate struct {
	RoomID    string
	Watermark int64
}

// BuiltTransaction pairs a transaction with the bookkeeping to apply
// after the remote acknowledges it.
type BuiltTransaction struct {
	Txn        *models.Transaction
	Watermarks []WatermarkUpdate

	// hasContent is true when the transaction carries durable events,
	// receipts past the destination's watermark, or a non-empty typing
	// set. Empty typing EDUs alone never justify a send; they ride
	// along with other content so remotes converge on typing:false.
	hasContent bool
}

func (b *BuiltTransaction) HasContent() bool { return b.hasContent }

// Builder assembles one outbound transaction per call: up to BatchLimit
// durable items in queue order plus a fresh snapshot of ephemeral state
// for every room shared with the destination. Each snapshot is complete
// and independent, so a destination that missed any number of earlier
// snapshots converges on the next one it receives.
type Builder struct {
	queue      QueueStore
	membership Membership
	ephemeral  EphemeralSource
	origin     string
	batchLimit int
	clock      clock.Clock
	txnCounter atomic.Int64
}

func NewBuilder(queue QueueStore, membership Membership, eph EphemeralSource, origin string, batchLimit int, clk clock.Clock) *Builder {
	return &Builder{
		queue:      queue,
		membership: membership,
		ephemeral:  eph,
		origin:     origin,
		batchLimit: batchLimit,
		clock:      clk,
	}
}

// Build assembles the next transaction for a destination. A race where a
// typing entry expires mid-build is acceptable: the following snapshot
// restores correctness.
func (b *Builder) Build(ctx context.Context, destination string) (*BuiltTransaction, error) {
	items, err := b.queue.PeekItems(ctx, destination, b.batchLimit)
	if err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		ID:     fmt.Sprintf("%d.%d", b.clock.Now().UnixMilli(), b.txnCounter.Add(1)),
		Origin: b.origin,
	}

	built := &BuiltTransaction{Txn: txn}

	for _, item := range items {
		txn.Events = append(txn.Events, item.Payload)
		txn.AckSeq = item.Seq
	}
	built.hasContent = len(txn.Events) > 0

	rooms, err := b.membership.RoomsForServer(ctx, destination)
	if err != nil {
		return nil, err
	}

	for _, roomID := range rooms {
		if err := b.appendTypingEDU(txn, roomID, &built.hasContent); err != nil {
			return nil, err
		}
		if err := b.appendReceiptEDU(ctx, built, destination, roomID); err != nil {
			return nil, err
		}
	}

	return built, nil
}

func (b *Builder) appendTypingEDU(txn *models.Transaction, roomID string, hasContent *bool) error {
	users := b.ephemeral.TypingUsers(roomID)

	content, err := json.Marshal(models.TypingContent{
		RoomID:  roomID,
		UserIDs: users,
	})
	if err != nil {
		return err
	}

	txn.Ephemeral = append(txn.Ephemeral, models.EDU{
		Type:    models.EDUTypeTyping,
		Content: content,
	})
	if len(users) > 0 {
		*hasContent = true
	}
	return nil
}

func (b *Builder) appendReceiptEDU(ctx context.Context, built *BuiltTransaction, destination, roomID string) error {
	receipts := b.ephemeral.Receipts(roomID)
	if len(receipts) == 0 {
		return nil
	}

	watermark, err := b.queue.GetReceiptWatermark(ctx, destination, roomID)
	if err != nil {
		return err
	}

	fresh := make(map[string]models.Receipt)
	maxCursor := watermark
	for userID, receipt := range receipts {
		if receipt.Cursor <= watermark {
			continue
		}
		fresh[userID] = receipt
		if receipt.Cursor > maxCursor {
			maxCursor = receipt.Cursor
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	content, err := json.Marshal(models.ReceiptContent{
		RoomID:   roomID,
		Receipts: fresh,
	})
	if err != nil {
		return err
	}

	built.Txn.Ephemeral = append(built.Txn.Ephemeral, models.EDU{
		Type:    models.EDUTypeReceipt,
		Content: content,
	})
	built.Watermarks = append(built.Watermarks, WatermarkUpdate{
		RoomID:    roomID,
		Watermark: maxCursor,
	})
	built.hasContent = true
	return nil
}
