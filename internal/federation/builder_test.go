package federation

import (
	"context"
	"encoding/json"
	"testing"

	"fedsync/internal/models"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_BatchesDurableItemsInOrder(t *testing.T) {
	queue := newMemQueue()
	membership := newMemMembership()
	builder := NewBuilder(queue, membership, newMemEphemeral(), "origin.org", 2, clock.NewMock())

	ctx := context.Background()
	for _, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		_, err := queue.EnqueueItem(ctx, "remote.org", json.RawMessage(payload))
		require.NoError(t, err)
	}

	built, err := builder.Build(ctx, "remote.org")
	require.NoError(t, err)

	require.True(t, built.HasContent())
	require.Len(t, built.Txn.Events, 2, "batch limit caps the transaction")
	assert.JSONEq(t, `{"n":1}`, string(built.Txn.Events[0]))
	assert.JSONEq(t, `{"n":2}`, string(built.Txn.Events[1]))
	assert.Equal(t, int64(2), built.Txn.AckSeq)
	assert.Equal(t, "origin.org", built.Txn.Origin)
}

func TestBuilder_EmptyQueueNoSharedRooms(t *testing.T) {
	builder := NewBuilder(newMemQueue(), newMemMembership(), newMemEphemeral(), "origin.org", 30, clock.NewMock())

	built, err := builder.Build(context.Background(), "remote.org")
	require.NoError(t, err)

	assert.False(t, built.HasContent())
	assert.Empty(t, built.Txn.Events)
	assert.Empty(t, built.Txn.Ephemeral)
	assert.Zero(t, built.Txn.AckSeq)
}

func TestBuilder_TypingSnapshotPerSharedRoom(t *testing.T) {
	queue := newMemQueue()
	membership := newMemMembership()
	membership.join("!busy:origin.org", "remote.org")
	membership.join("!quiet:origin.org", "remote.org")

	eph := newMemEphemeral()
	eph.setTyping("!busy:origin.org", "@alice:origin.org")

	builder := NewBuilder(queue, membership, eph, "origin.org", 30, clock.NewMock())

	built, err := builder.Build(context.Background(), "remote.org")
	require.NoError(t, err)

	// Someone is typing, so the transaction is worth sending; it carries
	// a complete snapshot for every shared room, including the one where
	// nobody is typing.
	assert.True(t, built.HasContent())

	typing, err := eduContents[models.TypingContent](built.Txn, models.EDUTypeTyping)
	require.NoError(t, err)
	require.Len(t, typing, 2)

	byRoom := map[string][]string{}
	for _, content := range typing {
		byRoom[content.RoomID] = content.UserIDs
	}
	assert.Equal(t, []string{"@alice:origin.org"}, byRoom["!busy:origin.org"])
	assert.Empty(t, byRoom["!quiet:origin.org"])
}

func TestBuilder_EmptyTypingAloneDoesNotJustifySend(t *testing.T) {
	membership := newMemMembership()
	membership.join("!room:origin.org", "remote.org")

	builder := NewBuilder(newMemQueue(), membership, newMemEphemeral(), "origin.org", 30, clock.NewMock())

	built, err := builder.Build(context.Background(), "remote.org")
	require.NoError(t, err)

	// The empty snapshot is present so it can ride along with real
	// content, but on its own there is nothing to send.
	assert.False(t, built.HasContent())
	typing, err := eduContents[models.TypingContent](built.Txn, models.EDUTypeTyping)
	require.NoError(t, err)
	assert.Len(t, typing, 1)
}

func TestBuilder_ReceiptsFilteredByWatermark(t *testing.T) {
	queue := newMemQueue()
	membership := newMemMembership()
	membership.join("!room:origin.org", "remote.org")

	eph := newMemEphemeral()
	eph.setReceipt("!room:origin.org", "@old:origin.org", models.Receipt{EventID: "$e1", Cursor: 10})
	eph.setReceipt("!room:origin.org", "@new:origin.org", models.Receipt{EventID: "$e2", Cursor: 20})

	require.NoError(t, queue.SetReceiptWatermark(context.Background(), "remote.org", "!room:origin.org", 10))

	builder := NewBuilder(queue, membership, eph, "origin.org", 30, clock.NewMock())

	built, err := builder.Build(context.Background(), "remote.org")
	require.NoError(t, err)

	require.True(t, built.HasContent())

	receipts, err := eduContents[models.ReceiptContent](built.Txn, models.EDUTypeReceipt)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.NotContains(t, receipts[0].Receipts, "@old:origin.org")
	assert.Equal(t, "$e2", receipts[0].Receipts["@new:origin.org"].EventID)

	require.Len(t, built.Watermarks, 1)
	assert.Equal(t, "!room:origin.org", built.Watermarks[0].RoomID)
	assert.Equal(t, int64(20), built.Watermarks[0].Watermark)
}

func TestBuilder_AllReceiptsBehindWatermark(t *testing.T) {
	queue := newMemQueue()
	membership := newMemMembership()
	membership.join("!room:origin.org", "remote.org")

	eph := newMemEphemeral()
	eph.setReceipt("!room:origin.org", "@alice:origin.org", models.Receipt{EventID: "$e1", Cursor: 10})

	require.NoError(t, queue.SetReceiptWatermark(context.Background(), "remote.org", "!room:origin.org", 10))

	builder := NewBuilder(queue, membership, eph, "origin.org", 30, clock.NewMock())

	built, err := builder.Build(context.Background(), "remote.org")
	require.NoError(t, err)

	assert.False(t, built.HasContent())
	assert.Empty(t, built.Watermarks)
	receipts, err := eduContents[models.ReceiptContent](built.Txn, models.EDUTypeReceipt)
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

func TestBuilder_SnapshotIsIdempotent(t *testing.T) {
	membership := newMemMembership()
	membership.join("!room:origin.org", "remote.org")

	eph := newMemEphemeral()
	eph.setTyping("!room:origin.org", "@alice:origin.org")

	builder := NewBuilder(newMemQueue(), membership, eph, "origin.org", 30, clock.NewMock())

	first, err := builder.Build(context.Background(), "remote.org")
	require.NoError(t, err)
	second, err := builder.Build(context.Background(), "remote.org")
	require.NoError(t, err)

	// The same live state produces the same snapshot; a destination
	// that missed the first converges on the second.
	firstTyping, err := eduContents[models.TypingContent](first.Txn, models.EDUTypeTyping)
	require.NoError(t, err)
	secondTyping, err := eduContents[models.TypingContent](second.Txn, models.EDUTypeTyping)
	require.NoError(t, err)
	assert.Equal(t, firstTyping, secondTyping)
}

func TestBuilder_TransactionIDsUnique(t *testing.T) {
	builder := NewBuilder(newMemQueue(), newMemMembership(), newMemEphemeral(), "origin.org", 30, clock.NewMock())

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		built, err := builder.Build(context.Background(), "remote.org")
		require.NoError(t, err)
		assert.False(t, seen[built.Txn.ID], "transaction ID %s repeated", built.Txn.ID)
		seen[built.Txn.ID] = true
	}
}

func TestBuilder_PeekErrorPropagates(t *testing.T) {
	queue := newMemQueue()
	queue.peekErr = assert.AnError

	builder := NewBuilder(queue, newMemMembership(), newMemEphemeral(), "origin.org", 30, clock.NewMock())

	_, err := builder.Build(context.Background(), "remote.org")
	require.ErrorIs(t, err, assert.AnError)
}
