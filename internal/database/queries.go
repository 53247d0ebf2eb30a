package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"fedsync/internal/models"
)

// Destination queue queries
const (
	bumpSequenceQuery = `
		INSERT INTO queue_sequences (destination, next_seq) VALUES (?, 1)
		ON CONFLICT(destination) DO UPDATE SET next_seq = next_seq + 1
	`

	currentSequenceQuery = `
		SELECT next_seq FROM queue_sequences WHERE destination = ?
	`

	insertQueueItemQuery = `
		INSERT INTO queue_items (destination, seq, payload) VALUES (?, ?, ?)
	`

	peekQueueItemsQuery = `
		SELECT destination, seq, payload, queued_at
		FROM queue_items
		WHERE destination = ?
		ORDER BY seq ASC
		LIMIT ?
	`

	ackQueueItemsQuery = `
		DELETE FROM queue_items WHERE destination = ? AND seq <= ?
	`

	queueDepthQuery = `
		SELECT COUNT(*) FROM queue_items WHERE destination = ?
	`

	queuedDestinationsQuery = `
		SELECT DISTINCT destination FROM queue_items
	`
)

// Receipt watermark queries
const (
	selectWatermarkQuery = `
		SELECT watermark FROM receipt_watermarks WHERE destination = ? AND room_id = ?
	`

	upsertWatermarkQuery = `
		INSERT INTO receipt_watermarks (destination, room_id, watermark, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(destination, room_id) DO UPDATE SET
			watermark = excluded.watermark,
			updated_at = CURRENT_TIMESTAMP
		WHERE excluded.watermark > receipt_watermarks.watermark
	`
)

// Membership registry queries
const (
	upsertRoomMemberQuery = `
		INSERT INTO room_members (room_id, user_id, server) VALUES (?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET server = excluded.server
	`

	deleteRoomMemberQuery = `
		DELETE FROM room_members WHERE room_id = ? AND user_id = ?
	`

	serversInRoomQuery = `
		SELECT DISTINCT server FROM room_members WHERE room_id = ?
	`

	roomsForServerQuery = `
		SELECT DISTINCT room_id FROM room_members WHERE server = ?
	`

	roomsForUserQuery = `
		SELECT DISTINCT room_id FROM room_members WHERE user_id = ?
	`
)

// EnqueueItem appends a durable item to a destination's queue and
// returns the assigned sequence number. Sequences are strictly
// increasing per destination even across acks, so ordering survives
// restarts.
func (d *Database) EnqueueItem(ctx context.Context, destination string, payload json.RawMessage) (int64, error) {
	encrypted, err := d.encryptor.EncryptPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	var seq int64
	err = retryableDBOperation(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, bumpSequenceQuery, destination); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, currentSequenceQuery, destination).Scan(&seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertQueueItemQuery, destination, seq, encrypted); err != nil {
			return err
		}
		return tx.Commit()
	}, "enqueue item")

	if err != nil {
		return 0, err
	}
	return seq, nil
}

// PeekItems returns up to limit queued items for a destination in
// enqueue order without removing them.
func (d *Database) PeekItems(ctx context.Context, destination string, limit int) ([]models.QueuedItem, error) {
	var items []models.QueuedItem

	err := retryableDBOperation(ctx, func() error {
		rows, err := d.db.QueryContext(ctx, peekQueueItemsQuery, destination, limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		items = items[:0]
		for rows.Next() {
			var item models.QueuedItem
			var payload []byte
			if err := rows.Scan(&item.Destination, &item.Seq, &payload, &item.QueuedAt); err != nil {
				return err
			}
			decrypted, err := d.encryptor.DecryptPayload(payload)
			if err != nil {
				return fmt.Errorf("failed to decrypt payload: %w", err)
			}
			item.Payload = decrypted
			items = append(items, item)
		}
		return rows.Err()
	}, "peek items")

	if err != nil {
		return nil, err
	}
	return items, nil
}

// AckItems removes every queued item for a destination up to and
// including throughSeq. Called only after the remote acknowledged the
// transaction carrying those items.
func (d *Database) AckItems(ctx context.Context, destination string, throughSeq int64) error {
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, ackQueueItemsQuery, destination, throughSeq)
		return err
	}, "ack items")
}

// QueueDepth returns the number of pending items for a destination.
func (d *Database) QueueDepth(ctx context.Context, destination string) (int, error) {
	var depth int
	err := retryableDBOperation(ctx, func() error {
		return d.db.QueryRowContext(ctx, queueDepthQuery, destination).Scan(&depth)
	}, "queue depth")
	if err != nil {
		return 0, err
	}
	return depth, nil
}

// QueuedDestinations lists every destination with pending items. Used at
// startup to resume delivery interrupted by a restart.
func (d *Database) QueuedDestinations(ctx context.Context) ([]string, error) {
	var destinations []string

	err := retryableDBOperation(ctx, func() error {
		rows, err := d.db.QueryContext(ctx, queuedDestinationsQuery)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		destinations = destinations[:0]
		for rows.Next() {
			var dest string
			if err := rows.Scan(&dest); err != nil {
				return err
			}
			destinations = append(destinations, dest)
		}
		return rows.Err()
	}, "queued destinations")

	if err != nil {
		return nil, err
	}
	return destinations, nil
}

// GetReceiptWatermark returns the highest receipt cursor already sent to
// a destination for a room, or zero if none was recorded.
func (d *Database) GetReceiptWatermark(ctx context.Context, destination, roomID string) (int64, error) {
	var watermark int64
	err := retryableDBOperation(ctx, func() error {
		err := d.db.QueryRowContext(ctx, selectWatermarkQuery, destination, roomID).Scan(&watermark)
		if err == sql.ErrNoRows {
			watermark = 0
			return nil
		}
		return err
	}, "get receipt watermark")
	if err != nil {
		return 0, err
	}
	return watermark, nil
}

// SetReceiptWatermark advances the persisted watermark for a
// (destination, room) pair. Writes that would move the watermark
// backwards are ignored.
func (d *Database) SetReceiptWatermark(ctx context.Context, destination, roomID string, watermark int64) error {
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, upsertWatermarkQuery, destination, roomID, watermark)
		return err
	}, "set receipt watermark")
}

// SetRoomMember records a (room, user, server) membership row.
func (d *Database) SetRoomMember(ctx context.Context, member models.RoomMember) error {
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, upsertRoomMemberQuery, member.RoomID, member.UserID, member.Server)
		return err
	}, "set room member")
}

// RemoveRoomMember deletes a membership row.
func (d *Database) RemoveRoomMember(ctx context.Context, roomID, userID string) error {
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, deleteRoomMemberQuery, roomID, userID)
		return err
	}, "remove room member")
}

// ServersInRoom returns the set of servers with at least one member in
// the room.
func (d *Database) ServersInRoom(ctx context.Context, roomID string) ([]string, error) {
	return d.queryStrings(ctx, serversInRoomQuery, roomID, "servers in room")
}

// RoomsForServer returns the rooms a remote server shares with this one.
func (d *Database) RoomsForServer(ctx context.Context, server string) ([]string, error) {
	return d.queryStrings(ctx, roomsForServerQuery, server, "rooms for server")
}

// RoomsForUser returns the rooms a local user is joined to.
func (d *Database) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	return d.queryStrings(ctx, roomsForUserQuery, userID, "rooms for user")
}

func (d *Database) queryStrings(ctx context.Context, query, arg, operationName string) ([]string, error) {
	var values []string

	err := retryableDBOperation(ctx, func() error {
		rows, err := d.db.QueryContext(ctx, query, arg)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		values = values[:0]
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return err
			}
			values = append(values, v)
		}
		return rows.Err()
	}, operationName)

	if err != nil {
		return nil, err
	}
	return values, nil
}
