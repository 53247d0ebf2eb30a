package ephemeral

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"fedsync/internal/constants"
	"fedsync/internal/models"

	"github.com/benbjohnson/clock"
)

// Store holds the live typing and receipt state for all rooms. State is
// sharded by room so mutation is serialized per room group rather than
// behind one global lock. Nothing here is persisted: a restart clears
// typing state, and the next snapshot sent to each destination corrects
// whatever the remote believed.
type Store struct {
	clock  clock.Clock
	shards [constants.EphemeralShardCount]shard
}

type shard struct {
	mu       sync.Mutex
	typing   map[string]map[string]time.Time     // room -> user -> expiry
	receipts map[string]map[string]models.Receipt // room -> user -> receipt
}

func NewStore(clk clock.Clock) *Store {
	s := &Store{clock: clk}
	for i := range s.shards {
		s.shards[i].typing = make(map[string]map[string]time.Time)
		s.shards[i].receipts = make(map[string]map[string]models.Receipt)
	}
	return s
}

func (s *Store) shardFor(roomID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return &s.shards[h.Sum32()%constants.EphemeralShardCount]
}

// SetTyping marks a user as typing until now+ttl, refreshing the expiry
// if an entry already exists. It returns true when the visible typing
// set changed, i.e. the user was not already typing.
func (s *Store) SetTyping(roomID, userID string, ttl time.Duration) bool {
	sh := s.shardFor(roomID)
	now := s.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	room, ok := sh.typing[roomID]
	if !ok {
		room = make(map[string]time.Time)
		sh.typing[roomID] = room
	}

	expiry, existed := room[userID]
	room[userID] = now.Add(ttl)
	return !existed || !expiry.After(now)
}

// ClearTyping removes a user's typing entry. Absence of an entry means
// not-typing, so clearing an unknown user is a no-op and returns false.
func (s *Store) ClearTyping(roomID, userID string) bool {
	sh := s.shardFor(roomID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	room, ok := sh.typing[roomID]
	if !ok {
		return false
	}
	if _, ok := room[userID]; !ok {
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(sh.typing, roomID)
	}
	return true
}

// TypingUsers returns the users currently typing in a room. Entries past
// their expiry are filtered out on read; the sweeper deletes them and
// signals watchers on its own schedule.
func (s *Store) TypingUsers(roomID string) []string {
	sh := s.shardFor(roomID)
	now := s.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	room, ok := sh.typing[roomID]
	if !ok {
		return nil
	}

	users := make([]string, 0, len(room))
	for userID, expiry := range room {
		if expiry.After(now) {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

// SetReceipt records a user's read cursor in a room. Cursors only move
// forward; a receipt at or behind the stored cursor is discarded and
// false is returned.
func (s *Store) SetReceipt(roomID, userID string, receipt models.Receipt) bool {
	sh := s.shardFor(roomID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	room, ok := sh.receipts[roomID]
	if !ok {
		room = make(map[string]models.Receipt)
		sh.receipts[roomID] = room
	}

	if existing, ok := room[userID]; ok && existing.Cursor >= receipt.Cursor {
		return false
	}
	room[userID] = receipt
	return true
}

// Receipts returns a copy of the current read receipts for a room.
func (s *Store) Receipts(roomID string) map[string]models.Receipt {
	sh := s.shardFor(roomID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	room, ok := sh.receipts[roomID]
	if !ok {
		return nil
	}

	out := make(map[string]models.Receipt, len(room))
	for userID, receipt := range room {
		out[userID] = receipt
	}
	return out
}

// SweepExpired deletes every typing entry past its expiry and returns
// the affected room IDs. Safe to call concurrently with reads and
// writes; an entry refreshed mid-sweep survives.
func (s *Store) SweepExpired() []string {
	now := s.clock.Now()
	var affected []string

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for roomID, room := range sh.typing {
			changed := false
			for userID, expiry := range room {
				if !expiry.After(now) {
					delete(room, userID)
					changed = true
				}
			}
			if len(room) == 0 {
				delete(sh.typing, roomID)
			}
			if changed {
				affected = append(affected, roomID)
			}
		}
		sh.mu.Unlock()
	}

	return affected
}
