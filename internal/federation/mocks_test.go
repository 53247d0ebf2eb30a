package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fedsync/internal/models"
)

// memQueue is an in-memory QueueStore used across the package tests.
type memQueue struct {
	mu         sync.Mutex
	items      map[string][]models.QueuedItem
	nextSeq    map[string]int64
	watermarks map[string]int64

	peekErr      error
	enqueueErr   error
	ackErr       error
	watermarkErr error
}

func newMemQueue() *memQueue {
	return &memQueue{
		items:      make(map[string][]models.QueuedItem),
		nextSeq:    make(map[string]int64),
		watermarks: make(map[string]int64),
	}
}

func (q *memQueue) EnqueueItem(ctx context.Context, destination string, payload json.RawMessage) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return 0, q.enqueueErr
	}

	q.nextSeq[destination]++
	seq := q.nextSeq[destination]
	q.items[destination] = append(q.items[destination], models.QueuedItem{
		Destination: destination,
		Seq:         seq,
		Payload:     payload,
	})
	return seq, nil
}

func (q *memQueue) PeekItems(ctx context.Context, destination string, limit int) ([]models.QueuedItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.peekErr != nil {
		return nil, q.peekErr
	}

	items := q.items[destination]
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]models.QueuedItem, len(items))
	copy(out, items)
	return out, nil
}

func (q *memQueue) AckItems(ctx context.Context, destination string, throughSeq int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ackErr != nil {
		return q.ackErr
	}

	remaining := q.items[destination][:0]
	for _, item := range q.items[destination] {
		if item.Seq > throughSeq {
			remaining = append(remaining, item)
		}
	}
	q.items[destination] = remaining
	return nil
}

func (q *memQueue) QueuedDestinations(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []string
	for destination, items := range q.items {
		if len(items) > 0 {
			out = append(out, destination)
		}
	}
	return out, nil
}

func (q *memQueue) GetReceiptWatermark(ctx context.Context, destination, roomID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.watermarkErr != nil {
		return 0, q.watermarkErr
	}
	return q.watermarks[destination+"|"+roomID], nil
}

func (q *memQueue) SetReceiptWatermark(ctx context.Context, destination, roomID string, watermark int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.watermarkErr != nil {
		return q.watermarkErr
	}
	if watermark > q.watermarks[destination+"|"+roomID] {
		q.watermarks[destination+"|"+roomID] = watermark
	}
	return nil
}

func (q *memQueue) depth(destination string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[destination])
}

// memMembership maps servers to rooms both ways.
type memMembership struct {
	mu            sync.Mutex
	roomsByServer map[string][]string
	serversByRoom map[string][]string
}

func newMemMembership() *memMembership {
	return &memMembership{
		roomsByServer: make(map[string][]string),
		serversByRoom: make(map[string][]string),
	}
}

func (m *memMembership) join(roomID, server string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomsByServer[server] = append(m.roomsByServer[server], roomID)
	m.serversByRoom[roomID] = append(m.serversByRoom[roomID], server)
}

func (m *memMembership) ServersInRoom(ctx context.Context, roomID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.serversByRoom[roomID]...), nil
}

func (m *memMembership) RoomsForServer(ctx context.Context, server string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.roomsByServer[server]...), nil
}

// memEphemeral is a mutable EphemeralSource.
type memEphemeral struct {
	mu       sync.Mutex
	typing   map[string][]string
	receipts map[string]map[string]models.Receipt
}

func newMemEphemeral() *memEphemeral {
	return &memEphemeral{
		typing:   make(map[string][]string),
		receipts: make(map[string]map[string]models.Receipt),
	}
}

func (e *memEphemeral) setTyping(roomID string, users ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typing[roomID] = users
}

func (e *memEphemeral) setReceipt(roomID, userID string, receipt models.Receipt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.receipts[roomID] == nil {
		e.receipts[roomID] = make(map[string]models.Receipt)
	}
	e.receipts[roomID][userID] = receipt
}

func (e *memEphemeral) TypingUsers(roomID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.typing[roomID]...)
}

func (e *memEphemeral) Receipts(roomID string) map[string]models.Receipt {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]models.Receipt, len(e.receipts[roomID]))
	for userID, receipt := range e.receipts[roomID] {
		out[userID] = receipt
	}
	return out
}

// fakeTransport records sent transactions and tracks per-destination
// concurrency so tests can assert single-flight delivery.
type fakeTransport struct {
	mu          sync.Mutex
	sent        []sentTxn
	errs        []error
	inFlight    map[string]int
	maxInFlight map[string]int
	release     chan struct{}
}

type sentTxn struct {
	destination string
	txn         *models.Transaction
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

// failNext queues errors to return, one per send, before succeeding.
func (t *fakeTransport) failNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, errs...)
}

func (t *fakeTransport) Send(ctx context.Context, destination string, txn *models.Transaction) error {
	t.mu.Lock()
	t.inFlight[destination]++
	if t.inFlight[destination] > t.maxInFlight[destination] {
		t.maxInFlight[destination] = t.inFlight[destination]
	}
	release := t.release
	t.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[destination]--

	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		if err != nil {
			return err
		}
	}

	t.sent = append(t.sent, sentTxn{destination: destination, txn: txn})
	return nil
}

func (t *fakeTransport) sentCount(destination string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sent {
		if s.destination == destination {
			n++
		}
	}
	return n
}

func (t *fakeTransport) sentTo(destination string) []*models.Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*models.Transaction
	for _, s := range t.sent {
		if s.destination == destination {
			out = append(out, s.txn)
		}
	}
	return out
}

// eduContents decodes every EDU of the given type in a transaction.
func eduContents[T any](txn *models.Transaction, eduType string) ([]T, error) {
	var out []T
	for _, edu := range txn.Ephemeral {
		if edu.Type != eduType {
			continue
		}
		var content T
		if err := json.Unmarshal(edu.Content, &content); err != nil {
			return nil, fmt.Errorf("decode %s EDU: %w", eduType, err)
		}
		out = append(out, content)
	}
	return out, nil
}
