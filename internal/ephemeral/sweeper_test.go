package ephemeral

import (
	"context"
	"io"
	"testing"
	"time"

	"fedsync/internal/notify"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestSweeper(t *testing.T, interval time.Duration) (*Store, *notify.Bus, *Sweeper, *clock.Mock) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mock := clock.NewMock()
	store := NewStore(mock)
	bus := notify.NewBus()
	return store, bus, NewSweeper(store, bus, interval, mock, logger), mock
}

func TestSweeper_SignalsAffectedRooms(t *testing.T) {
	store, bus, sweeper, mock := newTestSweeper(t, time.Second)

	store.SetTyping("!room:a.org", "@alice:a.org", 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	// Let the sweeper goroutine arm its ticker before advancing time.
	time.Sleep(10 * time.Millisecond)
	mock.Add(11 * time.Second)

	assert.Eventually(t, func() bool {
		return bus.ScopeVersions("!room:a.org")[notify.ClassTyping] > 0
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, store.TypingUsers("!room:a.org"))
}

func TestSweeper_NoSignalWithoutExpiry(t *testing.T) {
	store, bus, sweeper, mock := newTestSweeper(t, time.Second)

	store.SetTyping("!room:a.org", "@alice:a.org", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	time.Sleep(10 * time.Millisecond)
	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, uint64(0), bus.ScopeVersions("!room:a.org")[notify.ClassTyping])
	assert.Equal(t, []string{"@alice:a.org"}, store.TypingUsers("!room:a.org"))
}

func TestSweeper_StopTerminates(t *testing.T) {
	_, _, sweeper, _ := newTestSweeper(t, time.Second)

	done := make(chan struct{})
	go func() {
		sweeper.Start(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	sweeper.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
