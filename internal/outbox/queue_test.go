package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rafaelmp2/chatlink/internal/bus"
	"github.com/rafaelmp2/chatlink/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotConnected = errors.New("not connected")

// fakeSender records delivered frames and can be toggled offline. It is
// shared between the test goroutine and the queue's delivery goroutine.
type fakeSender struct {
	mu      sync.Mutex
	frames  [][]byte
	offline bool
	// failures counts down: while positive, Send fails.
	failures int
	// gate, when non-nil, blocks Send until closed.
	gate chan struct{}
}

func (f *fakeSender) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errNotConnected
	}
	if f.failures > 0 {
		f.failures--
		return errNotConnected
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSender) frame(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.frames[i])
}

func testQueue(t *testing.T) (*Queue, *fakeSender, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sender := &fakeSender{}
	q := New(db, sender, bus.New(), nil)
	require.NoError(t, q.Load())
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q, sender, db
}

func waitFrames(t *testing.T, sender *fakeSender, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return sender.count() == want },
		2*time.Second, time.Millisecond, "expected %d delivered frames", want)
}

func TestFIFOReplayAfterConnect(t *testing.T) {
	q, sender, _ := testQueue(t)

	// Enqueue while disconnected: nothing reaches the transport.
	q.Enqueue("send_private_message", []byte("one"), true, nil)
	q.Enqueue("send_private_message", []byte("two"), true, nil)
	q.Enqueue("mark_as_read", []byte("three"), false, nil)
	assert.Zero(t, sender.count())

	// OnConnected returns only once the replay has drained.
	q.OnConnected()

	require.Equal(t, 3, sender.count())
	assert.Equal(t, "one", sender.frame(0))
	assert.Equal(t, "two", sender.frame(1))
	assert.Equal(t, "three", sender.frame(2))
}

func TestImmediateDeliveryWhenConnected(t *testing.T) {
	q, sender, _ := testQueue(t)

	q.OnConnected()
	q.Enqueue("send_private_message", []byte("now"), true, nil)

	waitFrames(t, sender, 1)
	assert.Equal(t, "now", sender.frame(0))
}

func TestAckRemovesOldestInFlight(t *testing.T) {
	q, sender, _ := testQueue(t)

	q.OnConnected()
	first := q.Enqueue("send_private_message", []byte("a"), true, nil)
	second := q.Enqueue("send_private_message", []byte("b"), true, nil)
	waitFrames(t, sender, 2)

	acked := q.OnAck("srv-1")
	require.NotNil(t, acked)
	assert.Equal(t, first, acked.LocalSeq)

	acked = q.OnAck("srv-2")
	require.NotNil(t, acked)
	assert.Equal(t, second, acked.LocalSeq)

	assert.Nil(t, q.OnAck("srv-3"), "ack with empty queue returns nil")
	assert.Empty(t, q.Pending())
}

func TestUnackedEntryRetransmittedOncePerReconnect(t *testing.T) {
	q, sender, _ := testQueue(t)

	q.OnConnected()
	q.Enqueue("send_private_message", []byte("payload"), true, nil)
	waitFrames(t, sender, 1)

	// Connection drops before the ack arrives.
	q.OnDisconnected()
	// New traffic while offline stays queued.
	q.Enqueue("send_private_message", []byte("later"), true, nil)
	assert.Equal(t, 1, sender.count())

	q.OnConnected()
	require.Equal(t, 3, sender.count(), "unacked entry replayed exactly once, then the newer one")
	assert.Equal(t, "payload", sender.frame(1))
	assert.Equal(t, "later", sender.frame(2))

	// Still exactly one ack consumes it.
	acked := q.OnAck("srv")
	require.NotNil(t, acked)
	assert.Equal(t, "send_private_message", acked.Event)
}

func TestFireOnSendEntriesRemovedAfterWrite(t *testing.T) {
	q, sender, _ := testQueue(t)

	q.OnConnected()
	q.Enqueue("mark_as_read", []byte("r"), false, nil)

	waitFrames(t, sender, 1)
	require.Eventually(t, func() bool { return len(q.Pending()) == 0 },
		2*time.Second, time.Millisecond, "fire-on-send entry removed after successful write")
}

func TestSendFailureKeepsEntriesInOrder(t *testing.T) {
	q, sender, _ := testQueue(t)

	sender.setOffline(true)
	q.Enqueue("send_private_message", []byte("x"), true, nil)
	q.Enqueue("send_private_message", []byte("y"), true, nil)

	// Replay hits the dead transport and pauses without losing anything.
	q.OnConnected()
	assert.Zero(t, sender.count())

	sender.setOffline(false)
	q.OnConnected()
	require.Equal(t, 2, sender.count())
	assert.Equal(t, "x", sender.frame(0))
	assert.Equal(t, "y", sender.frame(1))
}

func TestTransientSendFailureRecoversOnReconnect(t *testing.T) {
	q, sender, _ := testQueue(t)

	// One spurious transport error must only pause delivery, never wedge
	// the queue: the next OnConnected resumes from the front and later
	// enqueues flow normally.
	sender.mu.Lock()
	sender.failures = 1
	sender.mu.Unlock()

	q.Enqueue("send_private_message", []byte("first"), true, nil)
	q.Enqueue("send_private_message", []byte("second"), true, nil)

	// First replay eats the transient error and pauses.
	q.OnConnected()
	assert.Zero(t, sender.count())

	q.OnConnected()
	require.Equal(t, 2, sender.count())
	assert.Equal(t, "first", sender.frame(0))
	assert.Equal(t, "second", sender.frame(1))

	// Delivery is live again for new traffic without another reconnect.
	q.Enqueue("send_private_message", []byte("third"), true, nil)
	waitFrames(t, sender, 3)
	assert.Equal(t, "third", sender.frame(2))
}

func TestEnqueueNeverBlocksOnSlowTransport(t *testing.T) {
	q, sender, _ := testQueue(t)

	gate := make(chan struct{})
	sender.mu.Lock()
	sender.gate = gate
	sender.mu.Unlock()

	q.OnConnected()

	returned := make(chan struct{})
	go func() {
		// The first write is stuck in the transport; both intents must
		// still return immediately.
		q.Enqueue("send_private_message", []byte("slow"), true, nil)
		q.Enqueue("send_private_message", []byte("queued"), true, nil)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on the transport write")
	}
	assert.Len(t, q.Pending(), 2)

	sender.mu.Lock()
	sender.gate = nil
	sender.mu.Unlock()
	close(gate)

	waitFrames(t, sender, 2)
	assert.Equal(t, "slow", sender.frame(0))
	assert.Equal(t, "queued", sender.frame(1))
}

func TestDurabilityAcrossRestart(t *testing.T) {
	q, sender, db := testQueue(t)

	q.OnConnected()
	seq := q.Enqueue("send_private_message", []byte("persisted"), true, nil)
	waitFrames(t, sender, 1)
	// Crash before the ack: the entry must survive in SQLite.

	q2 := New(db, sender, bus.New(), nil)
	require.NoError(t, q2.Load())

	pending := q2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, seq, pending[0].LocalSeq)
	assert.Equal(t, "persisted", string(pending[0].Payload))

	// Sequence numbers are never reused.
	next := q2.Enqueue("send_private_message", []byte("new"), true, nil)
	assert.Greater(t, next, seq)
}

func TestCancelRemovesEntry(t *testing.T) {
	q, _, db := testQueue(t)

	seq := q.Enqueue("send_private_message", []byte("never mind"), true, nil)
	assert.True(t, q.Cancel(seq))
	assert.False(t, q.Cancel(seq))
	assert.Empty(t, q.Pending())

	rows, err := db.PendingOutbox()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPreRunsBeforeDelivery(t *testing.T) {
	q, sender, _ := testQueue(t)
	q.OnConnected()

	var seenSeq int64
	var framesAtPre int
	q.Enqueue("send_private_message", []byte("p"), true, func(seq int64) {
		seenSeq = seq
		framesAtPre = sender.count()
	})

	assert.NotZero(t, seenSeq)
	assert.Zero(t, framesAtPre, "pre must observe the queue before delivery")
	waitFrames(t, sender, 1)
}
