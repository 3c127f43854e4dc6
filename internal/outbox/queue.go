package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/rafaelmp2/chatlink/internal/bus"
	"github.com/rafaelmp2/chatlink/internal/store"
	"go.uber.org/zap"
)

// Sender is the transport surface the queue delivers frames to. Send
// fails fast when the connection is not established.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// Queue is the durable, order-preserving buffer of not-yet-acknowledged
// outgoing frames. Entries are delivered in strict localSeq order; a
// reconnect replays every unacknowledged entry from the front before
// new traffic may interleave ahead of it.
//
// All transport writes happen on the queue's own delivery goroutine
// under the queue's own context: enqueuing never blocks on the network,
// and the scope of the caller that enqueued a frame has no bearing on
// its delivery.
type Queue struct {
	db     *store.DB
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	entries   []*entry
	nextSeq   int64
	connected bool
	sending   bool
	running   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type entry struct {
	store.OutboxEntry
	// inflight marks an ack-awaited entry already delivered on the
	// current connection; it is cleared on reconnect so the frame is
	// retransmitted exactly once per connection until acknowledged.
	inflight bool
}

// New creates an empty queue. Call Load and Start before first use.
func New(db *store.DB, sender Sender, b *bus.Bus, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		db:      db,
		sender:  sender,
		bus:     b,
		logger:  logger,
		nextSeq: 1,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Load restores persisted entries and the localSeq counter. Sequence
// numbers are never reused, including across process restarts.
func (q *Queue) Load() error {
	persisted, err := q.db.PendingOutbox()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range persisted {
		e := persisted[i]
		q.entries = append(q.entries, &entry{OutboxEntry: e})
		if e.LocalSeq >= q.nextSeq {
			q.nextSeq = e.LocalSeq + 1
		}
	}
	return nil
}

// Start launches the delivery goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	q.running = true
	q.mu.Unlock()
	go q.drainLoop()
}

// Stop halts delivery. Entries stay queued (and persisted) for the next
// Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.cond.Broadcast()
	done := q.done
	q.mu.Unlock()
	<-done
}

// Enqueue appends a frame and returns immediately; the delivery
// goroutine picks it up if connected. pre, when non-nil, runs under the
// queue lock after the sequence number is assigned but before any
// delivery, so the caller can record the pending message without racing
// the acknowledgment.
func (q *Queue) Enqueue(event string, payload []byte, awaitsAck bool, pre func(localSeq int64)) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq := q.nextSeq
	q.nextSeq++
	e := &entry{OutboxEntry: store.OutboxEntry{
		LocalSeq:   seq,
		Event:      event,
		Payload:    payload,
		AwaitsAck:  awaitsAck,
		EnqueuedAt: time.Now().UnixMilli(),
	}}
	// Durability is best-effort: a failed write degrades crash recovery
	// but the in-memory queue remains authoritative for this session.
	if err := q.db.QueueOutbox(&e.OutboxEntry); err != nil {
		q.logger.Warn("outbox persist failed", zap.Int64("local_seq", seq), zap.Error(err))
	}
	q.entries = append(q.entries, e)

	if pre != nil {
		pre(seq)
	}
	q.cond.Broadcast()
	return seq
}

// OnConnected marks the transport usable and replays all unacknowledged
// entries, oldest first. It returns only when the replay has stopped
// (drained, or the connection failed again), so callers can order
// post-replay traffic behind it.
func (q *Queue) OnConnected() {
	q.mu.Lock()
	q.connected = true
	for _, e := range q.entries {
		e.inflight = false
	}
	q.cond.Broadcast()
	for q.running && q.connected && (q.sending || q.nextDeliverableLocked() != nil) {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// OnDisconnected stops delivery attempts until the next OnConnected.
// Entries are never dropped on disconnect.
func (q *Queue) OnDisconnected() {
	q.mu.Lock()
	q.connected = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

// OnAck removes and returns the oldest in-flight ack-awaited entry.
// The server acknowledges sends in delivery order, so correlation is
// FIFO. Returns nil for an ack with nothing in flight.
func (q *Queue) OnAck(serverID string) *store.OutboxEntry {
	q.mu.Lock()
	var acked *store.OutboxEntry
	for i, e := range q.entries {
		if e.AwaitsAck && e.inflight {
			out := e.OutboxEntry
			acked = &out
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			if err := q.db.DeleteOutbox(e.LocalSeq); err != nil {
				q.logger.Warn("outbox delete failed", zap.Int64("local_seq", e.LocalSeq), zap.Error(err))
			}
			break
		}
	}
	q.mu.Unlock()

	if acked == nil {
		q.logger.Warn("ack with no in-flight entry", zap.String("server_id", serverID))
		return nil
	}
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageAck,
		Timestamp: time.Now(),
		Payload:   map[string]any{"local_seq": acked.LocalSeq, "server_id": serverID},
	})
	return acked
}

// Cancel drops a queued entry that has not been acknowledged. Used for
// explicit user cancellation only; disconnects never cancel entries.
func (q *Queue) Cancel(localSeq int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.LocalSeq == localSeq {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			if err := q.db.DeleteOutbox(localSeq); err != nil {
				q.logger.Warn("outbox delete failed", zap.Int64("local_seq", localSeq), zap.Error(err))
			}
			q.cond.Broadcast()
			return true
		}
	}
	return false
}

// Pending returns a snapshot of entries still in the queue.
func (q *Queue) Pending() []store.OutboxEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]store.OutboxEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.OutboxEntry)
	}
	return out
}

func (q *Queue) nextDeliverableLocked() *entry {
	for _, e := range q.entries {
		if !e.inflight {
			return e
		}
	}
	return nil
}

// drainLoop delivers entries front to back, one at a time. The write
// itself happens outside the lock so enqueuing stays non-blocking. On
// a transport error delivery pauses until the next OnConnected; the
// entries stay queued.
func (q *Queue) drainLoop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for q.running && (!q.connected || q.nextDeliverableLocked() == nil) {
			q.cond.Wait()
		}
		if !q.running {
			q.mu.Unlock()
			return
		}
		e := q.nextDeliverableLocked()
		seq, payload := e.LocalSeq, e.Payload
		q.sending = true
		q.mu.Unlock()

		err := q.sender.Send(q.ctx, payload)

		q.mu.Lock()
		q.sending = false
		if err != nil {
			q.connected = false
			q.logger.Info("outbox delivery paused", zap.Int64("local_seq", seq), zap.Error(err))
		} else {
			q.finishDeliveryLocked(seq)
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *Queue) finishDeliveryLocked(seq int64) {
	for i, e := range q.entries {
		if e.LocalSeq != seq {
			continue
		}
		if e.AwaitsAck {
			e.inflight = true
			return
		}
		// Fire-on-send frames are done once written.
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		if err := q.db.DeleteOutbox(seq); err != nil {
			q.logger.Warn("outbox delete failed", zap.Int64("local_seq", seq), zap.Error(err))
		}
		return
	}
	// Cancelled while the write was in flight; nothing left to record.
}
