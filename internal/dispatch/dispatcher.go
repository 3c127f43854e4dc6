package dispatch

import (
	"errors"
	"time"

	"github.com/rafaelmp2/chatlink/internal/bus"
	"github.com/rafaelmp2/chatlink/internal/store"
	"github.com/rafaelmp2/chatlink/internal/wire"
	"go.uber.org/zap"
)

// MessageStore is the slice of the conversation store the dispatcher
// drives.
type MessageStore interface {
	Ingest(m *store.Message)
	ReconcilePending(localSeq int64, serverID string)
	MarkSendFailed(localSeq int64)
	MarkPeerMessagesRead(peerID string)
}

// AckQueue consumes send acknowledgments in FIFO order.
type AckQueue interface {
	OnAck(serverID string) *store.OutboxEntry
}

// BatchSink receives store-and-forward batches for ingestion and
// acknowledgment.
type BatchSink interface {
	IngestBatch(batch *wire.OfflineMessages)
}

// Dispatcher is the single demultiplexing point for inbound frames. It
// decodes each envelope and routes the payload; malformed frames and
// unknown events are logged and dropped without closing the connection.
type Dispatcher struct {
	store  MessageStore
	queue  AckQueue
	syncer BatchSink
	bus    *bus.Bus
	logger *zap.Logger
}

func New(st MessageStore, queue AckQueue, syncer BatchSink, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: st, queue: queue, syncer: syncer, bus: b, logger: logger}
}

// HandleFrame routes one raw inbound frame. Safe to call from the
// transport's read loop; downstream components do their own locking.
func (d *Dispatcher) HandleFrame(raw []byte) {
	frame, err := wire.Decode(raw)
	if err != nil {
		d.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	payload, err := wire.DecodeInbound(frame)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownEvent) {
			d.logger.Debug("ignoring unknown event", zap.String("event", frame.Event))
		} else {
			d.logger.Warn("dropping frame", zap.String("event", frame.Event), zap.Error(err))
		}
		return
	}

	switch p := payload.(type) {
	case *wire.Message:
		d.store.Ingest(store.FromWire(p))

	case *wire.MessageSent:
		d.handleMessageSent(p)

	case *wire.MessageRead:
		// The payload carries the reader, and the reader is the peer
		// whose conversation holds the now-read messages.
		d.store.MarkPeerMessagesRead(p.ReaderID)

	case wire.OnlineStatus:
		// Presence is ephemeral: fan out to observers, never stored.
		d.bus.Publish(bus.Event{
			Kind:      bus.KindPresenceUpdate,
			Timestamp: time.Now(),
			Payload:   p,
		})

	case *wire.OfflineMessages:
		d.syncer.IngestBatch(p)
	}
}

func (d *Dispatcher) handleMessageSent(p *wire.MessageSent) {
	acked := d.queue.OnAck(p.MessageID)
	if acked == nil {
		return
	}
	if !p.Success {
		d.logger.Warn("server rejected send", zap.Int64("local_seq", acked.LocalSeq))
		d.store.MarkSendFailed(acked.LocalSeq)
		return
	}
	d.store.ReconcilePending(acked.LocalSeq, p.MessageID)
}
