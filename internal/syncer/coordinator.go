package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rafaelmp2/chatlink/internal/bus"
	"github.com/rafaelmp2/chatlink/internal/store"
	"github.com/rafaelmp2/chatlink/internal/wire"
	"go.uber.org/zap"
)

// ackCheckpointKey is the sync_state slot holding a batch acknowledgment
// that could not be delivered before the connection dropped.
const ackCheckpointKey = "pending_batch_ack"

// Ingestor is the store surface the coordinator feeds.
type Ingestor interface {
	Ingest(m *store.Message)
}

// Sender delivers ack frames on the live connection.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// Clock abstracts the grace timer for tests.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config tunes the coordinator.
type Config struct {
	UserID string
	// GraceTimeout bounds how long after arming the coordinator waits
	// for a store-and-forward batch before declaring sync complete.
	GraceTimeout time.Duration
}

// Completion is the payload of sync.completed events.
type Completion struct {
	Ingested int
	// TimedOut reports completion by grace expiry rather than a batch.
	TimedOut bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the grace timer source.
func WithClock(c Clock) Option { return func(s *Coordinator) { s.clock = c } }

// Coordinator drives store-and-forward catch-up after each connection.
// Batches are ingested through the store's idempotent path and then
// acknowledged; an acknowledgment that cannot be delivered is
// checkpointed and retried on the next connection, so the server may
// redeliver the batch but the store never double-counts it.
type Coordinator struct {
	cfg    Config
	db     *store.DB
	store  Ingestor
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger
	clock  Clock

	mu        sync.Mutex
	ctx       context.Context
	armed     bool
	completed bool
	gen       int
	// stashed holds a batch that raced ahead of OnConnected; queued
	// sends always replay before its ingestion.
	stashed *wire.OfflineMessages
}

func New(cfg Config, db *store.DB, st Ingestor, sender Sender, b *bus.Bus, logger *zap.Logger, opts ...Option) *Coordinator {
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Coordinator{
		cfg:    cfg,
		db:     db,
		store:  st,
		sender: sender,
		bus:    b,
		logger: logger,
		clock:  realClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnConnected arms the coordinator for one connection. Call after the
// outbound queue has replayed, so queued sends precede batch ingestion.
// A checkpointed acknowledgment from a previous connection is retried
// first.
func (s *Coordinator) OnConnected(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.armed = true
	s.completed = false
	s.gen++
	gen := s.gen
	stashed := s.stashed
	s.stashed = nil
	s.mu.Unlock()

	s.retryCheckpointedAck(ctx)

	if stashed != nil {
		s.processBatch(stashed)
		return
	}

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.GraceTimeout):
		}
		s.mu.Lock()
		fire := s.armed && !s.completed && s.gen == gen
		if fire {
			s.completed = true
		}
		s.mu.Unlock()
		if fire {
			s.logger.Info("no offline batch within grace period, sync complete")
			s.publishCompleted(Completion{TimedOut: true})
		}
	}()
}

// OnDisconnected disarms the coordinator until the next connection.
func (s *Coordinator) OnDisconnected() {
	s.mu.Lock()
	s.armed = false
	s.mu.Unlock()
}

// IngestBatch consumes one store-and-forward batch. A batch arriving
// before OnConnected is held back and processed once armed.
func (s *Coordinator) IngestBatch(batch *wire.OfflineMessages) {
	s.mu.Lock()
	if !s.armed {
		s.stashed = batch
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.processBatch(batch)
}

func (s *Coordinator) processBatch(batch *wire.OfflineMessages) {
	ids := make([]string, 0, len(batch.Messages))
	for i := range batch.Messages {
		m := &batch.Messages[i]
		s.store.Ingest(store.FromWire(m))
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}

	ack := wire.AckOfflineMessages{
		UserID:     s.cfg.UserID,
		BatchID:    uuid.NewString(),
		MessageIDs: ids,
	}

	s.mu.Lock()
	ctx := s.ctx
	first := !s.completed
	s.completed = true
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.sendAck(ctx, ack)
	s.logger.Info("offline batch ingested", zap.Int("messages", len(batch.Messages)), zap.String("batch_id", ack.BatchID))

	if first {
		s.publishCompleted(Completion{Ingested: len(batch.Messages)})
	}
}

// sendAck delivers the batch acknowledgment, checkpointing it for the
// next connection when delivery fails.
func (s *Coordinator) sendAck(ctx context.Context, ack wire.AckOfflineMessages) {
	frame, err := wire.Encode(wire.EventAckOfflineMessages, ack)
	if err != nil {
		s.logger.Error("encode batch ack", zap.Error(err))
		return
	}
	if err := s.sender.Send(ctx, frame); err != nil {
		s.logger.Warn("batch ack delivery failed, checkpointing",
			zap.String("batch_id", ack.BatchID), zap.Error(err))
		raw, err := json.Marshal(ack)
		if err != nil {
			s.logger.Error("marshal ack checkpoint", zap.Error(err))
			return
		}
		if err := s.db.SetSyncState(ackCheckpointKey, string(raw)); err != nil {
			s.logger.Error("persist ack checkpoint", zap.Error(err))
		}
		return
	}
	if err := s.db.DeleteSyncState(ackCheckpointKey); err != nil {
		s.logger.Warn("clear ack checkpoint", zap.Error(err))
	}
}

func (s *Coordinator) retryCheckpointedAck(ctx context.Context) {
	raw, err := s.db.GetSyncState(ackCheckpointKey)
	if err != nil {
		s.logger.Warn("read ack checkpoint", zap.Error(err))
		return
	}
	if raw == "" {
		return
	}
	var ack wire.AckOfflineMessages
	if err := json.Unmarshal([]byte(raw), &ack); err != nil {
		s.logger.Error("corrupt ack checkpoint, dropping", zap.Error(err))
		_ = s.db.DeleteSyncState(ackCheckpointKey)
		return
	}
	s.logger.Info("retrying checkpointed batch ack", zap.String("batch_id", ack.BatchID))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindSyncAckRetry,
		Timestamp: time.Now(),
		Payload:   ack.BatchID,
	})
	s.sendAck(ctx, ack)
}

func (s *Coordinator) publishCompleted(c Completion) {
	s.bus.Publish(bus.Event{
		Kind:      bus.KindSyncCompleted,
		Timestamp: time.Now(),
		Payload:   c,
	})
}
