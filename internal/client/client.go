package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rafaelmp2/chatlink/internal/bus"
	"github.com/rafaelmp2/chatlink/internal/status"
	"github.com/rafaelmp2/chatlink/internal/store"
	"github.com/rafaelmp2/chatlink/internal/transport"
	"github.com/rafaelmp2/chatlink/internal/wire"
	"go.uber.org/zap"
)

// Transport is the connection surface the client drives.
type Transport interface {
	Connect()
	Disconnect()
	Send(ctx context.Context, frame []byte) error
}

// Outbox is the durable send queue surface. Enqueue returns without
// touching the network; delivery happens on the queue's own goroutine.
type Outbox interface {
	Enqueue(event string, payload []byte, awaitsAck bool, pre func(localSeq int64)) int64
	OnConnected()
	OnDisconnected()
	Cancel(localSeq int64) bool
	Pending() []store.OutboxEntry
}

// Conversations is the store surface exposed through the facade.
type Conversations interface {
	AddPending(localSeq int64, receiverID, body, kind string, createdAt int64)
	MarkPeerMessagesRead(peerID string)
	Conversations() []store.Conversation
	Messages(peerID string, beforeTs int64, limit int) []store.Message
}

// Syncer is the offline catch-up surface.
type Syncer interface {
	OnConnected(ctx context.Context)
	OnDisconnected()
}

// Client is the facade the frontends talk to. It owns the runtime state
// machine and sequences each connection: register, replay queued sends,
// then offline catch-up. Reads are served from the store regardless of
// connectivity; writes queue while offline.
type Client struct {
	userID    string
	bus       *bus.Bus
	machine   *status.Machine
	transport Transport
	queue     Outbox
	store     Conversations
	syncer    Syncer
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(userID string, b *bus.Bus, machine *status.Machine, tr Transport, queue Outbox, st Conversations, sy Syncer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		userID:    userID,
		bus:       b,
		machine:   machine,
		transport: tr,
		queue:     queue,
		store:     st,
		syncer:    sy,
		logger:    logger,
	}
}

// Start transitions out of Booting and brings the connection up. The
// event loop runs until Stop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("client: already started")
	}
	if err := c.machine.Transition(status.Connecting); err != nil {
		return err
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
	c.transport.Connect()
	return nil
}

// Stop shuts down the event loop and the connection.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	c.transport.Disconnect()
	cancel()
	<-done
}

// Connect re-establishes connectivity after exhaustion put the client
// in Offline.
func (c *Client) Connect() error {
	if err := c.machine.Transition(status.Connecting); err != nil {
		return err
	}
	c.transport.Connect()
	return nil
}

// SendMessage queues a text message to a peer and returns the local
// sequence number identifying it until the server confirms. Works in
// every state; while offline the message waits in the outbox. Never
// blocks on the network.
func (c *Client) SendMessage(receiverID, body string) (int64, error) {
	if receiverID == "" {
		return 0, fmt.Errorf("client: empty receiver id")
	}
	if body == "" {
		return 0, fmt.Errorf("client: empty message body")
	}
	createdAt := time.Now().UnixMilli()
	frame, err := wire.Encode(wire.EventSendPrivateMessage, wire.SendPrivateMessage{
		SenderID:   c.userID,
		ReceiverID: receiverID,
		Body:       body,
		Kind:       wire.KindText,
		CreatedAt:  createdAt,
	})
	if err != nil {
		return 0, err
	}
	// The pending echo is recorded before the frame can be delivered, so
	// the acknowledgment always finds its counterpart.
	seq := c.queue.Enqueue(wire.EventSendPrivateMessage, frame, true, func(localSeq int64) {
		c.store.AddPending(localSeq, receiverID, body, wire.KindText, createdAt)
	})
	return seq, nil
}

// CancelSend withdraws a message still waiting in the outbox.
func (c *Client) CancelSend(localSeq int64) bool {
	return c.queue.Cancel(localSeq)
}

// MarkRead marks a peer's conversation read locally and queues the read
// receipt. The local effect is immediate and never rolled back.
func (c *Client) MarkRead(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("client: empty peer id")
	}
	c.store.MarkPeerMessagesRead(peerID)
	frame, err := wire.Encode(wire.EventMarkAsRead, wire.MarkAsRead{
		UserID:   c.userID,
		SenderID: peerID,
	})
	if err != nil {
		return err
	}
	c.queue.Enqueue(wire.EventMarkAsRead, frame, false, nil)
	return nil
}

// QueryOnline requests presence for a set of peers. Results arrive as
// presence.update events.
func (c *Client) QueryOnline(userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	frame, err := wire.Encode(wire.EventGetOnlineStatus, wire.GetOnlineStatus{UserIDs: userIDs})
	if err != nil {
		return err
	}
	c.queue.Enqueue(wire.EventGetOnlineStatus, frame, false, nil)
	return nil
}

// Conversations lists known conversations, most recent first.
func (c *Client) Conversations() []store.Conversation {
	return c.store.Conversations()
}

// Messages pages through a conversation's history.
func (c *Client) Messages(peerID string, beforeTs int64, limit int) []store.Message {
	return c.store.Messages(peerID, beforeTs, limit)
}

// Status returns the current runtime state.
func (c *Client) Status() status.State {
	return c.machine.Current()
}

// PendingSends snapshots the outbox.
func (c *Client) PendingSends() []store.OutboxEntry {
	return c.queue.Pending()
}

// Subscribe exposes the event bus to frontends.
func (c *Client) Subscribe(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(namespace, bufSize)
}

// run sequences connection lifecycle events. All orchestration happens
// on this single goroutine, so the register/replay/sync order holds.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	// The bus drops events for a full subscriber, and a dropped
	// Connected event would skip the register/replay/sync sequence for
	// that connection. 256 slots comfortably exceeds anything the
	// supervisor can emit across a full backoff cycle.
	connCh, unsubConn := c.bus.Subscribe("conn.", 256)
	defer unsubConn()
	syncCh, unsubSync := c.bus.Subscribe("sync.", 16)
	defer unsubSync()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-connCh:
			c.handleConnEvent(ctx, evt)
		case evt := <-syncCh:
			if evt.Kind == bus.KindSyncCompleted && c.machine.Current() == status.Syncing {
				if err := c.machine.Transition(status.Ready); err != nil {
					c.logger.Warn("status transition failed", zap.Error(err))
				}
			}
		}
	}
}

func (c *Client) handleConnEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindConnExhausted:
		c.queue.OnDisconnected()
		c.syncer.OnDisconnected()
		if cur := c.machine.Current(); cur != status.Offline {
			if err := c.machine.Transition(status.Offline); err != nil {
				c.logger.Warn("status transition failed", zap.Error(err))
			}
		}
		return

	case bus.KindConnState:
		change, ok := evt.Payload.(transport.StateChange)
		if !ok {
			return
		}
		switch {
		case change.To == transport.StateConnected:
			c.onConnected(ctx, change.ConnID)
		case change.From == transport.StateConnected:
			// Lost a live connection; queued sends stay put.
			c.queue.OnDisconnected()
			c.syncer.OnDisconnected()
			cur := c.machine.Current()
			if cur == status.Syncing || cur == status.Ready {
				if err := c.machine.Transition(status.Reconnecting); err != nil {
					c.logger.Warn("status transition failed", zap.Error(err))
				}
			}
		}
	}
}

// onConnected runs the fixed connection sequence: announce the local
// user, replay the outbox front to back, then arm offline catch-up.
func (c *Client) onConnected(ctx context.Context, connID string) {
	cur := c.machine.Current()
	if cur == status.Connecting || cur == status.Reconnecting {
		if err := c.machine.Transition(status.Syncing); err != nil {
			c.logger.Warn("status transition failed", zap.Error(err))
		}
	}

	frame, err := wire.Encode(wire.EventRegister, wire.Register{UserID: c.userID})
	if err != nil {
		c.logger.Error("encode register", zap.Error(err))
		return
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		// The supervisor will notice the dead connection and retry; the
		// next conn.state event reruns this sequence.
		c.logger.Warn("register failed", zap.String("conn_id", connID), zap.Error(err))
		return
	}

	// OnConnected blocks until the replay has drained, so queued sends
	// reach the transport before any sync traffic.
	c.queue.OnConnected()
	c.syncer.OnConnected(ctx)
	c.logger.Info("connection sequence complete", zap.String("conn_id", connID))
}
