package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rafaelmp2/chatlink/internal/bus"
	"github.com/rafaelmp2/chatlink/internal/status"
	"github.com/rafaelmp2/chatlink/internal/store"
	"github.com/rafaelmp2/chatlink/internal/transport"
	"github.com/rafaelmp2/chatlink/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// calls records the cross-component call order.
type calls struct {
	mu    sync.Mutex
	names []string
	ch    chan string
}

func newCalls() *calls { return &calls{ch: make(chan string, 32)} }

func (c *calls) add(name string) {
	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
	c.ch <- name
}

func (c *calls) wait(t *testing.T, name string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-c.ch:
			if got == name {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for call %q", name)
		}
	}
}

func (c *calls) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

type fakeTransport struct {
	calls  *calls
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeTransport) Connect()    { f.calls.add("transport.Connect") }
func (f *fakeTransport) Disconnect() { f.calls.add("transport.Disconnect") }
func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	f.calls.add("transport.Send")
	return nil
}

type fakeOutbox struct {
	calls   *calls
	mu      sync.Mutex
	nextSeq int64
	entries []store.OutboxEntry
}

func (f *fakeOutbox) Enqueue(event string, payload []byte, awaitsAck bool, pre func(int64)) int64 {
	f.mu.Lock()
	f.nextSeq++
	seq := f.nextSeq
	f.entries = append(f.entries, store.OutboxEntry{LocalSeq: seq, Event: event, Payload: payload, AwaitsAck: awaitsAck})
	f.mu.Unlock()
	if pre != nil {
		pre(seq)
	}
	f.calls.add("queue.Enqueue:" + event)
	return seq
}

func (f *fakeOutbox) OnConnected()    { f.calls.add("queue.OnConnected") }
func (f *fakeOutbox) OnDisconnected() { f.calls.add("queue.OnDisconnected") }

func (f *fakeOutbox) Cancel(seq int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e.LocalSeq == seq {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeOutbox) Pending() []store.OutboxEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.OutboxEntry(nil), f.entries...)
}

type fakeConvStore struct {
	calls   *calls
	mu      sync.Mutex
	pending []int64
	read    []string
}

func (f *fakeConvStore) AddPending(seq int64, _, _, _ string, _ int64) {
	f.mu.Lock()
	f.pending = append(f.pending, seq)
	f.mu.Unlock()
	f.calls.add("store.AddPending")
}

func (f *fakeConvStore) MarkPeerMessagesRead(peer string) {
	f.mu.Lock()
	f.read = append(f.read, peer)
	f.mu.Unlock()
	f.calls.add("store.MarkPeerMessagesRead")
}

func (f *fakeConvStore) Conversations() []store.Conversation { return nil }
func (f *fakeConvStore) Messages(string, int64, int) []store.Message {
	return nil
}

type fakeSyncer struct {
	calls *calls
}

func (f *fakeSyncer) OnConnected(context.Context) { f.calls.add("syncer.OnConnected") }
func (f *fakeSyncer) OnDisconnected()             { f.calls.add("syncer.OnDisconnected") }

type harness struct {
	client  *Client
	bus     *bus.Bus
	machine *status.Machine
	calls   *calls
	tr      *fakeTransport
	queue   *fakeOutbox
	store   *fakeConvStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := newCalls()
	b := bus.New()
	machine := status.NewMachine(b)
	tr := &fakeTransport{calls: rec}
	queue := &fakeOutbox{calls: rec}
	st := &fakeConvStore{calls: rec}
	sy := &fakeSyncer{calls: rec}
	c := New("1", b, machine, tr, queue, st, sy, nil)
	return &harness{client: c, bus: b, machine: machine, calls: rec, tr: tr, queue: queue, store: st}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.Start(context.Background()))
	t.Cleanup(h.client.Stop)
	h.calls.wait(t, "transport.Connect")
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.bus.Publish(bus.Event{Kind: bus.KindConnState, Timestamp: time.Now(), Payload: transport.StateChange{
		From: transport.StateConnecting, To: transport.StateConnected, ConnID: "c1",
	}})
	h.calls.wait(t, "syncer.OnConnected")
}

func (h *harness) dropConnection(t *testing.T) {
	t.Helper()
	h.bus.Publish(bus.Event{Kind: bus.KindConnState, Timestamp: time.Now(), Payload: transport.StateChange{
		From: transport.StateConnected, To: transport.StateBackoff, Attempt: 1,
	}})
	h.calls.wait(t, "syncer.OnDisconnected")
}

func waitStatus(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status = %s, want %s", m.Current(), want)
}

func TestStartTransitionsAndConnects(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	assert.Equal(t, status.Connecting, h.machine.Current())
}

func TestConnectionSequenceRegisterReplaySync(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.connect(t)

	got := h.calls.snapshot()
	idx := func(name string) int {
		for i, n := range got {
			if n == name {
				return i
			}
		}
		return -1
	}
	require.GreaterOrEqual(t, idx("transport.Send"), 0, "register frame must be sent")
	assert.Less(t, idx("transport.Send"), idx("queue.OnConnected"), "register precedes replay")
	assert.Less(t, idx("queue.OnConnected"), idx("syncer.OnConnected"), "replay precedes sync arming")

	// The register frame announces the local user.
	h.tr.mu.Lock()
	frame := h.tr.frames[0]
	h.tr.mu.Unlock()
	f, err := wire.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, wire.EventRegister, f.Event)
	var reg wire.Register
	require.NoError(t, json.Unmarshal(f.Data, &reg))
	assert.Equal(t, "1", reg.UserID)

	waitStatus(t, h.machine, status.Syncing)

	h.bus.Publish(bus.Event{Kind: bus.KindSyncCompleted, Timestamp: time.Now(), Payload: nil})
	waitStatus(t, h.machine, status.Ready)
}

func TestSendMessageRecordsPendingBeforeEnqueue(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	seq, err := h.client.SendMessage("42", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	h.store.mu.Lock()
	assert.Equal(t, []int64{1}, h.store.pending)
	h.store.mu.Unlock()

	pending := h.client.PendingSends()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].AwaitsAck)
	assert.Equal(t, wire.EventSendPrivateMessage, pending[0].Event)

	_, err = h.client.SendMessage("", "x")
	assert.Error(t, err)
	_, err = h.client.SendMessage("42", "")
	assert.Error(t, err)
}

func TestMarkReadLocalThenQueued(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.client.MarkRead("42"))

	h.store.mu.Lock()
	assert.Equal(t, []string{"42"}, h.store.read)
	h.store.mu.Unlock()

	pending := h.client.PendingSends()
	require.Len(t, pending, 1)
	assert.False(t, pending[0].AwaitsAck, "read receipt is fire-on-send")
	assert.Equal(t, wire.EventMarkAsRead, pending[0].Event)
}

func TestConnectionLossMovesToReconnecting(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.connect(t)
	waitStatus(t, h.machine, status.Syncing)

	h.dropConnection(t)
	waitStatus(t, h.machine, status.Reconnecting)

	// Reconnect runs the full sequence again.
	h.connect(t)
	waitStatus(t, h.machine, status.Syncing)
}

func TestExhaustionMovesToOfflineAndConnectRecovers(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.bus.Publish(bus.Event{Kind: bus.KindConnExhausted, Timestamp: time.Now(), Payload: transport.ErrRetriesExhausted})
	waitStatus(t, h.machine, status.Offline)

	// Sending while offline still queues.
	_, err := h.client.SendMessage("42", "queued while offline")
	require.NoError(t, err)
	assert.Len(t, h.client.PendingSends(), 1)

	require.NoError(t, h.client.Connect())
	assert.Equal(t, status.Connecting, h.machine.Current())
}

func TestCancelSend(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	seq, err := h.client.SendMessage("42", "never mind")
	require.NoError(t, err)
	assert.True(t, h.client.CancelSend(seq))
	assert.False(t, h.client.CancelSend(seq))
	assert.Empty(t, h.client.PendingSends())
}
