package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rafaelmp2/chatlink/internal/bus"
	"go.uber.org/zap"
)

const previewLen = 100

// defaultLoadDepth bounds how much per-conversation history is seeded
// into memory at startup; older messages stay on disk.
const defaultLoadDepth = 500

// ProfileSource resolves display names and avatars for peers the store
// has never seen. Lookups are fire-and-forget; a failed lookup leaves
// the conversation unenriched until the peer is seen again.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (displayName, avatarRef string, err error)
}

// Notifier is invoked whenever an unread, not locally authored message
// is ingested. Calls are fire-and-forget.
type Notifier interface {
	MessageReceived(peerID, senderName, preview string)
}

// Store is the authoritative, peer-indexed view of conversations and
// message history. All mutations serialize on one internal writer lock;
// callers cannot lock the store independently. The in-memory view is
// authoritative for the session; SQLite is written behind on a debounce
// and persistence failures never block foreground operations.
type Store struct {
	localUser string
	db        *DB
	bus       *bus.Bus
	logger    *zap.Logger
	notifier  Notifier
	directory ProfileSource

	mu           sync.Mutex
	convs        map[string]*Conversation
	msgs         map[string][]*Message // per peer, ascending CreatedAt
	byServerID   map[string]*Message
	pendingBySeq map[int64]*Message
	lookups      map[string]bool // peer ids with an in-flight profile lookup

	dirtyConvs map[string]bool
	dirtyMsgs  map[string]*dirtyMessage // msg_key -> row to write
	deadKeys   map[string]bool          // rekeyed pending rows to delete

	loadDepth     int
	flushDebounce time.Duration
	flushRetry    time.Duration
	flushCh       chan struct{}
	cancel        context.CancelFunc
	done          chan struct{}
}

type dirtyMessage struct {
	peerID string
	msg    Message // value copy taken under the lock
}

// Options tunes a Store. Zero values select defaults; Notifier and
// Directory may be nil.
type Options struct {
	Notifier      Notifier
	Directory     ProfileSource
	LoadDepth     int
	FlushDebounce time.Duration
	FlushRetry    time.Duration
}

// New creates a store for the given local user backed by db.
func New(db *DB, localUser string, b *bus.Bus, logger *zap.Logger, opts Options) *Store {
	if opts.LoadDepth <= 0 {
		opts.LoadDepth = defaultLoadDepth
	}
	if opts.FlushDebounce <= 0 {
		opts.FlushDebounce = 500 * time.Millisecond
	}
	if opts.FlushRetry <= 0 {
		opts.FlushRetry = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		localUser:     localUser,
		db:            db,
		bus:           b,
		logger:        logger,
		notifier:      opts.Notifier,
		directory:     opts.Directory,
		convs:         make(map[string]*Conversation),
		msgs:          make(map[string][]*Message),
		byServerID:    make(map[string]*Message),
		pendingBySeq:  make(map[int64]*Message),
		lookups:       make(map[string]bool),
		dirtyConvs:    make(map[string]bool),
		dirtyMsgs:     make(map[string]*dirtyMessage),
		deadKeys:      make(map[string]bool),
		loadDepth:     opts.LoadDepth,
		flushDebounce: opts.FlushDebounce,
		flushRetry:    opts.FlushRetry,
		flushCh:       make(chan struct{}, 1),
	}
}

// Load seeds the in-memory view from the persisted state. Call once
// before Start.
func (s *Store) Load() error {
	convs, err := s.db.ListConversations()
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range convs {
		c := convs[i]
		s.convs[c.PeerID] = &c

		rows, err := s.db.ListMessages(c.PeerID, 0, s.loadDepth)
		if err != nil {
			return fmt.Errorf("load messages for %s: %w", c.PeerID, err)
		}
		// ListMessages returns newest first; memory keeps ascending order.
		list := make([]*Message, 0, len(rows))
		for j := len(rows) - 1; j >= 0; j-- {
			m := rows[j]
			list = append(list, &m)
			if m.ServerID != "" {
				s.byServerID[m.ServerID] = &m
			}
			if m.Pending && m.LocalSeq > 0 {
				s.pendingBySeq[m.LocalSeq] = &m
			}
		}
		s.msgs[c.PeerID] = list
	}

	// Pending sends can sit deeper than the seeded history window when a
	// conversation kept moving while the message waited. They are loaded
	// unconditionally so reconciliation always finds its counterpart.
	pending, err := s.db.ListPendingMessages()
	if err != nil {
		return fmt.Errorf("load pending messages: %w", err)
	}
	for i := range pending {
		m := &pending[i]
		if m.LocalSeq <= 0 {
			continue
		}
		if _, ok := s.pendingBySeq[m.LocalSeq]; ok {
			continue
		}
		peer := s.peerOf(m)
		s.msgs[peer] = insertByCreatedAt(s.msgs[peer], m)
		s.pendingBySeq[m.LocalSeq] = m
	}
	return nil
}

// Start launches the write-behind flusher.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.flushLoop(ctx)
}

// Stop flushes outstanding state and stops the flusher.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Ingest records an inbound or offline message. It is idempotent: a
// message already known (by server id, or by pending identity for the
// local echo of an outbound send) never produces a second row or a
// second unread increment.
func (s *Store) Ingest(m *Message) {
	s.mu.Lock()

	peer := s.peerOf(m)

	if m.ServerID != "" {
		if _, ok := s.byServerID[m.ServerID]; ok {
			s.mu.Unlock()
			return
		}
		if pending := s.matchPending(peer, m); pending != nil {
			s.reconcileLocked(pending, m.ServerID)
			s.mu.Unlock()
			return
		}
	}

	stored := *m
	s.msgs[peer] = insertByCreatedAt(s.msgs[peer], &stored)
	if stored.ServerID != "" {
		s.byServerID[stored.ServerID] = &stored
	}
	s.markMessageDirtyLocked(peer, &stored)

	conv := s.touchConversationLocked(peer, &stored)
	fromPeer := stored.SenderID != s.localUser
	if fromPeer && !stored.Read {
		conv.UnreadCount++
	}
	s.markConvDirtyLocked(peer)
	s.maybeLookupProfileLocked(conv)

	notifier := s.notifier
	name, preview := stored.SenderName, truncate(stored.Body, previewLen)
	s.mu.Unlock()

	s.publish(bus.KindMessageUpsert, map[string]string{"peer_id": peer, "server_id": m.ServerID})
	s.publish(bus.KindConversation, peer)
	if fromPeer && !m.Read && notifier != nil {
		go notifier.MessageReceived(peer, name, preview)
	}
	s.poke()
}

// AddPending records the local echo of an outbound send before the
// frame reaches the transport.
func (s *Store) AddPending(localSeq int64, receiverID, body, kind string, createdAt int64) {
	s.mu.Lock()
	m := &Message{
		SenderID:   s.localUser,
		ReceiverID: receiverID,
		Body:       body,
		Kind:       kind,
		Read:       true,
		CreatedAt:  createdAt,
		LocalSeq:   localSeq,
		Pending:    true,
	}
	s.msgs[receiverID] = insertByCreatedAt(s.msgs[receiverID], m)
	s.pendingBySeq[localSeq] = m
	s.markMessageDirtyLocked(receiverID, m)
	s.touchConversationLocked(receiverID, m)
	s.markConvDirtyLocked(receiverID)
	s.mu.Unlock()

	s.publish(bus.KindMessageUpsert, map[string]string{"peer_id": receiverID})
	s.publish(bus.KindConversation, receiverID)
	s.poke()
}

// ReconcilePending merges a pending send with its server-confirmed
// counterpart, leaving exactly one message record.
func (s *Store) ReconcilePending(localSeq int64, serverID string) {
	s.mu.Lock()
	m, ok := s.pendingBySeq[localSeq]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.reconcileLocked(m, serverID)
	s.mu.Unlock()
}

func (s *Store) reconcileLocked(m *Message, serverID string) {
	oldKey := messageKey(m)
	delete(s.pendingBySeq, m.LocalSeq)
	m.ServerID = serverID
	m.Pending = false
	m.Failed = false
	s.byServerID[serverID] = m

	peer := s.peerOf(m)
	s.deadKeys[oldKey] = true
	delete(s.dirtyMsgs, oldKey)
	s.markMessageDirtyLocked(peer, m)

	// Publish and flush outside the caller's critical section is not
	// possible here; fan-out is non-blocking so this stays cheap.
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpsert,
		Timestamp: time.Now(),
		Payload:   map[string]string{"peer_id": peer, "server_id": serverID},
	})
	s.poke()
}

// MarkSendFailed flags a pending send the server rejected.
func (s *Store) MarkSendFailed(localSeq int64) {
	s.mu.Lock()
	m, ok := s.pendingBySeq[localSeq]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pendingBySeq, localSeq)
	m.Pending = false
	m.Failed = true
	peer := s.peerOf(m)
	s.markMessageDirtyLocked(peer, m)
	s.mu.Unlock()

	s.publish(bus.KindMessageFailed, map[string]any{"peer_id": peer, "local_seq": localSeq})
	s.poke()
}

// MarkPeerMessagesRead marks every known message from the given peer as
// read and resets the conversation's unread count. This is purely a
// local effect; propagating the receipt is the outbound queue's job.
func (s *Store) MarkPeerMessagesRead(peerID string) {
	s.mu.Lock()
	for _, m := range s.msgs[peerID] {
		if m.SenderID == peerID && !m.Read {
			m.Read = true
			s.markMessageDirtyLocked(peerID, m)
		}
	}
	if conv, ok := s.convs[peerID]; ok && conv.UnreadCount != 0 {
		conv.UnreadCount = 0
		s.markConvDirtyLocked(peerID)
	}
	s.mu.Unlock()

	s.publish(bus.KindConversation, peerID)
	s.poke()
}

// SetPeerProfile records directory lookup results for a peer.
func (s *Store) SetPeerProfile(peerID, displayName, avatarRef string) {
	s.mu.Lock()
	conv, ok := s.convs[peerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if displayName != "" {
		conv.PeerName = displayName
	}
	if avatarRef != "" {
		conv.PeerAvatar = avatarRef
	}
	s.markConvDirtyLocked(peerID)
	s.mu.Unlock()

	s.publish(bus.KindConversation, peerID)
	s.poke()
}

// Conversations returns a snapshot ordered by last message timestamp
// descending. The ordering is recomputed on every call.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Messages returns up to limit messages for a peer older than beforeTs
// (0 means newest), ascending by CreatedAt.
func (s *Store) Messages(peerID string, beforeTs int64, limit int) []Message {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.msgs[peerID]
	end := len(list)
	for end > 0 && list[end-1].CreatedAt >= beforeTs {
		end--
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]Message, 0, end-start)
	for _, m := range list[start:end] {
		out = append(out, *m)
	}
	return out
}

func (s *Store) peerOf(m *Message) string {
	if m.SenderID == s.localUser {
		return m.ReceiverID
	}
	return m.SenderID
}

// matchPending applies the pending-identity rule: sender, receiver,
// origin timestamp and body all equal.
func (s *Store) matchPending(peer string, m *Message) *Message {
	for _, p := range s.msgs[peer] {
		if p.Pending &&
			p.SenderID == m.SenderID &&
			p.ReceiverID == m.ReceiverID &&
			p.CreatedAt == m.CreatedAt &&
			p.Body == m.Body {
			return p
		}
	}
	return nil
}

func (s *Store) touchConversationLocked(peer string, m *Message) *Conversation {
	conv, ok := s.convs[peer]
	if !ok {
		conv = &Conversation{PeerID: peer}
		s.convs[peer] = conv
	}
	if m.SenderID == peer {
		if m.SenderName != "" {
			conv.PeerName = m.SenderName
		}
		if m.SenderAvatar != "" {
			conv.PeerAvatar = m.SenderAvatar
		}
	}
	if m.CreatedAt >= conv.LastMessageAt {
		conv.LastMessageAt = m.CreatedAt
		conv.LastMessagePreview = truncate(m.Body, previewLen)
	}
	return conv
}

func (s *Store) maybeLookupProfileLocked(conv *Conversation) {
	if s.directory == nil || conv.PeerName != "" || s.lookups[conv.PeerID] {
		return
	}
	s.lookups[conv.PeerID] = true
	peer := conv.PeerID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		name, avatar, err := s.directory.Profile(ctx, peer)

		s.mu.Lock()
		delete(s.lookups, peer)
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("profile lookup failed", zap.String("peer_id", peer), zap.Error(err))
			return
		}
		s.SetPeerProfile(peer, name, avatar)
	}()
}

func (s *Store) markMessageDirtyLocked(peer string, m *Message) {
	key := messageKey(m)
	s.dirtyMsgs[key] = &dirtyMessage{peerID: peer, msg: *m}
}

func (s *Store) markConvDirtyLocked(peer string) {
	s.dirtyConvs[peer] = true
}

func (s *Store) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// poke schedules a flush without blocking.
func (s *Store) poke() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Store) flushLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			if err := s.flush(); err != nil {
				s.logger.Error("final flush failed", zap.Error(err))
			}
			return
		case <-s.flushCh:
		}

		// Debounce: absorb the burst before writing.
		select {
		case <-ctx.Done():
			if err := s.flush(); err != nil {
				s.logger.Error("final flush failed", zap.Error(err))
			}
			return
		case <-time.After(s.flushDebounce):
		}

		for {
			err := s.flush()
			if err == nil {
				break
			}
			// Non-fatal: memory stays authoritative, retry on a timer.
			s.logger.Warn("store flush failed, will retry", zap.Error(err))
			s.publish(bus.KindStorageError, err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.flushRetry):
			}
		}
	}
}

// flush writes the dirty sets. Snapshots are taken under the writer lock
// but SQLite writes happen outside it; on failure the snapshots are
// merged back so nothing is lost.
func (s *Store) flush() error {
	s.mu.Lock()
	convs := make([]Conversation, 0, len(s.dirtyConvs))
	for peer := range s.dirtyConvs {
		if c, ok := s.convs[peer]; ok {
			convs = append(convs, *c)
		}
	}
	msgs := s.dirtyMsgs
	dead := s.deadKeys
	s.dirtyConvs = make(map[string]bool)
	s.dirtyMsgs = make(map[string]*dirtyMessage)
	s.deadKeys = make(map[string]bool)
	s.mu.Unlock()

	if len(convs) == 0 && len(msgs) == 0 && len(dead) == 0 {
		return nil
	}

	err := s.writeBatch(convs, msgs, dead)
	if err != nil {
		s.mu.Lock()
		for _, c := range convs {
			s.dirtyConvs[c.PeerID] = true
		}
		for k, dm := range msgs {
			if _, exists := s.dirtyMsgs[k]; !exists {
				s.dirtyMsgs[k] = dm
			}
		}
		for k := range dead {
			s.deadKeys[k] = true
		}
		s.mu.Unlock()
	}
	return err
}

func (s *Store) writeBatch(convs []Conversation, msgs map[string]*dirtyMessage, dead map[string]bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key := range dead {
		if _, err := tx.Exec(`DELETE FROM messages WHERE msg_key = ?`, key); err != nil {
			return fmt.Errorf("delete rekeyed message: %w", err)
		}
	}
	for key, dm := range msgs {
		if err := upsertMessage(tx, key, dm.peerID, &dm.msg); err != nil {
			return fmt.Errorf("flush message: %w", err)
		}
	}
	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := tx.Exec(`
			INSERT INTO conversations (peer_id, peer_name, peer_avatar, last_message_at, last_message_preview, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(peer_id) DO UPDATE SET
				peer_name = excluded.peer_name,
				peer_avatar = excluded.peer_avatar,
				last_message_at = excluded.last_message_at,
				last_message_preview = excluded.last_message_preview,
				unread_count = excluded.unread_count,
				updated_at = excluded.updated_at`,
			c.PeerID, c.PeerName, c.PeerAvatar, c.LastMessageAt, c.LastMessagePreview, c.UnreadCount, now); err != nil {
			return fmt.Errorf("flush conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}

func insertByCreatedAt(list []*Message, m *Message) []*Message {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt > m.CreatedAt
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = m
	return list
}

// messageKey derives the stable persistence key: the server id once
// assigned, otherwise a digest of the pending identity quadruple.
func messageKey(m *Message) string {
	if m.ServerID != "" {
		return "s:" + m.ServerID
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s", m.SenderID, m.ReceiverID, m.CreatedAt, m.Body)
	return "p:" + hex.EncodeToString(h.Sum(nil))[:24]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
