package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (peer_id, peer_name, peer_avatar, last_message_at, last_message_preview, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			peer_name = excluded.peer_name,
			peer_avatar = excluded.peer_avatar,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.PeerID, c.PeerName, c.PeerAvatar, c.LastMessageAt, c.LastMessagePreview, c.UnreadCount, now)
	return err
}

// ListConversations returns conversations sorted by last message timestamp descending.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT peer_id, peer_name, peer_avatar, last_message_at, last_message_preview, unread_count
		FROM conversations
		ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.PeerID, &c.PeerName, &c.PeerAvatar, &c.LastMessageAt, &c.LastMessagePreview, &c.UnreadCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpsertMessage inserts or updates a message row (idempotent on msg_key).
func (db *DB) UpsertMessage(key, peerID string, m *Message) error {
	return upsertMessage(db.DB, key, peerID, m)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(e execer, key, peerID string, m *Message) error {
	now := time.Now().UnixMilli()
	_, err := e.Exec(`
		INSERT INTO messages (msg_key, peer_id, server_id, local_seq, sender_id, receiver_id, body, kind, read_flag, pending, failed, created_at, sender_name, sender_avatar, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_key) DO UPDATE SET
			server_id = excluded.server_id,
			local_seq = excluded.local_seq,
			read_flag = excluded.read_flag,
			pending = excluded.pending,
			failed = excluded.failed,
			sender_name = excluded.sender_name,
			sender_avatar = excluded.sender_avatar,
			updated_at = excluded.updated_at`,
		key, peerID, m.ServerID, m.LocalSeq, m.SenderID, m.ReceiverID, m.Body, m.Kind, m.Read, m.Pending, m.Failed, m.CreatedAt, m.SenderName, m.SenderAvatar, now)
	return err
}

// DeleteMessage removes a message row. Used when a pending row is
// rekeyed to its server identity during reconciliation.
func (db *DB) DeleteMessage(key string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE msg_key = ?`, key)
	return err
}

// ListMessages returns messages for a peer using keyset pagination by timestamp.
func (db *DB) ListMessages(peerID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT server_id, local_seq, sender_id, receiver_id, body, kind, read_flag, pending, failed, created_at, sender_name, sender_avatar
		FROM messages
		WHERE peer_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, peerID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ServerID, &m.LocalSeq, &m.SenderID, &m.ReceiverID, &m.Body, &m.Kind, &m.Read, &m.Pending, &m.Failed, &m.CreatedAt, &m.SenderName, &m.SenderAvatar); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListPendingMessages returns every message still awaiting server
// confirmation, oldest first, across all conversations.
func (db *DB) ListPendingMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT server_id, local_seq, sender_id, receiver_id, body, kind, read_flag, pending, failed, created_at, sender_name, sender_avatar
		FROM messages
		WHERE pending = 1
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ServerID, &m.LocalSeq, &m.SenderID, &m.ReceiverID, &m.Body, &m.Kind, &m.Read, &m.Pending, &m.Failed, &m.CreatedAt, &m.SenderName, &m.SenderAvatar); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// QueueOutbox persists an outbox entry.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	_, err := db.Exec(`
		INSERT INTO outbox (local_seq, event, payload, awaits_ack, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.LocalSeq, e.Event, e.Payload, e.AwaitsAck, e.EnqueuedAt)
	return err
}

// DeleteOutbox removes an outbox entry after acknowledgment or cancellation.
func (db *DB) DeleteOutbox(localSeq int64) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE local_seq = ?`, localSeq)
	return err
}

// PendingOutbox returns all persisted outbox entries in localSeq order.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT local_seq, event, payload, awaits_ack, enqueued_at
		FROM outbox ORDER BY local_seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.LocalSeq, &e.Event, &e.Payload, &e.AwaitsAck, &e.EnqueuedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetSyncState stores a sync checkpoint value.
func (db *DB) SetSyncState(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetSyncState retrieves a sync checkpoint value. Returns "" when the
// key has never been set.
func (db *DB) GetSyncState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// DeleteSyncState removes a sync checkpoint.
func (db *DB) DeleteSyncState(key string) error {
	_, err := db.Exec(`DELETE FROM sync_state WHERE key = ?`, key)
	return err
}
