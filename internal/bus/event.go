package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kind namespaces used across the engine. Subscribers filter by
// prefix, e.g. "conn." receives every connection event.
const (
	KindConnState      = "conn.state"
	KindConnExhausted  = "conn.exhausted"
	KindClientStatus   = "client.status"
	KindMessageUpsert  = "message.upserted"
	KindMessageFailed  = "message.send_failed"
	KindMessageAck     = "message.send_ack"
	KindConversation   = "conversation.updated"
	KindPresenceUpdate = "presence.update"
	KindSyncCompleted  = "sync.completed"
	KindSyncAckRetry   = "sync.ack_retry"
	KindStorageError   = "storage.write_failed"
)
