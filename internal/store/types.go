package store

// Conversation is the peer-indexed view the UI lists. At most one
// conversation exists per peer.
type Conversation struct {
	PeerID             string
	PeerName           string
	PeerAvatar         string
	LastMessageAt      int64
	LastMessagePreview string
	UnreadCount        int
}

// Message is a chat message as known to the store. A message is
// immutable once created except for its read flag and the
// pending→confirmed reconciliation.
type Message struct {
	// ServerID is assigned by the server; empty while the message is
	// locally pending.
	ServerID   string
	SenderID   string
	ReceiverID string
	Body       string
	Kind       string
	Read       bool
	// CreatedAt is the origin timestamp in unix milliseconds,
	// authoritative for ordering.
	CreatedAt    int64
	SenderName   string
	SenderAvatar string
	// LocalSeq correlates a locally originated message with its outbox
	// entry; zero for inbound messages.
	LocalSeq int64
	Pending  bool
	Failed   bool
}

// OutboxEntry is a not-yet-acknowledged outgoing frame.
type OutboxEntry struct {
	LocalSeq   int64
	Event      string
	Payload    []byte
	AwaitsAck  bool
	EnqueuedAt int64
}
