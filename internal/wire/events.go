package wire

// Outbound event tags.
const (
	EventRegister           = "register"
	EventSendPrivateMessage = "send_private_message"
	EventMarkAsRead         = "mark_as_read"
	EventGetOnlineStatus    = "get_online_status"
	EventAckOfflineMessages = "ack_offline_messages"
)

// Inbound event tags.
const (
	EventReceivePrivateMessage = "receive_private_message"
	EventMessageSent           = "message_sent"
	EventMessageRead           = "message_read"
	EventOnlineStatus          = "online_status"
	EventOfflineMessages       = "offline_messages"
)

// Message kinds carried in messageType.
const (
	KindText  = "text"
	KindOther = "other"
)

// Message is the wire representation of a chat message, used both for
// live delivery and for store-and-forward batches.
type Message struct {
	ID           string `json:"id,omitempty"`
	SenderID     string `json:"senderId"`
	ReceiverID   string `json:"receiverId"`
	Body         string `json:"message"`
	Kind         string `json:"messageType"`
	Read         bool   `json:"read"`
	CreatedAt    int64  `json:"createdAt"`
	SenderName   string `json:"senderName,omitempty"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
}

// Register announces the local user on a fresh connection.
type Register struct {
	UserID string `json:"userId"`
}

// SendPrivateMessage is the outbound send payload.
type SendPrivateMessage struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Body       string `json:"message"`
	Kind       string `json:"messageType"`
	CreatedAt  int64  `json:"createdAt"`
}

// MarkAsRead tells the server the local user has read everything the
// given sender sent them.
type MarkAsRead struct {
	UserID   string `json:"userId"`
	SenderID string `json:"senderId"`
}

// GetOnlineStatus requests presence for a set of users.
type GetOnlineStatus struct {
	UserIDs []string `json:"userIds"`
}

// AckOfflineMessages names a consumed store-and-forward batch.
type AckOfflineMessages struct {
	UserID     string   `json:"userId"`
	BatchID    string   `json:"batchId"`
	MessageIDs []string `json:"messageIds"`
}

// MessageSent acknowledges a send_private_message. The server assigns
// the message id; acknowledgments arrive in send order.
type MessageSent struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

// MessageRead reports that readerId has read the local user's messages.
type MessageRead struct {
	ReaderID string `json:"readerId"`
}

// OnlineStatus maps user ids to presence.
type OnlineStatus map[string]bool

// OfflineMessages is the store-and-forward batch delivered after register.
type OfflineMessages struct {
	Messages []Message `json:"messages"`
}
