package notify

import (
	"github.com/rafaelmp2/chatlink/internal/store"
	"go.uber.org/zap"
)

// LogNotifier surfaces new-message notifications through the structured
// log. A platform frontend replaces it with a real notification sink.
type LogNotifier struct {
	logger *zap.Logger
}

var _ store.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) MessageReceived(peerID, senderName, preview string) {
	n.logger.Info("new message",
		zap.String("peer_id", peerID),
		zap.String("sender", senderName),
		zap.String("preview", preview))
}
