package gamedto

// MessageStatus tags a chat message's delivery state.
type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageDelivered MessageStatus = "delivered"
	MessageError     MessageStatus = "error"
	MessageReceived  MessageStatus = "received"
)

// ChatMessage is one in-game chat entry.
type ChatMessage struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Sender    string        `json:"sender"`
	Text      string        `json:"text"`
	SentAt    string        `json:"sent_at"`
	Status    MessageStatus `json:"status"`
}
