package gamedto

import "encoding/json"

// Frame is one request sent over the real-time transport. ID correlates the
// eventual Ack; Op selects the server-side operation.
type Frame struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack is the server's callback result for a Frame, or an unsolicited event
// when ID is empty and Op names the event kind.
type Ack struct {
	ID      string          `json:"id,omitempty"`
	Op      string          `json:"op,omitempty"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MoveSubmission is the move op payload. PrevFEN carries the pre-move
// snapshot so the server can audit optimistic submissions; History is the
// full serialized history including the submitted move.
type MoveSubmission struct {
	SessionID string     `json:"session_id"`
	Move      MoveRecord `json:"move"`
	PrevFEN   string     `json:"prev_fen"`
	FEN       string     `json:"fen"`
	Turn      Color      `json:"turn"`
	History   []string   `json:"history,omitempty"`
}

// MoveVerdict acknowledges a relayed opponent move back to the transport.
type MoveVerdict struct {
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Made      bool   `json:"made"`
	Reason    string `json:"reason,omitempty"`
}

// ForfeitNotice is the playerForfeited op payload.
type ForfeitNotice struct {
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
}

// HintSuggestion is the requestHint op response payload.
type HintSuggestion struct {
	From string `json:"from"`
	To   string `json:"to"`
	SAN  string `json:"san,omitempty"`
}
