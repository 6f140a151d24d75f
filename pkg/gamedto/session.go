package gamedto

import "time"

// Color identifies a chess side as stored on the wire.
type Color string

const (
	White Color = "w"
	Black Color = "b"
)

// Other returns the opposing color.
func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

// Connection is a participant slot's transport presence.
type Connection string

const (
	Connected    Connection = "true"
	Disconnected Connection = "false"
	Pending      Connection = "pending"
)

// Status represents a session lifecycle state.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// Winner identifies the terminal result slot of a session.
type Winner string

const (
	WinnerPlayerA Winner = "playerA"
	WinnerPlayerB Winner = "playerB"
	WinnerDraw    Winner = "draw"
	WinnerNone    Winner = ""
)

// Participant is one of the two player slots of a session.
type Participant struct {
	UserID     string     `json:"user_id"`
	PlayerID   string     `json:"player_id"`
	Username   string     `json:"username"`
	Rating     int        `json:"rating"`
	Connection Connection `json:"connection"`
	Color      Color      `json:"color"`
}

// Session is the authoritative record of one game. History holds one
// independently JSON-encoded MoveRecord per entry; FEN and History together
// are the source of truth the local board mirror is rebuilt from.
type Session struct {
	ID        string      `json:"id"`
	PlayerA   Participant `json:"player_a"`
	PlayerB   Participant `json:"player_b"`
	FEN       string      `json:"fen"`
	History   []string    `json:"history"`
	Turn      Color       `json:"turn"`
	Status    Status      `json:"status"`
	Winner    Winner      `json:"winner,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// BotSession extends Session with the bot-opponent extras.
type BotSession struct {
	Session

	Difficulty string `json:"difficulty"`
	HelpTier   string `json:"help_tier"`
	UndosLeft  int    `json:"undos_left"`
	HintsLeft  int    `json:"hints_left"`
}
