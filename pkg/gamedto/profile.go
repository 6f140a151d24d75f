package gamedto

import "time"

// UserDoc is the persisted profile in the users collection.
type UserDoc struct {
	ID               string    `json:"id"`
	PlayerID         string    `json:"player_id"`
	Username         string    `json:"username"`
	Rating           int       `json:"rating"`
	Wins             int       `json:"wins"`
	Losses           int       `json:"losses"`
	Draws            int       `json:"draws"`
	CurrentSessionID string    `json:"current_session_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PlayerDoc is the public directory entry used for opponent discovery.
type PlayerDoc struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
	Online   bool   `json:"online"`
}

// Invite references a pending game invitation inside a user's invites
// sub-collection. SessionID points at the already-created session the
// acceptor joins.
type Invite struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	FromUserID   string    `json:"from_user_id"`
	FromPlayerID string    `json:"from_player_id"`
	FromUsername string    `json:"from_username"`
	FromRating   int       `json:"from_rating"`
	CreatedAt    time.Time `json:"created_at"`
}
