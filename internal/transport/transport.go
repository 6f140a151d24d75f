// Package transport implements the client side of the real-time game
// channel: request/ack calls plus unsolicited server events (opponent
// moves, chat, forfeits). The socket server itself lives elsewhere.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/chesslink/client-go/pkg/gamedto"
)

// Operation names understood by the socket server.
const (
	OpCreateRoom      = "createRoom"
	OpJoinRoom        = "joinRoom"
	OpMove            = "move"
	OpMoveVerdict     = "moveVerdict"
	OpCloseRoom       = "closeRoom"
	OpPlayerForfeited = "playerForfeited"
	OpReconnectRoom   = "reconnectRoom"
	OpInGameMessage   = "inGameMessage"

	OpCreateBotGame    = "createBotGame"
	OpCloseBotGame     = "closeBotGame"
	OpReconnectBotGame = "reconnectBotGame"
	OpRequestHint      = "requestHint"
	OpUndoMove         = "undoMove"
)

var (
	// ErrNotConnected is returned without attempting the call when the
	// channel is down; callers surface it immediately.
	ErrNotConnected = errors.New("transport not connected")
	// ErrRejected wraps a server ack with ok=false.
	ErrRejected = errors.New("transport rejected request")
	// ErrAckTimeout means no ack arrived before the call deadline.
	ErrAckTimeout = errors.New("transport ack timeout")
)

// State describes the connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Caller issues one request and waits for its ack. The returned payload is
// the ack's body; an ok=false ack yields an error wrapping ErrRejected.
type Caller interface {
	Call(ctx context.Context, op string, payload any) (json.RawMessage, error)
}

// EventCallback receives unsolicited server events (acks with no request
// id), e.g. the opponent's moves and chat messages.
type EventCallback func(ev gamedto.Ack)

// StateCallback observes connection state transitions.
type StateCallback func(state State)
