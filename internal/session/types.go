// Package session holds the client-side game state machine: the optimistic
// move pipeline, the room lifecycle, and reconnection/resync. The persisted
// session document stays authoritative throughout; everything here exists
// to keep the local mirror converged with it.
package session

import (
	"errors"

	"github.com/chesslink/client-go/internal/board"
	"github.com/chesslink/client-go/pkg/gamedto"
)

// Phase is the lifecycle state of the local session.
type Phase string

const (
	PhaseNone          Phase = "none"
	PhasePendingInvite Phase = "pending-invite"
	PhaseActive        Phase = "active"
	PhaseCompleted     Phase = "completed"
	PhaseForfeited     Phase = "forfeited"
	PhaseExited        Phase = "exited"
)

var (
	// ErrNoSession means no session is bound; attempts are silent no-ops
	// at the UI layer.
	ErrNoSession = errors.New("no active session")
	// ErrNotYourTurn gates moves to the local color's turn.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrOpponentMissing gates moves until both participants connect.
	ErrOpponentMissing = errors.New("both participants must be connected")
	// ErrSessionEnded rejects moves after a terminal outcome.
	ErrSessionEnded = errors.New("session already ended")
	// ErrOutOfSequence rejects a remote move whose sequence number does
	// not extend the current history.
	ErrOutOfSequence = errors.New("move out of sequence")
	// ErrSendFailed wraps a transport failure after rollback completed.
	ErrSendFailed = errors.New("move send failed")
	// ErrNoWinner rejects a normal close without a terminal outcome.
	ErrNoWinner = errors.New("session has no determined winner")
	// ErrInviteOutstanding rejects exit paths in the wrong phase.
	ErrInviteOutstanding = errors.New("operation not valid in current phase")
)

// pendingMove holds the single in-flight optimistic move: the record just
// applied plus the pre-move position needed to roll it back.
type pendingMove struct {
	rec     gamedto.MoveRecord
	prevFEN string
}

// Snapshot is a copy of the pipeline's visible state.
type Snapshot struct {
	FEN     string
	Turn    gamedto.Color
	History []gamedto.MoveRecord
	Outcome board.Outcome
}
