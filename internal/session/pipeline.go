package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/chesslink/client-go/internal/board"
	"github.com/chesslink/client-go/internal/obslog"
	"github.com/chesslink/client-go/internal/transport"
	"github.com/chesslink/client-go/pkg/gamedto"
)

// Pipeline keeps the local board mirror, the visible move history, and the
// remote session in agreement. Local moves are applied optimistically
// before the transport round trip; a failed send restores the pre-move
// snapshot exactly. The mirror is owned exclusively by the pipeline.
type Pipeline struct {
	mu sync.Mutex

	caller     transport.Caller
	sessionID  string
	localColor gamedto.Color

	mirror  *board.Mirror
	history []gamedto.MoveRecord
	pending *pendingMove
	outcome board.Outcome

	ready bool
}

// NewPipeline binds a pipeline to a session. mirror and history come from
// session creation or resync; ready reports whether both participants are
// connected and is updated by the lifecycle as the session doc changes.
func NewPipeline(caller transport.Caller, sessionID string, localColor gamedto.Color, mirror *board.Mirror, history []gamedto.MoveRecord) *Pipeline {
	if mirror == nil {
		mirror = board.New()
	}
	return &Pipeline{
		caller:     caller,
		sessionID:  sessionID,
		localColor: localColor,
		mirror:     mirror,
		history:    history,
		outcome:    mirror.Outcome(),
	}
}

// SetReady is called by the lifecycle when participant connectivity
// changes.
func (p *Pipeline) SetReady(ready bool) {
	p.mu.Lock()
	p.ready = ready
	p.mu.Unlock()
}

// Snapshot returns a copy of the visible state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	hist := make([]gamedto.MoveRecord, len(p.history))
	copy(hist, p.history)
	return Snapshot{
		FEN:     p.mirror.FEN(),
		Turn:    p.mirror.Turn(),
		History: hist,
		Outcome: p.outcome,
	}
}

// Outcome returns the current terminal classification.
func (p *Pipeline) Outcome() board.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

// AttemptMove validates, optimistically applies, and submits a local move.
// Precondition failures (no session, not the local turn, opponent missing,
// ended session) and illegal moves return an error with no state change and
// no network call. A legal move is visible in the snapshot before the
// transport call is issued; if the send fails, the board, history, and turn
// are restored to the pre-move snapshot and the error wraps ErrSendFailed.
func (p *Pipeline) AttemptMove(ctx context.Context, from, to string) (board.Outcome, error) {
	p.mu.Lock()
	if p.sessionID == "" {
		p.mu.Unlock()
		return board.Outcome{}, ErrNoSession
	}
	if p.outcome.Terminal() {
		p.mu.Unlock()
		return p.outcome, ErrSessionEnded
	}
	if !p.ready {
		p.mu.Unlock()
		return board.Outcome{}, ErrOpponentMissing
	}
	if p.mirror.Turn() != p.localColor {
		p.mu.Unlock()
		return board.Outcome{}, ErrNotYourTurn
	}

	prevFEN := p.mirror.FEN()
	rec, err := p.mirror.TryMove(from, to)
	if err != nil {
		p.mu.Unlock()
		return board.Outcome{}, err
	}
	rec.Seq = len(p.history)
	p.history = append(p.history, rec)
	p.outcome = p.mirror.Outcome()
	p.pending = &pendingMove{rec: rec, prevFEN: prevFEN}
	outcome := p.outcome

	sub := gamedto.MoveSubmission{
		SessionID: p.sessionID,
		Move:      rec,
		PrevFEN:   prevFEN,
		FEN:       p.mirror.FEN(),
		Turn:      p.mirror.Turn(),
		History:   encodeHistory(p.history),
	}
	p.mu.Unlock()

	if _, err := p.caller.Call(ctx, transport.OpMove, sub); err != nil {
		p.rollback(rec.Seq)
		obslog.L().Warn("move_send_failed",
			zap.String("session_id", sub.SessionID),
			zap.Int("seq", rec.Seq),
			zap.Error(err),
		)
		return board.Outcome{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()

	obslog.L().Info("move_committed",
		zap.String("session_id", sub.SessionID),
		zap.Int("seq", rec.Seq),
		zap.String("san", rec.SAN),
	)
	return outcome, nil
}

// rollback restores the pre-move snapshot for the pending move stamped with
// seq. Truncating at seq drops exactly the failed half-move: the whole pair
// when it opened one, only the second half when it completed one. Repeated
// failed attempts from the same position roll back to the same state.
func (p *Pipeline) rollback(seq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil || p.pending.rec.Seq != seq {
		return
	}
	reverted, err := board.FromFEN(p.pending.prevFEN)
	if err != nil {
		// The snapshot came from the mirror itself, so this cannot
		// happen with a healthy engine; fall back to a full replay.
		reverted, _, err = board.Replay(encodeHistory(p.history[:seq]), "")
		if err != nil {
			obslog.L().Error("rollback_replay_failed", zap.Int("seq", seq), zap.Error(err))
			return
		}
	}
	p.mirror = reverted
	p.history = p.history[:seq]
	p.outcome = p.mirror.Outcome()
	p.pending = nil
}

// ApplyRemote runs an inbound opponent move through the same acceptance
// logic as local moves and acknowledges the verdict back to the transport.
// A move that fails sequence or legality checks is acknowledged as not
// made; it never tears down the session.
func (p *Pipeline) ApplyRemote(ctx context.Context, rec gamedto.MoveRecord) (board.Outcome, error) {
	p.mu.Lock()
	if p.sessionID == "" {
		p.mu.Unlock()
		return board.Outcome{}, ErrNoSession
	}
	if rec.Seq != len(p.history) {
		p.mu.Unlock()
		p.sendVerdict(ctx, rec.Seq, false, "out of sequence")
		return board.Outcome{}, fmt.Errorf("%w: got %d, want %d", ErrOutOfSequence, rec.Seq, len(p.history))
	}
	applied, err := p.mirror.Apply(rec)
	if err != nil {
		p.mu.Unlock()
		p.sendVerdict(ctx, rec.Seq, false, "illegal move")
		return board.Outcome{}, err
	}
	p.history = append(p.history, applied)
	p.outcome = p.mirror.Outcome()
	outcome := p.outcome
	p.mu.Unlock()

	p.sendVerdict(ctx, rec.Seq, true, "")
	obslog.L().Info("remote_move_applied",
		zap.String("session_id", p.sessionID),
		zap.Int("seq", rec.Seq),
		zap.String("san", applied.SAN),
	)
	return outcome, nil
}

func (p *Pipeline) sendVerdict(ctx context.Context, seq int, made bool, reason string) {
	verdict := gamedto.MoveVerdict{SessionID: p.sessionID, Seq: seq, Made: made, Reason: reason}
	if _, err := p.caller.Call(ctx, transport.OpMoveVerdict, verdict); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		obslog.L().Warn("move_verdict_send_failed", zap.Int("seq", seq), zap.Error(err))
	}
}

// Truncate drops history back to length n and rebuilds the mirror, used by
// the bot undo path. The persisted session the server returned after the
// undo remains authoritative; ErrDesync surfaces if it disagrees.
func (p *Pipeline) Truncate(n int, wantFEN string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 || n > len(p.history) {
		return ErrOutOfSequence
	}
	mirror, records, err := board.Replay(encodeHistory(p.history[:n]), wantFEN)
	if err != nil {
		return err
	}
	p.mirror = mirror
	p.history = records
	p.outcome = mirror.Outcome()
	p.pending = nil
	return nil
}

// EncodedHistory serializes the visible history the way session documents
// store it.
func (p *Pipeline) EncodedHistory() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return encodeHistory(p.history)
}

func encodeHistory(records []gamedto.MoveRecord) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		entry, err := rec.Encode()
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out
}
