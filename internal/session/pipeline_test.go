package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/chesslink/client-go/internal/board"
	"github.com/chesslink/client-go/internal/transport"
	"github.com/chesslink/client-go/pkg/gamedto"
)

// fakeCaller records calls and their payloads and fails or answers per op.
type fakeCaller struct {
	mu       sync.Mutex
	calls    []string
	payloads map[string]json.RawMessage
	fail     map[string]error
	respond  map[string]any
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		payloads: map[string]json.RawMessage{},
		fail:     map[string]error{},
		respond:  map[string]any{},
	}
}

func (f *fakeCaller) Call(_ context.Context, op string, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			f.payloads[op] = raw
		}
	}
	err := f.fail[op]
	resp := f.respond[op]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	raw, merr := json.Marshal(resp)
	if merr != nil {
		return nil, merr
	}
	return raw, nil
}

func (f *fakeCaller) lastPayload(op string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[op]
}

func (f *fakeCaller) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func newReadyPipeline(caller transport.Caller, color gamedto.Color) *Pipeline {
	p := NewPipeline(caller, "game-1", color, board.New(), nil)
	p.SetReady(true)
	return p
}

func checkParity(t *testing.T, snap Snapshot) {
	t.Helper()
	want := gamedto.White
	if len(snap.History)%2 == 1 {
		want = gamedto.Black
	}
	if snap.Turn != want {
		t.Fatalf("parity violated: %d moves but turn=%s", len(snap.History), snap.Turn)
	}
}

func TestAttemptMoveTurnGate(t *testing.T) {
	caller := newFakeCaller()
	p := newReadyPipeline(caller, gamedto.Black)

	if _, err := p.AttemptMove(context.Background(), "e2", "e4"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	if caller.callCount(transport.OpMove) != 0 {
		t.Fatalf("turn-gated move must not reach the transport")
	}
}

func TestAttemptMoveRequiresBothConnected(t *testing.T) {
	caller := newFakeCaller()
	p := NewPipeline(caller, "game-1", gamedto.White, board.New(), nil)

	if _, err := p.AttemptMove(context.Background(), "e2", "e4"); !errors.Is(err, ErrOpponentMissing) {
		t.Fatalf("expected ErrOpponentMissing, got %v", err)
	}
	if caller.callCount(transport.OpMove) != 0 {
		t.Fatalf("gated move must not reach the transport")
	}
}

func TestAttemptMoveIllegalIsNoop(t *testing.T) {
	caller := newFakeCaller()
	p := newReadyPipeline(caller, gamedto.White)
	before := p.Snapshot()

	if _, err := p.AttemptMove(context.Background(), "e2", "e5"); !errors.Is(err, board.ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	after := p.Snapshot()
	if after.FEN != before.FEN || len(after.History) != 0 || after.Turn != gamedto.White {
		t.Fatalf("illegal move changed state: %+v", after)
	}
	if caller.callCount(transport.OpMove) != 0 {
		t.Fatalf("illegal move must not reach the transport")
	}
}

func TestAttemptMoveOptimisticCommit(t *testing.T) {
	caller := newFakeCaller()
	p := newReadyPipeline(caller, gamedto.White)

	outcome, err := p.AttemptMove(context.Background(), "e2", "e4")
	if err != nil {
		t.Fatalf("AttemptMove: %v", err)
	}
	if outcome.Terminal() {
		t.Fatalf("e4 is not terminal")
	}
	snap := p.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Seq != 0 || snap.Turn != gamedto.Black {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	checkParity(t, snap)
	if caller.callCount(transport.OpMove) != 1 {
		t.Fatalf("expected exactly one move submission")
	}
}

func TestMoveSubmissionCarriesHistory(t *testing.T) {
	caller := newFakeCaller()
	p := newReadyPipeline(caller, gamedto.White)

	if _, err := p.AttemptMove(context.Background(), "e2", "e4"); err != nil {
		t.Fatalf("AttemptMove: %v", err)
	}
	var sub gamedto.MoveSubmission
	if err := json.Unmarshal(caller.lastPayload(transport.OpMove), &sub); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	if len(sub.History) != 1 {
		t.Fatalf("submission history must include the submitted move, got %d entries", len(sub.History))
	}
	rec, err := gamedto.DecodeMoveRecord(sub.History[0])
	if err != nil {
		t.Fatalf("decode history entry: %v", err)
	}
	if rec.Seq != 0 || rec.From != "e2" || rec.To != "e4" || rec.Color != gamedto.White {
		t.Fatalf("unexpected history entry: %+v", rec)
	}
	if sub.FEN != p.Snapshot().FEN || sub.Turn != gamedto.Black {
		t.Fatalf("submission position out of step: fen=%s turn=%s", sub.FEN, sub.Turn)
	}

	// The full history rides along on every submission, not just the first.
	if _, err := p.ApplyRemote(context.Background(), gamedto.MoveRecord{Seq: 1, From: "e7", To: "e5", Color: gamedto.Black}); err != nil {
		t.Fatalf("remote reply: %v", err)
	}
	if _, err := p.AttemptMove(context.Background(), "g1", "f3"); err != nil {
		t.Fatalf("second move: %v", err)
	}
	if err := json.Unmarshal(caller.lastPayload(transport.OpMove), &sub); err != nil {
		t.Fatalf("decode second submission: %v", err)
	}
	if len(sub.History) != 3 {
		t.Fatalf("expected full 3-entry history, got %d", len(sub.History))
	}
}

func TestAttemptMoveRollbackOnSendFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.fail[transport.OpMove] = fmt.Errorf("network down")
	p := newReadyPipeline(caller, gamedto.White)
	before := p.Snapshot()

	for attempt := 0; attempt < 3; attempt++ {
		_, err := p.AttemptMove(context.Background(), "e2", "e4")
		if !errors.Is(err, ErrSendFailed) {
			t.Fatalf("attempt %d: expected ErrSendFailed, got %v", attempt, err)
		}
		after := p.Snapshot()
		if after.FEN != before.FEN {
			t.Fatalf("attempt %d: board not restored: %s", attempt, after.FEN)
		}
		if len(after.History) != 0 {
			t.Fatalf("attempt %d: history not restored: %d entries", attempt, len(after.History))
		}
		if after.Turn != gamedto.White {
			t.Fatalf("attempt %d: turn not restored: %s", attempt, after.Turn)
		}
		checkParity(t, after)
	}
}

func TestRollbackClearsSecondHalfOfPairOnly(t *testing.T) {
	caller := newFakeCaller()
	white := newReadyPipeline(caller, gamedto.White)

	if _, err := white.AttemptMove(context.Background(), "e2", "e4"); err != nil {
		t.Fatalf("white move: %v", err)
	}
	reply := gamedto.MoveRecord{Seq: 1, From: "e7", To: "e5", Color: gamedto.Black}
	if _, err := white.ApplyRemote(context.Background(), reply); err != nil {
		t.Fatalf("remote reply: %v", err)
	}

	caller.fail[transport.OpMove] = fmt.Errorf("network down")
	if _, err := white.AttemptMove(context.Background(), "g1", "f3"); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	snap := white.Snapshot()
	if len(snap.History) != 2 {
		t.Fatalf("rollback should keep the completed pair, got %d entries", len(snap.History))
	}
	if snap.Turn != gamedto.White {
		t.Fatalf("turn not recomputed after rollback: %s", snap.Turn)
	}
	checkParity(t, snap)
}

func TestApplyRemoteValidatesAndAcks(t *testing.T) {
	caller := newFakeCaller()
	p := newReadyPipeline(caller, gamedto.White)
	if _, err := p.AttemptMove(context.Background(), "e2", "e4"); err != nil {
		t.Fatalf("local move: %v", err)
	}

	if _, err := p.ApplyRemote(context.Background(), gamedto.MoveRecord{Seq: 1, From: "e7", To: "e5", Color: gamedto.Black}); err != nil {
		t.Fatalf("legal remote move: %v", err)
	}
	if caller.callCount(transport.OpMoveVerdict) != 1 {
		t.Fatalf("legal remote move must be acknowledged")
	}

	// An illegal remote move is acknowledged as not made, never fatal.
	before := p.Snapshot()
	if _, err := p.ApplyRemote(context.Background(), gamedto.MoveRecord{Seq: 2, From: "a1", To: "h8", Color: gamedto.White}); err == nil {
		t.Fatalf("expected rejection of illegal remote move")
	}
	if caller.callCount(transport.OpMoveVerdict) != 2 {
		t.Fatalf("illegal remote move must still be acknowledged")
	}
	after := p.Snapshot()
	if after.FEN != before.FEN || len(after.History) != len(before.History) {
		t.Fatalf("rejected remote move changed state")
	}
}

func TestApplyRemoteOutOfSequence(t *testing.T) {
	caller := newFakeCaller()
	p := newReadyPipeline(caller, gamedto.White)

	_, err := p.ApplyRemote(context.Background(), gamedto.MoveRecord{Seq: 5, From: "e7", To: "e5", Color: gamedto.Black})
	if !errors.Is(err, ErrOutOfSequence) {
		t.Fatalf("expected ErrOutOfSequence, got %v", err)
	}
	if caller.callCount(transport.OpMoveVerdict) != 1 {
		t.Fatalf("out-of-sequence move must be acknowledged as not made")
	}
}

func TestCheckmateClassification(t *testing.T) {
	caller := newFakeCaller()
	p := newReadyPipeline(caller, gamedto.Black)

	moves := []gamedto.MoveRecord{
		{Seq: 0, From: "f2", To: "f3", Color: gamedto.White},
		{Seq: 2, From: "g2", To: "g4", Color: gamedto.White},
	}
	if _, err := p.ApplyRemote(context.Background(), moves[0]); err != nil {
		t.Fatalf("remote f3: %v", err)
	}
	if _, err := p.AttemptMove(context.Background(), "e7", "e5"); err != nil {
		t.Fatalf("local e5: %v", err)
	}
	if _, err := p.ApplyRemote(context.Background(), moves[1]); err != nil {
		t.Fatalf("remote g4: %v", err)
	}
	outcome, err := p.AttemptMove(context.Background(), "d8", "h4")
	if err != nil {
		t.Fatalf("mating move: %v", err)
	}
	if outcome.Kind != board.Checkmate || outcome.Winner != gamedto.Black {
		t.Fatalf("expected black checkmate, got %+v", outcome)
	}

	// A terminal session refuses further moves.
	if _, err := p.AttemptMove(context.Background(), "e5", "e4"); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}
