package board

import (
	"errors"
	"testing"

	"github.com/chesslink/client-go/pkg/gamedto"
)

func TestTryMoveLegalAndIllegal(t *testing.T) {
	m := New()

	rec, err := m.TryMove("e2", "e4")
	if err != nil {
		t.Fatalf("TryMove e2e4: %v", err)
	}
	if rec.Color != gamedto.White || rec.SAN != "e4" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if m.Turn() != gamedto.Black {
		t.Fatalf("turn should pass to black, got %s", m.Turn())
	}

	fenBefore := m.FEN()
	if _, err := m.TryMove("e7", "e4"); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	if m.FEN() != fenBefore {
		t.Fatalf("illegal move mutated the mirror")
	}
	if m.Turn() != gamedto.Black {
		t.Fatalf("illegal move changed the turn")
	}
}

func TestTryMoveQueenPromotion(t *testing.T) {
	m, err := FromFEN("8/P6k/8/8/8/8/8/K7 w - - 0 1")
	if err != nil {
		t.Fatalf("FromFEN: %v", err)
	}
	rec, err := m.TryMove("a7", "a8")
	if err != nil {
		t.Fatalf("promotion move: %v", err)
	}
	if rec.Promotion != "q" {
		t.Fatalf("expected implicit queen promotion, got %q", rec.Promotion)
	}
}

func TestOutcomeCheckmate(t *testing.T) {
	m := New()
	for _, mv := range [][2]string{{"f2", "f3"}, {"e7", "e5"}, {"g2", "g4"}, {"d8", "h4"}} {
		if _, err := m.TryMove(mv[0], mv[1]); err != nil {
			t.Fatalf("TryMove %v: %v", mv, err)
		}
	}
	out := m.Outcome()
	if out.Kind != Checkmate {
		t.Fatalf("expected checkmate, got %+v", out)
	}
	if out.Winner != gamedto.Black {
		t.Fatalf("black delivered mate, winner=%s", out.Winner)
	}
}

func TestOutcomeStalemateIsDrawNeverCheckmate(t *testing.T) {
	m, err := FromFEN("7k/8/6Q1/8/8/8/8/K7 b - - 0 1")
	if err != nil {
		t.Fatalf("FromFEN: %v", err)
	}
	out := m.Outcome()
	if out.Kind != Draw {
		t.Fatalf("expected draw, got %+v", out)
	}
	if out.Reason != "stalemate" {
		t.Fatalf("expected stalemate reason, got %q", out.Reason)
	}
}

func TestReplayConverges(t *testing.T) {
	src := New()
	var history []string
	for _, mv := range [][2]string{{"e2", "e4"}, {"e7", "e5"}, {"g1", "f3"}} {
		rec, err := src.TryMove(mv[0], mv[1])
		if err != nil {
			t.Fatalf("TryMove %v: %v", mv, err)
		}
		rec.Seq = len(history)
		entry, err := rec.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		history = append(history, entry)
	}

	m, records, err := Replay(history, src.FEN())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if m.FEN() != src.FEN() {
		t.Fatalf("replay diverged: %s vs %s", m.FEN(), src.FEN())
	}
}

func TestReplayBadEntryAborts(t *testing.T) {
	rec := gamedto.MoveRecord{From: "e2", To: "e4", Color: gamedto.White}
	entry, _ := rec.Encode()
	history := []string{entry, "{not json"}

	if _, _, err := Replay(history, ""); !errors.Is(err, ErrBadEntry) {
		t.Fatalf("expected ErrBadEntry, got %v", err)
	}
}

func TestReplayDesyncIsHardError(t *testing.T) {
	rec := gamedto.MoveRecord{From: "e2", To: "e4", Color: gamedto.White}
	entry, _ := rec.Encode()

	if _, _, err := Replay([]string{entry}, StartFEN); !errors.Is(err, ErrDesync) {
		t.Fatalf("expected ErrDesync on position mismatch, got %v", err)
	}

	illegal := gamedto.MoveRecord{From: "e2", To: "e5", Color: gamedto.White}
	badEntry, _ := illegal.Encode()
	if _, _, err := Replay([]string{badEntry}, ""); !errors.Is(err, ErrDesync) {
		t.Fatalf("expected ErrDesync on rejected replay move, got %v", err)
	}
}
