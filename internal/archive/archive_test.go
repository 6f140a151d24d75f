package archive

import (
	"strings"
	"testing"

	"github.com/chesslink/client-go/pkg/gamedto"
)

func TestEloDelta(t *testing.T) {
	// Equal ratings: a win moves exactly half the K factor.
	if got := eloDelta(1200, 1200, 1); got != 12 {
		t.Fatalf("equal win: got %d, want 12", got)
	}
	if got := eloDelta(1200, 1200, 0); got != -12 {
		t.Fatalf("equal loss: got %d, want -12", got)
	}
	if got := eloDelta(1200, 1200, 0.5); got != 0 {
		t.Fatalf("equal draw: got %d, want 0", got)
	}

	// Beating a much stronger opponent pays more than beating a weaker one.
	upset := eloDelta(1200, 1600, 1)
	expected := eloDelta(1600, 1200, 1)
	if upset <= expected {
		t.Fatalf("upset win %d should exceed expected win %d", upset, expected)
	}

	// Zero ratings fall back to the default and behave like equals.
	if got := eloDelta(0, 0, 1); got != 12 {
		t.Fatalf("default ratings: got %d, want 12", got)
	}
}

func testArchiveSession(t *testing.T) *gamedto.Session {
	t.Helper()
	recs := []gamedto.MoveRecord{
		{Seq: 0, From: "e2", To: "e4", Color: gamedto.White, SAN: "e4"},
		{Seq: 1, From: "e7", To: "e5", Color: gamedto.Black, SAN: "e5"},
		{Seq: 2, From: "g1", To: "f3", Color: gamedto.White, SAN: "Nf3"},
	}
	history := make([]string, 0, len(recs))
	for _, rec := range recs {
		entry, err := rec.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		history = append(history, entry)
	}
	return &gamedto.Session{
		ID:      "g1",
		PlayerA: gamedto.Participant{UserID: "u1", Username: "alice", Color: gamedto.White},
		PlayerB: gamedto.Participant{UserID: "u2", Username: "bob", Color: gamedto.Black},
		History: history,
		Status:  gamedto.StatusCompleted,
	}
}

func TestMapWinnerToPGN(t *testing.T) {
	g := testArchiveSession(t)

	g.Winner = gamedto.WinnerPlayerA
	if got := mapWinnerToPGN(g); got != "1-0" {
		t.Fatalf("white win: got %q", got)
	}
	g.Winner = gamedto.WinnerPlayerB
	if got := mapWinnerToPGN(g); got != "0-1" {
		t.Fatalf("black win: got %q", got)
	}
	g.Winner = gamedto.WinnerDraw
	if got := mapWinnerToPGN(g); got != "1/2-1/2" {
		t.Fatalf("draw: got %q", got)
	}
	g.Winner = gamedto.WinnerNone
	if got := mapWinnerToPGN(g); got != "*" {
		t.Fatalf("unfinished: got %q", got)
	}
}

func TestBuildPGN(t *testing.T) {
	g := testArchiveSession(t)
	g.Winner = gamedto.WinnerPlayerA

	pgn, err := buildPGN(g, "1-0", "checkmate")
	if err != nil {
		t.Fatalf("buildPGN: %v", err)
	}
	for _, want := range []string{
		`[White "alice"]`,
		`[Black "bob"]`,
		`[Termination "checkmate"]`,
		`[Result "1-0"]`,
		"1. e4 e5 2. Nf3",
	} {
		if !strings.Contains(pgn, want) {
			t.Fatalf("pgn missing %q:\n%s", want, pgn)
		}
	}
	if !strings.HasSuffix(pgn, "1-0") {
		t.Fatalf("pgn must end with the result:\n%s", pgn)
	}
}

func TestBuildPGNRejectsCorruptHistory(t *testing.T) {
	g := testArchiveSession(t)
	g.History[1] = "{broken"

	if _, err := buildPGN(g, "*", ""); err == nil {
		t.Fatalf("expected error for corrupt history entry")
	}
}

func TestSanitizePGN(t *testing.T) {
	if got := sanitizePGN(`al"ice\`); got != "al'ice" {
		t.Fatalf("sanitize: got %q", got)
	}
}
