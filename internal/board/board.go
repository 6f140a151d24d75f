// Package board wraps the chess rules engine behind the small surface the
// session pipeline needs: legality checks, move application, outcome
// detection, and history replay. The mirror is never authoritative; the
// persisted session FEN/history is.
package board

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/chesslink/client-go/pkg/gamedto"
)

// StartFEN is the initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	ErrIllegalMove = errors.New("illegal move")
	ErrBadEntry    = errors.New("malformed history entry")
	// ErrDesync means replayed history does not converge to the persisted
	// position. Always a hard error; callers must not adopt the mirror.
	ErrDesync = errors.New("history does not match persisted position")
)

// OutcomeKind discriminates the Outcome variants.
type OutcomeKind int

const (
	InProgress OutcomeKind = iota
	Checkmate
	Draw
	Forfeit
)

// Outcome is the terminal classification of a position. Winner is set for
// Checkmate and Forfeit; Reason is set for Draw. Forfeit is never produced
// by the mirror itself, only by the session lifecycle.
type Outcome struct {
	Kind   OutcomeKind
	Winner gamedto.Color
	Reason string
}

func (o Outcome) Terminal() bool { return o.Kind != InProgress }

// Mirror is the client-local rules-engine instance.
type Mirror struct {
	game *nchess.Game
}

// New returns a mirror at the initial position.
func New() *Mirror {
	return &Mirror{game: nchess.NewGame()}
}

// FromFEN returns a mirror loaded directly from a position string.
func FromFEN(fen string) (*Mirror, error) {
	opt, err := nchess.FEN(strings.TrimSpace(fen))
	if err != nil {
		return nil, fmt.Errorf("parse fen: %w", err)
	}
	return &Mirror{game: nchess.NewGame(opt)}, nil
}

// Replay rebuilds a mirror by decoding every stored history entry and
// pushing it through the engine from the initial position, then compares
// the result against the persisted position string. Any undecodable entry
// aborts the whole replay with ErrBadEntry; a position mismatch returns
// ErrDesync. No partial mirror is ever returned.
func Replay(history []string, wantFEN string) (*Mirror, []gamedto.MoveRecord, error) {
	m := New()
	records := make([]gamedto.MoveRecord, 0, len(history))
	for i, entry := range history {
		rec, err := gamedto.DecodeMoveRecord(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: entry %d: %v", ErrBadEntry, i, err)
		}
		applied, err := m.Apply(rec)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: entry %d (%s%s): replay rejected", ErrDesync, i, rec.From, rec.To)
		}
		records = append(records, applied)
	}
	if want := strings.TrimSpace(wantFEN); want != "" && m.FEN() != want {
		return nil, nil, fmt.Errorf("%w: replayed %q, persisted %q", ErrDesync, m.FEN(), want)
	}
	return m, records, nil
}

// Turn reports the side to move.
func (m *Mirror) Turn() gamedto.Color {
	if m.game.Position().Turn() == nchess.White {
		return gamedto.White
	}
	return gamedto.Black
}

// FEN serializes the current position.
func (m *Mirror) FEN() string { return m.game.FEN() }

// TryMove validates and applies a from/to move for the side to move,
// promoting to queen implicitly on the back rank. The returned record
// carries the mover color and the SAN encoding; Seq is left for the
// pipeline to stamp. An engine rejection leaves the mirror untouched.
func (m *Mirror) TryMove(from, to string) (gamedto.MoveRecord, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	if len(from) != 2 || len(to) != 2 {
		return gamedto.MoveRecord{}, ErrIllegalMove
	}
	mover := m.Turn()

	pos := m.game.Position()
	notation := nchess.UCINotation{}
	for _, uci := range uciCandidates(from, to) {
		mv, err := notation.Decode(pos, uci)
		if err != nil {
			continue
		}
		san := nchess.AlgebraicNotation{}.Encode(pos, mv)
		if err := m.game.Move(mv, nil); err != nil {
			continue
		}
		rec := gamedto.MoveRecord{
			From:  from,
			To:    to,
			Color: mover,
			SAN:   san,
		}
		if len(uci) == 5 {
			rec.Promotion = uci[4:]
		}
		return rec, nil
	}
	return gamedto.MoveRecord{}, ErrIllegalMove
}

// Apply validates and applies an already-constructed record, typically one
// received from the remote participant. The record's color must match the
// side to move.
func (m *Mirror) Apply(rec gamedto.MoveRecord) (gamedto.MoveRecord, error) {
	if rec.Color != "" && rec.Color != m.Turn() {
		return gamedto.MoveRecord{}, ErrIllegalMove
	}
	applied, err := m.TryMove(rec.From, rec.To)
	if err != nil {
		return gamedto.MoveRecord{}, err
	}
	applied.Seq = rec.Seq
	return applied, nil
}

// Outcome classifies the current position.
func (m *Mirror) Outcome() Outcome {
	switch m.game.Outcome() {
	case nchess.WhiteWon:
		return Outcome{Kind: Checkmate, Winner: gamedto.White}
	case nchess.BlackWon:
		return Outcome{Kind: Checkmate, Winner: gamedto.Black}
	case nchess.Draw:
		return Outcome{Kind: Draw, Reason: drawReason(m.game.Method())}
	default:
		return Outcome{Kind: InProgress}
	}
}

func drawReason(method nchess.Method) string {
	switch method {
	case nchess.Stalemate:
		return "stalemate"
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return "repetition"
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return "fifty-move rule"
	case nchess.InsufficientMaterial:
		return "insufficient material"
	default:
		return "draw"
	}
}

// uciCandidates expands a from/to pair into the UCI strings to try. Back
// rank destinations try the queen promotion first so pawn promotions apply
// without the caller naming a piece.
func uciCandidates(from, to string) []string {
	plain := from + to
	if to[1] == '8' || to[1] == '1' {
		return []string{plain + "q", plain}
	}
	return []string{plain}
}
