// Package archive persists finished games to the relational store: PGN
// text, result metadata, and the rating/win-loss bookkeeping the profile
// views read from.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/chesslink/client-go/pkg/gamedto"
)

const (
	defaultRating = 1200
	kFactor       = 24
)

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts one finished session. method names how it ended
// (checkmate, draw, forfeit).
func (r *Repository) SaveResult(ctx context.Context, g *gamedto.Session, method string) error {
	if r == nil || r.db == nil || g == nil {
		return nil
	}

	pgnResult := mapWinnerToPGN(g)
	pgn, err := buildPGN(g, pgnResult, method)
	if err != nil {
		return err
	}
	duration := g.UpdatedAt.Sub(g.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO games (
	    game_id, white_id, white_name, black_id, black_name,
	    result, result_method, history, pgn,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	  ) ON CONFLICT (game_id) DO UPDATE SET
	    result=EXCLUDED.result,
	    result_method=EXCLUDED.result_method,
	    history=EXCLUDED.history,
	    pgn=EXCLUDED.pgn,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	white, black := byColor(g)
	_, err = r.db.ExecContext(ctx, q,
		g.ID,
		white.UserID, white.Username,
		black.UserID, black.Username,
		string(g.Winner), strings.TrimSpace(method),
		strings.Join(g.History, "\n"), pgn,
		g.CreatedAt, g.UpdatedAt, duration,
	)
	return err
}

// UpdateRatings applies an Elo exchange for a finished session and returns
// the delta credited to the winner side (zero for a draw of equals).
func (r *Repository) UpdateRatings(ctx context.Context, g *gamedto.Session) (int, error) {
	if r == nil || r.db == nil || g == nil {
		return 0, nil
	}
	white, black := byColor(g)

	var scoreWhite float64
	switch g.Winner {
	case gamedto.WinnerDraw:
		scoreWhite = 0.5
	default:
		winner := slotParticipant(g, g.Winner)
		if winner != nil && winner.UserID == white.UserID {
			scoreWhite = 1.0
		}
	}

	delta := eloDelta(white.Rating, black.Rating, scoreWhite)
	q := `UPDATE profiles SET
	    rating = rating + $2,
	    wins = wins + $3,
	    losses = losses + $4,
	    draws = draws + $5,
	    updated_at = now()
	  WHERE user_id = $1`

	winW, lossW, drawW := outcomeCounts(scoreWhite)
	if _, err := r.db.ExecContext(ctx, q, white.UserID, delta, winW, lossW, drawW); err != nil {
		return 0, err
	}
	winB, lossB, drawB := outcomeCounts(1 - scoreWhite)
	if _, err := r.db.ExecContext(ctx, q, black.UserID, -delta, winB, lossB, drawB); err != nil {
		return 0, err
	}
	return delta, nil
}

// LeaderboardEntry is one leaderboard row.
type LeaderboardEntry struct {
	UserID   string
	Username string
	Rating   int
	Wins     int
	Losses   int
	Draws    int
}

func (r *Repository) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := `SELECT user_id, username, rating, wins, losses, draws
	    FROM profiles ORDER BY rating DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Username, &e.Rating, &e.Wins, &e.Losses, &e.Draws); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func eloDelta(ratingA, ratingB int, scoreA float64) int {
	if ratingA == 0 {
		ratingA = defaultRating
	}
	if ratingB == 0 {
		ratingB = defaultRating
	}
	expected := 1.0 / (1.0 + math.Pow(10, float64(ratingB-ratingA)/400))
	return int(math.Round(kFactor * (scoreA - expected)))
}

func outcomeCounts(score float64) (wins, losses, draws int) {
	switch score {
	case 1:
		return 1, 0, 0
	case 0:
		return 0, 1, 0
	default:
		return 0, 0, 1
	}
}

func byColor(g *gamedto.Session) (white, black gamedto.Participant) {
	if g.PlayerA.Color == gamedto.White {
		return g.PlayerA, g.PlayerB
	}
	return g.PlayerB, g.PlayerA
}

func slotParticipant(g *gamedto.Session, w gamedto.Winner) *gamedto.Participant {
	switch w {
	case gamedto.WinnerPlayerA:
		return &g.PlayerA
	case gamedto.WinnerPlayerB:
		return &g.PlayerB
	default:
		return nil
	}
}

func mapWinnerToPGN(g *gamedto.Session) string {
	winner := slotParticipant(g, g.Winner)
	switch {
	case g.Winner == gamedto.WinnerDraw:
		return "1/2-1/2"
	case winner == nil:
		return "*"
	case winner.Color == gamedto.White:
		return "1-0"
	default:
		return "0-1"
	}
}

func buildPGN(g *gamedto.Session, pgnResult, method string) (string, error) {
	var b strings.Builder
	date := g.UpdatedAt
	if date.IsZero() {
		date = time.Now()
	}
	white, black := byColor(g)
	b.WriteString("[Event \"chesslink\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(white.Username)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(black.Username)))
	if strings.TrimSpace(method) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(strings.ToLower(method))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	sans := make([]string, 0, len(g.History))
	for i, entry := range g.History {
		rec, err := gamedto.DecodeMoveRecord(entry)
		if err != nil {
			return "", fmt.Errorf("history entry %d: %w", i, err)
		}
		san := strings.TrimSpace(rec.SAN)
		if san == "" {
			san = rec.From + rec.To
		}
		sans = append(sans, san)
	}
	for i := 0; i < len(sans); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, sans[i]))
		if i+1 < len(sans) {
			b.WriteString(" ")
			b.WriteString(sans[i+1])
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String(), nil
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
