// Package botgame is the bot-opponent variant of the session lifecycle.
// The bot itself is an opaque remote service: hints and bot replies arrive
// through the transport, never computed locally.
package botgame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chesslink/client-go/internal/board"
	"github.com/chesslink/client-go/internal/obslog"
	"github.com/chesslink/client-go/internal/session"
	"github.com/chesslink/client-go/internal/store"
	"github.com/chesslink/client-go/internal/transport"
	"github.com/chesslink/client-go/pkg/gamedto"
)

var (
	ErrNoGame         = errors.New("no active bot game")
	ErrNoUndosLeft    = errors.New("undo allowance exhausted")
	ErrNoHintsLeft    = errors.New("hint allowance exhausted")
	ErrNothingToUndo  = errors.New("no move pair to undo")
	ErrUnknownTier    = errors.New("unknown tier")
	ErrGameInProgress = errors.New("bot game already in progress")
)

// BotUsername is the synthetic opponent's fixed identity.
const BotUsername = "chesslink-bot"

// Preset describes one difficulty tier as presented to the server.
type Preset struct {
	Name        string
	EngineLevel int
}

// HelpTier maps an assistance level to its default undo/hint allowances.
// The server's returned counters stay authoritative; these seed the request.
type HelpTier struct {
	Name  string
	Undos int
	Hints int
}

var difficulties = map[string]Preset{
	"easy":   {Name: "easy", EngineLevel: 2},
	"medium": {Name: "medium", EngineLevel: 8},
	"hard":   {Name: "hard", EngineLevel: 14},
	"master": {Name: "master", EngineLevel: 20},
}

var helpTiers = map[string]HelpTier{
	"none":     {Name: "none"},
	"assisted": {Name: "assisted", Undos: 3, Hints: 3},
	"guided":   {Name: "guided", Undos: 10, Hints: 10},
}

// Manager drives a bot session: start, moves via the shared pipeline, undo,
// hint, and forfeit.
type Manager struct {
	mu sync.Mutex

	caller transport.Caller
	docs   *store.Store
	self   *gamedto.UserDoc

	game     *gamedto.BotSession
	pipeline *session.Pipeline
}

func NewManager(caller transport.Caller, docs *store.Store, self *gamedto.UserDoc) *Manager {
	return &Manager{caller: caller, docs: docs, self: self}
}

// Game returns a copy of the bound bot session, nil when none.
func (m *Manager) Game() *gamedto.BotSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.game == nil {
		return nil
	}
	cp := *m.game
	cp.History = append([]string(nil), m.game.History...)
	return &cp
}

// Pipeline returns the move pipeline for the bound game.
func (m *Manager) Pipeline() *session.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipeline
}

// Start creates a bot session with the chosen tiers. The server answers
// with the session including the initial undo/hint allowances.
func (m *Manager) Start(ctx context.Context, difficulty, helpTier string) (*gamedto.BotSession, error) {
	preset, ok := difficulties[difficulty]
	if !ok {
		return nil, fmt.Errorf("%w: difficulty %q", ErrUnknownTier, difficulty)
	}
	tier, ok := helpTiers[helpTier]
	if !ok {
		return nil, fmt.Errorf("%w: help tier %q", ErrUnknownTier, helpTier)
	}
	m.mu.Lock()
	if m.game != nil {
		m.mu.Unlock()
		return nil, ErrGameInProgress
	}
	self := m.self
	m.mu.Unlock()

	now := time.Now()
	g := &gamedto.BotSession{
		Session: gamedto.Session{
			ID: uuid.NewString(),
			PlayerA: gamedto.Participant{
				UserID:     self.ID,
				PlayerID:   self.PlayerID,
				Username:   self.Username,
				Rating:     self.Rating,
				Connection: gamedto.Connected,
				Color:      gamedto.White,
			},
			PlayerB: gamedto.Participant{
				UserID:     BotUsername,
				PlayerID:   BotUsername,
				Username:   BotUsername,
				Rating:     1200 + 100*preset.EngineLevel,
				Connection: gamedto.Connected,
				Color:      gamedto.Black,
			},
			FEN:       board.StartFEN,
			History:   []string{},
			Turn:      gamedto.White,
			Status:    gamedto.StatusInProgress,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Difficulty: preset.Name,
		HelpTier:   tier.Name,
		UndosLeft:  tier.Undos,
		HintsLeft:  tier.Hints,
	}

	payload, err := m.caller.Call(ctx, transport.OpCreateBotGame, g)
	if err != nil {
		return nil, fmt.Errorf("create bot game: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, g); err != nil {
			return nil, fmt.Errorf("decode bot game: %w", err)
		}
	}

	self.CurrentSessionID = g.ID
	if err := m.docs.SaveUser(ctx, self); err != nil {
		obslog.L().Warn("bot_session_pointer_save_failed", zap.String("session_id", g.ID), zap.Error(err))
	}

	pipeline := session.NewPipeline(m.caller, g.ID, gamedto.White, board.New(), nil)
	pipeline.SetReady(true)

	m.mu.Lock()
	m.game = g
	m.pipeline = pipeline
	m.mu.Unlock()

	obslog.L().Info("bot_game_started",
		zap.String("session_id", g.ID),
		zap.String("difficulty", g.Difficulty),
		zap.String("help_tier", g.HelpTier),
	)
	return g, nil
}

// Resync rebuilds a bot game after a reload from the persisted pointer,
// following the same replay-and-compare path as the human variant.
func (m *Manager) Resync(ctx context.Context) error {
	m.mu.Lock()
	if m.game != nil {
		m.mu.Unlock()
		return nil
	}
	self := m.self
	m.mu.Unlock()
	if self.CurrentSessionID == "" {
		return nil
	}

	payload, err := m.caller.Call(ctx, transport.OpReconnectBotGame, map[string]string{"session_id": self.CurrentSessionID})
	if err != nil {
		return fmt.Errorf("reconnect bot game: %w", err)
	}
	var g gamedto.BotSession
	if err := json.Unmarshal(payload, &g); err != nil {
		return fmt.Errorf("decode bot reconnect payload: %w", err)
	}
	mirror, records, err := board.Replay(g.History, g.FEN)
	if err != nil {
		return fmt.Errorf("bot resync: %w", err)
	}

	pipeline := session.NewPipeline(m.caller, g.ID, gamedto.White, mirror, records)
	pipeline.SetReady(true)

	m.mu.Lock()
	m.game = &g
	m.pipeline = pipeline
	m.mu.Unlock()

	obslog.L().Info("bot_game_resynced", zap.String("session_id", g.ID), zap.Int("moves", len(records)))
	return nil
}

// Undo spends one allowance to revert the last full move pair. The server
// performs the authoritative revert and returns the updated session, which
// the local pipeline is truncated to match.
func (m *Manager) Undo(ctx context.Context) (*gamedto.BotSession, error) {
	m.mu.Lock()
	g := m.game
	pipeline := m.pipeline
	m.mu.Unlock()
	if g == nil || pipeline == nil {
		return nil, ErrNoGame
	}
	if g.UndosLeft <= 0 {
		return nil, ErrNoUndosLeft
	}
	if len(pipeline.Snapshot().History) < 2 {
		return nil, ErrNothingToUndo
	}

	payload, err := m.caller.Call(ctx, transport.OpUndoMove, map[string]string{"session_id": g.ID})
	if err != nil {
		return nil, fmt.Errorf("undo: %w", err)
	}
	var updated gamedto.BotSession
	if err := json.Unmarshal(payload, &updated); err != nil {
		return nil, fmt.Errorf("decode undo payload: %w", err)
	}
	if err := pipeline.Truncate(len(updated.History), updated.FEN); err != nil {
		return nil, fmt.Errorf("undo: %w", err)
	}

	m.mu.Lock()
	m.game = &updated
	m.mu.Unlock()

	obslog.L().Info("bot_move_undone",
		zap.String("session_id", updated.ID),
		zap.Int("undos_left", updated.UndosLeft),
	)
	return &updated, nil
}

// Hint spends one allowance to fetch a suggested move, surfaced without
// being applied.
func (m *Manager) Hint(ctx context.Context) (*gamedto.HintSuggestion, error) {
	m.mu.Lock()
	g := m.game
	m.mu.Unlock()
	if g == nil {
		return nil, ErrNoGame
	}
	if g.HintsLeft <= 0 {
		return nil, ErrNoHintsLeft
	}

	payload, err := m.caller.Call(ctx, transport.OpRequestHint, map[string]string{"session_id": g.ID})
	if err != nil {
		return nil, fmt.Errorf("hint: %w", err)
	}
	var hint gamedto.HintSuggestion
	if err := json.Unmarshal(payload, &hint); err != nil {
		return nil, fmt.Errorf("decode hint payload: %w", err)
	}

	m.mu.Lock()
	m.game.HintsLeft--
	hintsLeft := m.game.HintsLeft
	m.mu.Unlock()

	obslog.L().Info("bot_hint_requested",
		zap.String("session_id", g.ID),
		zap.String("san", hint.SAN),
		zap.Int("hints_left", hintsLeft),
	)
	return &hint, nil
}

// Forfeit concedes to the bot: the synthetic opponent is always the winner,
// no derivation step involved.
func (m *Manager) Forfeit(ctx context.Context) error {
	m.mu.Lock()
	g := m.game
	self := m.self
	m.mu.Unlock()
	if g == nil {
		return ErrNoGame
	}

	g.Winner = gamedto.WinnerPlayerB
	g.Status = gamedto.StatusCompleted
	if _, err := m.caller.Call(ctx, transport.OpCloseBotGame, g); err != nil {
		return fmt.Errorf("close bot game: %w", err)
	}
	self.CurrentSessionID = ""
	if err := m.docs.SaveUser(ctx, self); err != nil {
		obslog.L().Warn("bot_session_pointer_clear_failed", zap.String("session_id", g.ID), zap.Error(err))
	}

	m.mu.Lock()
	m.game = nil
	m.pipeline = nil
	m.mu.Unlock()

	obslog.L().Info("bot_game_forfeited", zap.String("session_id", g.ID))
	return nil
}

// Close finalizes a bot game that reached a terminal outcome.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	g := m.game
	pipeline := m.pipeline
	self := m.self
	m.mu.Unlock()
	if g == nil || pipeline == nil {
		return ErrNoGame
	}
	outcome := pipeline.Outcome()
	if !outcome.Terminal() {
		return session.ErrNoWinner
	}

	switch outcome.Kind {
	case board.Checkmate:
		if g.PlayerA.Color == outcome.Winner {
			g.Winner = gamedto.WinnerPlayerA
		} else {
			g.Winner = gamedto.WinnerPlayerB
		}
	case board.Draw:
		g.Winner = gamedto.WinnerDraw
	}
	g.Status = gamedto.StatusCompleted
	g.History = pipeline.EncodedHistory()
	g.FEN = pipeline.Snapshot().FEN

	if _, err := m.caller.Call(ctx, transport.OpCloseBotGame, g); err != nil {
		return fmt.Errorf("close bot game: %w", err)
	}
	self.CurrentSessionID = ""
	if err := m.docs.SaveUser(ctx, self); err != nil {
		obslog.L().Warn("bot_session_pointer_clear_failed", zap.String("session_id", g.ID), zap.Error(err))
	}

	m.mu.Lock()
	m.game = nil
	m.pipeline = nil
	m.mu.Unlock()

	obslog.L().Info("bot_game_closed", zap.String("session_id", g.ID), zap.String("winner", string(g.Winner)))
	return nil
}

// HandleEvent applies bot reply moves arriving as transport events.
func (m *Manager) HandleEvent(ctx context.Context, ev gamedto.Ack) {
	if ev.Op != transport.OpMove {
		return
	}
	var sub gamedto.MoveSubmission
	if err := json.Unmarshal(ev.Payload, &sub); err != nil {
		return
	}
	m.mu.Lock()
	pipeline := m.pipeline
	bound := m.game != nil && m.game.ID == sub.SessionID
	m.mu.Unlock()
	if pipeline == nil || !bound {
		return
	}
	if _, err := pipeline.ApplyRemote(ctx, sub.Move); err != nil {
		obslog.L().Warn("bot_move_rejected", zap.Int("seq", sub.Move.Seq), zap.Error(err))
	}
}
