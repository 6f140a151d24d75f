package session

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
	"github.com/chesslink/client-go/internal/store"
	"github.com/chesslink/client-go/internal/transport"
	"github.com/chesslink/client-go/pkg/gamedto"
)

// Manager drives the room lifecycle: create, join, close, forfeit, exit,
// and resync after a reload. It owns the pipeline for the bound session and
// the document-store watch on the session doc.
type Manager struct {
	mu sync.Mutex

	caller transport.Caller
	docs   *store.Store
	self   *gamedto.UserDoc

	phase    Phase
	session  *gamedto.Session
	color    gamedto.Color
	opponent *gamedto.Participant

	invite       *gamedto.Invite
	inviteTarget string

	pipeline *Pipeline
	unsub    store.Unsubscribe

	reconnected bool
}

// NewManager wires the lifecycle against an explicit transport and store;
// self is the signed-in user's persisted profile.
func NewManager(caller transport.Caller, docs *store.Store, self *gamedto.UserDoc) *Manager {
	return &Manager{
		caller: caller,
		docs:   docs,
		self:   self,
		phase:  PhaseNone,
	}
}

// Phase reports the lifecycle state.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Pipeline returns the move pipeline for the bound session, nil when none.
func (m *Manager) Pipeline() *Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipeline
}

// Session returns a copy of the bound session document.
func (m *Manager) Session() *gamedto.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	cp := *m.session
	cp.History = append([]string(nil), m.session.History...)
	return &cp
}

// ConsumeReconnected reports and clears the one-time reconnect flag, used
// for a single UI notification after resync.
func (m *Manager) ConsumeReconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.reconnected
	m.reconnected = false
	return was
}

// Create builds a session with the inviter as white, requests the room from
// the transport, and commits the invite batch. Any failure rolls back all
// speculative local state; no partial session stays referenced.
func (m *Manager) Create(ctx context.Context, opponent gamedto.PlayerDoc) (*gamedto.Session, error) {
	m.mu.Lock()
	if m.phase == PhasePendingInvite || m.phase == PhaseActive {
		m.mu.Unlock()
		return nil, ErrInviteOutstanding
	}
	self := m.self
	m.mu.Unlock()

	now := time.Now()
	g := &gamedto.Session{
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
			UserID:     opponent.UserID,
			PlayerID:   opponent.ID,
			Username:   opponent.Username,
			Rating:     opponent.Rating,
			Connection: gamedto.Pending,
			Color:      gamedto.Black,
		},
		FEN:       board.StartFEN,
		History:   []string{},
		Turn:      gamedto.White,
		Status:    gamedto.StatusWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	payload, err := m.caller.Call(ctx, transport.OpCreateRoom, g)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, g); err != nil {
			return nil, fmt.Errorf("decode created room: %w", err)
		}
	}

	inv := &gamedto.Invite{
		ID:           uuid.NewString(),
		SessionID:    g.ID,
		FromUserID:   self.ID,
		FromPlayerID: self.PlayerID,
		FromUsername: self.Username,
		FromRating:   self.Rating,
		CreatedAt:    now,
	}
	prevPointer := self.CurrentSessionID
	if err := m.docs.IssueInvite(ctx, self, opponent.UserID, inv, g); err != nil {
		self.CurrentSessionID = prevPointer
		obslog.L().Error("invite_batch_failed", zap.String("session_id", g.ID), zap.Error(err))
		return nil, fmt.Errorf("issue invite: %w", err)
	}

	m.mu.Lock()
	m.session = g
	m.color = gamedto.White
	opp := g.PlayerB
	m.opponent = &opp
	m.invite = inv
	m.inviteTarget = opponent.UserID
	m.phase = PhasePendingInvite
	m.pipeline = NewPipeline(m.caller, g.ID, gamedto.White, board.New(), nil)
	m.mu.Unlock()

	m.watchSession(g.ID)
	obslog.L().Info("session_created",
		zap.String("session_id", g.ID),
		zap.String("opponent", opponent.Username),
	)
	return g, nil
}

// Join accepts an invite: joins the existing room by id, deletes the
// consumed invite record, and adopts the returned session as black.
func (m *Manager) Join(ctx context.Context, inv gamedto.Invite) (*gamedto.Session, error) {
	payload, err := m.caller.Call(ctx, transport.OpJoinRoom, map[string]string{"session_id": inv.SessionID})
	if err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}
	var g gamedto.Session
	if err := json.Unmarshal(payload, &g); err != nil {
		return nil, fmt.Errorf("decode joined room: %w", err)
	}

	// Validate the returned session before consuming the invite or moving
	// the pointer; a replay failure must leave both untouched.
	mirror, records, err := board.Replay(g.History, g.FEN)
	if err != nil {
		return nil, fmt.Errorf("adopt joined session: %w", err)
	}

	m.mu.Lock()
	self := m.self
	m.mu.Unlock()
	if err := m.docs.DeleteInvite(ctx, self.ID, inv.ID); err != nil {
		obslog.L().Warn("invite_delete_failed", zap.String("invite_id", inv.ID), zap.Error(err))
	}
	self.CurrentSessionID = g.ID
	if err := m.docs.SaveUser(ctx, self); err != nil {
		obslog.L().Warn("session_pointer_save_failed", zap.String("session_id", g.ID), zap.Error(err))
	}

	m.mu.Lock()
	m.session = &g
	m.color = gamedto.Black
	opp := g.PlayerA
	m.opponent = &opp
	m.phase = PhaseActive
	m.pipeline = NewPipeline(m.caller, g.ID, gamedto.Black, mirror, records)
	m.pipeline.SetReady(bothConnected(&g))
	m.mu.Unlock()

	m.watchSession(g.ID)
	obslog.L().Info("session_joined", zap.String("session_id", g.ID))
	return &g, nil
}

// Close finalizes a session that reached a terminal outcome, persists the
// winner, clears the current-session pointer, and resets local state. The
// finalized document is returned for archival.
func (m *Manager) Close(ctx context.Context) (*gamedto.Session, error) {
	m.mu.Lock()
	if m.session == nil || m.pipeline == nil {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	outcome := m.pipeline.Outcome()
	if !outcome.Terminal() {
		m.mu.Unlock()
		return nil, ErrNoWinner
	}
	g := m.session
	g.Winner = winnerFromOutcome(outcome, g)
	g.History = m.pipeline.EncodedHistory()
	g.FEN = m.pipeline.Snapshot().FEN
	m.mu.Unlock()

	if err := m.finalize(ctx, g, PhaseCompleted); err != nil {
		return nil, err
	}
	return g, nil
}

// Forfeit concedes the active session regardless of board state; the
// opponent is force-set as winner. Pre-join sessions are abandoned through
// Exit, not forfeited.
func (m *Manager) Forfeit(ctx context.Context) (*gamedto.Session, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	if m.phase != PhaseActive {
		m.mu.Unlock()
		return nil, ErrInviteOutstanding
	}
	g := m.session
	winner := slotOf(g, m.color.Other())
	self := m.self
	m.mu.Unlock()

	notice := gamedto.ForfeitNotice{SessionID: g.ID, Username: self.Username}
	if _, err := m.caller.Call(ctx, transport.OpPlayerForfeited, notice); err != nil {
		return nil, fmt.Errorf("forfeit: %w", err)
	}
	g.Winner = winner
	if err := m.finalize(ctx, g, PhaseForfeited); err != nil {
		return nil, err
	}
	return g, nil
}

// Exit abandons a session nobody has joined yet: the outstanding invite is
// deleted and local state reset without finalizing a winner.
func (m *Manager) Exit(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhasePendingInvite || m.invite == nil {
		m.mu.Unlock()
		return ErrInviteOutstanding
	}
	inv := m.invite
	target := m.inviteTarget
	self := m.self
	m.mu.Unlock()

	if err := m.docs.DeleteInvite(ctx, target, inv.ID); err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	self.CurrentSessionID = ""
	if err := m.docs.SaveUser(ctx, self); err != nil {
		return fmt.Errorf("clear session pointer: %w", err)
	}
	m.reset(PhaseExited)
	obslog.L().Info("session_exited", zap.String("invite_id", inv.ID))
	return nil
}

func (m *Manager) finalize(ctx context.Context, g *gamedto.Session, phase Phase) error {
	g.Status = gamedto.StatusCompleted
	if _, err := m.caller.Call(ctx, transport.OpCloseRoom, g); err != nil {
		return fmt.Errorf("close room: %w", err)
	}
	if err := m.docs.SaveGame(ctx, g); err != nil {
		obslog.L().Warn("final_game_save_failed", zap.String("session_id", g.ID), zap.Error(err))
	}
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()
	self.CurrentSessionID = ""
	if err := m.docs.SaveUser(ctx, self); err != nil {
		obslog.L().Warn("session_pointer_clear_failed", zap.String("session_id", g.ID), zap.Error(err))
	}
	m.reset(phase)
	obslog.L().Info("session_closed",
		zap.String("session_id", g.ID),
		zap.String("winner", string(g.Winner)),
		zap.String("phase", string(phase)),
	)
	return nil
}

func (m *Manager) reset(phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	m.session = nil
	m.opponent = nil
	m.invite = nil
	m.inviteTarget = ""
	m.pipeline = nil
	m.phase = phase
}

// watchSession subscribes to the session doc so participant connectivity
// and status changes flow into the pipeline's readiness gate.
func (m *Manager) watchSession(id string) {
	unsub, err := m.docs.WatchGame(context.Background(), id, func(g *gamedto.Session) {
		m.mu.Lock()
		if m.session == nil || m.session.ID != g.ID {
			m.mu.Unlock()
			return
		}
		m.session = g
		if m.phase == PhasePendingInvite && g.Status == gamedto.StatusInProgress {
			m.phase = PhaseActive
		}
		pipeline := m.pipeline
		m.mu.Unlock()
		if pipeline != nil {
			pipeline.SetReady(bothConnected(g))
		}
	})
	if err != nil {
		obslog.L().Warn("session_watch_failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	m.mu.Lock()
	if m.unsub != nil {
		m.unsub()
	}
	m.unsub = unsub
	m.mu.Unlock()
}

// Resync rebuilds local state after a reload when the persisted user record
// still references a session. The stored history is replayed from the
// initial position and must converge to the persisted FEN; one corrupt or
// diverging entry aborts the whole resync and no partial state is adopted.
func (m *Manager) Resync(ctx context.Context) error {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return nil
	}
	self := m.self
	m.mu.Unlock()

	if self.CurrentSessionID == "" {
		return nil
	}

	payload, err := m.caller.Call(ctx, transport.OpReconnectRoom, map[string]string{"session_id": self.CurrentSessionID})
	if err != nil {
		m.reset(PhaseNone)
		return fmt.Errorf("reconnect room: %w", err)
	}
	if len(payload) == 0 {
		m.reset(PhaseNone)
		return fmt.Errorf("reconnect room: %w", store.ErrNotFound)
	}
	var g gamedto.Session
	if err := json.Unmarshal(payload, &g); err != nil {
		m.reset(PhaseNone)
		return fmt.Errorf("decode reconnect payload: %w", err)
	}

	mirror, records, err := board.Replay(g.History, g.FEN)
	if err != nil {
		m.reset(PhaseNone)
		if errors.Is(err, board.ErrDesync) {
			obslog.L().Error("resync_desync", zap.String("session_id", g.ID), zap.Error(err))
		}
		return fmt.Errorf("resync: %w", err)
	}

	color, opponent, err := orient(&g, self.ID)
	if err != nil {
		m.reset(PhaseNone)
		return fmt.Errorf("resync: %w", err)
	}

	m.mu.Lock()
	m.session = &g
	m.color = color
	m.opponent = opponent
	m.phase = PhaseActive
	m.pipeline = NewPipeline(m.caller, g.ID, color, mirror, records)
	m.pipeline.SetReady(bothConnected(&g))
	m.reconnected = true
	m.mu.Unlock()

	m.watchSession(g.ID)
	obslog.L().Info("session_resynced",
		zap.String("session_id", g.ID),
		zap.Int("moves", len(records)),
	)
	return nil
}

// HandleEvent dispatches unsolicited transport events for the bound
// session: opponent moves and forfeits. Chat events are routed separately.
func (m *Manager) HandleEvent(ctx context.Context, ev gamedto.Ack) {
	switch ev.Op {
	case transport.OpMove:
		var sub gamedto.MoveSubmission
		if err := json.Unmarshal(ev.Payload, &sub); err != nil {
			obslog.L().Warn("bad_move_event", zap.Error(err))
			return
		}
		m.mu.Lock()
		pipeline := m.pipeline
		bound := m.session != nil && m.session.ID == sub.SessionID
		m.mu.Unlock()
		if pipeline == nil || !bound {
			return
		}
		if _, err := pipeline.ApplyRemote(ctx, sub.Move); err != nil {
			obslog.L().Warn("remote_move_rejected", zap.Int("seq", sub.Move.Seq), zap.Error(err))
		}
	case transport.OpPlayerForfeited:
		var notice gamedto.ForfeitNotice
		if err := json.Unmarshal(ev.Payload, &notice); err != nil {
			return
		}
		m.mu.Lock()
		bound := m.session != nil && m.session.ID == notice.SessionID
		if bound {
			m.session.Winner = slotOf(m.session, m.color)
			m.session.Status = gamedto.StatusCompleted
			m.phase = PhaseCompleted
		}
		m.mu.Unlock()
		if bound {
			obslog.L().Info("opponent_forfeited", zap.String("session_id", notice.SessionID))
		}
	}
}

// winnerFromOutcome maps a tagged board outcome onto the session's winner
// slot using each participant's assigned color.
func winnerFromOutcome(o board.Outcome, g *gamedto.Session) gamedto.Winner {
	switch o.Kind {
	case board.Checkmate, board.Forfeit:
		return slotOf(g, o.Winner)
	case board.Draw:
		return gamedto.WinnerDraw
	default:
		return gamedto.WinnerNone
	}
}

func slotOf(g *gamedto.Session, color gamedto.Color) gamedto.Winner {
	if g.PlayerA.Color == color {
		return gamedto.WinnerPlayerA
	}
	return gamedto.WinnerPlayerB
}

func bothConnected(g *gamedto.Session) bool {
	return g.PlayerA.Connection == gamedto.Connected && g.PlayerB.Connection == gamedto.Connected
}

func orient(g *gamedto.Session, selfID string) (gamedto.Color, *gamedto.Participant, error) {
	switch selfID {
	case g.PlayerA.UserID:
		opp := g.PlayerB
		return g.PlayerA.Color, &opp, nil
	case g.PlayerB.UserID:
		opp := g.PlayerA
		return g.PlayerB.Color, &opp, nil
	default:
		return "", nil, fmt.Errorf("user %s not in session %s", selfID, g.ID)
	}
}
