// Package store adapts the hosted document database: users (with an
// invites sub-collection), the players directory, and game snapshots.
// Writes to game docs publish to watchers so both participants see updates
// in real time.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chesslink/client-go/pkg/gamedto"
)

const (
	ttlGame = 24 * time.Hour

	// maxExclusionIDs is the store's IN-filter size limit; exclusion
	// queries never send more ids than this.
	maxExclusionIDs = 10
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrInvalidArgs = errors.New("invalid arguments")
)

type Store struct {
	rdb *redis.Client
}

// New connects to the store by URL and verifies the connection.
func New(redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for document store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("store ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client; tests share one miniredis this way.
func NewWithClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func keyUser(id string) string        { return "users:" + strings.TrimSpace(id) }
func keyInvites(userID string) string { return keyUser(userID) + ":invites" }
func keyPlayer(id string) string      { return "players:" + strings.TrimSpace(id) }
func keyPlayerIdx() string            { return "players:index" }
func keyGame(id string) string        { return "games:" + strings.TrimSpace(id) }
func keyWatch(doc string) string      { return "watch:" + doc }

// Users

func (s *Store) SaveUser(ctx context.Context, u *gamedto.UserDoc) error {
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return ErrInvalidArgs
	}
	u.UpdatedAt = time.Now()
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyUser(u.ID), raw, 0).Err()
}

func (s *Store) GetUser(ctx context.Context, id string) (*gamedto.UserDoc, error) {
	raw, err := s.rdb.Get(ctx, keyUser(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var u gamedto.UserDoc
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ClearCurrentSession drops the user's current-session pointer, used when a
// session completes or is forfeited.
func (s *Store) ClearCurrentSession(ctx context.Context, userID string) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	u.CurrentSessionID = ""
	return s.SaveUser(ctx, u)
}

// Players directory

func (s *Store) UpsertPlayer(ctx context.Context, p *gamedto.PlayerDoc) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return ErrInvalidArgs
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyPlayer(p.ID), raw, 0)
	pipe.SAdd(ctx, keyPlayerIdx(), p.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// ListOpponents returns directory entries excluding the given player ids
// (self plus already-invited opponents). The exclusion list is capped at
// the store's IN-filter limit; surplus ids beyond the cap are not excluded.
func (s *Store) ListOpponents(ctx context.Context, exclude []string) ([]gamedto.PlayerDoc, error) {
	if len(exclude) > maxExclusionIDs {
		exclude = exclude[:maxExclusionIDs]
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[strings.TrimSpace(id)] = struct{}{}
	}
	ids, err := s.rdb.SMembers(ctx, keyPlayerIdx()).Result()
	if err != nil {
		return nil, err
	}
	var out []gamedto.PlayerDoc
	for _, id := range ids {
		if _, skip := excluded[id]; skip {
			continue
		}
		raw, err := s.rdb.Get(ctx, keyPlayer(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var p gamedto.PlayerDoc
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Games

func (s *Store) SaveGame(ctx context.Context, g *gamedto.Session) error {
	if g == nil || strings.TrimSpace(g.ID) == "" {
		return ErrInvalidArgs
	}
	g.UpdatedAt = time.Now()
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyGame(g.ID), raw, ttlGame)
	pipe.Publish(ctx, keyWatch(keyGame(g.ID)), raw)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetGame(ctx context.Context, id string) (*gamedto.Session, error) {
	raw, err := s.rdb.Get(ctx, keyGame(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var g gamedto.Session
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Invites

// IssueInvite commits the invite doc, the inviter's current-session
// pointer, and the game snapshot in one batch. Either all three land or
// none do; a failed commit leaves no orphaned pointer or invite.
func (s *Store) IssueInvite(ctx context.Context, inviter *gamedto.UserDoc, targetUserID string, inv *gamedto.Invite, game *gamedto.Session) error {
	if inviter == nil || inv == nil || game == nil || strings.TrimSpace(targetUserID) == "" {
		return ErrInvalidArgs
	}
	inviter.CurrentSessionID = game.ID
	inviter.UpdatedAt = time.Now()
	userRaw, err := json.Marshal(inviter)
	if err != nil {
		return err
	}
	invRaw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	game.UpdatedAt = time.Now()
	gameRaw, err := json.Marshal(game)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keyInvites(targetUserID), inv.ID, invRaw)
	pipe.Set(ctx, keyUser(inviter.ID), userRaw, 0)
	pipe.Set(ctx, keyGame(game.ID), gameRaw, ttlGame)
	pipe.Publish(ctx, keyWatch(keyGame(game.ID)), gameRaw)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Invites(ctx context.Context, userID string) ([]gamedto.Invite, error) {
	fields, err := s.rdb.HGetAll(ctx, keyInvites(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]gamedto.Invite, 0, len(fields))
	for _, raw := range fields {
		var inv gamedto.Invite
		if err := json.Unmarshal([]byte(raw), &inv); err != nil {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

func (s *Store) DeleteInvite(ctx context.Context, userID, inviteID string) error {
	return s.rdb.HDel(ctx, keyInvites(userID), inviteID).Err()
}

// Watch

// Unsubscribe tears down a watch; it must be called when the owning
// component goes away or the listener goroutine leaks.
type Unsubscribe func()

// WatchGame subscribes to updates of one game doc. Each published snapshot
// is decoded and delivered on the returned channel until unsubscribe.
func (s *Store) WatchGame(ctx context.Context, gameID string, fn func(*gamedto.Session)) (Unsubscribe, error) {
	if strings.TrimSpace(gameID) == "" || fn == nil {
		return nil, ErrInvalidArgs
	}
	sub := s.rdb.Subscribe(ctx, keyWatch(keyGame(gameID)))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var g gamedto.Session
				if err := json.Unmarshal([]byte(msg.Payload), &g); err != nil {
					continue
				}
				fn(&g)
			}
		}
	}()
	var once bool
	return func() {
		if once {
			return
		}
		once = true
		close(done)
		_ = sub.Close()
	}, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
