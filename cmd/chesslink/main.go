package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chesslink/client-go/internal/archive"
	"github.com/chesslink/client-go/internal/board"
	"github.com/chesslink/client-go/internal/botgame"
	"github.com/chesslink/client-go/internal/chat"
	appcfg "github.com/chesslink/client-go/internal/config"
	"github.com/chesslink/client-go/internal/obslog"
	"github.com/chesslink/client-go/internal/profileapi"
	"github.com/chesslink/client-go/internal/session"
	"github.com/chesslink/client-go/internal/store"
	"github.com/chesslink/client-go/internal/transport"
	"github.com/chesslink/client-go/pkg/gamedto"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger error: %v", err)
	}

	docs, err := store.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("store init error: %v", err)
	}

	var repo *archive.Repository
	if cfg.DatabaseURL != "" {
		repo, err = archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
	}

	self := &gamedto.UserDoc{ID: cfg.UserID, Username: cfg.Username, Rating: 1200}
	if stored, err := docs.GetUser(context.Background(), cfg.UserID); err == nil {
		self = stored
	}

	var api *profileapi.Client
	if cfg.ProfileBaseURL != "" {
		api = profileapi.NewClient(cfg.ProfileBaseURL)
		if fetched, err := api.Profile(context.Background(), cfg.UserID); err == nil {
			self = fetched
		}
		// Seed the local directory so opponent discovery works offline.
		if players, err := api.Directory(context.Background()); err == nil {
			for i := range players {
				if err := docs.UpsertPlayer(context.Background(), &players[i]); err != nil {
					obslog.L().Warn("directory_seed_failed", zap.String("player_id", players[i].ID), zap.Error(err))
					break
				}
			}
		}
	}

	ws := transport.NewWebSocket(cfg.TransportWSURL, cfg.ReconnectAttempts, cfg.ReconnectDelay(), cfg.AckTimeout())
	ws.OnStateChange(func(state transport.State) {
		obslog.L().Info("transport_state", zap.String("state", string(state)))
	})

	mgr := session.NewManager(ws, docs, self)
	bot := botgame.NewManager(ws, docs, self)
	var channel *chat.Channel

	ws.OnEvent(func(ev gamedto.Ack) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.HandleEvent(ctx, ev)
		bot.HandleEvent(ctx, ev)
		if channel != nil {
			channel.HandleEvent(ev)
		}
	})

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ws.Connect(cctx); err != nil {
		cancel()
		log.Fatalf("transport connect error: %v", err)
	}
	cancel()

	// Pick an in-progress session back up after a restart. The pointer does
	// not say which variant it references, so the bot path is the fallback.
	if self.CurrentSessionID != "" {
		rctx, rcancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := mgr.Resync(rctx); err == nil && mgr.ConsumeReconnected() {
			fmt.Println("reconnected to game", self.CurrentSessionID)
			channel = chat.NewChannel(ws, self.CurrentSessionID, self.Username)
		} else if err := bot.Resync(rctx); err != nil {
			obslog.L().Warn("resync_failed", zap.Error(err))
		}
		rcancel()
	}

	go commandLoop(docs, repo, mgr, bot, ws, self, &channel, cfg.DirectoryLimit)

	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	if api != nil {
		go heartbeatLoop(hbCtx, api, self.ID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	_ = ws.Close(context.Background())
	_ = docs.Close()
	if repo != nil {
		_ = repo.Close()
	}
}

func heartbeatLoop(ctx context.Context, api *profileapi.Client, userID string) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := api.Heartbeat(ctx, userID); err != nil {
				obslog.L().Warn("heartbeat_failed", zap.Error(err))
			}
		}
	}
}

func archiveResult(ctx context.Context, repo *archive.Repository, g *gamedto.Session, method string) {
	if repo == nil || g == nil {
		return
	}
	if err := repo.SaveResult(ctx, g, method); err != nil {
		obslog.L().Warn("archive_save_failed", zap.String("session_id", g.ID), zap.Error(err))
		return
	}
	if _, err := repo.UpdateRatings(ctx, g); err != nil {
		obslog.L().Warn("rating_update_failed", zap.String("session_id", g.ID), zap.Error(err))
	}
}

func commandLoop(docs *store.Store, repo *archive.Repository, mgr *session.Manager, bot *botgame.Manager, ws *transport.WebSocket, self *gamedto.UserDoc, channel **chat.Channel, directoryLimit int) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		switch fields[0] {
		case "opponents":
			players, err := docs.ListOpponents(ctx, []string{self.PlayerID})
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			if directoryLimit > 0 && len(players) > directoryLimit {
				players = players[:directoryLimit]
			}
			for _, p := range players {
				fmt.Printf("%s (%d)\n", p.Username, p.Rating)
			}
		case "invite":
			if len(fields) < 2 {
				fmt.Println("usage: invite <player-id>")
				break
			}
			players, err := docs.ListOpponents(ctx, nil)
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			for _, p := range players {
				if p.ID != fields[1] {
					continue
				}
				g, err := mgr.Create(ctx, p)
				if err != nil {
					fmt.Println("error:", err)
					break
				}
				*channel = chat.NewChannel(ws, g.ID, self.Username)
				fmt.Println("invited", p.Username, "game", g.ID)
			}
		case "invites":
			invites, err := docs.Invites(ctx, self.ID)
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			for _, inv := range invites {
				fmt.Printf("%s from %s\n", inv.ID, inv.FromUsername)
			}
		case "join":
			if len(fields) < 2 {
				fmt.Println("usage: join <invite-id>")
				break
			}
			invites, err := docs.Invites(ctx, self.ID)
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			for _, inv := range invites {
				if inv.ID != fields[1] {
					continue
				}
				g, err := mgr.Join(ctx, inv)
				if err != nil {
					fmt.Println("error:", err)
					break
				}
				*channel = chat.NewChannel(ws, g.ID, self.Username)
				fmt.Println("joined game", g.ID)
			}
		case "move":
			if len(fields) < 3 {
				fmt.Println("usage: move <from> <to>")
				break
			}
			pipeline := mgr.Pipeline()
			if pipeline == nil {
				pipeline = bot.Pipeline()
			}
			if pipeline == nil {
				fmt.Println("no active game")
				break
			}
			outcome, err := pipeline.AttemptMove(ctx, fields[1], fields[2])
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			fmt.Println(pipeline.Snapshot().FEN)
			if outcome.Terminal() {
				method := outcome.Reason
				if outcome.Kind == board.Checkmate {
					method = "checkmate"
				}
				fmt.Println("game over:", method)
				if mgr.Session() != nil {
					final, err := mgr.Close(ctx)
					if err != nil {
						fmt.Println("close error:", err)
						break
					}
					archiveResult(ctx, repo, final, method)
				} else if err := bot.Close(ctx); err != nil {
					fmt.Println("close error:", err)
				}
			}
		case "say":
			if *channel == nil {
				fmt.Println("no active game")
				break
			}
			if _, err := (*channel).Send(ctx, strings.Join(fields[1:], " ")); err != nil {
				fmt.Println("send error:", err)
			}
		case "bot":
			difficulty, help := "medium", "assisted"
			if len(fields) > 1 {
				difficulty = fields[1]
			}
			if len(fields) > 2 {
				help = fields[2]
			}
			g, err := bot.Start(ctx, difficulty, help)
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			fmt.Println("bot game", g.ID)
		case "hint":
			hint, err := bot.Hint(ctx)
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			fmt.Printf("try %s%s (%s)\n", hint.From, hint.To, hint.SAN)
		case "undo":
			if _, err := bot.Undo(ctx); err != nil {
				fmt.Println("error:", err)
			}
		case "forfeit":
			final, err := mgr.Forfeit(ctx)
			if errors.Is(err, session.ErrNoSession) {
				err = bot.Forfeit(ctx)
			} else if err == nil {
				archiveResult(ctx, repo, final, "forfeit")
			}
			if err != nil {
				fmt.Println("error:", err)
			}
		case "top":
			if repo == nil {
				fmt.Println("no archive configured")
				break
			}
			entries, err := repo.Leaderboard(ctx, directoryLimit)
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			for i, e := range entries {
				fmt.Printf("%d. %s %d (%d/%d/%d)\n", i+1, e.Username, e.Rating, e.Wins, e.Losses, e.Draws)
			}
		case "exit":
			if err := mgr.Exit(ctx); err != nil {
				fmt.Println("error:", err)
			}
		default:
			fmt.Println("commands: opponents invite invites join move say bot hint undo forfeit exit top")
		}
		cancel()
	}
}
