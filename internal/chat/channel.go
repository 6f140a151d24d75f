// Package chat is the in-game messaging channel: the same optimistic
// send/rollback discipline as the move pipeline, applied to chat payloads.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chesslink/client-go/internal/obslog"
	"github.com/chesslink/client-go/internal/transport"
	"github.com/chesslink/client-go/pkg/gamedto"
)

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrNoSuchMessage  = errors.New("message not found")
	ErrNotRetryable   = errors.New("message is not in error state")
	ErrNoSessionBound = errors.New("no session bound to channel")
)

const sentAtLayout = "15:04"

// Channel manages one session's chat: optimistic local sends, retries, and
// inbound messages from the remote participant. The unread counter tracks
// inbound messages while the panel is collapsed.
type Channel struct {
	mu sync.Mutex

	caller    transport.Caller
	sessionID string
	sender    string

	messages  []gamedto.ChatMessage
	unread    int
	panelOpen bool

	now func() time.Time
}

func NewChannel(caller transport.Caller, sessionID, sender string) *Channel {
	return &Channel{
		caller:    caller,
		sessionID: sessionID,
		sender:    sender,
		now:       time.Now,
	}
}

// Messages returns a copy of the visible message list.
func (c *Channel) Messages() []gamedto.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]gamedto.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Unread returns the count of inbound messages since the panel closed.
func (c *Channel) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// SetPanelOpen tracks the panel state; opening resets the unread counter.
func (c *Channel) SetPanelOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.panelOpen = open
	if open {
		c.unread = 0
	}
}

// Send appends the message in sending state before attempting delivery,
// then flips it to delivered or error based on the transport outcome. The
// message id is returned either way so a failed send can be retried.
func (c *Channel) Send(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyMessage
	}
	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		return "", ErrNoSessionBound
	}
	msg := gamedto.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: c.sessionID,
		Sender:    c.sender,
		Text:      text,
		SentAt:    c.now().Format(sentAtLayout),
		Status:    gamedto.MessageSending,
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	return msg.ID, c.deliver(ctx, msg)
}

// Retry re-sends a failed message: the failed entry is removed, and exactly
// one new entry with a fresh identity goes through the send path.
func (c *Channel) Retry(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	idx := -1
	for i, msg := range c.messages {
		if msg.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return "", ErrNoSuchMessage
	}
	failed := c.messages[idx]
	if failed.Status != gamedto.MessageError {
		c.mu.Unlock()
		return "", ErrNotRetryable
	}
	c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
	c.mu.Unlock()

	return c.Send(ctx, failed.Text)
}

// Receive appends an inbound message from the remote participant and bumps
// the unread counter while the panel is collapsed.
func (c *Channel) Receive(msg gamedto.ChatMessage) {
	msg.Status = gamedto.MessageReceived
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	if !c.panelOpen {
		c.unread++
	}
	c.mu.Unlock()
}

// HandleEvent routes an inGameMessage transport event into the channel.
func (c *Channel) HandleEvent(ev gamedto.Ack) {
	if ev.Op != transport.OpInGameMessage {
		return
	}
	var msg gamedto.ChatMessage
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		obslog.L().Warn("bad_chat_event", zap.Error(err))
		return
	}
	c.mu.Lock()
	bound := msg.SessionID == c.sessionID
	c.mu.Unlock()
	if bound {
		c.Receive(msg)
	}
}

func (c *Channel) deliver(ctx context.Context, msg gamedto.ChatMessage) error {
	_, err := c.caller.Call(ctx, transport.OpInGameMessage, msg)

	status := gamedto.MessageDelivered
	if err != nil {
		status = gamedto.MessageError
	}
	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].ID == msg.ID {
			c.messages[i].Status = status
			break
		}
	}
	c.mu.Unlock()

	if err != nil {
		obslog.L().Warn("chat_send_failed", zap.String("message_id", msg.ID), zap.Error(err))
		return err
	}
	return nil
}
