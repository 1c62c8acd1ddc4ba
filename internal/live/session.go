// Package live turns change ticks into scoped, re-fetched payloads for
// one connected client. A session owns its subscription state outright:
// only its own control stream mutates it, so no locking is involved.
package live

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Napageneral/pulse/imessage"
	"github.com/Napageneral/pulse/internal/hub"
)

// Control message types accepted from the client.
const (
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
)

// Control is an inbound subscription command.
type Control struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
}

// MessagesUpdate is pushed when the archive changes and the session has a
// chat filter set.
type MessagesUpdate struct {
	Type      string             `json:"type"`
	ChatID    int64              `json:"chatId"`
	Messages  []imessage.Message `json:"messages"`
	Total     int64              `json:"total"`
	Timestamp int64              `json:"timestamp"`
}

// DBChanged is pushed when the archive changes and no chat filter is set.
type DBChanged struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorEvent is pushed when a refetch fails. The session stays open.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Pusher delivers outbound payloads to the client. A returned error means
// the client is unreachable and ends the session.
type Pusher interface {
	Push(v any) error
}

// PushFunc adapts a function to the Pusher interface.
type PushFunc func(v any) error

func (f PushFunc) Push(v any) error { return f(v) }

// DefaultPageSize bounds the refetch pushed on each change tick.
const DefaultPageSize = 50

// Session is the per-connection state machine.
type Session struct {
	id       string
	store    *imessage.Store
	sub      *hub.Subscription
	log      *zap.Logger
	pageSize int64

	// Subscription state, owned by Run's goroutine.
	chatID     int64
	subscribed bool
}

// NewSession binds a broadcast subscription to a store. pageSize <= 0
// picks DefaultPageSize.
func NewSession(store *imessage.Store, sub *hub.Subscription, pageSize int64, log *zap.Logger) *Session {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		store:    store,
		sub:      sub,
		log:      log.With(zap.String("session", id)),
		pageSize: pageSize,
	}
}

// ID returns the session's identifier, used in logs.
func (s *Session) ID() string {
	return s.id
}

// Run drives the session until the control stream ends (client closed),
// a push fails (client unreachable), the hub closes, or ctx is
// cancelled. The broadcast subscription is released on exit.
func (s *Session) Run(ctx context.Context, controls <-chan Control, push Pusher) {
	defer s.sub.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ctrl, ok := <-controls:
			if !ok {
				s.log.Info("client closed control stream")
				return
			}
			s.applyControl(ctrl)

		case tick, ok := <-s.sub.C:
			if !ok {
				s.log.Info("broadcast closed, ending session")
				return
			}
			if lag := s.sub.Lagged(); lag > 0 {
				// Stale is fine: the refetch below reads current state.
				s.log.Warn("session lagged", zap.Uint64("missed", lag))
			}
			if err := s.handleTick(tick.Timestamp, push); err != nil {
				s.log.Warn("push failed, client disconnected", zap.Error(err))
				return
			}
		}
	}
}

func (s *Session) applyControl(ctrl Control) {
	switch ctrl.Type {
	case ControlSubscribe:
		s.chatID = ctrl.ChatID
		s.subscribed = true
		s.log.Info("subscribed to chat", zap.Int64("chat_id", ctrl.ChatID))
	case ControlUnsubscribe:
		s.subscribed = false
		s.log.Info("unsubscribed from chat")
	}
}

// handleTick performs at most one refetch per processed tick. A fetch
// error is reported to the client but does not end the session; only a
// failed push does.
func (s *Session) handleTick(timestamp int64, push Pusher) error {
	if !s.subscribed {
		return push.Push(DBChanged{Type: "db_changed", Timestamp: timestamp})
	}

	page, err := s.store.Messages(s.chatID, s.pageSize, 0)
	if err != nil {
		s.log.Warn("refetch failed", zap.Int64("chat_id", s.chatID), zap.Error(err))
		return push.Push(ErrorEvent{
			Type:    "error",
			Message: fmt.Sprintf("Failed to fetch messages: %v", err),
		})
	}

	return push.Push(MessagesUpdate{
		Type:      "messages_update",
		ChatID:    s.chatID,
		Messages:  page.Messages,
		Total:     page.Total,
		Timestamp: timestamp,
	})
}
