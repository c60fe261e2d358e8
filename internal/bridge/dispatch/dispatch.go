// Package dispatch pushes message notifications onto the SSE streams of
// eligible sessions.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/agorai/agorai/internal/bridge/bus"
	"github.com/agorai/agorai/internal/bridge/session"
	"github.com/agorai/agorai/internal/bridge/store"
	"github.com/agorai/agorai/internal/bridge/visibility"
	"github.com/agorai/agorai/internal/metrics"
)

// previewLimit is the maximum rune count of a notification's content
// preview.
const previewLimit = 200

// Dispatcher fans committed messages out to live sessions. Delivery is
// best-effort; agents recover anything missed by polling.
type Dispatcher struct {
	store    *store.Store
	sessions *session.Manager
	log      *slog.Logger
}

func New(st *store.Store, sessions *session.Manager, log *slog.Logger) *Dispatcher {
	return &Dispatcher{store: st, sessions: sessions, log: log}
}

// Start subscribes the dispatcher to the bus. The returned function
// detaches it.
func (d *Dispatcher) Start(b *bus.Bus) (stop func()) {
	return b.Subscribe(d.handle)
}

type notificationParams struct {
	ConversationID string           `json:"conversationId"`
	MessageID      string           `json:"messageId"`
	FromAgent      string           `json:"fromAgent"`
	Type           string           `json:"type"`
	Visibility     visibility.Level `json:"visibility"`
	ContentPreview string           `json:"contentPreview"`
	CreatedAt      string           `json:"createdAt"`
}

type notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  notificationParams `json:"params"`
}

func (d *Dispatcher) handle(msg store.Message) {
	ctx := context.Background()

	subs, err := d.store.ListSubscribers(ctx, msg.ConversationID)
	if err != nil {
		d.log.Error("dispatch: list subscribers", slog.Any("error", err))
		return
	}
	if len(subs) == 0 {
		return
	}
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.AgentID)
	}
	agents, err := d.store.ListAgentsByIDs(ctx, ids)
	if err != nil {
		d.log.Error("dispatch: list agents", slog.Any("error", err))
		return
	}

	payload, err := json.Marshal(notification{
		JSONRPC: "2.0",
		Method:  "notifications/message",
		Params: notificationParams{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			FromAgent:      msg.FromAgent,
			Type:           msg.Type,
			Visibility:     msg.Visibility,
			ContentPreview: preview(msg.Content),
			CreatedAt:      msg.CreatedAt,
		},
	})
	if err != nil {
		d.log.Error("dispatch: encode notification", slog.Any("error", err))
		return
	}

	for _, agent := range agents {
		if agent.ID == msg.FromAgent {
			continue
		}
		if !visibility.CanSee(agent.ClearanceLevel, msg.Visibility) {
			continue
		}
		for _, s := range d.sessions.ForAgent(agent.ID) {
			if s.Push(payload) {
				metrics.NotificationsPushed.Inc()
			} else {
				metrics.NotificationsDropped.Inc()
			}
		}
	}
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit]) + "…"
}
