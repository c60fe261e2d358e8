// Package runner hosts bridge-internal agents: loops that poll their
// subscribed conversations, hand unread context to a model adapter, and
// post the reply back.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agorai/agorai/internal/bridge/bus"
	"github.com/agorai/agorai/internal/bridge/store"
	"github.com/agorai/agorai/internal/bridge/visibility"
	"github.com/agorai/agorai/internal/metrics"
)

// Mode controls when the agent replies.
type Mode string

const (
	// ModeActive replies to any unread message from another agent.
	ModeActive Mode = "active"
	// ModePassive replies only when mentioned as @<name>.
	ModePassive Mode = "passive"
)

const (
	defaultPollInterval = 3 * time.Second
	heartbeatInterval   = 30 * time.Second
	contextWindow       = 20
)

// Config describes one internal agent.
type Config struct {
	Name         string
	Type         string
	Mode         Mode
	PollInterval time.Duration
	SystemPrompt string
	Capabilities []string
}

// Runner drives one internal agent against the store directly; no HTTP
// round trip is involved.
type Runner struct {
	store   *store.Store
	adapter Adapter
	cfg     Config
	log     *slog.Logger

	agentID string
	mention *regexp.Regexp

	mu      sync.Mutex
	pending map[string]bool
	tracked map[string]bool
}

func New(st *store.Store, adapter Adapter, cfg Config, log *slog.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePassive
	}
	if cfg.Type == "" {
		cfg.Type = "internal"
	}
	return &Runner{
		store:   st,
		adapter: adapter,
		cfg:     cfg,
		log:     log.With(slog.String("agent", cfg.Name)),
		mention: regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(cfg.Name)),
		pending: make(map[string]bool),
		tracked: make(map[string]bool),
	}
}

// Run registers the agent, wires the bus listener, and loops until the
// context is cancelled.
func (r *Runner) Run(ctx context.Context, b *bus.Bus) error {
	agent, err := r.store.RegisterAgent(ctx, store.AgentRegistration{
		Name:           r.cfg.Name,
		Type:           r.cfg.Type,
		Capabilities:   r.cfg.Capabilities,
		ClearanceLevel: visibility.Team,
		APIKeyHash:     "internal:" + r.cfg.Name,
	})
	if err != nil {
		return fmt.Errorf("register internal agent: %w", err)
	}
	r.agentID = agent.ID

	if b != nil {
		unsubscribe := b.Subscribe(func(msg store.Message) {
			if msg.FromAgent == r.agentID {
				return
			}
			r.mu.Lock()
			r.pending[msg.ConversationID] = true
			r.mu.Unlock()
		})
		defer unsubscribe()
	}

	r.log.Info("internal agent running", slog.String("mode", string(r.cfg.Mode)))

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	lastHeartbeat := time.Now()

	for {
		if time.Since(lastHeartbeat) >= heartbeatInterval {
			r.log.Debug("heartbeat", slog.Int("tracked", len(r.tracked)))
			lastHeartbeat = time.Now()
		}
		if err := r.store.UpdateAgentLastSeen(ctx, r.agentID); err != nil {
			r.log.Warn("update last seen", slog.Any("error", err))
		}

		r.discover(ctx)
		for _, convID := range r.drainPending() {
			r.processConversation(ctx, convID)
		}
		for convID := range r.tracked {
			r.processConversation(ctx, convID)
		}

		select {
		case <-ctx.Done():
			r.log.Info("internal agent stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// discover subscribes to any conversation the agent can see but does
// not track yet.
func (r *Runner) discover(ctx context.Context) {
	projects, err := r.store.ListProjects(ctx, r.agentID)
	if err != nil {
		r.log.Warn("discover projects", slog.Any("error", err))
		return
	}
	for _, project := range projects {
		conversations, err := r.store.ListConversations(ctx, project.ID, r.agentID)
		if err != nil {
			r.log.Warn("discover conversations", slog.String("project_id", project.ID), slog.Any("error", err))
			continue
		}
		for _, conv := range conversations {
			if r.tracked[conv.ID] {
				continue
			}
			if _, err := r.store.Subscribe(ctx, conv.ID, r.agentID, store.HistoryFull); err != nil {
				r.log.Warn("subscribe", slog.String("conversation_id", conv.ID), slog.Any("error", err))
				continue
			}
			r.tracked[conv.ID] = true
		}
	}
}

// drainPending empties the pending set, keeping only conversations we
// track.
func (r *Runner) drainPending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		if r.tracked[id] {
			out = append(out, id)
		}
	}
	r.pending = make(map[string]bool)
	return out
}

func (r *Runner) processConversation(ctx context.Context, convID string) {
	unread, err := r.store.GetMessages(ctx, convID, r.agentID, store.MessageFilter{
		UnreadOnly: true,
		Limit:      contextWindow,
	})
	if err != nil {
		r.log.Warn("fetch unread", slog.String("conversation_id", convID), slog.Any("error", err))
		metrics.RunnerRounds.WithLabelValues(r.cfg.Name, "error").Inc()
		return
	}
	if len(unread) == 0 {
		return
	}

	ids := make([]string, 0, len(unread))
	others := 0
	mentioned := false
	for _, m := range unread {
		ids = append(ids, m.ID)
		if m.FromAgent != r.agentID {
			others++
			if r.mention.MatchString(m.Content) {
				mentioned = true
			}
		}
	}

	// Only our own messages: mark and move on, never reply to ourselves.
	if others == 0 {
		r.markRead(ctx, ids)
		metrics.RunnerRounds.WithLabelValues(r.cfg.Name, "skipped").Inc()
		return
	}
	if r.cfg.Mode == ModePassive && !mentioned {
		r.markRead(ctx, ids)
		metrics.RunnerRounds.WithLabelValues(r.cfg.Name, "skipped").Inc()
		return
	}

	window, err := r.store.GetMessages(ctx, convID, r.agentID, store.MessageFilter{Limit: contextWindow})
	if err != nil {
		r.log.Warn("fetch context", slog.String("conversation_id", convID), slog.Any("error", err))
		metrics.RunnerRounds.WithLabelValues(r.cfg.Name, "error").Inc()
		return
	}

	resp, err := r.adapter.Generate(ctx, Request{
		Prompt:       r.renderContext(ctx, window),
		SystemPrompt: r.cfg.SystemPrompt,
	})
	if err != nil {
		// Not marked read: these messages are retried next round.
		r.log.Warn("adapter failed", slog.String("conversation_id", convID), slog.Any("error", err))
		metrics.RunnerRounds.WithLabelValues(r.cfg.Name, "error").Inc()
		return
	}

	if _, err := r.store.SendMessage(ctx, store.OutgoingMessage{
		ConversationID: convID,
		FromAgent:      r.agentID,
		Type:           "message",
		Visibility:     visibility.Team,
		Content:        resp.Content,
	}); err != nil {
		r.log.Warn("send reply", slog.String("conversation_id", convID), slog.Any("error", err))
		metrics.RunnerRounds.WithLabelValues(r.cfg.Name, "error").Inc()
		return
	}

	// Only after the reply landed.
	r.markRead(ctx, ids)
	metrics.RunnerRounds.WithLabelValues(r.cfg.Name, "replied").Inc()
}

// renderContext formats the message window as "[sender]: content"
// blocks. Sender names are looked up once per distinct agent; our own
// messages render as "you".
func (r *Runner) renderContext(ctx context.Context, window []store.Message) string {
	names := map[string]string{r.agentID: "you"}
	blocks := make([]string, 0, len(window))
	for _, m := range window {
		name, ok := names[m.FromAgent]
		if !ok {
			if agent, err := r.store.GetAgent(ctx, m.FromAgent); err == nil {
				name = agent.Name
			} else {
				name = m.FromAgent
			}
			names[m.FromAgent] = name
		}
		blocks = append(blocks, fmt.Sprintf("[%s]: %s", name, m.Content))
	}
	return strings.Join(blocks, "\n\n")
}

func (r *Runner) markRead(ctx context.Context, ids []string) {
	if _, err := r.store.MarkRead(ctx, r.agentID, ids); err != nil {
		r.log.Warn("mark read", slog.Any("error", err))
	}
}
