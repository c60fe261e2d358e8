package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/agorai/agorai/internal/bridge/store"
	"github.com/agorai/agorai/internal/client"
	"github.com/agorai/agorai/internal/logging"
	"github.com/agorai/agorai/internal/runner"
)

const (
	agentSweepInterval  = 5 * time.Second
	agentContextWindow  = 20
	healthProbeInterval = 5 * time.Second
)

// runAgent connects to a remote bridge as an external agent: it watches
// its subscribed conversations over the MCP endpoint and replies through
// a chat completions backend. The in-process equivalent lives in
// internal/runner; this loop speaks only the public tool surface.
func runAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	bridgeURL := fs.String("bridge", "http://127.0.0.1:4410", "bridge URL")
	apiKey := fs.String("key", os.Getenv("AGORAI_API_KEY"), "bridge API key (or AGORAI_API_KEY)")
	mode := fs.String("mode", "passive", "reply mode: active or passive")
	chatURL := fs.String("chat-url", "", "chat completions endpoint URL")
	chatKey := fs.String("chat-key", os.Getenv("AGORAI_CHAT_KEY"), "chat endpoint API key (or AGORAI_CHAT_KEY)")
	model := fs.String("model", "", "chat model name")
	systemPrompt := fs.String("system-prompt", "", "system prompt for the chat backend")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}
	if *apiKey == "" {
		return fmt.Errorf("an API key is required (-key or AGORAI_API_KEY)")
	}
	if *chatURL == "" {
		return fmt.Errorf("-chat-url is required")
	}
	if *mode != "active" && *mode != "passive" {
		return fmt.Errorf("mode must be active or passive, got %q", *mode)
	}

	logging.PrintBanner("agent", version, *bridgeURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(*bridgeURL, *apiKey)
	if err := connectWithRetry(ctx, c); err != nil {
		return err
	}
	defer func() { _ = c.Close(context.Background()) }()

	a := &remoteAgent{
		client: c,
		adapter: runner.NewHTTPChat(runner.HTTPChatConfig{
			URL:    *chatURL,
			APIKey: *chatKey,
			Model:  *model,
		}),
		passive: *mode == "passive",
		system:  *systemPrompt,
		log:     slog.Default(),
		names:   make(map[string]string),
		known:   make(map[string]bool),
	}
	if err := a.identify(ctx); err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	slog.Info("agent connected",
		"name", a.name,
		"bridge", *bridgeURL,
		"mode", *mode,
	)

	health := make(chan error, 1)
	go func() { health <- c.MonitorHealth(ctx, healthProbeInterval) }()

	return a.run(ctx, health)
}

// connectWithRetry performs the MCP handshake, backing off while the
// bridge is unreachable.
func connectWithRetry(ctx context.Context, c *client.Client) error {
	bo := client.NewBackoff()
	for {
		err := c.Initialize(ctx)
		if err == nil {
			bo.Succeed()
			return nil
		}
		slog.Warn("bridge handshake failed, retrying", "error", err)
		if werr := bo.Wait(ctx); werr != nil {
			return werr
		}
	}
}

type remoteAgent struct {
	client  *client.Client
	adapter runner.Adapter
	passive bool
	system  string
	log     *slog.Logger

	id      string
	name    string
	mention *regexp.Regexp
	names   map[string]string // agent ID -> display name
	known   map[string]bool   // conversation IDs already subscribed
}

// identify resolves our own agent record so replies can be filtered out
// and mentions matched against the bridge-side name.
func (a *remoteAgent) identify(ctx context.Context) error {
	var status struct {
		Agent store.Agent `json:"agent"`
	}
	if err := a.callInto(ctx, "get_status", nil, &status); err != nil {
		return err
	}
	a.id = status.Agent.ID
	a.name = status.Agent.Name
	a.mention = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(a.name))
	return nil
}

// run processes notification events as they arrive and sweeps all
// subscribed conversations on a timer, until the context is cancelled
// or the bridge is declared unhealthy.
func (a *remoteAgent) run(ctx context.Context, health <-chan error) error {
	events, err := a.notificationsWithRetry(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(agentSweepInterval)
	defer ticker.Stop()

	a.discover(ctx)
	a.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("agent stopping")
			return nil
		case err := <-health:
			return err
		case raw, ok := <-events:
			if !ok {
				// Stream ended; the bridge may have restarted.
				events, err = a.notificationsWithRetry(ctx)
				if err != nil {
					return err
				}
				continue
			}
			var note struct {
				Method string `json:"method"`
				Params struct {
					ConversationID string `json:"conversationId"`
				} `json:"params"`
			}
			if err := json.Unmarshal(raw, &note); err != nil || note.Method != "notifications/message" {
				continue
			}
			a.handle(ctx, note.Params.ConversationID)
		case <-ticker.C:
			a.discover(ctx)
			a.sweep(ctx)
		}
	}
}

func (a *remoteAgent) notificationsWithRetry(ctx context.Context) (<-chan json.RawMessage, error) {
	bo := client.NewBackoff()
	for {
		events, err := a.client.Notifications(ctx)
		if err == nil {
			bo.Succeed()
			return events, nil
		}
		a.log.Warn("notification stream failed, retrying", "error", err)
		if werr := bo.Wait(ctx); werr != nil {
			return nil, werr
		}
	}
}

// discover subscribes to every conversation visible to us that we do
// not follow yet, and refreshes the agent name cache.
func (a *remoteAgent) discover(ctx context.Context) {
	var agents struct {
		Agents []store.Agent `json:"agents"`
	}
	if err := a.callInto(ctx, "list_agents", nil, &agents); err == nil {
		for _, ag := range agents.Agents {
			a.names[ag.ID] = ag.Name
		}
	}

	var projects struct {
		Projects []store.Project `json:"projects"`
	}
	if err := a.callInto(ctx, "list_projects", nil, &projects); err != nil {
		a.log.Warn("list projects", "error", err)
		return
	}
	for _, p := range projects.Projects {
		var conversations struct {
			Conversations []store.Conversation `json:"conversations"`
		}
		err := a.callInto(ctx, "list_conversations", map[string]any{"project_id": p.ID}, &conversations)
		if err != nil {
			a.log.Warn("list conversations", "project_id", p.ID, "error", err)
			continue
		}
		for _, conv := range conversations.Conversations {
			if a.known[conv.ID] {
				continue
			}
			if _, err := a.client.CallToolText(ctx, "subscribe", map[string]any{"conversation_id": conv.ID}); err != nil {
				a.log.Warn("subscribe", "conversation_id", conv.ID, "error", err)
				continue
			}
			a.known[conv.ID] = true
		}
	}
}

// sweep handles every subscribed conversation with unread messages.
func (a *remoteAgent) sweep(ctx context.Context) {
	var status struct {
		Conversations []struct {
			ConversationID string `json:"conversationId"`
			Unread         int    `json:"unread"`
		} `json:"conversations"`
	}
	if err := a.callInto(ctx, "get_status", nil, &status); err != nil {
		a.log.Warn("get status", "error", err)
		return
	}
	for _, conv := range status.Conversations {
		a.known[conv.ConversationID] = true
		if conv.Unread > 0 {
			a.handle(ctx, conv.ConversationID)
		}
	}
}

// handle reads a conversation's unread messages and replies when the
// mode calls for it. Messages are marked read only after a reply lands,
// so a failed chat round is retried on the next sweep.
func (a *remoteAgent) handle(ctx context.Context, convID string) {
	unread, err := a.messages(ctx, convID, map[string]any{
		"conversation_id": convID,
		"unread_only":     true,
		"limit":           agentContextWindow,
	})
	if err != nil {
		a.log.Warn("fetch unread", "conversation_id", convID, "error", err)
		return
	}
	if len(unread) == 0 {
		return
	}
	lastID := unread[len(unread)-1].ID

	others := 0
	mentioned := false
	for _, m := range unread {
		if m.FromAgent != a.id {
			others++
			if a.mention.MatchString(m.Content) {
				mentioned = true
			}
		}
	}
	if others == 0 || (a.passive && !mentioned) {
		a.markRead(ctx, convID, lastID)
		return
	}

	window, err := a.messages(ctx, convID, map[string]any{
		"conversation_id": convID,
		"limit":           agentContextWindow,
	})
	if err != nil {
		a.log.Warn("fetch context", "conversation_id", convID, "error", err)
		return
	}

	resp, err := a.adapter.Generate(ctx, runner.Request{
		Prompt:       a.renderContext(window),
		SystemPrompt: a.system,
	})
	if err != nil {
		a.log.Warn("chat backend failed", "conversation_id", convID, "error", err)
		return
	}

	_, err = a.client.CallToolText(ctx, "send_message", map[string]any{
		"conversation_id": convID,
		"content":         resp.Content,
	})
	if err != nil {
		a.log.Warn("send reply", "conversation_id", convID, "error", err)
		return
	}
	a.markRead(ctx, convID, lastID)
}

func (a *remoteAgent) messages(ctx context.Context, convID string, args map[string]any) ([]store.Message, error) {
	var out struct {
		Messages []store.Message `json:"messages"`
	}
	if err := a.callInto(ctx, "get_messages", args, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (a *remoteAgent) renderContext(window []store.Message) string {
	blocks := make([]string, 0, len(window))
	for _, m := range window {
		name := a.names[m.FromAgent]
		if m.FromAgent == a.id {
			name = "you"
		} else if name == "" {
			name = m.FromAgent
		}
		blocks = append(blocks, fmt.Sprintf("[%s]: %s", name, m.Content))
	}
	return strings.Join(blocks, "\n\n")
}

func (a *remoteAgent) markRead(ctx context.Context, convID, upTo string) {
	_, err := a.client.CallToolText(ctx, "mark_read", map[string]any{
		"conversation_id":  convID,
		"up_to_message_id": upTo,
	})
	if err != nil {
		a.log.Warn("mark read", "conversation_id", convID, "error", err)
	}
}

// callInto invokes a tool and decodes its JSON text payload.
func (a *remoteAgent) callInto(ctx context.Context, tool string, args map[string]any, out any) error {
	text, err := a.client.CallToolText(ctx, tool, args)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(text), out)
}
