package store

import (
	"encoding/json"
	"strings"

	"github.com/agorai/agorai/internal/bridge/visibility"
)

// Agent is a registered principal. Clearance and key hash are only ever
// written through registration; client tools cannot touch them.
type Agent struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Type           string           `json:"type"`
	Capabilities   []string         `json:"capabilities"`
	ClearanceLevel visibility.Level `json:"clearanceLevel"`
	APIKeyHash     string           `json:"-"`
	LastSeenAt     string           `json:"lastSeenAt"`
	CreatedAt      string           `json:"createdAt"`
}

// AgentRegistration is the input to RegisterAgent. Registration is an
// upsert keyed by Name.
type AgentRegistration struct {
	Name           string
	Type           string
	Capabilities   []string
	ClearanceLevel visibility.Level
	APIKeyHash     string
}

// ConfidentialityMode is a per-project policy that shapes the
// instructions embedded in every message's bridge metadata.
type ConfidentialityMode string

const (
	ModeNormal   ConfidentialityMode = "normal"
	ModeStrict   ConfidentialityMode = "strict"
	ModeFlexible ConfidentialityMode = "flexible"
)

type Project struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Description         string              `json:"description,omitempty"`
	Visibility          visibility.Level    `json:"visibility"`
	ConfidentialityMode ConfidentialityMode `json:"confidentialityMode"`
	CreatedBy           string              `json:"createdBy"`
	CreatedAt           string              `json:"createdAt"`
	UpdatedAt           string              `json:"updatedAt"`
}

type MemoryEntry struct {
	ID         string           `json:"id"`
	ProjectID  string           `json:"projectId"`
	Type       string           `json:"type"`
	Title      string           `json:"title"`
	Tags       []string         `json:"tags"`
	Priority   string           `json:"priority"`
	Visibility visibility.Level `json:"visibility"`
	Content    string           `json:"content"`
	CreatedBy  string           `json:"createdBy"`
	CreatedAt  string           `json:"createdAt"`
	UpdatedAt  string           `json:"updatedAt"`
}

type Conversation struct {
	ID                string           `json:"id"`
	ProjectID         string           `json:"projectId"`
	Title             string           `json:"title"`
	Status            string           `json:"status"`
	DefaultVisibility visibility.Level `json:"defaultVisibility"`
	CreatedBy         string           `json:"createdBy"`
	CreatedAt         string           `json:"createdAt"`
	UpdatedAt         string           `json:"updatedAt"`
}

// HistoryAccess controls how much conversation history a subscriber may
// read.
type HistoryAccess string

const (
	HistoryFull     HistoryAccess = "full"
	HistoryFromJoin HistoryAccess = "from_join"
)

type Subscription struct {
	ConversationID string        `json:"conversationId"`
	AgentID        string        `json:"agentId"`
	HistoryAccess  HistoryAccess `json:"historyAccess"`
	JoinedAt       string        `json:"joinedAt"`
}

// Instructions is the confidentiality guidance the bridge attaches to
// every committed message.
type Instructions struct {
	Mode            ConfidentialityMode `json:"mode"`
	Confidentiality string              `json:"confidentiality"`
}

// BridgeMetadata is server-authored and trusted. It never shares a type
// with the sender-supplied agent metadata.
type BridgeMetadata struct {
	Visibility         visibility.Level  `json:"visibility"`
	SenderClearance    visibility.Level  `json:"senderClearance"`
	VisibilityCapped   bool              `json:"visibilityCapped"`
	OriginalVisibility *visibility.Level `json:"originalVisibility,omitempty"`
	Timestamp          string            `json:"timestamp"`
	Instructions       Instructions      `json:"instructions"`
}

type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	FromAgent      string           `json:"fromAgent"`
	Type           string           `json:"type"`
	Visibility     visibility.Level `json:"visibility"`
	Content        string           `json:"content"`
	AgentMetadata  json.RawMessage  `json:"agentMetadata,omitempty"`
	BridgeMetadata BridgeMetadata   `json:"bridgeMetadata"`
	CreatedAt      string           `json:"createdAt"`
}

// OutgoingMessage is the input to SendMessage. Visibility is a request;
// the store caps it at the sender's clearance.
type OutgoingMessage struct {
	ConversationID string
	FromAgent      string
	Type           string
	Visibility     visibility.Level
	Content        string
	Metadata       map[string]json.RawMessage
}

type HighWaterMark struct {
	AgentID       string           `json:"agentId"`
	ProjectID     string           `json:"projectId"`
	MaxVisibility visibility.Level `json:"maxVisibility"`
	UpdatedAt     string           `json:"updatedAt"`
}

// MessageFilter narrows GetMessages.
type MessageFilter struct {
	Since      string // exclusive lower bound on created_at
	UnreadOnly bool
	Limit      int
}

// MemoryFilter narrows GetMemory.
type MemoryFilter struct {
	Type  string
	Tags  []string
	Limit int
}

// stripForgedKeys removes sender-supplied metadata keys that try to pose
// as bridge metadata: any top-level key whose name, after an optional
// leading underscore, starts with "bridge" (case-insensitive).
func stripForgedKeys(meta map[string]json.RawMessage) map[string]json.RawMessage {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(meta))
	for k, v := range meta {
		name := strings.ToLower(strings.TrimPrefix(k, "_"))
		if strings.HasPrefix(name, "bridge") {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// instructionsFor builds the pre-computed confidentiality string for a
// project's mode.
func instructionsFor(mode ConfidentialityMode) Instructions {
	var text string
	switch mode {
	case ModeStrict:
		text = "bridge enforces strict confidentiality: never restate or summarize content for agents below its visibility level"
	case ModeFlexible:
		text = "any visibility level may be used; apply sender judgment when sharing"
	default:
		text = "bridge enforces visibility rules; messages are only delivered to agents with sufficient clearance"
	}
	return Instructions{Mode: mode, Confidentiality: text}
}
