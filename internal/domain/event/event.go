// Package event defines the conversation event record persisted by every
// storage backend, together with its per-type metadata contracts.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Type identifies the kind of conversation event.
type Type string

const (
	// TypeMessage is a complete agent or human message.
	TypeMessage Type = "message"
	// TypeSSE is a streaming chunk emitted while a response is produced.
	TypeSSE Type = "sse"
	// TypeTool records a tool execution.
	TypeTool Type = "tool"
	// TypeSystem is a runtime notice (agent joined, turn limit, ...).
	TypeSystem Type = "system"
)

// Event is a single immutable record in a conversation's history.
//
// ID is assigned by the producer and doubles as the idempotency key: saving
// the same ID twice is a no-op. ChatID may be empty, which scopes the event
// to the world rather than a chat. Seq is 0 until a backend assigns it; once
// stored it is a strictly increasing integer within the (WorldID, ChatID)
// context, starting at 1. CreatedAt is set at persistence time and breaks
// ties between equal Seq values.
type Event struct {
	ID        string          `json:"id"`
	WorldID   string          `json:"worldId"`
	ChatID    string          `json:"chatId,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Clone returns a deep copy. Backends that hold events in process memory
// return clones so callers can never mutate stored state through a shared
// slice or RawMessage.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Meta != nil {
		cp.Meta = append(json.RawMessage(nil), e.Meta...)
	}
	return &cp
}

// MessageDirection values for MessageMetadata.
const (
	DirectionOutgoing  = "outgoing"
	DirectionIncoming  = "incoming"
	DirectionBroadcast = "broadcast"
)

// MessageMetadata is the complete metadata contract for message events.
// Every field is mandatory on the wire; nullable fields serialize as JSON
// null rather than being omitted, so persisted records are always
// schema-complete and query-able.
type MessageMetadata struct {
	Sender              string     `json:"sender"`
	ChatID              string     `json:"chatId"`
	OwnerAgentIDs       []string   `json:"ownerAgentIds"`
	RecipientAgentID    *string    `json:"recipientAgentId"`
	OriginalSender      *string    `json:"originalSender"`
	DeliveredToAgents   []string   `json:"deliveredToAgents"`
	MessageDirection    string     `json:"messageDirection"`
	IsMemoryOnly        bool       `json:"isMemoryOnly"`
	IsCrossAgentMessage bool       `json:"isCrossAgentMessage"`
	IsHumanMessage      bool       `json:"isHumanMessage"`
	ThreadRootID        *string    `json:"threadRootId"`
	ThreadDepth         int        `json:"threadDepth"`
	IsReply             bool       `json:"isReply"`
	HasReplies          bool       `json:"hasReplies"`
	RequiresApproval    bool       `json:"requiresApproval"`
	ApprovalScope       *string    `json:"approvalScope"`
	ApprovedAt          *time.Time `json:"approvedAt"`
	ApprovedBy          *string    `json:"approvedBy"`
	DeniedAt            *time.Time `json:"deniedAt"`
	DenialReason        *string    `json:"denialReason"`
	LLMTokensInput      *int64     `json:"llmTokensInput"`
	LLMTokensOutput     *int64     `json:"llmTokensOutput"`
	LLMLatency          *float64   `json:"llmLatency"`
	LLMProvider         *string    `json:"llmProvider"`
	LLMModel            *string    `json:"llmModel"`
	HasToolCalls        bool       `json:"hasToolCalls"`
	ToolCallCount       int        `json:"toolCallCount"`
}

// ToolMetadata is the metadata contract for tool events.
type ToolMetadata struct {
	AgentName            string `json:"agentName"`
	ToolType             string `json:"toolType"`
	OwnerAgentID         string `json:"ownerAgentId"`
	TriggeredByMessageID string `json:"triggeredByMessageId"`
	ExecutionDuration    int64  `json:"executionDuration"`
	ResultSize           int64  `json:"resultSize"`
	WasApproved          bool   `json:"wasApproved"`
}

// DefaultMessageMetadata builds a schema-complete MessageMetadata for
// producers that only know the sender, such as system-originated or
// synthetic messages. IsHumanMessage is inferred from the sender string.
func DefaultMessageMetadata(sender, chatID string) *MessageMetadata {
	return &MessageMetadata{
		Sender:            sender,
		ChatID:            chatID,
		OwnerAgentIDs:     []string{},
		DeliveredToAgents: []string{},
		MessageDirection:  DirectionOutgoing,
		IsHumanMessage:    IsHumanSender(sender),
	}
}

// humanSenders are the sender names the runtime uses for human actors.
var humanSenders = map[string]bool{
	"human": true,
	"user":  true,
	"you":   true,
}

// IsHumanSender reports whether the sender string denotes a human actor.
func IsHumanSender(sender string) bool {
	return humanSenders[strings.ToLower(sender)]
}

// idAlphabet is the character set for the random portion of generated ids.
const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// idLength is the number of random characters (excluding the prefix).
const idLength = 12

// NewID returns a new "evt-" prefixed event id for producers that do not
// mint their own. IDs only need to be unique, not ordered; ordering comes
// from Seq.
func NewID() (string, error) {
	id, err := nanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return "", fmt.Errorf("event id: %w", err)
	}
	return "evt-" + id, nil
}
