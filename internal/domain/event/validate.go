package event

import (
	"encoding/json"
	"fmt"

	"github.com/chatledger/chatledger/internal/domain"
)

// metaKind is the wire-level primitive type expected for a metadata field.
type metaKind int

const (
	kindString metaKind = iota
	kindBool
	kindNumber
	kindStringArray
)

func (k metaKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindBool:
		return "boolean"
	case kindNumber:
		return "number"
	case kindStringArray:
		return "string array"
	}
	return "unknown"
}

// fieldRule describes one metadata field: its name, expected primitive
// type, whether JSON null is acceptable, and whether the field may be
// absent entirely.
type fieldRule struct {
	name     string
	kind     metaKind
	nullable bool
	optional bool
}

// messageMetaRules is the complete MessageMetadata contract. Every field is
// mandatory; partial records are rejected before any backend sees them.
var messageMetaRules = []fieldRule{
	{name: "sender", kind: kindString},
	{name: "chatId", kind: kindString},
	{name: "ownerAgentIds", kind: kindStringArray},
	{name: "recipientAgentId", kind: kindString, nullable: true},
	{name: "originalSender", kind: kindString, nullable: true},
	{name: "deliveredToAgents", kind: kindStringArray},
	{name: "messageDirection", kind: kindString},
	{name: "isMemoryOnly", kind: kindBool},
	{name: "isCrossAgentMessage", kind: kindBool},
	{name: "isHumanMessage", kind: kindBool},
	{name: "threadRootId", kind: kindString, nullable: true},
	{name: "threadDepth", kind: kindNumber},
	{name: "isReply", kind: kindBool},
	{name: "hasReplies", kind: kindBool},
	{name: "requiresApproval", kind: kindBool},
	{name: "approvalScope", kind: kindString, nullable: true},
	{name: "approvedAt", kind: kindString, nullable: true},
	{name: "approvedBy", kind: kindString, nullable: true},
	{name: "deniedAt", kind: kindString, nullable: true},
	{name: "denialReason", kind: kindString, nullable: true},
	{name: "llmTokensInput", kind: kindNumber, nullable: true},
	{name: "llmTokensOutput", kind: kindNumber, nullable: true},
	{name: "llmLatency", kind: kindNumber, nullable: true},
	{name: "llmProvider", kind: kindString, nullable: true},
	{name: "llmModel", kind: kindString, nullable: true},
	{name: "hasToolCalls", kind: kindBool},
	{name: "toolCallCount", kind: kindNumber},
}

// toolMetaRules is the ToolMetadata contract. Only the owning agent and the
// triggering message are required; the remaining fields are type-checked
// when present.
var toolMetaRules = []fieldRule{
	{name: "ownerAgentId", kind: kindString},
	{name: "triggeredByMessageId", kind: kindString},
	{name: "agentName", kind: kindString, optional: true},
	{name: "toolType", kind: kindString, optional: true},
	{name: "executionDuration", kind: kindNumber, optional: true},
	{name: "resultSize", kind: kindNumber, optional: true},
	{name: "wasApproved", kind: kindBool, optional: true},
}

// messageDirections are the accepted messageDirection values.
var messageDirections = map[string]bool{
	DirectionOutgoing:  true,
	DirectionIncoming:  true,
	DirectionBroadcast: true,
}

// ValidateForPersistence checks that an event about to be persisted carries
// complete contextual metadata. Message events must satisfy the full
// MessageMetadata contract and tool events the ToolMetadata contract; other
// types pass through without metadata validation. An event that fails here
// must never reach a backend, partially or otherwise.
func ValidateForPersistence(ev *Event) error {
	if ev == nil {
		return fmt.Errorf("nil event: %w", domain.ErrValidation)
	}
	if ev.ID == "" {
		return fmt.Errorf("event missing id: %w", domain.ErrValidation)
	}
	if ev.WorldID == "" {
		return fmt.Errorf("event %s: missing worldId: %w", ev.ID, domain.ErrValidation)
	}

	switch ev.Type {
	case TypeMessage:
		if err := validateMeta(ev, "message metadata", messageMetaRules); err != nil {
			return err
		}
		return validateDirection(ev)
	case TypeTool:
		return validateMeta(ev, "tool metadata", toolMetaRules)
	default:
		return nil
	}
}

// validateMeta decodes the raw metadata and applies the field rules for the
// named contract.
func validateMeta(ev *Event, contract string, rules []fieldRule) error {
	if len(ev.Meta) == 0 {
		return fmt.Errorf("event %s: %s missing: %w", ev.ID, contract, domain.ErrValidation)
	}

	var fields map[string]any
	if err := json.Unmarshal(ev.Meta, &fields); err != nil {
		return fmt.Errorf("event %s: %s is not an object: %w", ev.ID, contract, domain.ErrValidation)
	}

	for _, r := range rules {
		v, present := fields[r.name]
		if !present {
			if r.optional {
				continue
			}
			return fmt.Errorf("event %s: %s missing field %q: %w", ev.ID, contract, r.name, domain.ErrValidation)
		}
		if v == nil {
			if r.nullable || r.optional {
				continue
			}
			return fmt.Errorf("event %s: %s field %q must not be null: %w", ev.ID, contract, r.name, domain.ErrValidation)
		}
		if !matchesKind(v, r.kind) {
			return fmt.Errorf("event %s: %s field %q must be a %s: %w", ev.ID, contract, r.name, r.kind, domain.ErrValidation)
		}
	}
	return nil
}

// matchesKind reports whether a decoded JSON value has the expected
// primitive type. encoding/json decodes all numbers to float64.
func matchesKind(v any, k metaKind) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindBool:
		_, ok := v.(bool)
		return ok
	case kindNumber:
		_, ok := v.(float64)
		return ok
	case kindStringArray:
		items, ok := v.([]any)
		if !ok {
			return false
		}
		for _, it := range items {
			if _, ok := it.(string); !ok {
				return false
			}
		}
		return true
	}
	return false
}

// validateDirection checks the messageDirection enum after the structural
// pass has established the field is a string.
func validateDirection(ev *Event) error {
	var meta struct {
		MessageDirection string `json:"messageDirection"`
	}
	if err := json.Unmarshal(ev.Meta, &meta); err != nil {
		return fmt.Errorf("event %s: message metadata is not an object: %w", ev.ID, domain.ErrValidation)
	}
	if !messageDirections[meta.MessageDirection] {
		return fmt.Errorf("event %s: message metadata field %q has unknown value %q: %w",
			ev.ID, "messageDirection", meta.MessageDirection, domain.ErrValidation)
	}
	return nil
}

// MarshalMeta serializes a typed metadata struct into the raw form carried
// by Event.Meta.
func MarshalMeta(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}
