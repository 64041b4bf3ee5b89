package chat

import (
	"fmt"
	"strings"
)

// Role selects an independent delivery slot and processing lane within a session.
type Role string

const (
	RoleEndUser Role = "end-user"
	RoleAgent   Role = "agent"
)

// Validate enforces supported role values.
func (r Role) Validate() error {
	switch r {
	case RoleEndUser, RoleAgent:
		return nil
	default:
		return fmt.Errorf("unsupported role: %q", r)
	}
}

// ParseRole maps a raw role string onto a Role. Empty input resolves to the end-user role.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(RoleEndUser), "user", "enduser":
		return RoleEndUser, nil
	case string(RoleAgent):
		return RoleAgent, nil
	default:
		return "", fmt.Errorf("unsupported role: %q", raw)
	}
}

// EntryType mirrors the chatbot entry classification carried by the inbound envelope.
type EntryType string

const EntryCommon EntryType = "common"

// Action selects a control-plane operation instead of a chat turn.
type Action string

const (
	ActionNone Action = ""
	ActionStop Action = "stop"
)

// Envelope is the inbound client message received over the persistent connection.
type Envelope struct {
	Query           string         `json:"query,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	UserID          string         `json:"user_id"`
	EntryType       EntryType      `json:"entry_type,omitempty"`
	Role            Role           `json:"role,omitempty"`
	Action          Action         `json:"action,omitempty"`
	CustomMessageID string         `json:"custom_message_id,omitempty"`
	ChatbotConfig   map[string]any `json:"chatbot_config,omitempty"`
}

// IsStop reports whether the envelope is a control-plane stop request.
func (e Envelope) IsStop() bool {
	return e.Action == ActionStop
}

// Validate enforces envelope invariants after defaults have been applied.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if e.Role != "" {
		if err := e.Role.Validate(); err != nil {
			return err
		}
	}
	switch e.Action {
	case ActionStop:
		if strings.TrimSpace(e.SessionID) == "" {
			return fmt.Errorf("session_id is required for action %q", e.Action)
		}
		return nil
	case ActionNone:
	default:
		return fmt.Errorf("unsupported action: %q", e.Action)
	}
	if strings.TrimSpace(e.Query) == "" {
		return fmt.Errorf("query is required")
	}
	if e.EntryType != "" && e.EntryType != EntryCommon {
		return fmt.Errorf("unsupported entry_type: %q", e.EntryType)
	}
	return nil
}

// MessageType is the outbound streaming frame discriminator.
type MessageType string

const (
	MessageStart   MessageType = "START"
	MessageChunk   MessageType = "CHUNK"
	MessageContext MessageType = "CONTEXT"
	MessageEnd     MessageType = "END"
	MessageError   MessageType = "ERROR"
)

// EndStatus marks how a run terminated on its END frame.
type EndStatus string

const (
	StatusCompleted EndStatus = "completed"
	StatusCancelled EndStatus = "cancelled"
)

// RefDoc is one retrieved-document reference rendered out of band by the client.
type RefDoc struct {
	Title       string  `json:"title,omitempty"`
	Source      string  `json:"source,omitempty"`
	URI         string  `json:"uri,omitempty"`
	PageContent string  `json:"page_content,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

// Frame is one outbound streaming message pushed to a live connection.
type Frame struct {
	MessageType      MessageType    `json:"message_type"`
	SessionID        string         `json:"session_id"`
	Role             Role           `json:"role,omitempty"`
	CustomMessageID  string         `json:"custom_message_id,omitempty"`
	MessageID        string         `json:"message_id,omitempty"`
	ChunkID          int64          `json:"chunk_id,omitempty"`
	Message          string         `json:"message,omitempty"`
	RefDocs          []RefDoc       `json:"ref_docs,omitempty"`
	AdditionalKwargs map[string]any `json:"ddb_additional_kwargs,omitempty"`
	Status           EndStatus      `json:"status,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// Validate enforces per-type frame invariants.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if f.ChunkID < 0 {
		return fmt.Errorf("chunk_id must be >=0")
	}
	switch f.MessageType {
	case MessageStart:
		return nil
	case MessageChunk:
		return nil
	case MessageContext:
		if len(f.RefDocs) == 0 && len(f.AdditionalKwargs) == 0 {
			return fmt.Errorf("context frame requires ref_docs or ddb_additional_kwargs")
		}
		return nil
	case MessageEnd:
		if strings.TrimSpace(f.MessageID) == "" {
			return fmt.Errorf("end frame requires message_id")
		}
		if f.Status != StatusCompleted && f.Status != StatusCancelled {
			return fmt.Errorf("unsupported end status: %q", f.Status)
		}
		return nil
	case MessageError:
		if strings.TrimSpace(f.Error) == "" {
			return fmt.Errorf("error frame requires error")
		}
		return nil
	default:
		return fmt.Errorf("unsupported message_type: %q", f.MessageType)
	}
}

// IsTerminal reports whether the frame closes a run for its client.
func (f Frame) IsTerminal() bool {
	return f.MessageType == MessageEnd
}

// StartFrame opens a streamed answer for a queued message.
func StartFrame(sessionID string, role Role, customMessageID string) Frame {
	return Frame{MessageType: MessageStart, SessionID: sessionID, Role: role, CustomMessageID: customMessageID}
}

// ChunkFrame carries one text delta.
func ChunkFrame(sessionID string, role Role, customMessageID, text string) Frame {
	return Frame{MessageType: MessageChunk, SessionID: sessionID, Role: role, CustomMessageID: customMessageID, Message: text}
}

// ContextFrame carries side-channel references.
func ContextFrame(sessionID string, role Role, customMessageID string, refs []RefDoc, kwargs map[string]any) Frame {
	return Frame{
		MessageType:      MessageContext,
		SessionID:        sessionID,
		Role:             role,
		CustomMessageID:  customMessageID,
		RefDocs:          refs,
		AdditionalKwargs: kwargs,
	}
}

// EndFrame closes a run with its final response message id.
func EndFrame(sessionID string, role Role, customMessageID, messageID string, status EndStatus) Frame {
	return Frame{
		MessageType:     MessageEnd,
		SessionID:       sessionID,
		Role:            role,
		CustomMessageID: customMessageID,
		MessageID:       messageID,
		Status:          status,
	}
}

// ErrorFrame reports an edge-side rejection on the originating connection.
func ErrorFrame(sessionID string, role Role, customMessageID, reason string) Frame {
	return Frame{MessageType: MessageError, SessionID: sessionID, Role: role, CustomMessageID: customMessageID, Error: reason}
}
