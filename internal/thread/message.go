// ABOUTME: Message variants stored in a thread: text, tool request, tool response
// ABOUTME: Stable ids, character accounting and a tagged JSON envelope

package thread

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the author side of a text message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind tags the message variant on the wire.
type Kind string

const (
	KindText         Kind = "text"
	KindToolRequest  Kind = "tool_request"
	KindToolResponse Kind = "tool_response"
)

// ErrUnknownKind is returned when decoding an envelope with an unknown type.
var ErrUnknownKind = errors.New("unknown message kind")

// Message is one entry in a thread.
type Message interface {
	MessageID() string
	Kind() Kind
	CharLength() int
	message()
}

// Text is a user or assistant utterance.
type Text struct {
	ID        string
	Role      Role
	Speaker   string
	Content   string
	Timestamp time.Time
}

// ToolRequest is a function call requested by the model.
type ToolRequest struct {
	ID        string
	CallID    string
	Speaker   string
	Name      string
	Args      json.RawMessage
	Timestamp time.Time
}

// ToolResponse answers the ToolRequest with the same CallID.
type ToolResponse struct {
	ID        string
	CallID    string
	Speaker   string
	Output    string
	Timestamp time.Time
}

func (m *Text) MessageID() string         { return m.ID }
func (m *ToolRequest) MessageID() string  { return m.ID }
func (m *ToolResponse) MessageID() string { return m.ID }

func (*Text) Kind() Kind         { return KindText }
func (*ToolRequest) Kind() Kind  { return KindToolRequest }
func (*ToolResponse) Kind() Kind { return KindToolResponse }

func (m *Text) CharLength() int         { return len(m.Content) }
func (m *ToolRequest) CharLength() int  { return len(m.Name) + len(m.Args) }
func (m *ToolResponse) CharLength() int { return len(m.Output) }

func (*Text) message()         {}
func (*ToolRequest) message()  {}
func (*ToolResponse) message() {}

// NewText creates a text message with a fresh id.
func NewText(role Role, speaker, content string) *Text {
	return &Text{ID: uuid.NewString(), Role: role, Speaker: speaker, Content: content, Timestamp: time.Now()}
}

// NewToolRequest creates a tool request. An empty callID gets a generated one.
func NewToolRequest(speaker, callID, name string, args json.RawMessage) *ToolRequest {
	if callID == "" {
		callID = uuid.NewString()
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return &ToolRequest{ID: uuid.NewString(), CallID: callID, Speaker: speaker, Name: name, Args: args, Timestamp: time.Now()}
}

// NewToolResponse creates the answer to callID.
func NewToolResponse(speaker, callID, output string) *ToolResponse {
	return &ToolResponse{ID: uuid.NewString(), CallID: callID, Speaker: speaker, Output: output, Timestamp: time.Now()}
}

type envelope struct {
	Type      Kind            `json:"type"`
	ID        string          `json:"id"`
	Role      Role            `json:"role,omitempty"`
	Speaker   string          `json:"speaker,omitempty"`
	Content   string          `json:"content,omitempty"`
	CallID    string          `json:"callId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Output    string          `json:"output,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EncodeMessage returns the tagged JSON form of m.
func EncodeMessage(m Message) ([]byte, error) {
	var env envelope
	switch v := m.(type) {
	case *Text:
		env = envelope{Type: KindText, ID: v.ID, Role: v.Role, Speaker: v.Speaker, Content: v.Content, Timestamp: v.Timestamp}
	case *ToolRequest:
		env = envelope{Type: KindToolRequest, ID: v.ID, Speaker: v.Speaker, CallID: v.CallID, Name: v.Name, Args: v.Args, Timestamp: v.Timestamp}
	case *ToolResponse:
		env = envelope{Type: KindToolResponse, ID: v.ID, Speaker: v.Speaker, CallID: v.CallID, Output: v.Output, Timestamp: v.Timestamp}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
	return json.Marshal(env)
}

// DecodeMessage parses the tagged JSON form produced by EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch env.Type {
	case KindText:
		return &Text{ID: env.ID, Role: env.Role, Speaker: env.Speaker, Content: env.Content, Timestamp: env.Timestamp}, nil
	case KindToolRequest:
		return &ToolRequest{ID: env.ID, CallID: env.CallID, Speaker: env.Speaker, Name: env.Name, Args: env.Args, Timestamp: env.Timestamp}, nil
	case KindToolResponse:
		return &ToolResponse{ID: env.ID, CallID: env.CallID, Speaker: env.Speaker, Output: env.Output, Timestamp: env.Timestamp}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}
