// ABOUTME: Typed session events streamed to clients as one JSON object each
// ABOUTME: Constructors for text, error, heartbeat, thinking, tool and invite events

package events

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	TypeText         Type = "text"
	TypeThinking     Type = "thinking"
	TypeHeartbeat    Type = "heartbeat"
	TypeError        Type = "error"
	TypeWarn         Type = "warn"
	TypeInvite       Type = "invite"
	TypeChoice       Type = "choice"
	TypeAnswer       Type = "answer"
	TypeToolRequest  Type = "tool_request"
	TypeToolResponse Type = "tool_response"
	TypeDone         Type = "done"
)

// Event is a single server-to-client message.
type Event struct {
	Type       Type            `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Speaker    string          `json:"speaker,omitempty"`
	Content    string          `json:"content,omitempty"`
	Options    []string        `json:"options,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Output     string          `json:"output,omitempty"`
	ThreadID   string          `json:"threadId,omitempty"`
}

// JSON returns the wire encoding of the event.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Text is an assistant or user message.
func Text(speaker, content string) Event {
	return Event{Type: TypeText, Timestamp: time.Now(), Speaker: speaker, Content: content}
}

// Error is a user-visible failure. Content is always set.
func Error(message string) Event {
	if message == "" {
		message = "unknown error"
	}
	return Event{Type: TypeError, Timestamp: time.Now(), Content: message}
}

// Warn is a non-fatal notice.
func Warn(message string) Event {
	return Event{Type: TypeWarn, Timestamp: time.Now(), Content: message}
}

// Heartbeat is the periodic liveness event.
func Heartbeat() Event {
	return Event{Type: TypeHeartbeat, Timestamp: time.Now()}
}

// Thinking signals that a provider call is in flight.
func Thinking(speaker string) Event {
	return Event{Type: TypeThinking, Timestamp: time.Now(), Speaker: speaker}
}

// Invite asks the user for free-form input.
func Invite(prompt string) Event {
	return Event{Type: TypeInvite, Timestamp: time.Now(), Content: prompt}
}

// Choice asks the user to pick one of options.
func Choice(prompt string, options []string) Event {
	return Event{Type: TypeChoice, Timestamp: time.Now(), Content: prompt, Options: options}
}

// ToolRequest reports a tool call requested by the model.
func ToolRequest(speaker, id, name string, args json.RawMessage) Event {
	return Event{Type: TypeToolRequest, Timestamp: time.Now(), Speaker: speaker, ToolCallID: id, ToolName: name, Args: args}
}

// ToolResponse reports the output of a tool call.
func ToolResponse(speaker, id, output string) Event {
	return Event{Type: TypeToolResponse, Timestamp: time.Now(), Speaker: speaker, ToolCallID: id, Output: output}
}

// Done marks the end of a run.
func Done(threadID string) Event {
	return Event{Type: TypeDone, Timestamp: time.Now(), ThreadID: threadID}
}
