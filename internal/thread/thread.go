// ABOUTME: Conversation thread: ordered message log, usage counters, provider data
// ABOUTME: Append validation, fork/merge for delegation and char-budget windowing

package thread

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOrphanToolResponse indicates a tool response without a prior
	// unanswered request for its call id.
	ErrOrphanToolResponse = errors.New("tool response does not answer a pending tool request")

	// ErrNotAFork is returned when merging a thread that was not forked.
	ErrNotAFork = errors.New("thread is not a fork")
)

// DefaultName is used for threads created without a name.
const DefaultName = "Temporary thread"

// Usage holds token counters and their computed price.
type Usage struct {
	InputTokens      int     `json:"inputTokens"`
	OutputTokens     int     `json:"outputTokens"`
	CacheReadTokens  int     `json:"cacheReadTokens"`
	CacheWriteTokens int     `json:"cacheWriteTokens"`
	Price            float64 `json:"price"`
}

// Add returns the sum of u and d.
func (u Usage) Add(d Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + d.InputTokens,
		OutputTokens:     u.OutputTokens + d.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + d.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + d.CacheWriteTokens,
		Price:            u.Price + d.Price,
	}
}

// Thread is an ordered conversation log.
type Thread struct {
	ID         string
	Name       string
	Username   string
	Summary    string
	CreatedAt  time.Time
	ModifiedAt time.Time
	Messages   []Message

	// Usage covers the current run; TotalUsage accumulates across runs.
	Usage      Usage
	TotalUsage Usage

	// Data holds opaque per-provider state keyed by provider name.
	Data map[string]json.RawMessage

	forked  bool
	forkLen int
}

// New creates an empty, unsaved thread.
func New(name, username string) *Thread {
	if name == "" {
		name = DefaultName
	}
	now := time.Now()
	return &Thread{
		Name:       name,
		Username:   username,
		CreatedAt:  now,
		ModifiedAt: now,
		Data:       make(map[string]json.RawMessage),
	}
}

// Len returns the number of messages.
func (t *Thread) Len() int {
	return len(t.Messages)
}

// Last returns the last message or nil.
func (t *Thread) Last() Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return t.Messages[len(t.Messages)-1]
}

// Append adds messages in order. Every ToolResponse must answer a pending
// ToolRequest, counting requests earlier in the same call. On error the
// thread is unchanged.
func (t *Thread) Append(msgs ...Message) error {
	pending := t.pendingCalls()
	for _, m := range msgs {
		switch v := m.(type) {
		case *ToolRequest:
			pending[v.CallID] = true
		case *ToolResponse:
			if !pending[v.CallID] {
				return fmt.Errorf("%w: %s", ErrOrphanToolResponse, v.CallID)
			}
			delete(pending, v.CallID)
		case *Text:
		default:
			return fmt.Errorf("%w: %T", ErrUnknownKind, m)
		}
	}
	t.Messages = append(t.Messages, msgs...)
	return nil
}

// PendingCallIDs returns the call ids of requests that have no response yet.
func (t *Thread) PendingCallIDs() []string {
	var ids []string
	answered := make(map[string]bool)
	for i := len(t.Messages) - 1; i >= 0; i-- {
		switch v := t.Messages[i].(type) {
		case *ToolResponse:
			answered[v.CallID] = true
		case *ToolRequest:
			if !answered[v.CallID] {
				ids = append([]string{v.CallID}, ids...)
			}
		}
	}
	return ids
}

func (t *Thread) pendingCalls() map[string]bool {
	pending := make(map[string]bool)
	for _, m := range t.Messages {
		switch v := m.(type) {
		case *ToolRequest:
			pending[v.CallID] = true
		case *ToolResponse:
			delete(pending, v.CallID)
		}
	}
	return pending
}

// Fork returns a child thread holding a copy of the current messages. The
// child has no id and no provider data; the parent is not modified.
func (t *Thread) Fork(name string) *Thread {
	if name == "" {
		name = t.Name
	}
	child := New(name, t.Username)
	child.Summary = t.Summary
	child.Messages = make([]Message, len(t.Messages))
	copy(child.Messages, t.Messages)
	child.forked = true
	child.forkLen = len(t.Messages)
	return child
}

// IsFork reports whether t was produced by Fork.
func (t *Thread) IsFork() bool {
	return t.forked
}

// Merge adds every message child produced after the fork point. Merging
// a fork with no new messages leaves t unchanged. When t ends in a tool
// batch that is still waiting for responses, as it does while a delegate
// call runs, the child's messages go before that batch so each tool request
// stays directly followed by its responses. The child's run usage is added
// to t's cumulative total only, so per-run accounting of t does not count
// the child twice.
func (t *Thread) Merge(child *Thread) error {
	if !child.IsFork() {
		return ErrNotAFork
	}
	if child.forkLen > len(child.Messages) {
		return fmt.Errorf("%w: fork point beyond child length", ErrNotAFork)
	}
	tail := child.Messages[child.forkLen:]
	if len(tail) == 0 {
		return nil
	}

	at := t.openBatchStart()
	rest := append([]Message(nil), t.Messages[at:]...)
	t.Messages = t.Messages[:at]
	err := t.Append(tail...)
	t.Messages = append(t.Messages, rest...)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	t.TotalUsage = t.TotalUsage.Add(child.Usage)
	return nil
}

// openBatchStart returns the index of the last tool batch (requests then
// responses) when one of its requests is unanswered, or len(t.Messages).
func (t *Thread) openBatchStart() int {
	end := len(t.Messages)
	i := end
	answered := make(map[string]bool)
	for i > 0 {
		resp, ok := t.Messages[i-1].(*ToolResponse)
		if !ok {
			break
		}
		answered[resp.CallID] = true
		i--
	}
	open := false
	for i > 0 {
		req, ok := t.Messages[i-1].(*ToolRequest)
		if !ok {
			break
		}
		if !answered[req.CallID] {
			open = true
		}
		i--
	}
	if !open {
		return end
	}
	return i
}

// GetMessages returns the longest suffix of messages whose total character
// length fits charBudget, oldest first. The last message is always
// included. The window is widened as needed so no tool response appears
// without its request.
func (t *Thread) GetMessages(charBudget int) []Message {
	n := len(t.Messages)
	if n == 0 {
		return nil
	}

	start := n - 1
	used := t.Messages[start].CharLength()
	for start > 0 {
		next := t.Messages[start-1].CharLength()
		if used+next > charBudget {
			break
		}
		used += next
		start--
	}

	start = t.widenForRequests(start)

	out := make([]Message, n-start)
	copy(out, t.Messages[start:])
	return out
}

func (t *Thread) widenForRequests(start int) int {
	requestAt := make(map[string]int)
	for i, m := range t.Messages {
		if req, ok := m.(*ToolRequest); ok {
			requestAt[req.CallID] = i
		}
	}
	for {
		moved := false
		for i := start; i < len(t.Messages); i++ {
			resp, ok := t.Messages[i].(*ToolResponse)
			if !ok {
				continue
			}
			if idx, found := requestAt[resp.CallID]; found && idx < start {
				start = idx
				moved = true
			}
		}
		if !moved {
			return start
		}
	}
}

// ResetUsageForRun zeroes the per-run counters.
func (t *Thread) ResetUsageForRun() {
	t.Usage = Usage{}
}

// AddUsage accumulates d into both the run and the cumulative counters.
func (t *Thread) AddUsage(d Usage) {
	t.Usage = t.Usage.Add(d)
	t.TotalUsage = t.TotalUsage.Add(d)
}

// ProviderData decodes the auxiliary data stored for provider into v.
// Returns false when nothing is stored.
func (t *Thread) ProviderData(provider string, v any) (bool, error) {
	raw, ok := t.Data[provider]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s data: %w", provider, err)
	}
	return true, nil
}

// SetProviderData stores v as the auxiliary data for provider.
func (t *Thread) SetProviderData(provider string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s data: %w", provider, err)
	}
	if t.Data == nil {
		t.Data = make(map[string]json.RawMessage)
	}
	t.Data[provider] = raw
	return nil
}

// LastAssistantText returns the content of the most recent assistant text.
func (t *Thread) LastAssistantText() string {
	return lastAssistantText(t.Messages)
}

func lastAssistantText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if m, ok := msgs[i].(*Text); ok && m.Role == RoleAssistant {
			return m.Content
		}
	}
	return ""
}

// Summary is the listing view of a persisted thread.
type Summary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Summary    string    `json:"summary,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

type wireThread struct {
	ID         string                     `json:"id"`
	Name       string                     `json:"name"`
	Username   string                     `json:"username"`
	Summary    string                     `json:"summary,omitempty"`
	CreatedAt  time.Time                  `json:"createdAt"`
	ModifiedAt time.Time                  `json:"modifiedAt"`
	Messages   []json.RawMessage          `json:"messages"`
	TotalUsage Usage                      `json:"usage"`
	Data       map[string]json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the thread with tagged messages. Per-run usage is not
// persisted.
func (t *Thread) MarshalJSON() ([]byte, error) {
	w := wireThread{
		ID:         t.ID,
		Name:       t.Name,
		Username:   t.Username,
		Summary:    t.Summary,
		CreatedAt:  t.CreatedAt,
		ModifiedAt: t.ModifiedAt,
		Messages:   make([]json.RawMessage, 0, len(t.Messages)),
		TotalUsage: t.TotalUsage,
		Data:       t.Data,
	}
	for _, m := range t.Messages {
		raw, err := EncodeMessage(m)
		if err != nil {
			return nil, err
		}
		w.Messages = append(w.Messages, raw)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (t *Thread) UnmarshalJSON(data []byte) error {
	var w wireThread
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	msgs := make([]Message, 0, len(w.Messages))
	for _, raw := range w.Messages {
		m, err := DecodeMessage(raw)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	*t = Thread{
		ID:         w.ID,
		Name:       w.Name,
		Username:   w.Username,
		Summary:    w.Summary,
		CreatedAt:  w.CreatedAt,
		ModifiedAt: w.ModifiedAt,
		Messages:   msgs,
		TotalUsage: w.TotalUsage,
		Data:       w.Data,
	}
	if t.Data == nil {
		t.Data = make(map[string]json.RawMessage)
	}
	return nil
}

// Summarize returns the listing view of t.
func (t *Thread) Summarize() Summary {
	return Summary{ID: t.ID, Name: t.Name, Summary: t.Summary, ModifiedAt: t.ModifiedAt}
}
