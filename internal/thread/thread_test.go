// ABOUTME: Tests for thread append validation, fork/merge, windowing and usage
// ABOUTME: Includes delegation budget and JSON round-trip of tagged messages

package thread

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func user(content string) *Text      { return NewText(RoleUser, "alice", content) }
func assistant(content string) *Text { return NewText(RoleAssistant, "coday", content) }

func setupThread(t *testing.T, msgs ...Message) *Thread {
	t.Helper()
	th := New("", "alice")
	require.NoError(t, th.Append(msgs...))
	return th
}

func TestNew_Defaults(t *testing.T) {
	th := New("", "alice")
	assert.Equal(t, DefaultName, th.Name)
	assert.Empty(t, th.ID)
	assert.False(t, th.IsFork())
	assert.Nil(t, th.Last())
}

func TestAppend_RejectsOrphanToolResponse(t *testing.T) {
	th := setupThread(t, user("hi"))

	err := th.Append(NewToolResponse("coday", "call-1", "out"))
	require.ErrorIs(t, err, ErrOrphanToolResponse)
	assert.Equal(t, 1, th.Len(), "thread unchanged on error")

	req := NewToolRequest("coday", "call-1", "search", nil)
	require.NoError(t, th.Append(req, NewToolResponse("coday", "call-1", "out")))
	assert.Equal(t, 3, th.Len())

	err = th.Append(NewToolResponse("coday", "call-1", "again"))
	require.ErrorIs(t, err, ErrOrphanToolResponse, "a request is answered once")
}

func TestPendingCallIDs(t *testing.T) {
	th := setupThread(t,
		NewToolRequest("coday", "a", "t1", nil),
		NewToolRequest("coday", "b", "t2", nil),
		NewToolResponse("coday", "a", "done"),
	)
	assert.Equal(t, []string{"b"}, th.PendingCallIDs())
}

func TestForkThenMergeIsNoOp(t *testing.T) {
	parent := setupThread(t, user("one"), assistant("two"))
	before := append([]Message(nil), parent.Messages...)

	child := parent.Fork("")
	require.NoError(t, parent.Merge(child))

	assert.Equal(t, before, parent.Messages)
	assert.Equal(t, parent.Name, child.Name)
}

func TestFork_CopiesMessagesNotProviderData(t *testing.T) {
	parent := setupThread(t, user("one"))
	parent.ID = "thread-1"
	require.NoError(t, parent.SetProviderData("anthropic", map[string]string{"cacheMarkerMessageId": "x"}))

	child := parent.Fork("sub")
	assert.True(t, child.IsFork())
	assert.Empty(t, child.ID)
	assert.Equal(t, "sub", child.Name)
	assert.Empty(t, child.Data)

	require.NoError(t, child.Append(assistant("child only")))
	assert.Equal(t, 1, parent.Len(), "parent untouched by child appends")
}

func TestMerge_AppendsTailAndUsage(t *testing.T) {
	parent := setupThread(t, user("one"))
	child := parent.Fork("")
	require.NoError(t, child.Append(assistant("two"), user("three")))
	child.AddUsage(Usage{InputTokens: 10, Price: 0.5})

	require.NoError(t, parent.Merge(child))

	require.Equal(t, 3, parent.Len())
	assert.Equal(t, "three", parent.Last().(*Text).Content)
	assert.Zero(t, parent.Usage.InputTokens)
	assert.Equal(t, 10, parent.TotalUsage.InputTokens)
	assert.InDelta(t, 0.5, parent.TotalUsage.Price, 1e-9)

	assert.ErrorIs(t, parent.Merge(New("x", "alice")), ErrNotAFork)
}

func TestMerge_PlacesChildBeforeOpenToolBatch(t *testing.T) {
	parent := setupThread(t,
		user("question"),
		NewToolRequest("coday", "a", "lookup", nil),
		NewToolRequest("coday", "b", "delegate", nil),
		NewToolResponse("coday", "a", "looked up"),
	)
	child := parent.Fork("")
	require.NoError(t, child.Append(user(FormatTask("sub")), assistant("sub done")))

	require.NoError(t, parent.Merge(child))
	require.NoError(t, parent.Append(NewToolResponse("coday", "b", "sub done")))

	kinds := make([]string, 0, parent.Len())
	for _, m := range parent.Messages {
		switch v := m.(type) {
		case *Text:
			kinds = append(kinds, string(v.Role))
		case *ToolRequest:
			kinds = append(kinds, "req:"+v.CallID)
		case *ToolResponse:
			kinds = append(kinds, "resp:"+v.CallID)
		}
	}
	assert.Equal(t, []string{"user", "user", "assistant", "req:a", "req:b", "resp:a", "resp:b"}, kinds)
	assert.Empty(t, parent.PendingCallIDs())
}

func TestMerge_AppendsAfterAnsweredBatch(t *testing.T) {
	parent := setupThread(t,
		user("question"),
		NewToolRequest("coday", "a", "lookup", nil),
		NewToolResponse("coday", "a", "looked up"),
	)
	child := parent.Fork("")
	require.NoError(t, child.Append(assistant("follow up")))

	require.NoError(t, parent.Merge(child))
	assert.Equal(t, "follow up", parent.Last().(*Text).Content)
}

func TestGetMessages_FitsSuffix(t *testing.T) {
	th := setupThread(t, user("aaaa"), assistant("bbbb"), user("cccc"))

	got := th.GetMessages(8)
	require.Len(t, got, 2)
	assert.Equal(t, "bbbb", got[0].(*Text).Content)
	assert.Equal(t, "cccc", got[1].(*Text).Content)

	assert.Len(t, th.GetMessages(1000), 3)
}

func TestGetMessages_AlwaysKeepsLast(t *testing.T) {
	th := setupThread(t, user("short"), assistant(strings.Repeat("x", 100)))

	got := th.GetMessages(10)
	require.Len(t, got, 1)
	assert.Equal(t, 100, got[0].CharLength())

	assert.Nil(t, New("", "alice").GetMessages(10))
}

func TestGetMessages_KeepsToolPairsTogether(t *testing.T) {
	th := setupThread(t,
		user("question"),
		NewToolRequest("coday", "a", "lookup", json.RawMessage(`{"q":"x"}`)),
		NewToolRequest("coday", "b", "lookup", json.RawMessage(`{"q":"y"}`)),
		NewToolResponse("coday", "a", strings.Repeat("r", 50)),
		NewToolResponse("coday", "b", strings.Repeat("r", 50)),
	)

	got := th.GetMessages(60)
	require.Len(t, got, 4)
	_, ok := got[0].(*ToolRequest)
	assert.True(t, ok, "window starts at the first request whose response is included")
}

func TestUsage_ResetPerRun(t *testing.T) {
	th := New("", "alice")
	th.AddUsage(Usage{InputTokens: 5, OutputTokens: 2, Price: 1})
	th.ResetUsageForRun()
	th.AddUsage(Usage{InputTokens: 1, Price: 0.25})

	assert.Equal(t, 1, th.Usage.InputTokens)
	assert.Equal(t, 6, th.TotalUsage.InputTokens)
	assert.InDelta(t, 1.25, th.TotalUsage.Price, 1e-9)
}

func TestThread_JSONRoundTrip(t *testing.T) {
	th := setupThread(t,
		user("hi"),
		NewToolRequest("coday", "c1", "search", json.RawMessage(`{"q":"go"}`)),
		NewToolResponse("coday", "c1", "found"),
		assistant("done"),
	)
	th.ID = "t-1"
	th.AddUsage(Usage{OutputTokens: 3})
	require.NoError(t, th.SetProviderData("anthropic", map[string]string{"cacheMarkerMessageId": "m"}))

	data, err := json.Marshal(th)
	require.NoError(t, err)

	var back Thread
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, "t-1", back.ID)
	require.Len(t, back.Messages, 4)
	req, ok := back.Messages[1].(*ToolRequest)
	require.True(t, ok)
	assert.Equal(t, "search", req.Name)
	assert.JSONEq(t, `{"q":"go"}`, string(req.Args))
	assert.Equal(t, 3, back.TotalUsage.OutputTokens)
	assert.Zero(t, back.Usage.OutputTokens, "run usage is not persisted")

	var marker map[string]string
	found, err := back.ProviderData("anthropic", &marker)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "m", marker["cacheMarkerMessageId"])
}

func TestDecodeMessage_UnknownKind(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"bogus","id":"1"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDelegate_DeniedAtZeroBudget(t *testing.T) {
	parent := setupThread(t, user("hi"))
	called := false

	out, err := Delegate(t.Context(), parent, NewBudget(0), "helper", func(context.Context, *Thread, Budget) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, DelegationDenied, out)
	assert.False(t, called, "no child thread is run")
	assert.Equal(t, 1, parent.Len())
}

func TestDelegate_RunsChildAndMerges(t *testing.T) {
	parent := setupThread(t, user("hi"))
	var childBudget Budget

	out, err := Delegate(t.Context(), parent, NewBudget(2), "helper", func(_ context.Context, child *Thread, b Budget) error {
		childBudget = b
		assert.Equal(t, "helper", child.Name)
		return child.Append(user(FormatTask("sum")), assistant("42"))
	})

	require.NoError(t, err)
	assert.Equal(t, "42", out)
	assert.Equal(t, 1, childBudget.Remaining())
	assert.Equal(t, 3, parent.Len())
}

func TestDelegate_NestedBudgetExhausts(t *testing.T) {
	parent := setupThread(t, user("hi"))

	var inner string
	_, err := Delegate(t.Context(), parent, NewBudget(1), "", func(ctx context.Context, child *Thread, b Budget) error {
		var err error
		inner, err = Delegate(ctx, child, b, "", func(context.Context, *Thread, Budget) error {
			t.Fatal("second level must not run")
			return nil
		})
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, DelegationDenied, inner)
}

func TestDelegate_ChildErrorSkipsMerge(t *testing.T) {
	parent := setupThread(t, user("hi"))
	boom := errors.New("provider down")

	_, err := Delegate(t.Context(), parent, NewBudget(1), "", func(_ context.Context, child *Thread, _ Budget) error {
		_ = child.Append(assistant("partial"))
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, parent.Len())
}

func TestFormatTask(t *testing.T) {
	got := FormatTask("write tests")
	assert.Contains(t, got, "<task>\n  write tests\n</task>")
}
