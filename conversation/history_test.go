package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBookmarkRestoreIsIdempotent(t *testing.T) {
	h := NewHistory(1000, nil)
	h.AddUserMessage("hello")
	b := h.CreateBookmark()
	lenAtBookmark := h.Len()

	h.AddUserMessage("x")
	h.AddAssistantMessage("y")

	require.NoError(t, h.RestoreBookmark(b))
	require.Equal(t, lenAtBookmark, h.Len())

	// The law: RestoreBookmark(b); AddUserMessage(x); AddAssistantMessage(y);
	// RestoreBookmark(b) yields the exact state at b. Since RestoreBookmark
	// consumes the bookmark, re-create it to exercise the law twice.
	b2 := h.CreateBookmark()
	h.AddUserMessage("x")
	h.AddAssistantMessage("y")
	require.NoError(t, h.RestoreBookmark(b2))
	require.Equal(t, lenAtBookmark, h.Len())
}

func TestRestoreUnknownBookmarkFails(t *testing.T) {
	h := NewHistory(1000, nil)
	err := h.RestoreBookmark(Bookmark("nope"))
	require.Error(t, err)
	var unknown *ErrUnknownBookmark
	require.ErrorAs(t, err, &unknown)
}

func TestClearAfterBookmarkRemovesBookmarkOnRestoreNotOnClear(t *testing.T) {
	h := NewHistory(1000, nil)
	h.AddUserMessage("a")
	b := h.CreateBookmark()
	h.AddUserMessage("b")

	require.NoError(t, h.ClearAfterBookmark(b))
	require.Equal(t, 1, h.Len())

	// ClearAfterBookmark does not consume the bookmark.
	_, ok := h.BookmarkIndex(b)
	require.True(t, ok)

	require.NoError(t, h.RestoreBookmark(b))
	_, ok = h.BookmarkIndex(b)
	require.False(t, ok)
}

func TestGetMessagesForRequestEmptyConversation(t *testing.T) {
	h := NewHistory(1000, nil)
	msgs, err := h.GetMessagesForRequest(1000, "", false)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestGetMessagesForRequestFromBookmark(t *testing.T) {
	h := NewHistory(1000, nil)
	h.AddUserMessage("a")
	b := h.CreateBookmark()
	h.AddUserMessage("b")
	h.AddAssistantMessage("c")

	msgs, err := h.GetMessagesForRequest(1000, b, false)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "b", msgs[0].Content)
	require.Equal(t, "c", msgs[1].Content)
}

func TestGetMessagesForRequestNeverExceedsBudgetExceptSingleMessage(t *testing.T) {
	counter := func(m Message) int { return len(m.Content) }
	h := NewHistory(0, counter)
	h.AddUserMessage("aaaaaaaaaa") // 10
	h.AddUserMessage("bb")         // 2
	h.AddUserMessage("c")          // 1

	msgs, err := h.GetMessagesForRequest(3, "", false)
	require.NoError(t, err)
	// walking backward: "c" (1) fits, +"bb" (2) -> 3 fits, +"aaaaaaaaaa" would exceed -> dropped whole.
	require.Len(t, msgs, 2)
	require.Equal(t, "bb", msgs[0].Content)
	require.Equal(t, "c", msgs[1].Content)
}

func TestGetMessagesForRequestSingleMessageExceedsBudget(t *testing.T) {
	counter := func(m Message) int { return len(m.Content) }
	h := NewHistory(0, counter)
	h.AddUserMessage("this message alone is huge")

	msgs, err := h.GetMessagesForRequest(1, "", false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestGetMessagesForRequestSlidingWindowKeepsFirstTwo(t *testing.T) {
	counter := func(m Message) int { return len(m.Content) }
	h := NewHistory(0, counter)
	h.AddSystemMessage("sys")   // 3
	h.AddUserMessage("init")    // 4
	h.AddUserMessage("mid1")    // 4
	h.AddAssistantMessage("a1") // 2
	h.AddUserMessage("latest")  // 6

	msgs, err := h.GetMessagesForRequest(13, "", true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(msgs), 2)
	require.Equal(t, "sys", msgs[0].Content)
	require.Equal(t, "init", msgs[1].Content)
	require.Equal(t, "latest", msgs[len(msgs)-1].Content)
}

func TestToolMessageReferencesToolCallID(t *testing.T) {
	h := NewHistory(1000, nil)
	h.AddAssistantMessageWithToolCalls([]ToolCall{{ID: "c1", Name: "now"}})
	h.AddToolMessage("c1", "2025-01-01T00:00:00Z")

	msgs := h.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, Assistant, msgs[0].Role)
	require.Len(t, msgs[0].ToolCalls, 1)
	require.Equal(t, Tool, msgs[1].Role)
	require.Equal(t, "c1", msgs[1].ToolCallID)
}

func TestCloneProducesIndependentHistory(t *testing.T) {
	h := NewHistory(1000, nil)
	h.AddUserMessage("a")

	clone := h.Clone()
	clone.AddUserMessage("b")

	require.Equal(t, 1, h.Len())
	require.Equal(t, 2, clone.Len())
}
