package conversation

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TokenCounter estimates the number of tokens a message would consume in a
// provider request. The default implementation approximates GPT-style
// tokenization as len(content)/4, matching the teacher's treatment of token
// counting as a provider-adapter estimate rather than an exact count.
type TokenCounter func(Message) int

// DefaultTokenCounter estimates token count as the combined length of the
// content, name, tool-call id and any tool calls (id, name, arguments)
// divided by four, rounded up, and never less than 1.
func DefaultTokenCounter(m Message) int {
	n := len(m.Content) + len(m.Name) + len(m.ToolCallID)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	if n == 0 {
		return 1
	}
	return (n + 3) / 4
}

// Bookmark is an opaque identifier associated with a message-count
// snapshot, used to restore History to an earlier state.
type Bookmark string

// newBookmark returns a fresh opaque bookmark identifier.
func newBookmark() Bookmark {
	return Bookmark(uuid.NewString())
}

// ErrUnknownBookmark is returned by RestoreBookmark and ClearAfterBookmark
// when the given bookmark id was never created or has already been
// consumed.
type ErrUnknownBookmark struct {
	Bookmark Bookmark
}

func (e *ErrUnknownBookmark) Error() string {
	return fmt.Sprintf("conversation: unknown bookmark %q", e.Bookmark)
}

// History is an append-only-by-default, mutable sequence of messages with
// bookmarks and a token budget. A History is not safe for concurrent
// mutation; callers that branch execution must clone it (see
// Context.Clone).
type History struct {
	mu        sync.Mutex
	messages  []Message
	bookmarks map[Bookmark]int
	maxTokens int
	counter   TokenCounter
}

// NewHistory constructs an empty History. maxTokens is the default budget
// used by GetMessagesForRequest when none is supplied by the caller; a
// zero or negative value disables the default (callers must always pass
// an explicit budget). counter defaults to DefaultTokenCounter when nil.
func NewHistory(maxTokens int, counter TokenCounter) *History {
	if counter == nil {
		counter = DefaultTokenCounter
	}
	return &History{
		bookmarks: make(map[Bookmark]int),
		maxTokens: maxTokens,
		counter:   counter,
	}
}

// Len returns the current message count.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Messages returns a defensive copy of the full message sequence.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) append(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
}

// AddSystemMessage appends a system-role message.
func (h *History) AddSystemMessage(content string) {
	h.append(NewSystemMessage(content))
}

// AddUserMessage appends a user-role message.
func (h *History) AddUserMessage(content string) {
	h.append(NewUserMessage(content))
}

// AddAssistantMessage appends an assistant-role message with no tool
// calls.
func (h *History) AddAssistantMessage(content string) {
	h.append(NewAssistantMessage(content))
}

// AddAssistantMessageWithToolCalls appends a role=assistant message with
// empty content and the given tool_calls attached.
func (h *History) AddAssistantMessageWithToolCalls(calls []ToolCall) {
	h.append(NewAssistantMessageWithToolCalls(calls))
}

// AddToolMessage appends a role=tool message paired to toolCallID.
func (h *History) AddToolMessage(toolCallID, content string) {
	h.append(NewToolMessage(toolCallID, content))
}

// CreateBookmark returns a fresh opaque id mapped to the current tail
// index.
func (h *History) CreateBookmark() Bookmark {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := newBookmark()
	h.bookmarks[b] = len(h.messages)
	return b
}

// RestoreBookmark truncates the sequence to the bookmarked index and
// removes the bookmark. Restoring an unknown id fails explicitly.
func (h *History) RestoreBookmark(b Bookmark) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, ok := h.bookmarks[b]
	if !ok {
		return &ErrUnknownBookmark{Bookmark: b}
	}
	h.messages = h.messages[:idx]
	delete(h.bookmarks, b)
	return nil
}

// ClearAfterBookmark truncates the sequence to the bookmarked index without
// consuming the bookmark itself — the bookmark remains valid and still
// points at the (now-tail) index. Returns an error for an unknown id.
func (h *History) ClearAfterBookmark(b Bookmark) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, ok := h.bookmarks[b]
	if !ok {
		return &ErrUnknownBookmark{Bookmark: b}
	}
	h.messages = h.messages[:idx]
	return nil
}

// BookmarkIndex returns the message index a bookmark currently points at,
// and whether the bookmark exists.
func (h *History) BookmarkIndex(b Bookmark) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, ok := h.bookmarks[b]
	return idx, ok
}

// CopyFrom replaces this History's messages and bookmarks with a deep copy
// of src's. Used when cloning a conversation for a parallel branch.
func (h *History) CopyFrom(src *History) {
	src.mu.Lock()
	messages := make([]Message, len(src.messages))
	copy(messages, src.messages)
	bookmarks := make(map[Bookmark]int, len(src.bookmarks))
	for k, v := range src.bookmarks {
		bookmarks[k] = v
	}
	counter := src.counter
	maxTokens := src.maxTokens
	src.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = messages
	h.bookmarks = bookmarks
	h.counter = counter
	h.maxTokens = maxTokens
}

// Clone returns a deep copy of h: an independent History whose messages
// and bookmarks can no longer affect h.
func (h *History) Clone() *History {
	clone := NewHistory(0, nil)
	clone.CopyFrom(h)
	return clone
}

const defaultKeepFirstN = 2

// GetMessagesForRequest selects messages for the next LLM call.
//
//   - If fromBookmark is non-empty: return every message at or after that
//     bookmark's index.
//   - Else if useSlidingWindow: include the first keepFirstN messages
//     (typically system + initial user), then walk backward from the tail
//     accumulating messages until adding the next would exceed maxTokens;
//     return firstN ++ reverse(tail window).
//   - Else: walk backward from the tail until the budget would be
//     exceeded.
//
// A correct selection never splits a message: the last message that fits
// goes in whole, the next is dropped whole — unless the single most
// recent message alone exceeds the budget, in which case that message
// alone is returned.
func (h *History) GetMessagesForRequest(maxTokens int, fromBookmark Bookmark, useSlidingWindow bool) ([]Message, error) {
	h.mu.Lock()
	messages := make([]Message, len(h.messages))
	copy(messages, h.messages)
	bookmarks := h.bookmarks
	counter := h.counter
	if maxTokens <= 0 {
		maxTokens = h.maxTokens
	}
	h.mu.Unlock()

	if fromBookmark != "" {
		idx, ok := bookmarks[fromBookmark]
		if !ok {
			return nil, &ErrUnknownBookmark{Bookmark: fromBookmark}
		}
		if idx >= len(messages) {
			return []Message{}, nil
		}
		out := make([]Message, len(messages)-idx)
		copy(out, messages[idx:])
		return out, nil
	}

	if len(messages) == 0 {
		return []Message{}, nil
	}

	if useSlidingWindow {
		return slidingWindow(messages, maxTokens, counter, defaultKeepFirstN), nil
	}
	return tailWindow(messages, maxTokens, counter), nil
}

// tailWindow walks backward from the tail accumulating whole messages
// until the budget would be exceeded.
func tailWindow(messages []Message, maxTokens int, counter TokenCounter) []Message {
	var kept []Message
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := counter(messages[i])
		if used+cost > maxTokens {
			if len(kept) == 0 {
				// The single most recent message alone exceeds the
				// budget: return it whole rather than an empty result.
				kept = append(kept, messages[i])
			}
			break
		}
		kept = append(kept, messages[i])
		used += cost
	}
	// kept was built tail-first; reverse into chronological order.
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return kept
}

// slidingWindow keeps the first keepFirstN messages plus a tail window
// sized to the remaining budget.
func slidingWindow(messages []Message, maxTokens int, counter TokenCounter, keepFirstN int) []Message {
	if keepFirstN > len(messages) {
		keepFirstN = len(messages)
	}
	first := messages[:keepFirstN]
	rest := messages[keepFirstN:]

	used := 0
	for _, m := range first {
		used += counter(m)
	}

	tail := tailWindow(rest, maxTokens-used, counter)

	out := make([]Message, 0, len(first)+len(tail))
	out = append(out, first...)
	out = append(out, tail...)
	return out
}
