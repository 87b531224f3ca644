package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneSharesIDButNotHistory(t *testing.T) {
	ctx := New(1000, nil)
	ctx.History.AddUserMessage("hello")
	ctx.SetMetadata("cache_name", "foo")

	clone := ctx.Clone()
	require.Equal(t, ctx.ID, clone.ID)

	clone.History.AddUserMessage("branch-only")
	require.Equal(t, 1, ctx.History.Len())
	require.Equal(t, 2, clone.History.Len())

	v, ok := clone.Metadata("cache_name")
	require.True(t, ok)
	require.Equal(t, "foo", v)
}

func TestCloneWithNoBookmarksYieldsValidConversation(t *testing.T) {
	ctx := New(1000, nil)
	clone := ctx.Clone()
	require.Equal(t, 0, clone.History.Len())
	clone.History.AddUserMessage("ok")
	require.Equal(t, 1, clone.History.Len())
}
