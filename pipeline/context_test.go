package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWithPathSharesMutexAcrossDerivedContexts guards against WithPath
// handing out an independent zero-valued mutex over maps it still aliases
// with its parent: every derived Context must serialize against the same
// lock the parent and its siblings use, since they share the same
// underlying metadata/results maps.
func TestWithPathSharesMutexAcrossDerivedContexts(t *testing.T) {
	root := newTestContext()
	a := root.WithPath("a")
	b := root.WithPath("b")

	require.Same(t, root.mu, a.mu)
	require.Same(t, root.mu, b.mu)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			a.SetMetadata("k", i)
		}(i)
		go func(i int) {
			defer wg.Done()
			b.SetMetadata("k", i)
		}(i)
	}
	wg.Wait()

	_, ok := root.Metadata("k")
	require.True(t, ok, "writes through either derived context must be visible from the shared root map")
}

// TestCloneForBranchGetsIndependentMutex asserts a branch clone, which
// deep-copies its maps rather than aliasing the parent's, does not share
// the parent's lock either.
func TestCloneForBranchGetsIndependentMutex(t *testing.T) {
	root := newTestContext()
	root.SetMetadata("k", "v")

	branch := root.CloneForBranch()
	require.NotSame(t, root.mu, branch.mu)

	branch.SetMetadata("k", "changed")
	v, _ := root.Metadata("k")
	require.Equal(t, "v", v, "branch clone must not mutate the parent's metadata map")
}
