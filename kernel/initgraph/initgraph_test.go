package initgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"menix/kernel"
)

// withFreshRegistry runs fn with an empty node registry and restores
// whatever was registered before it returns, so tests don't see each
// other's nodes.
func withFreshRegistry(t *testing.T, fn func()) {
	t.Helper()
	registryMu.Lock()
	saved := registry
	registry = nil
	registryMu.Unlock()

	defer func() {
		registryMu.Lock()
		registry = saved
		registryMu.Unlock()
	}()

	fn()
}

func TestExecuteRunsNodesInDependencyOrder(t *testing.T) {
	withFreshRegistry(t, func() {
		var order []string

		a := NewNode("a", func() *kernel.Error { order = append(order, "a"); return nil })
		b := NewNode("b", func() *kernel.Error { order = append(order, "b"); return nil })
		c := NewNode("c", func() *kernel.Error { order = append(order, "c"); return nil })
		c.DependsOn(a, b)

		err := Execute(nil, nil)
		require.Nil(t, err)
		require.Len(t, order, 3)
		require.Equal(t, "c", order[2])
	})
}

func TestExecuteOnlyRunsNodesReachableFromGoal(t *testing.T) {
	withFreshRegistry(t, func() {
		var ran []string

		a := NewNode("a", func() *kernel.Error { ran = append(ran, "a"); return nil })
		b := NewNode("b", func() *kernel.Error { ran = append(ran, "b"); return nil })
		_ = b
		c := NewNode("c", func() *kernel.Error { ran = append(ran, "c"); return nil })
		c.DependsOn(a)

		err := Execute(c, nil)
		require.Nil(t, err)
		require.ElementsMatch(t, []string{"a", "c"}, ran)
	})
}

func TestExecuteSatisfiesDiamondDependency(t *testing.T) {
	withFreshRegistry(t, func() {
		var order []string

		root := NewNode("root", func() *kernel.Error { order = append(order, "root"); return nil })
		left := NewNode("left", func() *kernel.Error { order = append(order, "left"); return nil })
		right := NewNode("right", func() *kernel.Error { order = append(order, "right"); return nil })
		join := NewNode("join", func() *kernel.Error { order = append(order, "join"); return nil })

		left.DependsOn(root)
		right.DependsOn(root)
		join.DependsOn(left, right)

		err := Execute(join, nil)
		require.Nil(t, err)
		require.Equal(t, "root", order[0])
		require.Equal(t, "join", order[3])
	})
}

func TestExecutePropagatesActionError(t *testing.T) {
	withFreshRegistry(t, func() {
		wantErr := &kernel.Error{Module: "initgraph_test", Message: "boom"}

		a := NewNode("a", func() *kernel.Error { return wantErr })
		b := NewNode("b", func() *kernel.Error { return nil })
		b.DependsOn(a)

		err := Execute(b, nil)
		require.Equal(t, wantErr, err)
	})
}

func TestExecuteCallsOnNodeReachedForEveryWantedNode(t *testing.T) {
	withFreshRegistry(t, func() {
		a := NewNode("a", nil)
		b := NewNode("b", nil)
		b.DependsOn(a)

		var seen []string
		err := Execute(nil, func(n *Node) { seen = append(seen, n.Name()) })
		require.Nil(t, err)
		require.ElementsMatch(t, []string{"a", "b"}, seen)
	})
}

func TestExecuteIsIdempotentOnceNodesAreDone(t *testing.T) {
	withFreshRegistry(t, func() {
		runs := 0
		a := NewNode("a", func() *kernel.Error { runs++; return nil })

		require.Nil(t, Execute(a, nil))
		require.Nil(t, Execute(a, nil))
		require.Equal(t, 1, runs)
	})
}
