// Package initgraph sequences kernel bring-up. Subsystems register Nodes
// with the dependency edges they need satisfied before their Action runs,
// and Execute walks the graph in dependency order starting from whichever
// goal Node the caller wants reached.
package initgraph

import (
	"sync"

	"menix/kernel"
)

// Action is the work a Node performs once every Node it depends on has
// completed. A non-nil error aborts the whole Execute call.
type Action func() *kernel.Error

type edge struct {
	source *Node
	target *Node
}

// Node is one stage of kernel bring-up. Nodes are created once, normally
// from a package-level var, and wired together with DependsOn before the
// first Execute call.
type Node struct {
	name   string
	action Action

	mu              sync.Mutex
	unsatisfiedDeps int
	wanted          bool
	done            bool

	inEdges  []*edge
	outEdges []*edge
}

var (
	registryMu sync.Mutex
	registry   []*Node
)

// NewNode creates a Node with the given display name and bring-up action,
// and registers it so Execute(nil, ...) can reach it. action may be nil for
// a pure synchronization point with no work of its own.
func NewNode(name string, action Action) *Node {
	n := &Node{name: name, action: action}

	registryMu.Lock()
	registry = append(registry, n)
	registryMu.Unlock()

	return n
}

// Name returns the Node's display name, for progress logging and error
// messages.
func (n *Node) Name() string {
	return n.name
}

// DependsOn registers n as depending on each of deps: Execute will not run
// n's action until every dependency's action has completed. It returns n so
// callers can chain it onto NewNode.
func (n *Node) DependsOn(deps ...*Node) *Node {
	for _, dep := range deps {
		registerEdge(dep, n)
	}
	return n
}

func registerEdge(source, target *Node) {
	e := &edge{source: source, target: target}

	source.mu.Lock()
	source.outEdges = append(source.outEdges, e)
	source.mu.Unlock()

	target.mu.Lock()
	target.inEdges = append(target.inEdges, e)
	target.unsatisfiedDeps++
	target.mu.Unlock()
}

func (n *Node) onReached() *kernel.Error {
	if n.action != nil {
		if err := n.action(); err != nil {
			return err
		}
	}

	n.mu.Lock()
	n.done = true
	n.mu.Unlock()
	return nil
}

// ErrUnresolved is returned by Execute when some wanted node never became
// runnable, meaning its dependency chain contains a cycle or a node that
// returned an error without being reported as such.
var ErrUnresolved = &kernel.Error{Module: "initgraph", Message: "node dependencies could not be resolved"}

// Execute runs every registered node needed to reach goal, in dependency
// order. If goal is nil, every registered node is run. onNodeReached, when
// non-nil, is called just before each node's action runs, so callers can log
// boot progress; it may be nil.
//
// Execute is not safe to call concurrently with itself, and nodes it runs
// must not call NewNode or DependsOn.
func Execute(goal *Node, onNodeReached func(*Node)) *kernel.Error {
	registryMu.Lock()
	nodes := append([]*Node(nil), registry...)
	registryMu.Unlock()

	markWanted(goal, nodes)

	var pending []*Node
	for _, n := range nodes {
		if n.isReady() {
			pending = append(pending, n)
		}
	}

	for len(pending) > 0 {
		node := pending[0]
		pending = pending[1:]

		if onNodeReached != nil {
			onNodeReached(node)
		}
		if err := node.onReached(); err != nil {
			return err
		}

		node.mu.Lock()
		outEdges := append([]*edge(nil), node.outEdges...)
		node.mu.Unlock()

		for _, e := range outEdges {
			succ := e.target

			succ.mu.Lock()
			succ.unsatisfiedDeps--
			succ.mu.Unlock()

			if succ.isReady() {
				pending = append(pending, succ)
			}
		}
	}

	for _, n := range nodes {
		n.mu.Lock()
		unresolved := n.wanted && !n.done
		n.mu.Unlock()
		if unresolved {
			return ErrUnresolved
		}
	}
	return nil
}

func (n *Node) isReady() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.wanted && !n.done && n.unsatisfiedDeps == 0
}

// markWanted flags goal and every (transitive) dependency it has as wanted,
// by walking in-edges backwards from goal. With goal nil, every registered
// node is wanted.
func markWanted(goal *Node, nodes []*Node) {
	if goal == nil {
		for _, n := range nodes {
			n.mu.Lock()
			n.wanted = true
			n.mu.Unlock()
		}
		return
	}

	queue := []*Node{}
	goal.mu.Lock()
	if !goal.wanted {
		goal.wanted = true
		queue = append(queue, goal)
	}
	goal.mu.Unlock()

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		n.mu.Lock()
		inEdges := append([]*edge(nil), n.inEdges...)
		n.mu.Unlock()

		for _, e := range inEdges {
			src := e.source

			src.mu.Lock()
			if !src.wanted {
				src.wanted = true
				queue = append(queue, src)
			}
			src.mu.Unlock()
		}
	}
}
