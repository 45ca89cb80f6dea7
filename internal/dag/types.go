package dag

import (
	"fmt"
	"strings"
	"sync"
)

// Graph is a collection of nodes and their dependencies.
// All operations on the graph are concurrency-safe.
type Graph struct {
	// mutex protects the nodes map during concurrent access.
	mutex sync.RWMutex
	// nodes stores all nodes in the graph, keyed by their unique ID.
	nodes map[string]*node
	// order tracks node IDs in insertion order for deterministic traversal.
	order []string
}

// node represents a single vertex in the graph. It is un-exported to
// enforce interaction with the graph via the public API (using string IDs),
// not by direct struct manipulation.
type node struct {
	// id is the unique identifier for the node.
	id string
	// deps holds the nodes that this node depends on, in insertion order.
	deps []*node
	// dependents holds the nodes that depend on this node, in insertion order.
	dependents []*node
}

// CycleError indicates that the graph contains a cycle.
type CycleError struct {
	// Cycle lists the nodes along the cycle in dependency direction. The first
	// node is repeated at the end: ["a", "b", "a"] means a depends on b which
	// depends on a.
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

func hasNode(list []*node, id string) bool {
	for _, n := range list {
		if n.id == id {
			return true
		}
	}
	return false
}

func ids(list []*node) []string {
	out := make([]string, 0, len(list))
	for _, n := range list {
		out = append(out, n.id)
	}
	return out
}
