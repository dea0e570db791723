package ledger

import (
	cm "github.com/hgnetwork/pulse/src/common"
)

// DAGNode wraps a Transaction with its position in the graph. Approves holds
// the tips selected when the transaction was attached; successors are the
// transactions that later approved it or listed it as a dependency.
type DAGNode struct {
	Transaction *Transaction
	Approves    []string
	Seq         int64

	successors []string
}

// Successors returns a copy of the node's back-edges.
func (n *DAGNode) Successors() []string {
	res := make([]string, len(n.successors))
	copy(res, n.successors)
	return res
}

// DAG is the transaction graph. Every edge is checked for cycles before it is
// inserted. DAG is not safe for concurrent use; the Ledger serialises access.
type DAG struct {
	nodes map[string]*DAGNode
}

// NewDAG ...
func NewDAG() *DAG {
	return &DAG{
		nodes: make(map[string]*DAGNode),
	}
}

// Len returns the number of nodes.
func (d *DAG) Len() int {
	return len(d.nodes)
}

// Node ...
func (d *DAG) Node(id string) (*DAGNode, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Add inserts a node without edges.
func (d *DAG) Add(node *DAGNode) error {
	id := node.Transaction.ID
	if _, ok := d.nodes[id]; ok {
		return cm.NewErr("Transaction", cm.Conflict, id, "duplicate transaction id")
	}
	d.nodes[id] = node
	return nil
}

// AddEdge records that `to` builds on `from`. The edge is refused if `from` is
// already reachable from `to`, because inserting it would close a cycle.
func (d *DAG) AddEdge(from, to string) error {
	fromNode, ok := d.nodes[from]
	if !ok {
		return cm.NewErr("Transaction", cm.Conflict, from, "unknown edge source")
	}
	if _, ok := d.nodes[to]; !ok {
		return cm.NewErr("Transaction", cm.Conflict, to, "unknown edge target")
	}

	if from == to || d.reachable(to, from) {
		return cm.Errf("Transaction", cm.Conflict, to, "edge %s -> %s would create a cycle", from, to)
	}

	for _, s := range fromNode.successors {
		if s == to {
			return nil
		}
	}
	fromNode.successors = append(fromNode.successors, to)

	return nil
}

// Remove deletes a node and every edge pointing to it. A node that still has
// successors cannot be removed.
func (d *DAG) Remove(id string) error {
	node, ok := d.nodes[id]
	if !ok {
		return cm.NewErr("Transaction", cm.KeyNotFound, id, "")
	}
	if len(node.successors) > 0 {
		return cm.NewErr("Transaction", cm.Conflict, id, "transaction has successors")
	}

	for _, n := range d.nodes {
		for i, s := range n.successors {
			if s == id {
				n.successors = append(n.successors[:i], n.successors[i+1:]...)
				break
			}
		}
	}
	delete(d.nodes, id)

	return nil
}

// reachable walks successor edges from src with an explicit stack.
func (d *DAG) reachable(src, dst string) bool {
	visited := make(map[string]bool)
	stack := []string{src}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur == dst {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true

		if n, ok := d.nodes[cur]; ok {
			stack = append(stack, n.successors...)
		}
	}

	return false
}

const (
	white = iota // not visited
	grey         // on the current DFS path
	black        // fully explored
)

// IsCyclic runs an iterative depth-first search over the whole graph and
// reports whether it finds a back-edge.
func (d *DAG) IsCyclic() bool {
	color := make(map[string]int, len(d.nodes))

	type frame struct {
		id   string
		next int
	}

	for root := range d.nodes {
		if color[root] != white {
			continue
		}

		color[root] = grey
		stack := []frame{{id: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succ := d.nodes[top.id].successors

			if top.next == len(succ) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}

			child := succ[top.next]
			top.next++

			if _, ok := d.nodes[child]; !ok {
				continue
			}

			switch color[child] {
			case grey:
				return true
			case white:
				color[child] = grey
				stack = append(stack, frame{id: child})
			}
		}
	}

	return false
}
