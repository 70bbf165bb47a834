// Package tree maintains the branch-and-bound tree: the focus node, its
// children and siblings, and the leaf priority queue. Nodes live in an
// index-addressed arena with generation counters; a NodeID is a plain
// index+generation pair and destruction is an explicit arena free, so
// stale references are detected instead of dereferenced.
package tree

import (
	"container/heap"
	"math"

	"github.com/bits-and-blooms/bitset"

	"github.com/go-opt/cip/debug"
	"github.com/go-opt/cip/problem"
)

// NodeID addresses a node in the arena: index in the upper 32 bits,
// generation in the lower.
type NodeID uint64

// Invalid is the "no node" id.
const Invalid = NodeID(math.MaxUint64)

func makeID(idx, gen uint32) NodeID { return NodeID(idx)<<32 | NodeID(gen) }
func (id NodeID) index() uint32     { return uint32(id >> 32) }
func (id NodeID) gen() uint32       { return uint32(id) }

// Kind is the tree state of a node.
type Kind uint8

const (
	KindFree Kind = iota
	// KindFocus is the node currently being processed.
	KindFocus
	// KindChild was created by branching on the current focus.
	KindChild
	// KindSibling shares its parent with the current focus.
	KindSibling
	// KindLeaf waits in the open-node priority queue.
	KindLeaf
	// KindFork is a processed focus node kept as an ancestor of open nodes.
	KindFork
	// KindProbing is a temporary node off the permanent tree.
	KindProbing
)

func (k Kind) String() string {
	switch k {
	case KindFree:
		return "free"
	case KindFocus:
		return "focus"
	case KindChild:
		return "child"
	case KindSibling:
		return "sibling"
	case KindLeaf:
		return "leaf"
	case KindFork:
		return "fork"
	case KindProbing:
		return "probing"
	}
	return "?"
}

// Node is one tree node. Its domain-change list is relative to its parent;
// local propagation at the focus appends to it so that focus switches can
// replay the exact path.
type Node struct {
	gen    uint32
	kind   Kind
	parent NodeID
	depth  int32
	lower  float64 // dual bound
	domchg []problem.BoundChange
	nLive  int32 // live (not yet freed) children
}

func (n *Node) Kind() Kind                           { return n.kind }
func (n *Node) Parent() NodeID                       { return n.parent }
func (n *Node) Depth() int32                         { return n.depth }
func (n *Node) Lower() float64                       { return n.lower }
func (n *Node) DomainChanges() []problem.BoundChange { return n.domchg }

// Better compares two open nodes; true means a should be processed before
// b. The node selection policy of the solver provides it.
type Better func(a, b *Node) bool

// Tree is the tree manager. It exclusively owns all nodes.
type Tree struct {
	arena []Node
	free  []uint32

	root     NodeID
	focus    NodeID
	children []NodeID
	siblings []NodeID
	leaves   leafHeap

	better Better
	reprop *bitset.BitSet

	probing []*ProbingScope

	nCreated int64
	nFreed   int64
	nCutoff  int64
}

// New creates an empty tree with the given node ordering.
func New(better Better) *Tree {
	t := &Tree{
		root:   Invalid,
		focus:  Invalid,
		better: better,
		reprop: bitset.New(64),
	}
	t.leaves.t = t
	return t
}

// Node resolves id, returning nil for freed or stale ids.
func (t *Tree) Node(id NodeID) *Node {
	if id == Invalid {
		return nil
	}
	idx := id.index()
	if int(idx) >= len(t.arena) {
		return nil
	}
	n := &t.arena[idx]
	if n.gen != id.gen() || n.kind == KindFree {
		return nil
	}
	return n
}

func (t *Tree) alloc(kind Kind, parent NodeID, depth int32, lower float64, domchg []problem.BoundChange) NodeID {
	var idx uint32
	if len(t.free) > 0 {
		idx = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		debug.Assert(t.arena[idx].kind == KindFree, "tree: free list slot is live")
	} else {
		t.arena = append(t.arena, Node{})
		idx = uint32(len(t.arena) - 1)
	}
	n := &t.arena[idx]
	gen := n.gen + 1
	*n = Node{gen: gen, kind: kind, parent: parent, depth: depth, lower: lower, domchg: domchg}
	t.nCreated++
	t.reprop.Clear(uint(idx))
	return makeID(idx, gen)
}

func (t *Tree) freeNode(id NodeID) {
	n := t.Node(id)
	if n == nil {
		return
	}
	idx := id.index()
	debug.Assert(n.nLive == 0, "tree: freeing a node with live children")
	n.kind = KindFree
	n.domchg = nil
	t.free = append(t.free, idx)
	t.reprop.Clear(uint(idx))
	t.nFreed++
}

// CreateRoot initializes the tree with a root node and makes it focus.
func (t *Tree) CreateRoot(lower float64) NodeID {
	t.root = t.alloc(KindFocus, Invalid, 0, lower, nil)
	t.focus = t.root
	return t.root
}

func (t *Tree) Root() NodeID  { return t.root }
func (t *Tree) Focus() NodeID { return t.focus }

// NOpen is the number of unprocessed nodes, not counting the focus.
func (t *Tree) NOpen() int { return len(t.children) + len(t.siblings) + t.leaves.Len() }

// NCreated and NCutoff report lifetime statistics.
func (t *Tree) NCreated() int64 { return t.nCreated }
func (t *Tree) NCutoff() int64  { return t.nCutoff }

// SetFocusLower raises the focus node's dual bound.
func (t *Tree) SetFocusLower(lower float64) {
	if n := t.Node(t.focus); n != nil && lower > n.lower {
		n.lower = lower
	}
}

// AppendFocusDomchg records bound changes found by local propagation at the
// focus node, so a later focus switch replays them.
func (t *Tree) AppendFocusDomchg(chgs []problem.BoundChange) {
	if n := t.Node(t.focus); n != nil {
		n.domchg = append(n.domchg, chgs...)
	}
}

// Branch partitions the focus node into children with the given disjoint
// extra bound changes. The focus keeps processing until SelectNext.
func (t *Tree) Branch(domchgs [][]problem.BoundChange) []NodeID {
	if len(t.probing) > 0 {
		panic("tree: Branch called inside a probing scope")
	}
	fidx := t.focus.index()
	depth := t.arena[fidx].depth + 1
	lower := t.arena[fidx].lower
	ids := make([]NodeID, 0, len(domchgs))
	for _, chg := range domchgs {
		id := t.alloc(KindChild, t.focus, depth, lower, chg)
		t.children = append(t.children, id)
		// alloc may grow the arena, so never hold a *Node across it.
		t.arena[fidx].nLive++
		ids = append(ids, id)
	}
	return ids
}

// Lowerbound returns the minimal dual bound over all open nodes and the
// focus; +Infinity when the tree is exhausted.
func (t *Tree) Lowerbound() float64 {
	lb := math.Inf(1)
	consider := func(id NodeID) {
		if n := t.Node(id); n != nil && n.lower < lb {
			lb = n.lower
		}
	}
	consider(t.focus)
	for _, id := range t.children {
		consider(id)
	}
	for _, id := range t.siblings {
		consider(id)
	}
	for _, id := range t.leaves.ids {
		consider(id)
	}
	if math.IsInf(lb, 1) {
		return problem.Infinity
	}
	return lb
}

// SelectNext demotes the current focus to a fork, picks the best open node
// by policy and makes it the new focus. It returns the bound-change lists
// to undo (old path, outermost last applied first) and to apply (new path,
// top-down), and ok=false when the tree is exhausted.
func (t *Tree) SelectNext() (next NodeID, undo, apply [][]problem.BoundChange, ok bool) {
	old := t.focus
	// pick best among children, siblings and the leaf queue
	best := Invalid
	take := func(id NodeID) {
		if best == Invalid || t.better(t.Node(id), t.Node(best)) {
			best = id
		}
	}
	for _, id := range t.children {
		take(id)
	}
	for _, id := range t.siblings {
		take(id)
	}
	if t.leaves.Len() > 0 {
		take(t.leaves.ids[0])
	}
	if best == Invalid {
		t.retireFocus()
		t.focus = Invalid
		return Invalid, nil, nil, false
	}

	// demote non-selected children and siblings to leaves
	for _, id := range t.children {
		if id != best {
			t.Node(id).kind = KindLeaf
			heap.Push(&t.leaves, id)
		}
	}
	t.children = t.children[:0]
	for _, id := range t.siblings {
		if id != best {
			t.Node(id).kind = KindLeaf
			heap.Push(&t.leaves, id)
		}
	}
	t.siblings = t.siblings[:0]
	if n := t.Node(best); n.kind == KindLeaf {
		t.leaves.remove(best)
	}

	// capture the path before retiring: retiring may free the old focus
	// and its exclusively-dominated ancestors
	undo, apply = t.path(old, best)
	t.retireFocus()
	t.Node(best).kind = KindFocus
	t.focus = best
	return best, undo, apply, true
}

// retireFocus turns the focus into a fork, freeing it (and dominated
// ancestors) if it has no live children.
func (t *Tree) retireFocus() {
	f := t.Node(t.focus)
	if f == nil {
		return
	}
	f.kind = KindFork
	if f.nLive == 0 {
		t.release(t.focus)
	}
}

// release frees a node and walks up freeing every ancestor fork left
// without live children.
func (t *Tree) release(id NodeID) {
	for id != Invalid {
		n := t.Node(id)
		if n == nil {
			return
		}
		parent := n.parent
		t.freeNode(id)
		p := t.Node(parent)
		if p == nil {
			return
		}
		p.nLive--
		if p.nLive > 0 || p.kind != KindFork {
			return
		}
		id = parent
	}
}

// Cutoff removes an open node whose subtree is proven dominated or
// infeasible, propagating the cutoff to exclusively-dominated ancestors.
func (t *Tree) Cutoff(id NodeID) {
	n := t.Node(id)
	if n == nil {
		return
	}
	t.nCutoff++
	switch n.kind {
	case KindChild:
		t.children = removeID(t.children, id)
	case KindSibling:
		t.siblings = removeID(t.siblings, id)
	case KindLeaf:
		t.leaves.remove(id)
	case KindFocus:
		// focus cutoff: handled by SelectNext via retireFocus; nothing
		// is in the open lists
	}
	if n.kind != KindFocus {
		t.release(id)
	}
}

// CutoffFocus marks the focus subtree done; the node is freed on the next
// SelectNext unless branching created children.
func (t *Tree) CutoffFocus() {
	t.nCutoff++
}

// PruneAbove removes every open node whose dual bound is not below the
// cutoff bound. Returns the number of pruned nodes.
func (t *Tree) PruneAbove(cutoff float64) int {
	pruned := 0
	keepList := func(ids []NodeID) []NodeID {
		kept := ids[:0]
		for _, id := range ids {
			if n := t.Node(id); n != nil && n.lower >= cutoff {
				t.release(id)
				pruned++
			} else {
				kept = append(kept, id)
			}
		}
		return kept
	}
	t.children = keepList(t.children)
	t.siblings = keepList(t.siblings)

	kept := t.leaves.ids[:0]
	for _, id := range t.leaves.ids {
		if n := t.Node(id); n != nil && n.lower >= cutoff {
			t.release(id)
			pruned++
		} else {
			kept = append(kept, id)
		}
	}
	t.leaves.ids = kept
	heap.Init(&t.leaves)
	t.nCutoff += int64(pruned)
	return pruned
}

// path computes the domain changes to undo from old up to the common
// ancestor and to apply from there down to next.
func (t *Tree) path(old, next NodeID) (undo, apply [][]problem.BoundChange) {
	if old == next {
		return nil, nil
	}
	up := old
	down := next
	var downPath []NodeID
	for up != down {
		nu, nd := t.Node(up), t.Node(down)
		debug.Assert((up == Invalid || nu != nil) && (down == Invalid || nd != nil),
			"tree: focus path through a freed ancestor")
		switch {
		case up == Invalid || (down != Invalid && nd.depth > nu.depth):
			downPath = append(downPath, down)
			down = nd.parent
		default:
			undo = append(undo, nu.domchg)
			up = nu.parent
		}
	}
	for i := len(downPath) - 1; i >= 0; i-- {
		apply = append(apply, t.Node(downPath[i]).domchg)
	}
	return undo, apply
}

// MarkRepropagate flags a node for repropagation when it becomes focus.
func (t *Tree) MarkRepropagate(id NodeID) {
	if t.Node(id) != nil {
		t.reprop.Set(uint(id.index()))
	}
}

// MarkOpenRepropagate flags every open node. Used after global bound
// tightenings, which can invalidate propagation done under looser bounds.
func (t *Tree) MarkOpenRepropagate() {
	t.Open(t.MarkRepropagate)
}

// Open visits every open node: pending children, siblings of the focus and
// the queued leaves. The visit order is unspecified; fn must not mutate
// the tree.
func (t *Tree) Open(fn func(NodeID)) {
	for _, id := range t.children {
		fn(id)
	}
	for _, id := range t.siblings {
		fn(id)
	}
	for _, id := range t.leaves.ids {
		fn(id)
	}
}

// NeedsRepropagation reads and clears the repropagation mark.
func (t *Tree) NeedsRepropagation(id NodeID) bool {
	if t.Node(id) == nil {
		return false
	}
	idx := uint(id.index())
	if t.reprop.Test(idx) {
		t.reprop.Clear(idx)
		return true
	}
	return false
}

// Clear discards the whole tree. Restarts use this before re-presolving.
func (t *Tree) Clear() {
	t.arena = t.arena[:0]
	t.free = t.free[:0]
	t.root, t.focus = Invalid, Invalid
	t.children = t.children[:0]
	t.siblings = t.siblings[:0]
	t.leaves.ids = t.leaves.ids[:0]
	t.reprop.ClearAll()
	t.probing = t.probing[:0]
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	for i, x := range ids {
		if x == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// leafHeap orders leaves by the tree's Better policy.
type leafHeap struct {
	ids []NodeID
	t   *Tree
}

func (h *leafHeap) Len() int { return len(h.ids) }
func (h *leafHeap) Less(i, j int) bool {
	return h.t.better(h.t.Node(h.ids[i]), h.t.Node(h.ids[j]))
}
func (h *leafHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }
func (h *leafHeap) Push(x any)    { h.ids = append(h.ids, x.(NodeID)) }
func (h *leafHeap) Pop() any {
	x := h.ids[len(h.ids)-1]
	h.ids = h.ids[:len(h.ids)-1]
	return x
}

func (h *leafHeap) remove(id NodeID) {
	for i, x := range h.ids {
		if x == id {
			heap.Remove(h, i)
			return
		}
	}
}
