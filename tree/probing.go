package tree

import (
	"fmt"

	"github.com/go-opt/cip/problem"
)

// ProbingScope is a stack-disciplined sub-mode for speculative dives:
// bound changes applied through the scope are recorded and restored exactly
// when the scope ends, on every exit path. Scopes nest but never interleave
// with branching; the tree rejects Branch while probing is active.
type ProbingScope struct {
	t     *Tree
	prob  *problem.Problem
	node  NodeID
	trail []problem.BoundChange
	ended bool
}

// StartProbing opens a probing scope on the focus node. The temporary
// probing node lives off the permanent tree.
func (t *Tree) StartProbing(p *problem.Problem) *ProbingScope {
	depth := int32(0)
	lower := -problem.Infinity
	if f := t.Node(t.focus); f != nil {
		depth = f.depth + 1
		lower = f.lower
	}
	id := t.alloc(KindProbing, t.focus, depth, lower, nil)
	s := &ProbingScope{t: t, prob: p, node: id}
	t.probing = append(t.probing, s)
	return s
}

// Probing reports whether a probing scope is open.
func (t *Tree) Probing() bool { return len(t.probing) > 0 }

// ProbingDepth returns the nesting depth of open probing scopes.
func (t *Tree) ProbingDepth() int { return len(t.probing) }

// Apply tightens a local bound inside the scope, recording the change for
// restoration.
func (s *ProbingScope) Apply(bc problem.BoundChange) bool {
	if s.ended {
		return false
	}
	if !problem.Apply(s.prob, []problem.BoundChange{bc}) {
		s.trail = append(s.trail, bc)
		return false
	}
	s.trail = append(s.trail, bc)
	return true
}

// Node returns the temporary probing node.
func (s *ProbingScope) Node() NodeID { return s.node }

// End restores the exact pre-probing state. It is idempotent and must be
// called in LIFO order with respect to nested scopes; out-of-order ends
// panic, as they would corrupt the restore discipline.
func (s *ProbingScope) End() {
	if s.ended {
		return
	}
	t := s.t
	if len(t.probing) == 0 || t.probing[len(t.probing)-1] != s {
		panic(fmt.Sprintf("tree: probing scopes ended out of order (depth %d)", len(t.probing)))
	}
	problem.Undo(s.prob, s.trail)
	s.trail = nil
	// probing nodes are not live children of their parent, freeing is local
	t.freeNode(s.node)
	t.probing = t.probing[:len(t.probing)-1]
	s.ended = true
}
