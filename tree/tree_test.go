package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-opt/cip/problem"
)

func bestBound(a, b *Node) bool {
	if a.Lower() != b.Lower() {
		return a.Lower() < b.Lower()
	}
	return a.Depth() > b.Depth()
}

func newProb(t *testing.T) (*problem.Problem, problem.VarID) {
	t.Helper()
	p := problem.New("tree")
	x := p.AddVar("x", problem.Integer, 0, 10, 1)
	return p, x
}

func TestBranchAndSelect(t *testing.T) {
	assert := require.New(t)
	p, x := newProb(t)

	tr := New(bestBound)
	root := tr.CreateRoot(0)
	assert.Equal(root, tr.Focus())
	assert.Zero(tr.NOpen())

	down := []problem.BoundChange{{Var: x, Kind: problem.UpperBound, New: 4, Old: 10}}
	up := []problem.BoundChange{{Var: x, Kind: problem.LowerBound, New: 5, Old: 0}}
	ids := tr.Branch([][]problem.BoundChange{down, up})
	assert.Len(ids, 2)
	assert.Equal(2, tr.NOpen())
	assert.Equal(int32(1), tr.Node(ids[0]).Depth())

	next, undo, apply, ok := tr.SelectNext()
	assert.True(ok)
	assert.Contains(ids, next)
	assert.Empty(undo) // root has no domain changes
	assert.Len(apply, 1)
	assert.True(problem.Apply(p, apply[0]))
	assert.Equal(1, tr.NOpen())

	// the sibling was demoted to a leaf
	other := ids[0]
	if next == other {
		other = ids[1]
	}
	assert.Equal(KindLeaf, tr.Node(other).Kind())
}

func TestSelectNextUndoesOldPath(t *testing.T) {
	assert := require.New(t)
	p, x := newProb(t)

	tr := New(bestBound)
	tr.CreateRoot(0)
	down := []problem.BoundChange{{Var: x, Kind: problem.UpperBound, New: 4, Old: 10}}
	up := []problem.BoundChange{{Var: x, Kind: problem.LowerBound, New: 5, Old: 0}}
	tr.Branch([][]problem.BoundChange{down, up})

	first, _, apply, ok := tr.SelectNext()
	assert.True(ok)
	for _, chgs := range apply {
		assert.True(problem.Apply(p, chgs))
	}

	// cut off the first child without branching further; the second must
	// come back with an undo of the first's changes
	tr.CutoffFocus()
	second, undo, apply2, ok := tr.SelectNext()
	assert.True(ok)
	assert.NotEqual(first, second)
	assert.Len(undo, 1)
	for _, chgs := range undo {
		problem.Undo(p, chgs)
	}
	for _, chgs := range apply2 {
		assert.True(problem.Apply(p, chgs))
	}
	if tr.Node(second).DomainChanges()[0].Kind == problem.LowerBound {
		assert.Equal(5.0, p.Var(x).LocalLb())
		assert.Equal(10.0, p.Var(x).LocalUb())
	} else {
		assert.Equal(0.0, p.Var(x).LocalLb())
		assert.Equal(4.0, p.Var(x).LocalUb())
	}
}

func TestOpenVisitsAllOpenNodes(t *testing.T) {
	assert := require.New(t)
	_, x := newProb(t)

	tr := New(bestBound)
	tr.CreateRoot(0)
	down := []problem.BoundChange{{Var: x, Kind: problem.UpperBound, New: 4, Old: 10}}
	up := []problem.BoundChange{{Var: x, Kind: problem.LowerBound, New: 5, Old: 0}}
	ids := tr.Branch([][]problem.BoundChange{down, up})

	var seen []NodeID
	tr.Open(func(id NodeID) { seen = append(seen, id) })
	assert.ElementsMatch(ids, seen)

	// after a focus switch the unselected child is queued as a leaf and
	// stays visible to Open
	_, _, _, ok := tr.SelectNext()
	assert.True(ok)
	kids := tr.Branch([][]problem.BoundChange{
		{{Var: x, Kind: problem.UpperBound, New: 2, Old: 4}},
		{{Var: x, Kind: problem.LowerBound, New: 3, Old: 0}},
	})
	seen = seen[:0]
	tr.Open(func(id NodeID) { seen = append(seen, id) })
	assert.Len(seen, 3)
	assert.Subset(seen, kids)

	// cutting an open node drops it from the open lists
	tr.Cutoff(kids[0])
	assert.Nil(tr.Node(kids[0]))
	seen = seen[:0]
	tr.Open(func(id NodeID) { seen = append(seen, id) })
	assert.Len(seen, 2)
	assert.NotContains(seen, kids[0])
}

func TestBranchCountsLiveChildrenAcrossArenaGrowth(t *testing.T) {
	assert := require.New(t)
	_, x := newProb(t)

	tr := New(bestBound)
	root := tr.CreateRoot(0)
	down := []problem.BoundChange{{Var: x, Kind: problem.UpperBound, New: 4, Old: 10}}
	up := []problem.BoundChange{{Var: x, Kind: problem.LowerBound, New: 5, Old: 0}}
	ids := tr.Branch([][]problem.BoundChange{down, up})

	// allocating the children grows the arena; the count must land on the
	// root slot, not on a pointer into the old backing array
	assert.Equal(int32(2), tr.Node(root).nLive)

	_, _, _, ok := tr.SelectNext()
	assert.True(ok)
	assert.Equal(KindFork, tr.Node(root).Kind())

	tr.CutoffFocus()
	_, _, _, ok = tr.SelectNext()
	assert.True(ok)
	tr.CutoffFocus()
	_, _, _, ok = tr.SelectNext()
	assert.False(ok)

	// with both children released the root fork must be freed too
	assert.Nil(tr.Node(root))
	assert.Nil(tr.Node(ids[0]))
	assert.Nil(tr.Node(ids[1]))
}

func TestStaleIDAfterFree(t *testing.T) {
	assert := require.New(t)
	_, x := newProb(t)

	tr := New(bestBound)
	tr.CreateRoot(0)
	down := []problem.BoundChange{{Var: x, Kind: problem.UpperBound, New: 4, Old: 10}}
	up := []problem.BoundChange{{Var: x, Kind: problem.LowerBound, New: 5, Old: 0}}
	ids := tr.Branch([][]problem.BoundChange{down, up})

	first, _, _, ok := tr.SelectNext()
	assert.True(ok)
	tr.CutoffFocus()
	_, _, _, ok = tr.SelectNext()
	assert.True(ok)

	// the first child was freed; its ID must no longer resolve even if the
	// arena slot is reused
	assert.Nil(tr.Node(first))
	_ = ids
}

func TestLowerboundAndPrune(t *testing.T) {
	assert := require.New(t)
	_, x := newProb(t)

	tr := New(bestBound)
	tr.CreateRoot(3)
	down := []problem.BoundChange{{Var: x, Kind: problem.UpperBound, New: 4, Old: 10}}
	up := []problem.BoundChange{{Var: x, Kind: problem.LowerBound, New: 5, Old: 0}}
	ids := tr.Branch([][]problem.BoundChange{down, up})
	// children inherit the parent bound
	assert.Equal(3.0, tr.Node(ids[0]).Lower())
	assert.Equal(3.0, tr.Lowerbound())

	_, _, _, ok := tr.SelectNext()
	assert.True(ok)
	tr.SetFocusLower(5)
	assert.Equal(3.0, tr.Lowerbound()) // open sibling still at 3

	// prune everything at or above 3: the open sibling goes away
	pruned := tr.PruneAbove(3)
	assert.Equal(1, pruned)
	assert.Zero(tr.NOpen())

	tr.CutoffFocus()
	_, _, _, ok = tr.SelectNext()
	assert.False(ok)
	assert.Equal(problem.Infinity, tr.Lowerbound())
}

func TestProbingRestoresExactly(t *testing.T) {
	assert := require.New(t)
	p, x := newProb(t)

	tr := New(bestBound)
	tr.CreateRoot(0)

	scope := tr.StartProbing(p)
	assert.True(tr.Probing())
	assert.True(scope.Apply(problem.BoundChange{Var: x, Kind: problem.LowerBound, New: 3, Old: 0}))
	assert.True(scope.Apply(problem.BoundChange{Var: x, Kind: problem.UpperBound, New: 6, Old: 10}))
	assert.Equal(3.0, p.Var(x).LocalLb())
	assert.Equal(6.0, p.Var(x).LocalUb())

	scope.End()
	assert.False(tr.Probing())
	assert.Equal(0.0, p.Var(x).LocalLb())
	assert.Equal(10.0, p.Var(x).LocalUb())

	// idempotent
	scope.End()
}

func TestProbingNestsLIFO(t *testing.T) {
	assert := require.New(t)
	p, x := newProb(t)

	tr := New(bestBound)
	tr.CreateRoot(0)

	outer := tr.StartProbing(p)
	outer.Apply(problem.BoundChange{Var: x, Kind: problem.LowerBound, New: 2, Old: 0})
	inner := tr.StartProbing(p)
	inner.Apply(problem.BoundChange{Var: x, Kind: problem.LowerBound, New: 4, Old: 2})
	assert.Equal(2, tr.ProbingDepth())

	assert.Panics(func() { outer.End() })

	inner.End()
	assert.Equal(2.0, p.Var(x).LocalLb())
	outer.End()
	assert.Equal(0.0, p.Var(x).LocalLb())
}

func TestBranchDuringProbingPanics(t *testing.T) {
	assert := require.New(t)
	p, x := newProb(t)

	tr := New(bestBound)
	tr.CreateRoot(0)
	scope := tr.StartProbing(p)
	defer scope.End()

	assert.Panics(func() {
		tr.Branch([][]problem.BoundChange{{{Var: x, Kind: problem.LowerBound, New: 1, Old: 0}}})
	})
}

func TestRepropagationMark(t *testing.T) {
	assert := require.New(t)
	tr := New(bestBound)
	root := tr.CreateRoot(0)

	assert.False(tr.NeedsRepropagation(root))
	tr.MarkRepropagate(root)
	assert.True(tr.NeedsRepropagation(root))
	// reading clears
	assert.False(tr.NeedsRepropagation(root))
}

func TestMarkOpenRepropagate(t *testing.T) {
	assert := require.New(t)
	tr := New(bestBound)
	root := tr.CreateRoot(0)
	kids := tr.Branch([][]problem.BoundChange{nil, nil})

	tr.MarkOpenRepropagate()
	// the focus itself is not open and stays unmarked
	assert.False(tr.NeedsRepropagation(root))
	assert.True(tr.NeedsRepropagation(kids[0]))
	assert.True(tr.NeedsRepropagation(kids[1]))
}
