package concurrent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-opt/cip/lp"
	"github.com/go-opt/cip/lp/simplexlp"
	"github.com/go-opt/cip/primal"
	"github.com/go-opt/cip/problem"
	"github.com/go-opt/cip/solver"
)

func knapsack() *problem.Problem {
	p := problem.New("knapsack")
	x := p.AddVar("x", problem.Binary, 0, 1, 3)
	y := p.AddVar("y", problem.Binary, 0, 1, 4)
	z := p.AddVar("z", problem.Binary, 0, 1, 5)
	p.SetObjSense(problem.Maximize)
	p.AddConstraint(problem.NewLinear("cap",
		[]problem.Term{{Var: x, Coef: 2}, {Var: y, Coef: 3}, {Var: z, Coef: 4}},
		-problem.Infinity, 5))
	return p
}

func newService() lp.Service { return simplexlp.New() }

func TestConcurrentSolve(t *testing.T) {
	assert := require.New(t)

	res, err := Solve(context.Background(), knapsack(), newService, 3,
		solver.WithSyncInterval(1))
	assert.NoError(err)
	assert.Equal(solver.StatusOptimal, res.Status)
	assert.GreaterOrEqual(res.Winner, 0)
	assert.Less(res.Winner, 3)
	assert.NotNil(res.Best)
	assert.InDelta(7, res.Best.Obj, 1e-6)
	assert.Len(res.Stats, 3)
}

func TestConcurrentSingleInstance(t *testing.T) {
	assert := require.New(t)

	res, err := Solve(context.Background(), knapsack(), newService, 1)
	assert.NoError(err)
	assert.Equal(solver.StatusOptimal, res.Status)
	assert.Zero(res.Winner)
	assert.InDelta(7, res.Best.Obj, 1e-6)
}

func TestConcurrentRejectsZeroInstances(t *testing.T) {
	assert := require.New(t)

	_, err := Solve(context.Background(), knapsack(), newService, 0)
	assert.Error(err)
}

func TestConcurrentInfeasible(t *testing.T) {
	assert := require.New(t)

	p := problem.New("infeasible")
	x := p.AddVar("x", problem.Integer, 5, 10, 1)
	y := p.AddVar("y", problem.Integer, 0, 3, 1)
	p.AddConstraint(problem.NewLinear("sum",
		[]problem.Term{{Var: x, Coef: 1}, {Var: y, Coef: 1}}, -problem.Infinity, 4))

	res, err := Solve(context.Background(), p, newService, 2)
	assert.NoError(err)
	assert.Equal(solver.StatusInfeasible, res.Status)
	assert.Nil(res.Best)
}

func TestBoardExchange(t *testing.T) {
	assert := require.New(t)

	b := newBoard()
	empty := b.exchange(solver.SyncInfo{PrimalBound: problem.Infinity})
	assert.Equal(problem.Infinity, empty.PrimalBound)
	assert.Nil(empty.Best)

	sol := &primal.Solution{Vals: []float64{1, 1, 0}, Obj: -7}
	got := b.exchange(solver.SyncInfo{PrimalBound: -7, Best: sol})
	assert.Equal(-7.0, got.PrimalBound)
	assert.NotNil(got.Best)

	// a worse push does not replace the incumbent
	worse := &primal.Solution{Vals: []float64{1, 0, 0}, Obj: -3}
	got = b.exchange(solver.SyncInfo{PrimalBound: -3, Best: worse})
	assert.Equal(-7.0, got.PrimalBound)
	assert.Equal(-7.0, got.Best.Obj)

	// snapshots are clones, mutating the pull cannot corrupt the board
	got.Best.Vals[0] = 9
	again := b.exchange(solver.SyncInfo{PrimalBound: problem.Infinity})
	assert.Equal(1.0, again.Best.Vals[0])
}
