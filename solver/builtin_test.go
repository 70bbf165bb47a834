package solver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-opt/cip/plugin"
	"github.com/go-opt/cip/problem"
)

func TestMostFractionalPicksClosestToHalf(t *testing.T) {
	assert := require.New(t)

	p := problem.New("branch")
	x := p.AddVar("x", problem.Integer, 0, 10, 0)
	y := p.AddVar("y", problem.Integer, 0, 10, 0)

	bc := &plugin.BranchContext{
		Prob: p,
		Candidates: []plugin.Candidate{
			{Var: x, Val: 2.9, Frac: 0.9},
			{Var: y, Val: 5.4, Frac: 0.4},
		},
		FeasTol: 1e-6,
	}
	parts, res, err := mostFractional{}.Branch(context.Background(), bc)
	assert.NoError(err)
	assert.Equal(plugin.FoundReduction, res)
	assert.Len(parts, 2)

	// y's fraction 0.4 is closer to one half
	assert.Equal(y, parts[0][0].Var)
	assert.Equal(problem.UpperBound, parts[0][0].Kind)
	assert.Equal(5.0, parts[0][0].New)
	assert.Equal(y, parts[1][0].Var)
	assert.Equal(problem.LowerBound, parts[1][0].Kind)
	assert.Equal(6.0, parts[1][0].New)
}

func TestMostFractionalSkipsWithoutCandidates(t *testing.T) {
	assert := require.New(t)

	_, res, err := mostFractional{}.Branch(context.Background(), &plugin.BranchContext{})
	assert.NoError(err)
	assert.Equal(plugin.DidNotRun, res)
}

func TestLockRoundingNeedsLPSolution(t *testing.T) {
	assert := require.New(t)

	sol, res, err := lockRounding{}.Search(context.Background(), &plugin.HeurContext{})
	assert.NoError(err)
	assert.Equal(plugin.DidNotRun, res)
	assert.Nil(sol)
}

func TestLockRoundingRoundsSafely(t *testing.T) {
	assert := require.New(t)

	// x+y <= 4 locks both variables upward only, so rounding goes down
	p := problem.New("round")
	x := p.AddVar("x", problem.Integer, 0, 4, -1)
	y := p.AddVar("y", problem.Integer, 0, 4, -1)
	p.AddConstraint(problem.NewLinear("cap",
		[]problem.Term{{Var: x, Coef: 1}, {Var: y, Coef: 1}}, -problem.Infinity, 4))

	sol, res, err := lockRounding{}.Search(context.Background(), &plugin.HeurContext{
		Prob: p, LPSol: []float64{2.6, 1.7}, FeasTol: 1e-6,
	})
	assert.NoError(err)
	assert.Equal(plugin.FoundReduction, res)
	assert.NotNil(sol)
	assert.Equal([]float64{2, 1}, sol.Vals)
	assert.InDelta(-3, sol.Obj, 1e-9)
}

func TestLinearRowsPropagateCutoff(t *testing.T) {
	assert := require.New(t)

	p := problem.New("cutoff")
	x := p.AddVar("x", problem.Integer, 5, 10, 0)
	y := p.AddVar("y", problem.Integer, 0, 3, 0)
	p.AddConstraint(problem.NewLinear("sum",
		[]problem.Term{{Var: x, Coef: 1}, {Var: y, Coef: 1}}, -problem.Infinity, 4))

	pc := &plugin.PropContext{Prob: p, Depth: 1, FeasTol: 1e-6}
	res, err := linearRows{}.Propagate(context.Background(), pc)
	assert.NoError(err)
	assert.Equal(plugin.Cutoff, res)
}

func TestLinearRowsPresolveTightens(t *testing.T) {
	assert := require.New(t)

	p := problem.New("tighten")
	x := p.AddVar("x", problem.Integer, 0, 10, 0)
	y := p.AddVar("y", problem.Integer, 0, 10, 0)
	p.AddConstraint(problem.NewLinear("row",
		[]problem.Term{{Var: x, Coef: 2}, {Var: y, Coef: 3}}, -problem.Infinity, 12))

	var d plugin.Deltas
	pc := &plugin.PresolveContext{Prob: p, FeasTol: 1e-6, Deltas: &d}
	res, err := linearRows{}.Presolve(context.Background(), pc)
	assert.NoError(err)
	assert.Equal(plugin.FoundReduction, res)
	assert.Positive(d.ChgBds)
	assert.Equal(6.0, p.Var(x).GlobalUb())
	assert.Equal(4.0, p.Var(y).GlobalUb())
}

func TestCliqueFixingPropagates(t *testing.T) {
	assert := require.New(t)

	p := problem.New("clique")
	x := p.AddVar("x", problem.Binary, 0, 1, 0)
	y := p.AddVar("y", problem.Binary, 0, 1, 0)
	z := p.AddVar("z", problem.Binary, 0, 1, 0)
	p.Cliques().Add([]problem.Literal{
		problem.NewLiteral(x, false),
		problem.NewLiteral(y, false),
		problem.NewLiteral(z, false),
	})

	_, changed, infeasible := p.TightenLocalLb(x, 1, 1e-6)
	assert.True(changed)
	assert.False(infeasible)

	pc := &plugin.PropContext{Prob: p, FeasTol: 1e-6}
	res, err := cliqueFixing{}.Propagate(context.Background(), pc)
	assert.NoError(err)
	assert.Equal(plugin.FoundReduction, res)
	assert.Equal(0.0, p.Var(y).LocalUb())
	assert.Equal(0.0, p.Var(z).LocalUb())
	assert.Len(pc.Changes, 2)
}

func TestCliqueFixingNegatedLiteral(t *testing.T) {
	assert := require.New(t)

	p := problem.New("negclique")
	x := p.AddVar("x", problem.Binary, 0, 1, 0)
	y := p.AddVar("y", problem.Binary, 0, 1, 0)
	// at most one of x and (1-y): x fixed true forces y to 1
	p.Cliques().Add([]problem.Literal{
		problem.NewLiteral(x, false),
		problem.NewLiteral(y, true),
	})

	_, changed, infeasible := p.TightenLocalLb(x, 1, 1e-6)
	assert.True(changed)
	assert.False(infeasible)

	pc := &plugin.PropContext{Prob: p, FeasTol: 1e-6}
	res, err := cliqueFixing{}.Propagate(context.Background(), pc)
	assert.NoError(err)
	assert.Equal(plugin.FoundReduction, res)
	assert.Equal(1.0, p.Var(y).LocalLb())
}

func TestCliqueFixingDetectsConflict(t *testing.T) {
	assert := require.New(t)

	p := problem.New("cliqueconflict")
	x := p.AddVar("x", problem.Binary, 0, 1, 0)
	y := p.AddVar("y", problem.Binary, 0, 1, 0)
	p.Cliques().Add([]problem.Literal{
		problem.NewLiteral(x, false),
		problem.NewLiteral(y, false),
	})

	for _, v := range []problem.VarID{x, y} {
		_, changed, infeasible := p.TightenLocalLb(v, 1, 1e-6)
		assert.True(changed)
		assert.False(infeasible)
	}

	pc := &plugin.PropContext{Prob: p, FeasTol: 1e-6}
	res, err := cliqueFixing{}.Propagate(context.Background(), pc)
	assert.NoError(err)
	assert.Equal(plugin.Cutoff, res)
}
