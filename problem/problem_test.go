package problem

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestTransformMaximize(t *testing.T) {
	assert := require.New(t)

	p := New("knap")
	x := p.AddVar("x", Binary, 0, 1, 3)
	y := p.AddVar("y", Binary, 0, 1, 4)
	p.SetObjSense(Maximize)
	p.AddConstraint(NewLinear("cap", []Term{{x, 2}, {y, 3}}, -Infinity, 5))

	trans := p.Transform()
	assert.True(trans.Transformed())
	assert.Equal(Minimize, trans.ObjSense())
	assert.Equal(-1.0, trans.ObjScale())
	assert.Equal(-3.0, trans.Var(x).Obj())
	assert.Equal(-4.0, trans.Var(y).Obj())

	// internal objective of (1,1) is -7, external is 7
	internal := trans.InternalObj([]float64{1, 1})
	assert.InDelta(-7, internal, 1e-9)
	assert.InDelta(7, trans.ExternalObj(internal), 1e-9)

	// the original is untouched
	assert.Equal(Maximize, p.ObjSense())
	assert.Equal(3.0, p.Var(x).Obj())
}

func TestPropagateInfeasible(t *testing.T) {
	assert := require.New(t)

	p := New("infeas")
	x := p.AddVar("x", Integer, 5, 10, 1)
	y := p.AddVar("y", Integer, 0, 3, 1)
	c := NewLinear("sum", []Term{{x, 1}, {y, 1}}, -Infinity, 4)
	p.AddConstraint(c)

	// min activity 5 already exceeds the rhs
	_, infeasible := c.Propagate(p, false, 1e-6)
	assert.True(infeasible)
}

func TestPropagateTightensIntegral(t *testing.T) {
	assert := require.New(t)

	p := New("tighten")
	x := p.AddVar("x", Integer, 0, 10, 0)
	y := p.AddVar("y", Integer, 0, 10, 0)
	c := NewLinear("row", []Term{{x, 2}, {y, 3}}, -Infinity, 12)
	p.AddConstraint(c)

	chgs, infeasible := c.Propagate(p, false, 1e-6)
	assert.False(infeasible)
	assert.NotEmpty(chgs)
	assert.Equal(6.0, p.Var(x).GlobalUb())
	assert.Equal(4.0, p.Var(y).GlobalUb())
	// global tightening clips local bounds too
	assert.Equal(6.0, p.Var(x).LocalUb())
}

func TestFixAndFlush(t *testing.T) {
	assert := require.New(t)

	p := New("flush")
	x := p.AddVar("x", Integer, 0, 10, 1)
	y := p.AddVar("y", Integer, 0, 10, 1)
	c := NewLinear("row", []Term{{x, 2}, {y, 1}}, 3, 9)
	p.AddConstraint(c)

	fixed, infeasible := p.FixVar(x, 2, 1e-6)
	assert.True(fixed)
	assert.False(infeasible)
	assert.Equal(1, p.NFixed())

	n := p.FlushDeletions()
	assert.Equal(1, n)
	// 2*2 moved into the sides: -1 <= y <= 5
	assert.Len(c.Terms(), 1)
	assert.Equal(y, c.Terms()[0].Var)
	assert.InDelta(-1, c.Lhs(), 1e-9)
	assert.InDelta(5, c.Rhs(), 1e-9)
}

func TestAggregateAndResolve(t *testing.T) {
	assert := require.New(t)

	p := New("aggr")
	x := p.AddVar("x", Continuous, -100, 100, 0)
	y := p.AddVar("y", Continuous, 0, 10, 0)

	// x := 2y + 1
	aggregated, infeasible := p.AggregateVar(x, y, 2, 1, 1e-6)
	assert.True(aggregated)
	assert.False(infeasible)
	assert.Equal(1, p.NAggregated())

	active, scalar, constant, ok := p.Resolve(x)
	assert.True(ok)
	assert.Equal(y, active)
	assert.Equal(2.0, scalar)
	assert.Equal(1.0, constant)

	// x's bounds transferred: y in [0,10] implies x in [1,21], intersected
	// with x's own bounds
	assert.LessOrEqual(p.Var(y).GlobalUb(), 10.0)

	p.Flatten()
	active2, _, _, ok2 := p.Resolve(x)
	assert.True(ok2)
	assert.Equal(active, active2)
}

func TestApplyUndoBoundChanges(t *testing.T) {
	assert := require.New(t)

	p := New("chg")
	x := p.AddVar("x", Integer, 0, 10, 0)

	chgs := []BoundChange{
		{Var: x, Kind: LowerBound, New: 3, Old: 0},
		{Var: x, Kind: UpperBound, New: 7, Old: 10},
	}
	assert.True(Apply(p, chgs))
	assert.Equal(3.0, p.Var(x).LocalLb())
	assert.Equal(7.0, p.Var(x).LocalUb())
	// globals untouched
	assert.Equal(0.0, p.Var(x).GlobalLb())

	Undo(p, chgs)
	assert.Equal(0.0, p.Var(x).LocalLb())
	assert.Equal(10.0, p.Var(x).LocalUb())
}

func TestUndoClampsToGlobalBounds(t *testing.T) {
	assert := require.New(t)

	p := New("clamp")
	x := p.AddVar("x", Integer, 0, 10, 0)

	chgs := []BoundChange{
		{Var: x, Kind: LowerBound, New: 4, Old: 0},
		{Var: x, Kind: UpperBound, New: 6, Old: 10},
	}
	assert.True(Apply(p, chgs))

	// globals tighten while the local changes are in effect
	changed, infeasible := p.TightenGlobalLb(x, 2, 1e-6)
	assert.True(changed)
	assert.False(infeasible)
	changed, infeasible = p.TightenGlobalUb(x, 7, 1e-6)
	assert.True(changed)
	assert.False(infeasible)

	// undoing must not restore local bounds outside the new globals
	Undo(p, chgs)
	assert.Equal(2.0, p.Var(x).LocalLb())
	assert.Equal(7.0, p.Var(x).LocalUb())
}

func TestApplyEmptyDomain(t *testing.T) {
	assert := require.New(t)

	p := New("empty")
	x := p.AddVar("x", Integer, 0, 10, 0)
	chgs := []BoundChange{
		{Var: x, Kind: LowerBound, New: 8, Old: 0},
		{Var: x, Kind: UpperBound, New: 4, Old: 10},
	}
	assert.False(Apply(p, chgs))
}

func TestCheckSolution(t *testing.T) {
	assert := require.New(t)

	p := New("check")
	x := p.AddVar("x", Integer, 0, 10, 1)
	y := p.AddVar("y", Continuous, 0, 10, 1)
	p.AddConstraint(NewLinear("row", []Term{{x, 1}, {y, 1}}, 2, 8))

	assert.True(p.CheckSolution([]float64{3, 1.5}, 1e-6))
	assert.False(p.CheckSolution([]float64{3.5, 1}, 1e-6)) // integrality
	assert.False(p.CheckSolution([]float64{0, 1}, 1e-6))   // lhs violated
	assert.False(p.CheckSolution([]float64{3, 11}, 1e-6))  // bound violated
	assert.False(p.CheckSolution([]float64{3}, 1e-6))      // wrong length
}

func TestDetectObjIntegral(t *testing.T) {
	assert := require.New(t)

	p := New("integral")
	p.AddVar("x", Integer, 0, 10, 2)
	p.AddVar("y", Binary, 0, 1, -3)
	assert.True(p.DetectObjIntegral())

	q := New("fractional")
	q.AddVar("x", Integer, 0, 10, 0.5)
	assert.False(q.DetectObjIntegral())

	r := New("continuous")
	r.AddVar("x", Continuous, 0, 10, 1)
	assert.False(r.DetectObjIntegral())

	// continuous with zero objective does not break integrality
	s := New("zeroobj")
	s.AddVar("x", Integer, 0, 10, 1)
	s.AddVar("y", Continuous, 0, 10, 0)
	assert.True(s.DetectObjIntegral())
}

func TestCliqueTable(t *testing.T) {
	assert := require.New(t)

	p := New("cliques")
	x := p.AddVar("x", Binary, 0, 1, 0)
	y := p.AddVar("y", Binary, 0, 1, 0)
	z := p.AddVar("z", Binary, 0, 1, 0)

	ct := p.Cliques()
	id := ct.Add([]Literal{NewLiteral(x, false), NewLiteral(y, false), NewLiteral(z, false)})
	assert.GreaterOrEqual(id, 0)
	assert.Equal(1, ct.NCliques())
	assert.Equal([]int{id}, ct.CliquesOf(NewLiteral(x, false)))

	// singleton cliques are rejected
	assert.Equal(-1, ct.Add([]Literal{NewLiteral(x, false)}))

	// fixing a member dirties and compacting drops it from the clique
	p.FixVar(z, 0, 1e-6)
	ct.MarkDirty()
	ct.Compact(p)
	assert.Equal(1, ct.NCliques())
	assert.NotContains(ct.CliquesOf(NewLiteral(z, false)), id)
	assert.Contains(ct.CliquesOf(NewLiteral(x, false)), id)
	assert.Contains(ct.CliquesOf(NewLiteral(y, false)), id)
	assert.Zero(ct.Dirty())
}

func TestGlobalBoundsRoundTrip(t *testing.T) {
	assert := require.New(t)

	p := New("bounds")
	x := p.AddVar("x", Integer, 0, 10, 0)
	p.TightenGlobalLb(x, 2, 1e-6)
	p.TightenGlobalUb(x, 8, 1e-6)

	saved := p.GlobalBounds()

	q := New("bounds2")
	xq := q.AddVar("x", Integer, 0, 10, 0)
	changed, infeasible := q.InstallGlobalBounds(saved, 1e-6)
	assert.False(infeasible)
	assert.Equal(2, changed)
	assert.Equal(2.0, q.Var(xq).GlobalLb())
	assert.Equal(8.0, q.Var(xq).GlobalUb())

	// installing is tighten-only: wider saved bounds change nothing
	changed, infeasible = q.InstallGlobalBounds([]BoundsEntry{{Lb: 0, Ub: 10}}, 1e-6)
	assert.False(infeasible)
	assert.Zero(changed)
}

func TestTightenMonotoneProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	properties.Property("global tightening never loosens a bound", prop.ForAll(
		func(lb, ub, newLb float64) bool {
			if lb > ub {
				lb, ub = ub, lb
			}
			p := New("prop")
			x := p.AddVar("x", Continuous, lb, ub, 0)
			before := p.Var(x).GlobalLb()
			p.TightenGlobalLb(x, newLb, 1e-6)
			after := p.Var(x).GlobalLb()
			return after >= before && p.Var(x).LocalLb() >= after-1e-12
		},
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(-1000, 1000),
	))

	properties.Property("propagation preserves every feasible integral point", prop.ForAll(
		func(rhs int) bool {
			p := New("prop2")
			x := p.AddVar("x", Integer, 0, 8, 0)
			y := p.AddVar("y", Integer, 0, 8, 0)
			c := NewLinear("row", []Term{{x, 1}, {y, 2}}, -Infinity, float64(rhs))
			p.AddConstraint(c)
			_, infeasible := c.Propagate(p, false, 1e-6)
			// every point satisfying the row must survive the tightening
			for xv := 0; xv <= 8; xv++ {
				for yv := 0; yv <= 8; yv++ {
					if float64(xv)+2*float64(yv) > float64(rhs) {
						continue
					}
					if infeasible {
						return false
					}
					if float64(xv) < p.Var(x).GlobalLb() || float64(xv) > p.Var(x).GlobalUb() ||
						float64(yv) < p.Var(y).GlobalLb() || float64(yv) > p.Var(y).GlobalUb() {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
