package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-opt/cip/lp"
	"github.com/go-opt/cip/problem"
)

type namedPresolver struct {
	name     string
	priority int
}

func (p namedPresolver) Name() string   { return p.name }
func (p namedPresolver) Priority() int  { return p.priority }
func (p namedPresolver) Timing() Timing { return TimingFast }
func (p namedPresolver) Presolve(context.Context, *PresolveContext) (Result, error) {
	return DidNotRun, nil
}

type namedPropagator struct{ namedPresolver }

func (p namedPropagator) Propagate(context.Context, *PropContext) (Result, error) {
	return DidNotRun, nil
}

func TestMergePresolveOrder(t *testing.T) {
	assert := require.New(t)

	props := []Propagator{
		namedPropagator{namedPresolver{"propLow", 10}},
		namedPropagator{namedPresolver{"propHigh", 100}},
	}
	pres := []Presolver{
		namedPresolver{"presHigh", 100},
		namedPresolver{"presMid", 50},
	}
	merged := MergePresolve(props, pres)
	names := make([]string, len(merged))
	for i, cb := range merged {
		names[i] = cb.Name
	}
	// descending priority, propagators win ties
	assert.Equal([]string{"propHigh", "presHigh", "presMid", "propLow"}, names)
	assert.True(merged[0].Propagator)
	assert.False(merged[1].Propagator)
}

func TestSortByPriorityStable(t *testing.T) {
	assert := require.New(t)

	list := []Presolver{
		namedPresolver{"a", 5},
		namedPresolver{"b", 10},
		namedPresolver{"c", 5},
	}
	SortByPriority(list)
	assert.Equal("b", list[0].Name())
	// equal priorities keep registration order
	assert.Equal("a", list[1].Name())
	assert.Equal("c", list[2].Name())
}

func TestPresolveContextCountsDeltas(t *testing.T) {
	assert := require.New(t)

	p := problem.New("deltas")
	x := p.AddVar("x", problem.Integer, 0, 10, 1)
	y := p.AddVar("y", problem.Integer, 0, 10, 1)

	var d Deltas
	pc := &PresolveContext{Prob: p, FeasTol: 1e-6, Deltas: &d}

	changed, infeasible := pc.TightenLb(x, 2)
	assert.True(changed)
	assert.False(infeasible)
	changed, _ = pc.TightenUb(x, 8)
	assert.True(changed)
	assert.Equal(2, d.ChgBds)

	fixed, _ := pc.FixVar(y, 3)
	assert.True(fixed)
	assert.Equal(1, d.FixedVars)

	pc.AddCons(problem.NewLinear("row", []problem.Term{{Var: x, Coef: 1}}, 0, 5))
	assert.Equal(1, d.AddedConss)
	assert.Equal(4, d.Total())

	// a no-op tightening does not count
	changed, _ = pc.TightenLb(x, 1)
	assert.False(changed)
	assert.Equal(4, d.Total())
}

func TestPropContextRecordsChanges(t *testing.T) {
	assert := require.New(t)

	p := problem.New("prop")
	x := p.AddVar("x", problem.Integer, 0, 10, 1)

	pc := &PropContext{Prob: p, Depth: 2, FeasTol: 1e-6}
	changed, infeasible := pc.TightenLocalLb(x, 4)
	assert.True(changed)
	assert.False(infeasible)
	assert.Len(pc.Changes, 1)
	assert.Equal(problem.LowerBound, pc.Changes[0].Kind)
	assert.Equal(4.0, pc.Changes[0].New)
	assert.Equal(0.0, pc.Changes[0].Old)

	// global bounds stay untouched by local tightening
	assert.Equal(0.0, p.Var(x).GlobalLb())

	// an empty local domain reports infeasibility
	_, infeasible = pc.TightenLocalUb(x, 2)
	assert.True(infeasible)
}

func TestSepaContextCollectsCuts(t *testing.T) {
	assert := require.New(t)

	sc := &SepaContext{}
	assert.Empty(sc.Cuts())
	sc.AddCut(lp.Row{Name: "cut", Cols: []int{0}, Vals: []float64{1}, Rhs: 1})
	assert.Len(sc.Cuts(), 1)
	assert.Equal("cut", sc.Cuts()[0].Name)
}
