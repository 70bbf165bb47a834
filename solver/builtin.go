package solver

import (
	"context"
	"math"

	"github.com/go-opt/cip/plugin"
	"github.com/go-opt/cip/primal"
	"github.com/go-opt/cip/problem"
)

// linearRows is the built-in propagator over the linear constraints:
// residual-activity bound tightening, global during presolving and local
// at every node of the search.
type linearRows struct{}

func (linearRows) Name() string          { return "linearRows" }
func (linearRows) Priority() int         { return 10000 }
func (linearRows) Timing() plugin.Timing { return plugin.TimingFast }

func (linearRows) Presolve(_ context.Context, pc *plugin.PresolveContext) (plugin.Result, error) {
	res := plugin.DidNotFind
	for _, c := range pc.Prob.Conss() {
		if c.Deleted() {
			continue
		}
		chgs, infeasible := c.Propagate(pc.Prob, false, pc.FeasTol)
		pc.Deltas.ChgBds += len(chgs)
		if infeasible {
			return plugin.Cutoff, nil
		}
		if len(chgs) > 0 {
			res = plugin.FoundReduction
		}
	}
	return res, nil
}

func (linearRows) Propagate(_ context.Context, pc *plugin.PropContext) (plugin.Result, error) {
	res := plugin.DidNotFind
	for _, c := range pc.Prob.Conss() {
		if c.Deleted() {
			continue
		}
		chgs, infeasible := c.Propagate(pc.Prob, true, pc.FeasTol)
		pc.Changes = append(pc.Changes, chgs...)
		if infeasible {
			return plugin.Cutoff, nil
		}
		if len(chgs) > 0 {
			res = plugin.FoundReduction
		}
	}
	return res, nil
}

// cliqueFixing exploits the clique table at solve time: a binary variable
// locally fixed makes its true literal's clique partners false.
type cliqueFixing struct{}

func (cliqueFixing) Name() string          { return "cliqueFixing" }
func (cliqueFixing) Priority() int         { return 9000 }
func (cliqueFixing) Timing() plugin.Timing { return plugin.TimingFast }

func (cliqueFixing) Presolve(_ context.Context, _ *plugin.PresolveContext) (plugin.Result, error) {
	// during presolving, fixed literals are stripped by clique compaction
	// between callbacks; only solve-time local fixings need propagation
	return plugin.DidNotRun, nil
}

func (cliqueFixing) Propagate(_ context.Context, pc *plugin.PropContext) (plugin.Result, error) {
	ct := pc.Prob.Cliques()
	if ct.NCliques() == 0 {
		return plugin.DidNotRun, nil
	}
	res := plugin.DidNotFind
	for _, v := range pc.Prob.Vars() {
		if !v.Active() || v.Type() != problem.Binary {
			continue
		}
		var lit problem.Literal
		switch {
		case v.LocalLb() > 1-pc.FeasTol:
			lit = problem.NewLiteral(v.ID(), false)
		case v.LocalUb() < pc.FeasTol:
			lit = problem.NewLiteral(v.ID(), true)
		default:
			continue
		}
		conflicted := false
		ct.Implications(lit, func(implied problem.Literal) bool {
			var changed, infeasible bool
			if implied.Negated() {
				// (1-x) must be false, so x is 1
				changed, infeasible = pc.TightenLocalLb(implied.Var(), 1)
			} else {
				changed, infeasible = pc.TightenLocalUb(implied.Var(), 0)
			}
			if infeasible {
				conflicted = true
				return false
			}
			if changed {
				res = plugin.FoundReduction
			}
			return true
		})
		if conflicted {
			return plugin.Cutoff, nil
		}
	}
	return res, nil
}

// mostFractional branches on the candidate whose LP value is closest to
// one half, splitting its domain at floor/ceil.
type mostFractional struct{}

func (mostFractional) Name() string  { return "mostFractional" }
func (mostFractional) Priority() int { return 0 }

func (mostFractional) Branch(_ context.Context, bc *plugin.BranchContext) ([][]problem.BoundChange, plugin.Result, error) {
	if len(bc.Candidates) == 0 {
		return nil, plugin.DidNotRun, nil
	}
	best := bc.Candidates[0]
	for _, c := range bc.Candidates[1:] {
		if math.Abs(c.Frac-0.5) < math.Abs(best.Frac-0.5) {
			best = c
		}
	}
	v := bc.Prob.Var(best.Var)
	down := problem.BoundChange{
		Var: best.Var, Kind: problem.UpperBound,
		New: math.Floor(best.Val), Old: v.LocalUb(),
	}
	up := problem.BoundChange{
		Var: best.Var, Kind: problem.LowerBound,
		New: math.Ceil(best.Val), Old: v.LocalLb(),
	}
	return [][]problem.BoundChange{{down}, {up}}, plugin.FoundReduction, nil
}

// lockRounding rounds the LP solution guided by the lock counts: a
// variable with no up-locks can be safely rounded up, one with no
// down-locks down; otherwise it rounds toward fewer locks and leaves
// feasibility to the final check.
type lockRounding struct{}

func (lockRounding) Name() string  { return "lockRounding" }
func (lockRounding) Priority() int { return 0 }

func (lockRounding) Search(_ context.Context, hc *plugin.HeurContext) (*primal.Solution, plugin.Result, error) {
	if hc.LPSol == nil {
		return nil, plugin.DidNotRun, nil
	}
	vals := append([]float64(nil), hc.LPSol...)
	for id, v := range hc.Prob.Vars() {
		if !v.Active() || !v.Type().Integral() {
			continue
		}
		x := vals[id]
		if problem.IsIntegral(x, hc.FeasTol) {
			vals[id] = math.Round(x)
			continue
		}
		down, up := v.Locks()
		var r float64
		switch {
		case up == 0:
			r = math.Ceil(x)
		case down == 0:
			r = math.Floor(x)
		case up < down:
			r = math.Ceil(x)
		default:
			r = math.Floor(x)
		}
		if r < v.LocalLb()-hc.FeasTol || r > v.LocalUb()+hc.FeasTol {
			r = math.Round(x)
		}
		if r < v.LocalLb()-hc.FeasTol || r > v.LocalUb()+hc.FeasTol {
			return nil, plugin.DidNotFind, nil
		}
		vals[id] = r
	}
	if !hc.Prob.CheckSolution(vals, hc.FeasTol) {
		return nil, plugin.DidNotFind, nil
	}
	return &primal.Solution{
		Vals: vals,
		Obj:  hc.Prob.InternalObj(vals),
		Heur: "lockRounding",
	}, plugin.FoundReduction, nil
}
