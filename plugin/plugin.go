// Package plugin declares the callback contracts consumed by the solving
// engine. The engine orchestrates; presolvers, propagators,
// constraint-handler presolve, separators, branching rules and primal
// heuristics are implemented outside the core and registered with the
// solver. Every plug-in kind carries a name and a priority; explicit
// comparators decide execution order.
package plugin

import (
	"context"
	"fmt"

	"github.com/go-opt/cip/lp"
	"github.com/go-opt/cip/primal"
	"github.com/go-opt/cip/problem"
)

// Result is the outcome of one callback invocation.
type Result uint8

const (
	// DidNotRun: the callback skipped itself (wrong timing, nothing to do).
	DidNotRun Result = iota
	// DidNotFind: the callback ran and found no reduction.
	DidNotFind
	// FoundReduction: the callback tightened the problem.
	FoundReduction
	// Cutoff: the callback proved the (sub)problem infeasible.
	Cutoff
	// Unbounded: the callback proved the problem unbounded.
	Unbounded
	// Delayed: the callback wants to be retried later in the same pass;
	// never an error, never aborts the loop.
	Delayed
)

func (r Result) String() string {
	switch r {
	case DidNotRun:
		return "didnotrun"
	case DidNotFind:
		return "didnotfind"
	case FoundReduction:
		return "success"
	case Cutoff:
		return "cutoff"
	case Unbounded:
		return "unbounded"
	case Delayed:
		return "delayed"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Timing is the presolve cost tier of a callback. Fast and medium
// callbacks run in every round; exhaustive ones resume round-robin and
// stop at the first reduction; final is a single terminal pass.
type Timing uint8

const (
	TimingFast Timing = iota
	TimingMedium
	TimingExhaustive
	TimingFinal
)

func (t Timing) String() string {
	switch t {
	case TimingFast:
		return "fast"
	case TimingMedium:
		return "medium"
	case TimingExhaustive:
		return "exhaustive"
	case TimingFinal:
		return "final"
	default:
		return fmt.Sprintf("timing(%d)", uint8(t))
	}
}

// Deltas counts the reductions of one presolving round. The presolve loop
// compares rounds to decide whether progress is still "enough".
type Deltas struct {
	FixedVars  int
	AggrVars   int
	ChgBds     int
	AddedConss int
	DelConss   int
	UpgdConss  int
	ChgSides   int
	ChgCoefs   int
	AddedImpls int
}

// Add accumulates other into d.
func (d *Deltas) Add(other Deltas) {
	d.FixedVars += other.FixedVars
	d.AggrVars += other.AggrVars
	d.ChgBds += other.ChgBds
	d.AddedConss += other.AddedConss
	d.DelConss += other.DelConss
	d.UpgdConss += other.UpgdConss
	d.ChgSides += other.ChgSides
	d.ChgCoefs += other.ChgCoefs
	d.AddedImpls += other.AddedImpls
}

// Total is the weight of this round's reductions.
func (d Deltas) Total() int {
	return d.FixedVars + d.AggrVars + d.ChgBds + d.AddedConss + d.DelConss +
		d.UpgdConss + d.ChgSides + d.ChgCoefs + d.AddedImpls
}

// PresolveContext is handed to presolve callbacks. Reductions go through
// the wrapper methods so the round counters stay correct.
type PresolveContext struct {
	Prob    *problem.Problem
	Round   int
	Timing  Timing
	FeasTol float64
	Deltas  *Deltas
}

// FixVar fixes a variable globally. Reports infeasibility of the fixing.
func (pc *PresolveContext) FixVar(id problem.VarID, val float64) (fixed, infeasible bool) {
	fixed, infeasible = pc.Prob.FixVar(id, val, pc.FeasTol)
	if fixed {
		pc.Deltas.FixedVars++
		pc.Prob.Cliques().MarkDirty()
	}
	return fixed, infeasible
}

// Aggregate merges x := scalar*y + constant.
func (pc *PresolveContext) Aggregate(x, y problem.VarID, scalar, constant float64) (aggregated, infeasible bool) {
	aggregated, infeasible = pc.Prob.AggregateVar(x, y, scalar, constant, pc.FeasTol)
	if aggregated {
		pc.Deltas.AggrVars++
	}
	return aggregated, infeasible
}

// TightenLb tightens a global lower bound.
func (pc *PresolveContext) TightenLb(id problem.VarID, lb float64) (changed, infeasible bool) {
	changed, infeasible = pc.Prob.TightenGlobalLb(id, lb, pc.FeasTol)
	if changed {
		pc.Deltas.ChgBds++
	}
	return changed, infeasible
}

// TightenUb tightens a global upper bound.
func (pc *PresolveContext) TightenUb(id problem.VarID, ub float64) (changed, infeasible bool) {
	changed, infeasible = pc.Prob.TightenGlobalUb(id, ub, pc.FeasTol)
	if changed {
		pc.Deltas.ChgBds++
	}
	return changed, infeasible
}

// AddCons adds a constraint during presolving.
func (pc *PresolveContext) AddCons(c *problem.Constraint) {
	pc.Prob.AddConstraint(c)
	pc.Deltas.AddedConss++
}

// DelCons deletes a constraint during presolving.
func (pc *PresolveContext) DelCons(c *problem.Constraint) {
	pc.Prob.DelConstraint(c)
	pc.Deltas.DelConss++
}

// AddClique records an at-most-one set.
func (pc *PresolveContext) AddClique(lits []problem.Literal) {
	if pc.Prob.Cliques().Add(lits) >= 0 {
		pc.Deltas.AddedImpls++
	}
}

// Presolver reduces the transformed problem before the tree search.
type Presolver interface {
	Name() string
	Priority() int
	Timing() Timing
	Presolve(ctx context.Context, pc *PresolveContext) (Result, error)
}

// PropContext is handed to solve-time domain propagation. Local bound
// changes are recorded so the tree can replay and the conflict analyzer
// can resolve them.
type PropContext struct {
	Prob    *problem.Problem
	Depth   int32
	FeasTol float64
	Changes []problem.BoundChange
}

// TightenLocalLb tightens the focus node's lower bound on a variable.
func (pc *PropContext) TightenLocalLb(id problem.VarID, lb float64) (changed, infeasible bool) {
	bc, changed, infeasible := pc.Prob.TightenLocalLb(id, lb, pc.FeasTol)
	if changed {
		pc.Changes = append(pc.Changes, bc)
	}
	return changed, infeasible
}

// TightenLocalUb tightens the focus node's upper bound on a variable.
func (pc *PropContext) TightenLocalUb(id problem.VarID, ub float64) (changed, infeasible bool) {
	bc, changed, infeasible := pc.Prob.TightenLocalUb(id, ub, pc.FeasTol)
	if changed {
		pc.Changes = append(pc.Changes, bc)
	}
	return changed, infeasible
}

// Propagator tightens local domains at a node; propagators with a
// non-negative priority also participate in presolving rounds.
type Propagator interface {
	Name() string
	Priority() int
	Timing() Timing
	// Presolve participates in the presolve loop; implementations that
	// only propagate at solve time return DidNotRun.
	Presolve(ctx context.Context, pc *PresolveContext) (Result, error)
	// Propagate runs per node during the tree search.
	Propagate(ctx context.Context, pc *PropContext) (Result, error)
}

// ConshdlrPresolver is the presolve entry of a constraint handler; it may
// additionally delete, add or upgrade constraints.
type ConshdlrPresolver interface {
	Name() string
	Priority() int
	Presolve(ctx context.Context, pc *PresolveContext) (Result, error)
}

// SepaContext is handed to separators.
type SepaContext struct {
	Prob    *problem.Problem
	LPSol   []float64
	FeasTol float64
	cuts    []lp.Row
}

// AddCut offers a separated cut to the engine.
func (sc *SepaContext) AddCut(row lp.Row) { sc.cuts = append(sc.cuts, row) }

// Cuts returns the cuts collected in this call.
func (sc *SepaContext) Cuts() []lp.Row { return sc.cuts }

// Separator generates cutting planes violated by the current LP solution.
type Separator interface {
	Name() string
	Priority() int
	Separate(ctx context.Context, sc *SepaContext) (Result, error)
}

// Candidate is an integrality-violating variable offered to a branching
// rule.
type Candidate struct {
	Var  problem.VarID
	Val  float64
	Frac float64
}

// BranchContext is handed to branching rules.
type BranchContext struct {
	Prob       *problem.Problem
	Candidates []Candidate
	FeasTol    float64
}

// Brancher partitions the focus node into children with disjoint extra
// bound changes. An empty partition with DidNotFind passes the decision to
// the next rule in priority order.
type Brancher interface {
	Name() string
	Priority() int
	Branch(ctx context.Context, bc *BranchContext) ([][]problem.BoundChange, Result, error)
}

// HeurContext is handed to primal heuristics.
type HeurContext struct {
	Prob    *problem.Problem
	LPSol   []float64 // may be nil
	Depth   int32
	FeasTol float64
}

// Heuristic searches for a feasible solution within a time budget carried
// by ctx. A returned solution is checked by the engine before storage.
type Heuristic interface {
	Name() string
	Priority() int
	Search(ctx context.Context, hc *HeurContext) (*primal.Solution, Result, error)
}
