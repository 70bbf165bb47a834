// Package conflict derives learned constraints and global bound
// tightenings from infeasible sub-problems. The analyzer works on the
// depth-ordered bound-change sequence that caused the conflict, resolves it
// back to the first unique implication point and emits the shortest valid
// conflict clause. Candidates below a usefulness threshold are discarded;
// that is a policy decision, not an error.
package conflict

import (
	"math"
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/go-opt/cip/lp"
	"github.com/go-opt/cip/problem"
)

// Reason classifies why a bound change was made.
type Reason uint8

const (
	// ReasonBranching marks a decision: a bound change introduced by a
	// branching rule. Decisions have no antecedents.
	ReasonBranching Reason = iota
	// ReasonPropagation marks a deduction; Antecedents lists the event
	// indices that implied it.
	ReasonPropagation
	// ReasonExternal marks a bound pulled in from outside one instance
	// (concurrent synchronization, reoptimization). Never resolved.
	ReasonExternal
)

// Event is one entry of the bound-change sequence leading to a conflict.
type Event struct {
	Change      problem.BoundChange
	Depth       int32
	Reason      Reason
	Antecedents []int
}

// Constraint is a learned conflict: the recorded bound changes cannot all
// hold at once, i.e. their disjunctive negation is valid for the problem.
type Constraint struct {
	Lits []problem.BoundChange
	// Provenance names the conflict source (LP infeasibility, propagation,
	// strong branching probe).
	Provenance string
	// ReconvergenceTag identifies clauses derived from the same conflict
	// for reconvergence detection.
	ReconvergenceTag uint64
}

// GlobalTightening is a bound change valid for the whole problem, derived
// from an LP infeasibility proof.
type GlobalTightening struct {
	Var  problem.VarID
	Kind problem.BoundKind
	New  float64
}

// Analyzer derives conflicts. It is owned by one solver instance and used
// under single-threaded discipline.
type Analyzer struct {
	minScore float64
	maxSize  int

	seen *bitset.BitSet
	tag  uint64

	nCalls     int64
	nLearned   int64
	nDiscarded int64
}

// New creates an analyzer. Clauses longer than maxSize or scoring below
// minScore are discarded.
func New(minScore float64, maxSize int) *Analyzer {
	return &Analyzer{minScore: minScore, maxSize: maxSize, seen: bitset.New(64)}
}

func (a *Analyzer) NLearned() int64   { return a.nLearned }
func (a *Analyzer) NDiscarded() int64 { return a.nDiscarded }

// Analyze resolves the conflicting event set back to the first unique
// implication point. events is the full depth/time-ordered sequence of the
// current path; conflictSet holds indices of the events whose combination
// is infeasible. Returned constraints are sound (they never cut off a
// feasible completion of an unrelated path) and deterministic in the input
// sequence.
func (a *Analyzer) Analyze(events []Event, conflictSet []int, provenance string) []Constraint {
	a.nCalls++
	if len(events) == 0 || len(conflictSet) == 0 {
		return nil
	}
	conflictDepth := int32(0)
	for _, i := range conflictSet {
		if events[i].Depth > conflictDepth {
			conflictDepth = events[i].Depth
		}
	}
	if conflictDepth == 0 {
		// conflict at the root: the problem is globally infeasible, there
		// is nothing to learn
		return nil
	}

	a.seen.ClearAll()
	open := 0 // events at conflict depth still to be resolved
	var lits []int
	mark := func(i int) {
		if a.seen.Test(uint(i)) {
			return
		}
		a.seen.Set(uint(i))
		if events[i].Depth >= conflictDepth {
			open++
		} else if events[i].Depth > 0 {
			lits = append(lits, i)
		}
		// depth-0 events are globally valid and drop out of the clause
	}
	for _, i := range conflictSet {
		mark(i)
	}

	// walk the trail backwards, resolving deepest-level deductions until a
	// single event of the conflict depth remains: the first UIP
	uip := -1
	var kept []int // unresolvable conflict-depth events
	for i := len(events) - 1; i >= 0 && open > 0; i-- {
		if !a.seen.Test(uint(i)) || events[i].Depth < conflictDepth {
			continue
		}
		if open == 1 {
			uip = i
			break
		}
		ev := events[i]
		open--
		a.seen.Clear(uint(i))
		if ev.Reason == ReasonPropagation && len(ev.Antecedents) > 0 {
			for _, j := range ev.Antecedents {
				mark(j)
			}
		} else {
			// decisions and external bounds cannot be resolved; they stay
			// in the clause
			kept = append(kept, i)
		}
	}
	if uip < 0 && len(kept) == 0 {
		return nil
	}

	clause := Constraint{Provenance: provenance, ReconvergenceTag: a.nextTag()}
	if uip >= 0 {
		clause.Lits = append(clause.Lits, events[uip].Change)
	}
	for _, i := range kept {
		clause.Lits = append(clause.Lits, events[i].Change)
	}
	for _, i := range lits {
		clause.Lits = append(clause.Lits, events[i].Change)
	}

	if len(clause.Lits) > a.maxSize || a.score(clause) < a.minScore {
		a.nDiscarded++
		return nil
	}
	a.nLearned++
	return []Constraint{clause}
}

// score rates a clause: short clauses prune more.
func (a *Analyzer) score(c Constraint) float64 {
	return 1 / float64(len(c.Lits))
}

func (a *Analyzer) nextTag() uint64 {
	a.tag++
	return a.tag
}

// AnalyzeDualRay derives global bound tightenings from an LP infeasibility
// proof: the ray aggregates the rows into a single valid inequality that is
// propagated once against the global bounds. Weak proofs yield nothing.
func (a *Analyzer) AnalyzeDualRay(p *problem.Problem, rows []lp.Row, ray []float64, feastol float64) []GlobalTightening {
	a.nCalls++
	if len(ray) != len(rows) || len(rows) == 0 {
		return nil
	}
	// aggregate: sum_i ray_i * row_i, using the side the ray direction picks
	coef := make(map[problem.VarID]float64)
	rhs := 0.0
	for i, r := range rows {
		y := ray[i]
		if y == 0 {
			continue
		}
		side := r.Rhs
		if y < 0 {
			side = r.Lhs
		}
		if side >= problem.Infinity || side <= -problem.Infinity {
			return nil // proof uses an infinite side, unusable
		}
		rhs += y * side
		for k, col := range r.Cols {
			coef[problem.VarID(col)] += y * r.Vals[k]
		}
	}
	vars := make([]problem.VarID, 0, len(coef))
	for v, c := range coef {
		if math.Abs(c) <= 1e-12 {
			// cancelled out in the aggregation
			continue
		}
		vars = append(vars, v)
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i] < vars[j] })

	var out []GlobalTightening
	// residual-activity propagation of coef*x <= rhs
	minAct := 0.0
	for _, v := range vars {
		c := coef[v]
		lb, ub := p.Var(v).GlobalLb(), p.Var(v).GlobalUb()
		if c > 0 {
			if lb <= -problem.Infinity {
				return nil
			}
			minAct += c * lb
		} else {
			if ub >= problem.Infinity {
				return nil
			}
			minAct += c * ub
		}
	}
	for _, v := range vars {
		c := coef[v]
		pv := p.Var(v)
		var res float64
		if c > 0 {
			res = minAct - c*pv.GlobalLb()
			limit := (rhs - res) / c
			if pv.Type().Integral() {
				limit = math.Floor(limit + feastol)
			}
			if limit < pv.GlobalUb()-feastol {
				out = append(out, GlobalTightening{Var: v, Kind: problem.UpperBound, New: limit})
			}
		} else {
			res = minAct - c*pv.GlobalUb()
			limit := (rhs - res) / c
			if pv.Type().Integral() {
				limit = math.Ceil(limit - feastol)
			}
			if limit > pv.GlobalLb()+feastol {
				out = append(out, GlobalTightening{Var: v, Kind: problem.LowerBound, New: limit})
			}
		}
	}
	if len(out) > 0 {
		a.nLearned += int64(len(out))
	}
	return out
}
