// Package problem holds the data model of a constraint integer program:
// variables with global and local bounds, linear constraints, the objective
// and the clique table. A Problem exists in two flavors: the original
// problem as stated by the user, and the transformed copy the engine
// presolves and searches. The transformed copy may be discarded and rebuilt
// at any time; original bounds only change through an explicit reset.
package problem

import (
	"fmt"
	"math"
)

// Sense is the objective sense.
type Sense uint8

const (
	Minimize Sense = iota
	Maximize
)

func (s Sense) String() string {
	if s == Minimize {
		return "minimize"
	}
	return "maximize"
}

// Problem owns a variable and constraint collection. All engine components
// address variables by VarID into the problem's arena.
type Problem struct {
	name        string
	transformed bool

	sense       Sense
	objOffset   float64
	objScale    float64 // external = objScale*internal + objOffset
	objIntegral bool

	vars  []*Var
	conss []*Constraint

	cliques *CliqueTable

	delQueue []VarID

	nFixed      int
	nAggregated int
}

// New creates an empty original problem.
func New(name string) *Problem {
	return &Problem{name: name, sense: Minimize, objScale: 1, cliques: NewCliqueTable()}
}

func (p *Problem) Name() string      { return p.name }
func (p *Problem) Transformed() bool { return p.transformed }
func (p *Problem) NVars() int        { return len(p.vars) }
func (p *Problem) NConss() int {
	n := 0
	for _, c := range p.conss {
		if !c.deleted {
			n++
		}
	}
	return n
}
func (p *Problem) Cliques() *CliqueTable { return p.cliques }
func (p *Problem) ObjSense() Sense       { return p.sense }
func (p *Problem) ObjOffset() float64    { return p.objOffset }
func (p *Problem) ObjScale() float64     { return p.objScale }
func (p *Problem) ObjIntegral() bool     { return p.objIntegral }

// NFixed and NAggregated report how many variables presolving removed from
// the active problem.
func (p *Problem) NFixed() int      { return p.nFixed }
func (p *Problem) NAggregated() int { return p.nAggregated }

// SetObjSense sets the objective sense on an original problem.
func (p *Problem) SetObjSense(s Sense) { p.sense = s }

// SetObjOffset sets a constant objective offset.
func (p *Problem) SetObjOffset(off float64) { p.objOffset = off }

// Var returns the variable addressed by id. It panics on an out-of-range
// id; a VarID handed out by AddVar is always in range.
func (p *Problem) Var(id VarID) *Var { return p.vars[id] }

// Vars returns the variable arena. Callers must not reorder it.
func (p *Problem) Vars() []*Var { return p.vars }

// Conss returns the live constraints.
func (p *Problem) Conss() []*Constraint {
	res := make([]*Constraint, 0, len(p.conss))
	for _, c := range p.conss {
		if !c.deleted {
			res = append(res, c)
		}
	}
	return res
}

// AddVar appends a variable and returns its ID. Binary variables get their
// bounds clipped to [0,1].
func (p *Problem) AddVar(name string, typ VarType, lb, ub, obj float64) VarID {
	if typ == Binary {
		lb, ub = math.Max(lb, 0), math.Min(ub, 1)
	}
	if typ.Integral() {
		if lb > -Infinity {
			lb = math.Ceil(lb - eps)
		}
		if ub < Infinity {
			ub = math.Floor(ub + eps)
		}
	}
	id := VarID(len(p.vars))
	p.vars = append(p.vars, &Var{
		id: id, name: name, typ: typ, obj: obj,
		glb: lb, gub: ub, llb: lb, lub: ub,
		agg: aggregation{target: InvalidVar},
	})
	return id
}

// AddConstraint appends a constraint and updates variable locks.
func (p *Problem) AddConstraint(c *Constraint) {
	for _, t := range c.terms {
		v := p.vars[t.Var]
		// both sides finite: any move can violate one of them
		down := c.lhs > -Infinity
		up := c.rhs < Infinity
		if t.Coef < 0 {
			down, up = up, down
		}
		if down {
			v.nLocksDown++
		}
		if up {
			v.nLocksUp++
		}
	}
	p.conss = append(p.conss, c)
}

// DelConstraint marks a constraint deleted and releases its locks.
func (p *Problem) DelConstraint(c *Constraint) {
	if c.deleted {
		return
	}
	c.deleted = true
	for _, t := range c.terms {
		v := p.vars[t.Var]
		down := c.lhs > -Infinity
		up := c.rhs < Infinity
		if t.Coef < 0 {
			down, up = up, down
		}
		if down {
			v.nLocksDown--
		}
		if up {
			v.nLocksUp--
		}
	}
}

// ChgVarBounds replaces the global (and local) bounds of a variable.
// Only legal on an original problem or during presolving of the
// transformed one; stage gating happens in the solver.
func (p *Problem) ChgVarBounds(id VarID, lb, ub float64) error {
	if lb > ub+eps {
		return fmt.Errorf("empty domain [%g,%g] for %s", lb, ub, p.vars[id].name)
	}
	v := p.vars[id]
	v.glb, v.gub = lb, ub
	v.llb, v.lub = lb, ub
	return nil
}

// TightenGlobalLb tightens the global (and local) lower bound. Reports
// whether the bound changed and whether the domain became empty.
func (p *Problem) TightenGlobalLb(id VarID, newLb float64, feastol float64) (changed, infeasible bool) {
	v := p.vars[id]
	if _, ok := tightenLower(v, newLb, false, feastol); !ok {
		return false, false
	}
	return true, v.glb > v.gub+eps
}

// TightenGlobalUb tightens the global (and local) upper bound.
func (p *Problem) TightenGlobalUb(id VarID, newUb float64, feastol float64) (changed, infeasible bool) {
	v := p.vars[id]
	if _, ok := tightenUpper(v, newUb, false, feastol); !ok {
		return false, false
	}
	return true, v.glb > v.gub+eps
}

// TightenLocalLb tightens the local lower bound, returning the recorded
// change for the focus node's domain-change list.
func (p *Problem) TightenLocalLb(id VarID, newLb float64, feastol float64) (bc BoundChange, changed, infeasible bool) {
	v := p.vars[id]
	bc, ok := tightenLower(v, newLb, true, feastol)
	if !ok {
		return bc, false, false
	}
	return bc, true, v.llb > v.lub+eps
}

// TightenLocalUb tightens the local upper bound.
func (p *Problem) TightenLocalUb(id VarID, newUb float64, feastol float64) (bc BoundChange, changed, infeasible bool) {
	v := p.vars[id]
	bc, ok := tightenUpper(v, newUb, true, feastol)
	if !ok {
		return bc, false, false
	}
	return bc, true, v.llb > v.lub+eps
}

// FixVar fixes a variable globally to val and queues it for deletion from
// the active problem. Fixing outside the current global bounds is
// infeasible.
func (p *Problem) FixVar(id VarID, val float64, feastol float64) (fixed, infeasible bool) {
	v := p.vars[id]
	if v.status == statFixed {
		return false, math.Abs(v.glb-val) > feastol
	}
	if val < v.glb-feastol || val > v.gub+feastol {
		return false, true
	}
	if v.typ.Integral() && !IsIntegral(val, feastol) {
		return false, true
	}
	v.glb, v.gub = val, val
	v.llb, v.lub = val, val
	v.status = statFixed
	p.nFixed++
	p.delQueue = append(p.delQueue, id)
	return true, false
}

// AggregateVar merges variable x into y: x := scalar*y + constant. x leaves
// the active problem; its bounds are transferred onto y.
func (p *Problem) AggregateVar(x, y VarID, scalar, constant float64, feastol float64) (aggregated, infeasible bool) {
	if x == y || scalar == 0 {
		return false, false
	}
	vx, vy := p.vars[x], p.vars[y]
	if !vx.Active() || !vy.Active() {
		return false, false
	}
	// transfer x's bounds onto y: y = (x - constant)/scalar
	lo := (vx.glb - constant) / scalar
	hi := (vx.gub - constant) / scalar
	if scalar < 0 {
		lo, hi = hi, lo
	}
	if lo > vy.gub+feastol || hi < vy.glb-feastol {
		return false, true
	}
	if _, inf := p.TightenGlobalLb(y, lo, feastol); inf {
		return false, true
	}
	if _, inf := p.TightenGlobalUb(y, hi, feastol); inf {
		return false, true
	}
	if scalar == -1 {
		vx.status = statNegated
	} else {
		vx.status = statAggregated
	}
	vx.agg = aggregation{target: y, scalar: scalar, constant: constant}
	p.nAggregated++
	p.delQueue = append(p.delQueue, x)
	return true, false
}

// MultiAggregateVar represents x as an affine combination of several active
// variables. Multi-aggregated variables cannot be branched on.
func (p *Problem) MultiAggregateVar(x VarID, terms []Term, constant float64) bool {
	vx := p.vars[x]
	if !vx.Active() {
		return false
	}
	vx.status = statMultiAggr
	vx.agg = aggregation{target: InvalidVar, constant: constant, multi: terms}
	p.nAggregated++
	p.delQueue = append(p.delQueue, x)
	return true
}

// Resolve follows the aggregation chain of id to its active representation:
// x = scalar*active + constant. For active variables it returns (id, 1, 0);
// for fixed variables scalar is 0 and constant the fixed value. Resolve of
// a multi-aggregated variable returns ok=false.
func (p *Problem) Resolve(id VarID) (active VarID, scalar, constant float64, ok bool) {
	scalar, constant = 1, 0
	for {
		v := p.vars[id]
		switch v.status {
		case statActive:
			return id, scalar, constant, true
		case statFixed:
			return id, 0, constant + scalar*v.glb, true
		case statAggregated, statNegated:
			constant += scalar * v.agg.constant
			scalar *= v.agg.scalar
			id = v.agg.target
		default:
			return id, 0, 0, false
		}
	}
}

// Flatten path-compresses every aggregation chain so that each aggregated
// variable points directly at an active (or fixed) representative.
// Engine code calls it once after a presolving round instead of resolving
// chains at every query.
func (p *Problem) Flatten() {
	for _, v := range p.vars {
		if v.status != statAggregated && v.status != statNegated {
			continue
		}
		active, scalar, constant, ok := p.Resolve(v.id)
		if !ok {
			continue
		}
		if scalar == 0 {
			// chain ended in a fixed variable
			v.status = statFixed
			v.glb, v.gub = constant, constant
			v.llb, v.lub = constant, constant
			v.agg = aggregation{target: InvalidVar}
			continue
		}
		v.agg = aggregation{target: active, scalar: scalar, constant: constant}
	}
}

// FlushDeletions substitutes queued fixed/aggregated variables out of all
// live constraints and clears the deletion queue. Constraint coefficients
// of a removed variable are merged into its representative (or into the
// sides, for fixed variables). Returns the number of flushed variables.
func (p *Problem) FlushDeletions() int {
	if len(p.delQueue) == 0 {
		return 0
	}
	p.Flatten()
	queued := make(map[VarID]bool, len(p.delQueue))
	for _, id := range p.delQueue {
		queued[id] = true
		p.vars[id].deleted = true
	}
	for _, c := range p.conss {
		if c.deleted {
			continue
		}
		p.substitute(c, queued)
	}
	p.cliques.Compact(p)
	n := len(p.delQueue)
	p.delQueue = p.delQueue[:0]
	return n
}

func (p *Problem) substitute(c *Constraint, queued map[VarID]bool) {
	dirty := false
	for _, t := range c.terms {
		if queued[t.Var] {
			dirty = true
			break
		}
	}
	if !dirty {
		return
	}
	merged := make(map[VarID]float64, len(c.terms))
	order := make([]VarID, 0, len(c.terms))
	shift := 0.0
	for _, t := range c.terms {
		if !queued[t.Var] {
			if _, seen := merged[t.Var]; !seen {
				order = append(order, t.Var)
			}
			merged[t.Var] += t.Coef
			continue
		}
		active, scalar, constant, ok := p.Resolve(t.Var)
		if !ok {
			// multi-aggregated: expand the affine combination
			v := p.vars[t.Var]
			shift += t.Coef * v.agg.constant
			for _, mt := range v.agg.multi {
				if _, seen := merged[mt.Var]; !seen {
					order = append(order, mt.Var)
				}
				merged[mt.Var] += t.Coef * mt.Coef
			}
			continue
		}
		shift += t.Coef * constant
		if scalar != 0 {
			if _, seen := merged[active]; !seen {
				order = append(order, active)
			}
			merged[active] += t.Coef * scalar
		}
	}
	terms := make([]Term, 0, len(order))
	for _, id := range order {
		if merged[id] != 0 {
			terms = append(terms, Term{Var: id, Coef: merged[id]})
		}
	}
	c.terms = terms
	if c.lhs > -Infinity {
		c.lhs -= shift
	}
	if c.rhs < Infinity {
		c.rhs -= shift
	}
}

// DetectObjIntegral marks the objective provably integral: every variable
// with a nonzero objective coefficient is of integral type and has an
// integral coefficient. The primal store uses this to tighten the cutoff
// below a new incumbent.
func (p *Problem) DetectObjIntegral() bool {
	integral := true
	for _, v := range p.vars {
		if v.obj == 0 {
			continue
		}
		if !v.typ.Integral() || !IsIntegral(v.obj, eps) {
			integral = false
			break
		}
	}
	p.objIntegral = integral && IsIntegral(p.objOffset, eps)
	return p.objIntegral
}

// Transform derives the transformed copy the engine works on. The copy is
// always a minimization problem; for a maximization original the objective
// is negated and objScale records the flip for external reporting.
func (p *Problem) Transform() *Problem {
	t := &Problem{
		name:        "t_" + p.name,
		transformed: true,
		sense:       Minimize,
		objOffset:   p.objOffset,
		objScale:    1,
		cliques:     NewCliqueTable(),
	}
	flip := 1.0
	if p.sense == Maximize {
		flip = -1
		t.objScale = -1
		t.objOffset = -p.objOffset
	}
	t.vars = make([]*Var, len(p.vars))
	for i, v := range p.vars {
		nv := *v
		nv.name = "t_" + v.name
		nv.obj = flip * v.obj
		nv.llb, nv.lub = nv.glb, nv.gub
		nv.agg = aggregation{target: InvalidVar}
		t.vars[i] = &nv
	}
	t.conss = make([]*Constraint, 0, len(p.conss))
	for _, c := range p.conss {
		if c.deleted {
			continue
		}
		terms := make([]Term, len(c.terms))
		copy(terms, c.terms)
		t.conss = append(t.conss, &Constraint{
			name: "t_" + c.name, terms: terms, lhs: c.lhs, rhs: c.rhs,
			learned: c.learned, removable: c.removable,
		})
	}
	t.DetectObjIntegral()
	return t
}

// Clone deep-copies the problem. Concurrent solving gives every instance
// its own clone.
func (p *Problem) Clone() *Problem {
	c := *p
	c.vars = make([]*Var, len(p.vars))
	for i, v := range p.vars {
		nv := *v
		if len(v.agg.multi) > 0 {
			nv.agg.multi = append([]Term(nil), v.agg.multi...)
		}
		c.vars[i] = &nv
	}
	c.conss = make([]*Constraint, len(p.conss))
	for i, cons := range p.conss {
		nc := *cons
		nc.terms = append([]Term(nil), cons.terms...)
		c.conss[i] = &nc
	}
	c.cliques = p.cliques.Clone()
	c.delQueue = append([]VarID(nil), p.delQueue...)
	return &c
}

// InternalObj evaluates the transformed objective for an assignment.
func (p *Problem) InternalObj(vals []float64) float64 {
	obj := p.objOffset
	for _, v := range p.vars {
		obj += v.obj * vals[v.id]
	}
	return obj
}

// ExternalObj maps an internal (transformed, minimization) objective value
// to the original objective sense and offset.
func (p *Problem) ExternalObj(internal float64) float64 {
	return p.objScale * internal
}

// CheckSolution verifies an assignment against bounds, integrality and all
// live constraints.
func (p *Problem) CheckSolution(vals []float64, feastol float64) bool {
	if len(vals) != len(p.vars) {
		return false
	}
	for _, v := range p.vars {
		if v.deleted {
			continue
		}
		x := vals[v.id]
		if x < v.glb-feastol || x > v.gub+feastol {
			return false
		}
		if v.typ.Integral() && !IsIntegral(x, feastol) {
			return false
		}
	}
	for _, c := range p.conss {
		if c.deleted || c.learned {
			continue
		}
		if !c.IsFeasible(vals, feastol) {
			return false
		}
	}
	return true
}

// GlobalBounds snapshots the global bounds of every variable; the snapshot
// is what reoptimization and concurrent synchronization exchange.
func (p *Problem) GlobalBounds() []BoundsEntry {
	res := make([]BoundsEntry, len(p.vars))
	for i, v := range p.vars {
		res[i] = BoundsEntry{Lb: v.glb, Ub: v.gub}
	}
	return res
}

// InstallGlobalBounds tightens global bounds towards a previously saved
// snapshot; relaxations in the snapshot are ignored, global bounds never
// relax during one solve.
func (p *Problem) InstallGlobalBounds(bounds []BoundsEntry, feastol float64) (changed int, infeasible bool) {
	if len(bounds) != len(p.vars) {
		return 0, false
	}
	for i, b := range bounds {
		if chg, inf := p.TightenGlobalLb(VarID(i), b.Lb, feastol); inf {
			return changed, true
		} else if chg {
			changed++
		}
		if chg, inf := p.TightenGlobalUb(VarID(i), b.Ub, feastol); inf {
			return changed, true
		} else if chg {
			changed++
		}
	}
	return changed, false
}

// BoundsEntry is one variable's global bound pair in a snapshot.
type BoundsEntry struct {
	Lb, Ub float64
}

// ResetBounds restores every variable's local bounds to the global ones.
// The tree manager calls this when the search tree is discarded.
func (p *Problem) ResetBounds() {
	for _, v := range p.vars {
		v.llb, v.lub = v.glb, v.gub
	}
}
