package problem

import (
	"fmt"
	"math"
	"strings"
)

// Term is one coefficient of a linear constraint.
type Term struct {
	Var  VarID
	Coef float64
}

// Constraint is a linear constraint lhs <= sum_i coef_i * x_i <= rhs.
// Use -Infinity / Infinity for one-sided constraints.
type Constraint struct {
	name  string
	terms []Term
	lhs   float64
	rhs   float64

	learned   bool
	removable bool
	deleted   bool
}

// NewLinear creates a linear constraint. The terms slice is owned by the
// constraint afterwards.
func NewLinear(name string, terms []Term, lhs, rhs float64) *Constraint {
	return &Constraint{name: name, terms: terms, lhs: lhs, rhs: rhs}
}

// NewLearned creates a learned (conflict) constraint; learned constraints
// are removable and do not change the feasible region of the problem.
func NewLearned(name string, terms []Term, lhs, rhs float64) *Constraint {
	return &Constraint{name: name, terms: terms, lhs: lhs, rhs: rhs, learned: true, removable: true}
}

func (c *Constraint) Name() string    { return c.name }
func (c *Constraint) Terms() []Term   { return c.terms }
func (c *Constraint) Lhs() float64    { return c.lhs }
func (c *Constraint) Rhs() float64    { return c.rhs }
func (c *Constraint) Learned() bool   { return c.learned }
func (c *Constraint) Removable() bool { return c.removable }
func (c *Constraint) Deleted() bool   { return c.deleted }

// SetSides replaces both sides of the constraint.
func (c *Constraint) SetSides(lhs, rhs float64) {
	c.lhs, c.rhs = lhs, rhs
}

// ActivityBounds computes the minimal and maximal activity of the
// constraint under the current local (or global) bounds.
func (c *Constraint) ActivityBounds(p *Problem, local bool) (min, max float64) {
	for _, t := range c.terms {
		v := p.Var(t.Var)
		lb, ub := v.glb, v.gub
		if local {
			lb, ub = v.llb, v.lub
		}
		lo, hi := t.Coef*lb, t.Coef*ub
		if t.Coef < 0 {
			lo, hi = hi, lo
		}
		min += lo
		max += hi
	}
	return min, max
}

// Propagate performs bound tightening on the local (or global) bounds of p:
// for every variable, the residual activity of the remaining terms implies
// a bound. Returns the applied bound changes and whether the constraint is
// infeasible under the current bounds.
func (c *Constraint) Propagate(p *Problem, local bool, feastol float64) (chgs []BoundChange, infeasible bool) {
	minAct, maxAct := c.ActivityBounds(p, local)
	if minAct > c.rhs+feastol || maxAct < c.lhs-feastol {
		return nil, true
	}
	for _, t := range c.terms {
		if t.Coef == 0 {
			continue
		}
		v := p.Var(t.Var)
		lb, ub := v.glb, v.gub
		if local {
			lb, ub = v.llb, v.lub
		}
		lo, hi := t.Coef*lb, t.Coef*ub
		if t.Coef < 0 {
			lo, hi = hi, lo
		}
		// residual activity without this term
		resMin, resMax := minAct-lo, maxAct-hi

		// rhs side: coef*x <= rhs - resMin
		if c.rhs < Infinity {
			limit := (c.rhs - resMin) / t.Coef
			if t.Coef > 0 {
				if bc, ok := tightenUpper(v, limit, local, feastol); ok {
					chgs = append(chgs, bc)
				}
			} else {
				if bc, ok := tightenLower(v, limit, local, feastol); ok {
					chgs = append(chgs, bc)
				}
			}
		}
		// lhs side: coef*x >= lhs - resMax
		if c.lhs > -Infinity {
			limit := (c.lhs - resMax) / t.Coef
			if t.Coef > 0 {
				if bc, ok := tightenLower(v, limit, local, feastol); ok {
					chgs = append(chgs, bc)
				}
			} else {
				if bc, ok := tightenUpper(v, limit, local, feastol); ok {
					chgs = append(chgs, bc)
				}
			}
		}
		if v.llb > v.lub+eps || v.glb > v.gub+eps {
			return chgs, true
		}
	}
	return chgs, false
}

func tightenLower(v *Var, newLb float64, local bool, feastol float64) (BoundChange, bool) {
	if v.typ.Integral() {
		newLb = math.Ceil(newLb - feastol)
	}
	old := v.glb
	if local {
		old = v.llb
	}
	if newLb <= old+eps {
		return BoundChange{}, false
	}
	bc := BoundChange{Var: v.id, Kind: LowerBound, New: newLb, Old: old}
	if local {
		v.llb = newLb
	} else {
		v.glb = newLb
		if v.llb < newLb {
			v.llb = newLb
		}
	}
	return bc, true
}

func tightenUpper(v *Var, newUb float64, local bool, feastol float64) (BoundChange, bool) {
	if v.typ.Integral() {
		newUb = math.Floor(newUb + feastol)
	}
	old := v.gub
	if local {
		old = v.lub
	}
	if newUb >= old-eps {
		return BoundChange{}, false
	}
	bc := BoundChange{Var: v.id, Kind: UpperBound, New: newUb, Old: old}
	if local {
		v.lub = newUb
	} else {
		v.gub = newUb
		if v.lub > newUb {
			v.lub = newUb
		}
	}
	return bc, true
}

// IsFeasible checks the constraint against a full assignment.
func (c *Constraint) IsFeasible(vals []float64, feastol float64) bool {
	var act float64
	for _, t := range c.terms {
		act += t.Coef * vals[t.Var]
	}
	return act >= c.lhs-feastol && act <= c.rhs+feastol
}

func (c *Constraint) String(p *Problem) string {
	var sbb strings.Builder
	fmt.Fprintf(&sbb, "%s: %g <=", c.name, c.lhs)
	for _, t := range c.terms {
		fmt.Fprintf(&sbb, " %+g*%s", t.Coef, p.Var(t.Var).name)
	}
	fmt.Fprintf(&sbb, " <= %g", c.rhs)
	return sbb.String()
}
