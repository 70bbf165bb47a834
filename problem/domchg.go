package problem

import "fmt"

// BoundKind distinguishes lower from upper bound changes.
type BoundKind uint8

const (
	LowerBound BoundKind = iota
	UpperBound
)

func (k BoundKind) String() string {
	if k == LowerBound {
		return "lb"
	}
	return "ub"
}

// BoundChange records a single local bound tightening relative to the
// parent node. Old carries the bound before the change so that switching
// the focus node can undo it exactly.
type BoundChange struct {
	Var  VarID
	Kind BoundKind
	New  float64
	Old  float64
}

func (bc BoundChange) String() string {
	return fmt.Sprintf("x%d.%s:%g->%g", bc.Var, bc.Kind, bc.Old, bc.New)
}

// Apply installs the bound changes on the local bounds of p, in order.
// It returns false as soon as a change renders a domain empty; changes
// after that point are not applied.
func Apply(p *Problem, chgs []BoundChange) bool {
	for _, bc := range chgs {
		v := p.Var(bc.Var)
		switch bc.Kind {
		case LowerBound:
			v.llb = bc.New
		case UpperBound:
			v.lub = bc.New
		}
		if v.llb > v.lub+eps {
			return false
		}
	}
	return true
}

// Undo reverts the bound changes on the local bounds of p, last first.
// Restored bounds are clamped to the current global bounds: globals may
// have been tightened since the change was recorded, and local bounds
// must never be looser than global ones.
func Undo(p *Problem, chgs []BoundChange) {
	for i := len(chgs) - 1; i >= 0; i-- {
		bc := chgs[i]
		v := p.Var(bc.Var)
		switch bc.Kind {
		case LowerBound:
			v.llb = max(bc.Old, v.glb)
		case UpperBound:
			v.lub = min(bc.Old, v.gub)
		}
	}
}
