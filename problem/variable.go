package problem

import (
	"fmt"
	"math"
)

// Infinity is the threshold beyond which bound values are treated as
// infinite by the engine and by LP services.
const Infinity = 1e20

// eps is the tolerance used when comparing bound values.
const eps = 1e-9

// VarID addresses a variable inside a Problem. Variables are never moved;
// an ID stays valid until the variable is deleted from its problem.
type VarID uint32

// InvalidVar is the zero value for "no variable".
const InvalidVar = VarID(math.MaxUint32)

// VarType classifies a variable.
type VarType uint8

const (
	// Binary variables take values in {0,1}.
	Binary VarType = iota
	// Integer variables take integral values within their bounds.
	Integer
	// ImplicitInt variables are continuous but provably integral in any
	// optimal solution.
	ImplicitInt
	// Continuous variables take any value within their bounds.
	Continuous
)

func (t VarType) String() string {
	switch t {
	case Binary:
		return "binary"
	case Integer:
		return "integer"
	case ImplicitInt:
		return "implint"
	case Continuous:
		return "continuous"
	default:
		return fmt.Sprintf("vartype(%d)", uint8(t))
	}
}

// Integral reports whether the type requires integral values.
func (t VarType) Integral() bool {
	return t == Binary || t == Integer
}

// varStatus tracks how a transformed variable is represented after
// presolving. Non-active variables resolve to an affine function of an
// active one (or of several, for multi-aggregation).
type varStatus uint8

const (
	statActive varStatus = iota
	statFixed
	statAggregated // x = scalar*y + constant
	statNegated    // x = constant - y
	statMultiAggr  // x = sum_i scalar_i*y_i + constant
)

// aggregation stores the affine resolution of a non-active variable.
type aggregation struct {
	target   VarID
	scalar   float64
	constant float64
	multi    []Term
}

// Var is a problem variable. Bounds come in two layers: global bounds hold
// for every feasible solution, local bounds additionally reflect the domain
// changes of the node currently in focus.
type Var struct {
	id   VarID
	name string
	typ  VarType
	obj  float64

	glb, gub float64
	llb, lub float64

	nLocksDown int32
	nLocksUp   int32

	status  varStatus
	agg     aggregation
	deleted bool
}

func (v *Var) ID() VarID         { return v.id }
func (v *Var) Name() string      { return v.name }
func (v *Var) Type() VarType     { return v.typ }
func (v *Var) Obj() float64      { return v.obj }
func (v *Var) GlobalLb() float64 { return v.glb }
func (v *Var) GlobalUb() float64 { return v.gub }
func (v *Var) LocalLb() float64  { return v.llb }
func (v *Var) LocalUb() float64  { return v.lub }
func (v *Var) Deleted() bool     { return v.deleted }

// Active reports whether the variable is still its own representative, i.e.
// not fixed, aggregated or negated away by presolving.
func (v *Var) Active() bool { return v.status == statActive && !v.deleted }

// Fixed reports whether the variable has been fixed; FixedValue is only
// meaningful when it returns true.
func (v *Var) Fixed() bool         { return v.status == statFixed }
func (v *Var) FixedValue() float64 { return v.glb }

// Locks returns the number of down- and up-locks: the number of constraints
// that may become infeasible when the variable is decreased resp. increased.
func (v *Var) Locks() (down, up int32) { return v.nLocksDown, v.nLocksUp }

// AddLocks adjusts the lock counters. Constraint handlers call this when a
// constraint is added or removed.
func (v *Var) AddLocks(down, up int32) {
	v.nLocksDown += down
	v.nLocksUp += up
}

// IsIntegral reports whether val is integral within feasibility tolerance.
func IsIntegral(val, feastol float64) bool {
	return math.Abs(val-math.Round(val)) <= feastol
}

// Frac returns the fractionality of val: its distance to the nearest
// integer in [0, 0.5].
func Frac(val float64) float64 {
	return math.Abs(val - math.Round(val))
}

func (v *Var) String() string {
	return fmt.Sprintf("<%s>[%s][%g,%g]", v.name, v.typ, v.llb, v.lub)
}
