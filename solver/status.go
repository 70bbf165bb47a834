package solver

import "fmt"

// Status is the terminal (or intermediate) outcome of a solve.
// Infeasibility and unboundedness are statuses, not errors.
type Status uint8

const (
	StatusUnknown Status = iota
	// StatusOptimal: an optimal solution was found and certified.
	StatusOptimal
	// StatusInfeasible: the problem has no feasible solution.
	StatusInfeasible
	// StatusUnbounded: the objective is unbounded.
	StatusUnbounded
	// StatusNodeLimit: the node limit stopped the search; the tree is
	// intact and Solve may be called again to resume.
	StatusNodeLimit
	// StatusTimeLimit: the time limit stopped the search.
	StatusTimeLimit
	// StatusInterrupted: Interrupt stopped the search.
	StatusInterrupted
)

func (st Status) String() string {
	switch st {
	case StatusUnknown:
		return "unknown"
	case StatusOptimal:
		return "optimal"
	case StatusInfeasible:
		return "infeasible"
	case StatusUnbounded:
		return "unbounded"
	case StatusNodeLimit:
		return "nodelimit"
	case StatusTimeLimit:
		return "timelimit"
	case StatusInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("status(%d)", uint8(st))
	}
}

// IsLimit reports whether the status is a clean early exit that preserved
// the open-node structure for resumption.
func (st Status) IsLimit() bool {
	return st == StatusNodeLimit || st == StatusTimeLimit || st == StatusInterrupted
}

// internal loop outcomes
type loopStatus uint8

const (
	loopExhausted loopStatus = iota
	loopLimit
	loopRestart
	loopUnbounded
)
