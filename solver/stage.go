package solver

import (
	"errors"
	"fmt"
)

// Stage is the life-cycle position of a solver instance. Stages only
// advance, except through the explicit free operations; every public
// operation declares its legal stage set and is rejected outside it.
type Stage uint8

const (
	// StageProblem: the original problem is being built.
	StageProblem Stage = iota
	// StageTransforming: the transformed copy is being derived.
	StageTransforming
	// StageTransformed: the transformed copy exists, presolving has not
	// started.
	StageTransformed
	// StageInitPresolve: presolving is being initialized.
	StageInitPresolve
	// StagePresolving: presolve rounds are running.
	StagePresolving
	// StageExitPresolve: presolving is being finalized.
	StageExitPresolve
	// StagePresolved: the problem is presolved, the search has not started.
	StagePresolved
	// StageInitSolve: search structures are being allocated.
	StageInitSolve
	// StageSolving: the branch-and-bound loop is running or paused.
	StageSolving
	// StageSolved: the solve finished with a final status.
	StageSolved
	// StageExitSolve: search structures are being torn down.
	StageExitSolve
	// StageFreeTrans: the transformed problem is being discarded.
	StageFreeTrans
)

func (s Stage) String() string {
	switch s {
	case StageProblem:
		return "problem"
	case StageTransforming:
		return "transforming"
	case StageTransformed:
		return "transformed"
	case StageInitPresolve:
		return "initpresolve"
	case StagePresolving:
		return "presolving"
	case StageExitPresolve:
		return "exitpresolve"
	case StagePresolved:
		return "presolved"
	case StageInitSolve:
		return "initsolve"
	case StageSolving:
		return "solving"
	case StageSolved:
		return "solved"
	case StageExitSolve:
		return "exitsolve"
	case StageFreeTrans:
		return "freetrans"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// ErrInvalidCall reports an operation invoked outside its legal stage set.
// It is surfaced immediately and never recovered; the operation has not
// mutated any state.
var ErrInvalidCall = errors.New("solver: operation not allowed in current stage")

// ErrSetup reports a missing required collaborator; fatal before solving
// proceeds.
var ErrSetup = errors.New("solver: setup error")

// ErrNumerical reports that LP failures exhausted their budget.
var ErrNumerical = errors.New("solver: too many numerical failures")

// stageSet is a bitmask of legal stages.
type stageSet uint16

func stages(ss ...Stage) stageSet {
	var set stageSet
	for _, s := range ss {
		set |= 1 << s
	}
	return set
}

func (set stageSet) has(s Stage) bool { return set&(1<<s) != 0 }

// checkStage gates every public operation.
func (s *Solver) checkStage(op string, legal stageSet) error {
	if !legal.has(s.stage) {
		return fmt.Errorf("%w: %s in stage %s", ErrInvalidCall, op, s.stage)
	}
	return nil
}

// setStage advances (or, for the free operations, lowers) the stage.
func (s *Solver) setStage(next Stage) {
	if s.stage == next {
		return
	}
	s.log.Debug().Str("from", s.stage.String()).Str("to", next.String()).Msg("stage transition")
	s.stage = next
}
