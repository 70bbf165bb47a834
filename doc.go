// Package cip provides a branch-and-cut engine for constraint integer
// programs: problems over binary, integer, implicit-integer and continuous
// variables, solved to proven optimality or proven infeasibility.
//
// The engine orchestrates the solving process; the concrete reduction and
// search algorithms are plug-ins. It drives a problem through
// transformation, iterative presolving and branch-and-bound tree search,
// coordinating propagators, separators, primal heuristics, branching rules
// and conflict analysis against a shared model of bounds, constraints and
// the LP relaxation.
//
// The main entry point is the solver package:
//
//	s, err := solver.New(prob, simplexlp.New(), solver.WithNodeSelection(solver.BestBound()))
//	if err != nil { ... }
//	if err := s.Solve(ctx); err != nil { ... }
//	sol := s.BestSolution()
//
// The LP relaxation is solved by an external service behind the lp.Service
// interface; lp/simplexlp provides a batteries-included implementation on
// top of gonum's simplex.
package cip

import "github.com/blang/semver/v4"

// Version of the cip module.
var Version = semver.MustParse("0.3.0")
