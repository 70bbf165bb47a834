// Package primal stores feasible solutions found during the solve: the
// ordered solution collection, the incumbent and the cutoff bound derived
// from it. All objective values here are internal (transformed,
// minimization) values.
package primal

import (
	"math"
	"sort"

	"github.com/go-opt/cip/problem"
)

// Solution is a full variable assignment with its internal objective and
// provenance (the plug-in that produced it).
type Solution struct {
	Vals []float64
	Obj  float64
	Heur string
}

// Clone deep-copies the solution.
func (s *Solution) Clone() *Solution {
	return &Solution{Vals: append([]float64(nil), s.Vals...), Obj: s.Obj, Heur: s.Heur}
}

// Store keeps found solutions ordered by objective and derives the cutoff
// bound from the best one. When the objective is provably integral, the
// cutoff is tightened below the incumbent by almost one.
type Store struct {
	sols []*Solution

	objIntegral bool
	feastol     float64
	maxStored   int

	onIncumbent func(old, new float64)

	nFound    int64
	nImproved int64
}

// NewStore creates an empty store. maxStored bounds the collection size;
// the incumbent is always kept.
func NewStore(objIntegral bool, feastol float64, maxStored int) *Store {
	if maxStored < 1 {
		maxStored = 1
	}
	return &Store{objIntegral: objIntegral, feastol: feastol, maxStored: maxStored}
}

// SetObjIntegral updates the integral-objective flag (presolving may prove
// it only after the store exists).
func (st *Store) SetObjIntegral(integral bool) { st.objIntegral = integral }

// OnIncumbent registers a callback fired when the incumbent improves.
func (st *Store) OnIncumbent(fn func(old, new float64)) { st.onIncumbent = fn }

// Len returns the number of stored solutions.
func (st *Store) Len() int { return len(st.sols) }

// NFound returns the number of accepted solutions over the whole solve.
func (st *Store) NFound() int64 { return st.nFound }

// Best returns the incumbent, or nil.
func (st *Store) Best() *Solution {
	if len(st.sols) == 0 {
		return nil
	}
	return st.sols[0]
}

// Solutions returns the stored solutions, best first.
func (st *Store) Solutions() []*Solution { return st.sols }

// PrimalBound is the objective of the best known solution, +Infinity when
// none exists.
func (st *Store) PrimalBound() float64 {
	if len(st.sols) == 0 {
		return problem.Infinity
	}
	return st.sols[0].Obj
}

// CutoffBound derives the bound below which new nodes must stay. It is
// always a function of the best known solution; with a provably integral
// objective it is tightened to incumbent-1 (up to tolerance).
func (st *Store) CutoffBound() float64 {
	if len(st.sols) == 0 {
		return problem.Infinity
	}
	best := st.sols[0].Obj
	if st.objIntegral {
		return math.Ceil(best-st.feastol) - 1 + st.feastol
	}
	return best - st.feastol
}

// Add accepts a solution if it improves on the cutoff bound at acceptance
// time. The caller has already checked feasibility. Reports whether the
// solution was accepted and whether it became the new incumbent.
func (st *Store) Add(s *Solution) (accepted, incumbent bool) {
	if s.Obj > st.CutoffBound() {
		return false, false
	}
	oldBound := st.PrimalBound()
	i := sort.Search(len(st.sols), func(i int) bool { return st.sols[i].Obj >= s.Obj })
	st.sols = append(st.sols, nil)
	copy(st.sols[i+1:], st.sols[i:])
	st.sols[i] = s
	if len(st.sols) > st.maxStored {
		st.sols = st.sols[:st.maxStored]
	}
	st.nFound++
	if i == 0 {
		st.nImproved++
		if st.onIncumbent != nil {
			st.onIncumbent(oldBound, s.Obj)
		}
		return true, true
	}
	return true, false
}

// Clear drops all solutions. Restarts do NOT call this: incumbents stay
// valid across re-transformations.
func (st *Store) Clear() { st.sols = st.sols[:0] }
