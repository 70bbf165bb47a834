// Package lp mirrors the focus node's bounds and separated cuts into a
// working linear relaxation and drives an external LP service. The engine
// never talks to the LP algorithm directly; everything goes through
// Service, and the Relaxation adapter guarantees the service sees a
// synchronized copy of the model before every solve.
package lp

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-opt/cip/problem"
)

// Status of the working relaxation.
type Status uint8

const (
	Unsolved Status = iota
	Optimal
	Infeasible
	Unbounded
	IterLimit
	TimeLimit
	Error
)

func (s Status) String() string {
	switch s {
	case Unsolved:
		return "unsolved"
	case Optimal:
		return "optimal"
	case Infeasible:
		return "infeasible"
	case Unbounded:
		return "unbounded"
	case IterLimit:
		return "iterlimit"
	case TimeLimit:
		return "timelimit"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("lpstatus(%d)", uint8(s))
	}
}

// Row is one linear row of the relaxation: Lhs <= sum Vals[i]*x[Cols[i]] <= Rhs.
type Row struct {
	Name string
	Cols []int
	Vals []float64
	Lhs  float64
	Rhs  float64
}

// Result of one LP solve.
type Result struct {
	Status Status
	Obj    float64
	Primal []float64 // column values
}

// ErrNumerical is returned by Relaxation.Solve when the service failed for
// numerical reasons; the caller keeps the node open instead of pruning it.
var ErrNumerical = errors.New("lp: numerical failure")

// Service is the external LP solver contract. Implementations hold the
// loaded columns and rows between calls so warm starts are possible; the
// engine resynchronizes through the mutating calls before solving.
type Service interface {
	// LoadCols replaces all columns: objective coefficients and bounds.
	LoadCols(obj, lb, ub []float64) error
	// AddRows appends rows.
	AddRows(rows []Row) error
	// DeleteRows removes rows [from,to).
	DeleteRows(from, to int) error
	// ChangeBounds changes one column's bounds.
	ChangeBounds(col int, lb, ub float64) error
	// Solve solves the current relaxation; warmstart is a hint.
	Solve(ctx context.Context, warmstart bool) (Result, error)
	// DualRay returns a ray proving infeasibility, if one is available.
	DualRay() ([]float64, bool)
	// StrongBranch probes the objective change of tightening column col
	// to the bounds given, without changing the loaded model.
	StrongBranch(ctx context.Context, col int, lb, ub float64, iterLimit int) (obj float64, status Status, err error)
}

// Relaxation adapts a transformed problem to a Service. Bound changes and
// cuts are buffered and flushed lazily; Solve always operates on a
// synchronized model.
type Relaxation struct {
	svc  Service
	prob *problem.Problem

	loaded      bool
	nConsRows   int
	loadedRows  []Row
	cuts        []Row
	cutsFlushed int
	dirtyCols   map[int]struct{}

	status Status
	result Result

	nSolves    int
	nFailures  int
	failBudget int
}

// NewRelaxation creates the adapter. failBudget is the number of tolerated
// numerical failures before Solve escalates to a hard error.
func NewRelaxation(svc Service, prob *problem.Problem, failBudget int) *Relaxation {
	return &Relaxation{
		svc:        svc,
		prob:       prob,
		dirtyCols:  make(map[int]struct{}),
		failBudget: failBudget,
	}
}

func (r *Relaxation) Status() Status   { return r.status }
func (r *Relaxation) Result() Result   { return r.result }
func (r *Relaxation) NSolves() int     { return r.nSolves }
func (r *Relaxation) NFailures() int   { return r.nFailures }
func (r *Relaxation) NCuts() int       { return len(r.cuts) }
func (r *Relaxation) Service() Service { return r.svc }

// Rows returns the rows currently loaded in the service, constraint rows
// first, then flushed cuts. A dual ray indexes into this slice.
func (r *Relaxation) Rows() []Row { return r.loadedRows }

// MarkBoundDirty records that a column's bounds changed since the last sync.
func (r *Relaxation) MarkBoundDirty(v problem.VarID) {
	r.dirtyCols[int(v)] = struct{}{}
	r.status = Unsolved
}

// MarkAllDirty forces a full reload on the next sync, e.g. when a restart
// reuses the loaded relaxation.
func (r *Relaxation) MarkAllDirty() {
	r.loaded = false
	r.status = Unsolved
}

// AddCut buffers a separated cut for the next sync.
func (r *Relaxation) AddCut(row Row) {
	r.cuts = append(r.cuts, row)
	r.status = Unsolved
}

// ClearCuts drops all separated cuts (and their rows in the service).
func (r *Relaxation) ClearCuts() error {
	if r.cutsFlushed > 0 {
		if err := r.svc.DeleteRows(r.nConsRows, r.nConsRows+r.cutsFlushed); err != nil {
			return err
		}
	}
	r.cuts = r.cuts[:0]
	r.cutsFlushed = 0
	if len(r.loadedRows) > r.nConsRows {
		r.loadedRows = r.loadedRows[:r.nConsRows]
	}
	r.status = Unsolved
	return nil
}

// Sync pushes the current local bounds, constraint rows and buffered cuts
// into the service.
func (r *Relaxation) Sync() error {
	if !r.loaded {
		return r.reload()
	}
	for col := range r.dirtyCols {
		v := r.prob.Var(problem.VarID(col))
		if err := r.svc.ChangeBounds(col, v.LocalLb(), v.LocalUb()); err != nil {
			return err
		}
	}
	clear(r.dirtyCols)
	if r.cutsFlushed < len(r.cuts) {
		if err := r.svc.AddRows(r.cuts[r.cutsFlushed:]); err != nil {
			return err
		}
		r.loadedRows = append(r.loadedRows, r.cuts[r.cutsFlushed:]...)
		r.cutsFlushed = len(r.cuts)
	}
	return nil
}

func (r *Relaxation) reload() error {
	n := r.prob.NVars()
	obj := make([]float64, n)
	lb := make([]float64, n)
	ub := make([]float64, n)
	for i, v := range r.prob.Vars() {
		obj[i] = v.Obj()
		lb[i] = v.LocalLb()
		ub[i] = v.LocalUb()
	}
	if err := r.svc.LoadCols(obj, lb, ub); err != nil {
		return err
	}
	rows := make([]Row, 0, r.prob.NConss()+len(r.cuts))
	for _, c := range r.prob.Conss() {
		rows = append(rows, ConsRow(c))
	}
	r.nConsRows = len(rows)
	rows = append(rows, r.cuts...)
	if err := r.svc.AddRows(rows); err != nil {
		return err
	}
	r.loadedRows = rows
	r.cutsFlushed = len(r.cuts)
	clear(r.dirtyCols)
	r.loaded = true
	return nil
}

// ConsRow converts a linear constraint to an LP row.
func ConsRow(c *problem.Constraint) Row {
	terms := c.Terms()
	row := Row{Name: c.Name(), Lhs: c.Lhs(), Rhs: c.Rhs(),
		Cols: make([]int, len(terms)), Vals: make([]float64, len(terms))}
	for i, t := range terms {
		row.Cols[i] = int(t.Var)
		row.Vals[i] = t.Coef
	}
	return row
}

// Solve synchronizes and solves the relaxation. A service failure is
// counted against the failure budget and reported as ErrNumerical until
// the budget is exhausted; then it becomes a hard error.
func (r *Relaxation) Solve(ctx context.Context, warmstart bool) (Result, error) {
	if err := r.Sync(); err != nil {
		return Result{}, err
	}
	r.nSolves++
	res, err := r.svc.Solve(ctx, warmstart)
	if err != nil || res.Status == Error {
		r.nFailures++
		r.status = Error
		if r.nFailures > r.failBudget {
			return Result{Status: Error}, fmt.Errorf("lp: failure budget (%d) exhausted: %w", r.failBudget, err)
		}
		return Result{Status: Error}, ErrNumerical
	}
	r.status = res.Status
	r.result = res
	return res, nil
}

// DualRay exposes the service's infeasibility proof.
func (r *Relaxation) DualRay() ([]float64, bool) { return r.svc.DualRay() }

// StrongBranch probes one bound change without touching the loaded model.
func (r *Relaxation) StrongBranch(ctx context.Context, v problem.VarID, lb, ub float64, iterLimit int) (float64, Status, error) {
	return r.svc.StrongBranch(ctx, int(v), lb, ub, iterLimit)
}

// Invalidate resets the relaxation to unsolved without touching the
// service; used when the tree is discarded on restarts.
func (r *Relaxation) Invalidate() {
	r.loaded = false
	r.loadedRows = nil
	r.cuts = r.cuts[:0]
	r.cutsFlushed = 0
	r.status = Unsolved
	clear(r.dirtyCols)
}
