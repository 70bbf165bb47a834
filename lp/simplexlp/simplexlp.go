// Package simplexlp implements lp.Service on top of gonum's simplex
// solver. It is the batteries-included relaxation backend used by the
// tests and by callers that do not bring their own LP code.
//
// The loaded model is converted to standard form on every solve: finite
// lower bounds are shifted out, free variables are split, finite upper
// bounds and both row sides become <= rows, and slack columns turn the
// system into equalities. Warm starts are accepted but ignored.
package simplexlp

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	ciplp "github.com/go-opt/cip/lp"
	"github.com/go-opt/cip/problem"
)

// Service is a gonum-backed LP service. The zero value is not usable; call
// New.
type Service struct {
	obj, lb, ub []float64
	rows        []ciplp.Row
}

// New creates an empty service.
func New() *Service { return &Service{} }

var _ ciplp.Service = (*Service)(nil)

func (s *Service) LoadCols(obj, lb, ub []float64) error {
	if len(obj) != len(lb) || len(obj) != len(ub) {
		return fmt.Errorf("simplexlp: column slice length mismatch (%d/%d/%d)", len(obj), len(lb), len(ub))
	}
	s.obj = append(s.obj[:0], obj...)
	s.lb = append(s.lb[:0], lb...)
	s.ub = append(s.ub[:0], ub...)
	s.rows = s.rows[:0]
	return nil
}

func (s *Service) AddRows(rows []ciplp.Row) error {
	for _, r := range rows {
		if len(r.Cols) != len(r.Vals) {
			return fmt.Errorf("simplexlp: row %q cols/vals length mismatch", r.Name)
		}
		nr := r
		nr.Cols = append([]int(nil), r.Cols...)
		nr.Vals = append([]float64(nil), r.Vals...)
		s.rows = append(s.rows, nr)
	}
	return nil
}

func (s *Service) DeleteRows(from, to int) error {
	if from < 0 || to > len(s.rows) || from > to {
		return fmt.Errorf("simplexlp: row range [%d,%d) out of bounds", from, to)
	}
	s.rows = append(s.rows[:from], s.rows[to:]...)
	return nil
}

func (s *Service) ChangeBounds(col int, lb, ub float64) error {
	if col < 0 || col >= len(s.lb) {
		return fmt.Errorf("simplexlp: column %d out of bounds", col)
	}
	s.lb[col], s.ub[col] = lb, ub
	return nil
}

func (s *Service) DualRay() ([]float64, bool) {
	// gonum's simplex does not expose an infeasibility certificate.
	return nil, false
}

func (s *Service) Solve(_ context.Context, _ bool) (ciplp.Result, error) {
	return s.solve()
}

// StrongBranch solves a copy of the model with one column's bounds changed.
func (s *Service) StrongBranch(_ context.Context, col int, lb, ub float64, _ int) (float64, ciplp.Status, error) {
	if col < 0 || col >= len(s.lb) {
		return 0, ciplp.Error, fmt.Errorf("simplexlp: column %d out of bounds", col)
	}
	saveLb, saveUb := s.lb[col], s.ub[col]
	s.lb[col], s.ub[col] = lb, ub
	res, err := s.solve()
	s.lb[col], s.ub[col] = saveLb, saveUb
	if err != nil {
		return 0, ciplp.Error, err
	}
	return res.Obj, res.Status, nil
}

// standardForm is the shifted, split, slacked model handed to the simplex.
type standardForm struct {
	c     []float64
	a     *mat.Dense
	b     []float64
	nCols int // structural columns before slacks
	// per original column: structural column of the positive part,
	// column of the negative part (-1 if the variable is not free),
	// and the lower-bound shift.
	posCol, negCol []int
	shift          []float64
	objShift       float64
}

func (s *Service) build() (*standardForm, error) {
	n := len(s.obj)
	sf := &standardForm{posCol: make([]int, n), negCol: make([]int, n), shift: make([]float64, n)}

	for i := 0; i < n; i++ {
		if s.lb[i] > s.ub[i]+1e-12 {
			return nil, lp.ErrInfeasible
		}
		sf.posCol[i] = sf.nCols
		sf.nCols++
		if s.lb[i] > -problem.Infinity {
			sf.shift[i] = s.lb[i]
			sf.negCol[i] = -1
		} else {
			// free below: x = y+ - y-
			sf.negCol[i] = sf.nCols
			sf.nCols++
		}
	}

	// collect <= rows over structural columns
	type leRow struct {
		coef []float64
		rhs  float64
	}
	var les []leRow

	addLe := func(cols []int, vals []float64, rhs float64) {
		coef := make([]float64, sf.nCols)
		for k, c := range cols {
			coef[sf.posCol[c]] += vals[k]
			if sf.negCol[c] >= 0 {
				coef[sf.negCol[c]] -= vals[k]
			}
			rhs -= vals[k] * sf.shift[c]
		}
		les = append(les, leRow{coef: coef, rhs: rhs})
	}

	// finite lower bounds are encoded by the shift; upper bounds need rows
	one := []float64{1}
	for i := 0; i < n; i++ {
		if s.ub[i] < problem.Infinity {
			addLe([]int{i}, one, s.ub[i])
		}
	}
	for _, r := range s.rows {
		if r.Rhs < problem.Infinity {
			addLe(r.Cols, r.Vals, r.Rhs)
		}
		if r.Lhs > -problem.Infinity {
			neg := make([]float64, len(r.Vals))
			for i, v := range r.Vals {
				neg[i] = -v
			}
			addLe(r.Cols, neg, -r.Lhs)
		}
	}

	// objective over structural columns, constant part remembered
	sf.c = make([]float64, sf.nCols+len(les))
	for i := 0; i < n; i++ {
		sf.c[sf.posCol[i]] = s.obj[i]
		if sf.negCol[i] >= 0 {
			sf.c[sf.negCol[i]] = -s.obj[i]
		}
		sf.objShift += s.obj[i] * sf.shift[i]
	}

	// equalities with slack columns
	m := len(les)
	if m == 0 {
		return sf, nil
	}
	sf.a = mat.NewDense(m, sf.nCols+m, nil)
	sf.b = make([]float64, m)
	for i, row := range les {
		for j, v := range row.coef {
			sf.a.Set(i, j, v)
		}
		sf.a.Set(i, sf.nCols+i, 1)
		sf.b[i] = row.rhs
	}
	return sf, nil
}

func (s *Service) solve() (ciplp.Result, error) {
	sf, err := s.build()
	if errors.Is(err, lp.ErrInfeasible) {
		return ciplp.Result{Status: ciplp.Infeasible}, nil
	}
	if err != nil {
		return ciplp.Result{Status: ciplp.Error}, err
	}

	if sf.a == nil {
		// no rows: optimum sits on the bounds
		return s.solveBoundsOnly(sf)
	}

	_, x, err := lp.Simplex(sf.c, sf.a, sf.b, 0, nil)
	switch {
	case errors.Is(err, lp.ErrInfeasible):
		return ciplp.Result{Status: ciplp.Infeasible}, nil
	case errors.Is(err, lp.ErrUnbounded):
		return ciplp.Result{Status: ciplp.Unbounded}, nil
	case err != nil:
		return ciplp.Result{Status: ciplp.Error}, nil
	}

	primal := make([]float64, len(s.obj))
	obj := sf.objShift
	for i := range primal {
		v := sf.shift[i] + x[sf.posCol[i]]
		if sf.negCol[i] >= 0 {
			v -= x[sf.negCol[i]]
		}
		primal[i] = v
		obj += s.obj[i] * (v - sf.shift[i])
	}
	return ciplp.Result{Status: ciplp.Optimal, Obj: obj, Primal: primal}, nil
}

func (s *Service) solveBoundsOnly(sf *standardForm) (ciplp.Result, error) {
	primal := make([]float64, len(s.obj))
	obj := 0.0
	for i, c := range s.obj {
		switch {
		case c > 0:
			if s.lb[i] <= -problem.Infinity {
				return ciplp.Result{Status: ciplp.Unbounded}, nil
			}
			primal[i] = s.lb[i]
		case c < 0:
			if s.ub[i] >= problem.Infinity {
				return ciplp.Result{Status: ciplp.Unbounded}, nil
			}
			primal[i] = s.ub[i]
		default:
			primal[i] = math.Max(math.Min(0, s.ub[i]), s.lb[i])
		}
		obj += c * primal[i]
	}
	return ciplp.Result{Status: ciplp.Optimal, Obj: obj, Primal: primal}, nil
}
