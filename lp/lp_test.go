package lp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-opt/cip/problem"
)

// stubService records calls so the tests can observe the lazy sync
// behavior of the relaxation adapter.
type stubService struct {
	loads      int
	boundCalls int
	addedRows  int
	solves     int
	solveErr   error
	result     Result
}

func (s *stubService) LoadCols(obj, lb, ub []float64) error { s.loads++; return nil }
func (s *stubService) AddRows(rows []Row) error             { s.addedRows += len(rows); return nil }
func (s *stubService) DeleteRows(from, to int) error        { return nil }
func (s *stubService) ChangeBounds(col int, lb, ub float64) error {
	s.boundCalls++
	return nil
}
func (s *stubService) Solve(context.Context, bool) (Result, error) {
	s.solves++
	if s.solveErr != nil {
		return Result{Status: Error}, s.solveErr
	}
	return s.result, nil
}
func (s *stubService) DualRay() ([]float64, bool) { return nil, false }
func (s *stubService) StrongBranch(context.Context, int, float64, float64, int) (float64, Status, error) {
	return 0, Unsolved, nil
}

func testProb() *problem.Problem {
	p := problem.New("lp")
	x := p.AddVar("x", problem.Integer, 0, 10, 1)
	y := p.AddVar("y", problem.Integer, 0, 10, 1)
	p.AddConstraint(problem.NewLinear("row", []problem.Term{{Var: x, Coef: 1}, {Var: y, Coef: 1}}, 2, 8))
	return p.Transform()
}

func TestRelaxationLazySync(t *testing.T) {
	assert := require.New(t)

	svc := &stubService{result: Result{Status: Optimal, Obj: 2, Primal: []float64{1, 1}}}
	r := NewRelaxation(svc, testProb(), 3)

	_, err := r.Solve(context.Background(), false)
	assert.NoError(err)
	assert.Equal(1, svc.loads)
	assert.Equal(1, svc.addedRows)
	assert.Equal(Optimal, r.Status())

	// nothing changed: the second solve must not reload
	_, err = r.Solve(context.Background(), true)
	assert.NoError(err)
	assert.Equal(1, svc.loads)
	assert.Equal(2, svc.solves)

	// a dirty bound flows through ChangeBounds, not a reload
	r.MarkBoundDirty(0)
	assert.Equal(Unsolved, r.Status())
	_, err = r.Solve(context.Background(), true)
	assert.NoError(err)
	assert.Equal(1, svc.loads)
	assert.Equal(1, svc.boundCalls)

	// MarkAllDirty forces a full reload
	r.MarkAllDirty()
	_, err = r.Solve(context.Background(), true)
	assert.NoError(err)
	assert.Equal(2, svc.loads)
}

func TestRelaxationCutFlush(t *testing.T) {
	assert := require.New(t)

	svc := &stubService{result: Result{Status: Optimal}}
	r := NewRelaxation(svc, testProb(), 3)
	_, err := r.Solve(context.Background(), false)
	assert.NoError(err)
	rowsBefore := svc.addedRows

	r.AddCut(Row{Name: "cut", Cols: []int{0}, Vals: []float64{1}, Lhs: -problem.Infinity, Rhs: 4})
	r.AddCut(Row{Name: "cut2", Cols: []int{1}, Vals: []float64{1}, Lhs: -problem.Infinity, Rhs: 4})
	assert.Equal(2, r.NCuts())

	_, err = r.Solve(context.Background(), true)
	assert.NoError(err)
	assert.Equal(rowsBefore+2, svc.addedRows)
	assert.Len(r.Rows(), 3) // constraint row plus two cuts

	assert.NoError(r.ClearCuts())
	assert.Zero(r.NCuts())
	assert.Len(r.Rows(), 1)
}

func TestRelaxationFailureBudget(t *testing.T) {
	assert := require.New(t)

	svc := &stubService{solveErr: errors.New("singular basis")}
	r := NewRelaxation(svc, testProb(), 2)

	for i := 0; i < 2; i++ {
		_, err := r.Solve(context.Background(), false)
		assert.ErrorIs(err, ErrNumerical)
	}
	// budget exhausted: the failure escalates to a hard error
	_, err := r.Solve(context.Background(), false)
	assert.Error(err)
	assert.NotErrorIs(err, ErrNumerical)
	assert.Equal(3, r.NFailures())
}

func TestConsRow(t *testing.T) {
	assert := require.New(t)

	c := problem.NewLinear("row", []problem.Term{{Var: 2, Coef: 1.5}, {Var: 0, Coef: -1}}, 1, 4)
	row := ConsRow(c)
	assert.Equal("row", row.Name)
	assert.Equal([]int{2, 0}, row.Cols)
	assert.Equal([]float64{1.5, -1}, row.Vals)
	assert.Equal(1.0, row.Lhs)
	assert.Equal(4.0, row.Rhs)
}
