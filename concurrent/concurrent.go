// Package concurrent runs several solver instances on clones of one
// problem, exchanging incumbents and bounds at synchronization points.
// The first instance to finish wins and stops the others; diversification
// comes from varying the node selection policy per instance.
package concurrent

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/go-opt/cip/logger"
	"github.com/go-opt/cip/lp"
	"github.com/go-opt/cip/primal"
	"github.com/go-opt/cip/problem"
	"github.com/go-opt/cip/solver"
)

// Result is the combined outcome of a concurrent solve.
type Result struct {
	Status solver.Status
	// Best is the winning incumbent with its objective in the original
	// sense, or nil.
	Best *primal.Solution
	// Winner is the index of the instance that finished first, -1 when
	// none reached a final status.
	Winner int
	Stats  []solver.Stats
}

// board is the shared exchange: a monotone primal bound with its solution
// and a stop flag. Snapshots are immutable; instances clone on read.
type board struct {
	mu     sync.Mutex
	primal float64
	best   *primal.Solution
	stop   bool
}

func newBoard() *board {
	return &board{primal: problem.Infinity}
}

// exchange implements the solver sync hook: push the instance snapshot,
// pull the global one.
func (b *board) exchange(push solver.SyncInfo) solver.SyncInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	if push.Best != nil && push.PrimalBound < b.primal {
		b.primal = push.PrimalBound
		b.best = push.Best.Clone()
	}
	best := b.best
	if best != nil {
		best = best.Clone()
	}
	return solver.SyncInfo{PrimalBound: b.primal, Best: best, Stop: b.stop}
}

func (b *board) requestStop() {
	b.mu.Lock()
	b.stop = true
	b.mu.Unlock()
}

// Solve runs n instances of prob concurrently. newService must return a
// fresh LP service per call; services are never shared. The per-instance
// options are the caller's opts plus an alternating node selection policy.
func Solve(ctx context.Context, prob *problem.Problem, newService func() lp.Service, n int, opts ...solver.Option) (*Result, error) {
	if n < 1 {
		return nil, fmt.Errorf("concurrent: need at least one instance, got %d", n)
	}
	log := logger.Logger().With().Str("problem", prob.Name()).Int("instances", n).Logger()

	solvers := make([]*solver.Solver, n)
	b := newBoard()
	for i := 0; i < n; i++ {
		clone := prob.Clone()
		sel := solver.BestBound()
		if i%2 == 1 {
			sel = solver.DepthFirst()
		}
		instOpts := append(append([]solver.Option(nil), opts...), solver.WithNodeSelection(sel))
		s, err := solver.New(clone, newService(), instOpts...)
		if err != nil {
			return nil, err
		}
		s.SetSyncHook(b.exchange)
		solvers[i] = s
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		winMu  sync.Mutex
		winner = -1
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range solvers {
		i, s := i, s
		g.Go(func() error {
			if err := s.Solve(gctx); err != nil {
				return fmt.Errorf("instance %d: %w", i, err)
			}
			if s.Stage() == solver.StageSolved {
				winMu.Lock()
				if winner < 0 {
					winner = i
				}
				winMu.Unlock()
				b.requestStop()
				cancel()
			}
			return nil
		})
	}
	err := g.Wait()
	if err != nil && winner < 0 {
		return nil, err
	}

	res := &Result{Winner: winner, Status: solver.StatusUnknown, Stats: make([]solver.Stats, n)}
	for i, s := range solvers {
		res.Stats[i] = s.Stats()
	}
	if winner >= 0 {
		w := solvers[winner]
		res.Status = w.SolveStatus()
		res.Best = w.BestSolution()
		log.Info().Int("winner", winner).Str("status", res.Status.String()).Msg("concurrent solve finished")
		return res, nil
	}
	// no instance finished (all limits); report the best incumbent found
	for _, s := range solvers {
		if sol := s.BestSolution(); sol != nil {
			if res.Best == nil || betterObj(prob, sol.Obj, res.Best.Obj) {
				res.Best = sol
				res.Status = s.SolveStatus()
			}
		}
	}
	if res.Status == solver.StatusUnknown && n > 0 {
		res.Status = solvers[0].SolveStatus()
	}
	log.Info().Str("status", res.Status.String()).Msg("concurrent solve stopped at limits")
	return res, nil
}

// betterObj compares external objective values in the problem's sense.
func betterObj(p *problem.Problem, a, b float64) bool {
	if p.ObjSense() == problem.Maximize {
		return a > b
	}
	return a < b
}
