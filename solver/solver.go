// Package solver implements the solve driver of the engine: the stage
// state machine that takes a problem from its original form through
// transformation, iterative presolving and branch-and-bound search to a
// certified bound, coordinating plug-ins against the shared model.
//
// A Solver is the explicit context threaded through every operation. The
// tree manager, primal store and conflict analyzer are separately owned
// fields with narrow interfaces; plug-ins never see the whole solver.
// One instance is strictly single-threaded and cooperative: callbacks run
// to completion, and limits/interrupts are polled after each node and
// after each presolving round.
package solver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-opt/cip/conflict"
	"github.com/go-opt/cip/logger"
	"github.com/go-opt/cip/lp"
	"github.com/go-opt/cip/plugin"
	"github.com/go-opt/cip/primal"
	"github.com/go-opt/cip/problem"
	"github.com/go-opt/cip/tree"
)

// SyncInfo is the immutable snapshot exchanged between concurrently
// running instances. Objective values are internal (minimization).
type SyncInfo struct {
	PrimalBound float64
	DualBound   float64
	Best        *primal.Solution
	Stop        bool
}

// SyncHook is called at synchronization points: the instance pushes its
// snapshot and applies whatever the hook returns as external updates.
type SyncHook func(push SyncInfo) SyncInfo

// Solver drives one problem instance through the solving stages.
type Solver struct {
	cfg Config
	log zerolog.Logger

	stage  Stage
	status Status

	orig  *problem.Problem
	trans *problem.Problem

	lpSvc lp.Service
	relax *lp.Relaxation

	tree    *tree.Tree
	store   *primal.Store
	analyze *conflict.Analyzer

	presolvers []plugin.Presolver
	props      []plugin.Propagator
	conshdlrs  []plugin.ConshdlrPresolver
	sepas      []plugin.Separator
	branchers  []plugin.Brancher
	heurs      []plugin.Heuristic

	events      []conflict.Event
	learned     []*problem.Constraint
	reopt       *reoptState
	interrupted atomic.Bool
	syncHook    SyncHook

	dualBound    float64 // internal, global
	deadline     time.Time
	nFixedAtInit int
	focusFresh   bool // the focus node has not been processed yet

	stats     Stats
	plugStats map[string]*PluginStat
}

// notePlugin accounts one plug-in invocation started at t0.
func (s *Solver) notePlugin(name string, t0 time.Time) {
	ps := s.plugStats[name]
	if ps == nil {
		ps = &PluginStat{}
		s.plugStats[name] = ps
	}
	ps.Calls++
	ps.Time += time.Since(t0)
}

// PluginStats returns a copy of the per-plug-in call statistics.
func (s *Solver) PluginStats() map[string]PluginStat {
	out := make(map[string]PluginStat, len(s.plugStats))
	for name, ps := range s.plugStats {
		out[name] = *ps
	}
	return out
}

// reoptState is the private carry-over for reoptimization.
type reoptState struct {
	bounds  []problem.BoundsEntry
	learned []*problem.Constraint
}

// New creates a solver for prob using svc as the LP relaxation service.
// The built-in linear propagator, most-fractional brancher and rounding
// heuristic are pre-registered; callers may add their own plug-ins before
// solving.
func New(prob *problem.Problem, svc lp.Service, opts ...Option) (*Solver, error) {
	if prob == nil {
		return nil, fmt.Errorf("%w: no problem", ErrSetup)
	}
	if prob.Transformed() {
		return nil, fmt.Errorf("%w: New requires an original problem", ErrSetup)
	}
	if svc == nil {
		return nil, fmt.Errorf("%w: no LP relaxation service", ErrSetup)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSetup, err)
		}
	}
	s := &Solver{
		cfg:       cfg,
		log:       logger.Logger().With().Str("problem", prob.Name()).Logger(),
		stage:     StageProblem,
		status:    StatusUnknown,
		orig:      prob,
		lpSvc:     svc,
		dualBound: -problem.Infinity,
	}
	s.plugStats = make(map[string]*PluginStat)
	lin := &linearRows{}
	s.props = append(s.props, lin, cliqueFixing{})
	s.branchers = append(s.branchers, mostFractional{})
	s.heurs = append(s.heurs, lockRounding{})
	return s, nil
}

var regStages = stages(StageProblem, StageTransformed)

// AddPresolver registers a presolver plug-in.
func (s *Solver) AddPresolver(p plugin.Presolver) error {
	if err := s.checkStage("AddPresolver", regStages); err != nil {
		return err
	}
	s.presolvers = append(s.presolvers, p)
	return nil
}

// AddPropagator registers a propagator plug-in.
func (s *Solver) AddPropagator(p plugin.Propagator) error {
	if err := s.checkStage("AddPropagator", regStages); err != nil {
		return err
	}
	s.props = append(s.props, p)
	return nil
}

// AddConshdlrPresolver registers a constraint-handler presolve callback.
func (s *Solver) AddConshdlrPresolver(p plugin.ConshdlrPresolver) error {
	if err := s.checkStage("AddConshdlrPresolver", regStages); err != nil {
		return err
	}
	s.conshdlrs = append(s.conshdlrs, p)
	return nil
}

// AddSeparator registers a separator plug-in.
func (s *Solver) AddSeparator(p plugin.Separator) error {
	if err := s.checkStage("AddSeparator", regStages); err != nil {
		return err
	}
	s.sepas = append(s.sepas, p)
	return nil
}

// AddBrancher registers a branching rule.
func (s *Solver) AddBrancher(b plugin.Brancher) error {
	if err := s.checkStage("AddBrancher", regStages); err != nil {
		return err
	}
	s.branchers = append(s.branchers, b)
	return nil
}

// AddHeuristic registers a primal heuristic.
func (s *Solver) AddHeuristic(h plugin.Heuristic) error {
	if err := s.checkStage("AddHeuristic", regStages); err != nil {
		return err
	}
	s.heurs = append(s.heurs, h)
	return nil
}

// SetSyncHook installs the concurrent-solving synchronization hook.
func (s *Solver) SetSyncHook(h SyncHook) { s.syncHook = h }

// Interrupt requests a clean early exit at the next polling point. It is
// the only solver method safe to call from another goroutine.
func (s *Solver) Interrupt() { s.interrupted.Store(true) }

// Stage returns the current life-cycle stage.
func (s *Solver) Stage() Stage { return s.stage }

// SolveStatus returns the current outcome status.
func (s *Solver) SolveStatus() Status { return s.status }

// Stats returns a copy of the cumulative statistics.
func (s *Solver) Stats() Stats { return s.stats }

// Transform derives the transformed problem copy.
func (s *Solver) Transform() error {
	if err := s.checkStage("Transform", stages(StageProblem)); err != nil {
		return err
	}
	s.setStage(StageTransforming)
	s.trans = s.orig.Transform()
	s.store = primal.NewStore(s.trans.ObjIntegral(), s.cfg.FeasTol, s.cfg.MaxSolutions)
	s.analyze = conflict.New(s.cfg.ConflictMinScore, s.cfg.ConflictMaxSize)
	if s.reopt != nil {
		s.reinstallReopt()
	}
	s.setStage(StageTransformed)
	s.log.Info().Int("vars", s.trans.NVars()).Int("conss", s.trans.NConss()).Msg("problem transformed")
	return nil
}

// reinstallReopt pushes the saved global bounds and carried-over learned
// constraints into the fresh transformed problem.
func (s *Solver) reinstallReopt() {
	n, infeasible := s.trans.InstallGlobalBounds(s.reopt.bounds, s.cfg.FeasTol)
	if infeasible {
		// the related instance contradicts the carried bounds; they are
		// stale and must be dropped
		s.log.Warn().Msg("reoptimization bounds incompatible, dropped")
		s.reopt = nil
		return
	}
	for _, c := range s.reopt.learned {
		terms := append([]problem.Term(nil), c.Terms()...)
		lc := problem.NewLearned(c.Name(), terms, c.Lhs(), c.Rhs())
		s.trans.AddConstraint(lc)
		s.learned = append(s.learned, lc)
	}
	s.log.Info().Int("bounds", n).Int("conss", len(s.reopt.learned)).Msg("reoptimization state reinstalled")
}

// FreeSolve discards the search tree and LP state, lowering the stage back
// to Presolved. Found solutions are kept.
func (s *Solver) FreeSolve() error {
	if err := s.checkStage("FreeSolve", stages(StageSolving, StageSolved)); err != nil {
		return err
	}
	s.setStage(StageExitSolve)
	s.freeSearch(false)
	s.setStage(StagePresolved)
	return nil
}

// freeSearch drops tree/LP/conflict-trail state, keeping problem, primal
// store and learned constraint records. With keepLP the loaded relaxation
// survives for the next search over the same transformed problem: cuts are
// dropped (learned rows reload as constraints) and a full resync is forced.
func (s *Solver) freeSearch(keepLP bool) {
	if s.tree != nil {
		s.tree.Clear()
	}
	s.tree = nil
	if s.relax != nil {
		if keepLP && s.relax.ClearCuts() == nil {
			s.relax.MarkAllDirty()
		} else {
			s.relax.Invalidate()
			s.relax = nil
		}
	}
	s.events = s.events[:0]
	if s.trans != nil {
		s.trans.ResetBounds()
	}
}

// FreeTransform discards the transformed problem, lowering the stage to
// Problem. With reoptimization enabled the global bounds and active
// learned constraints are saved (and compressed) first.
func (s *Solver) FreeTransform() error {
	if err := s.checkStage("FreeTransform",
		stages(StageTransformed, StagePresolved, StageSolving, StageSolved)); err != nil {
		return err
	}
	if s.stage == StageSolving || s.stage == StageSolved {
		s.setStage(StageExitSolve)
		s.freeSearch(false)
		s.setStage(StagePresolved)
	}
	s.setStage(StageFreeTrans)
	if s.cfg.Reoptimization && s.trans != nil {
		s.saveReopt()
	}
	s.trans = nil
	s.learned = nil
	s.status = StatusUnknown
	s.dualBound = -problem.Infinity
	s.setStage(StageProblem)
	return nil
}

// saveReopt snapshots global bounds and compresses the learned constraint
// set down to the configured carry-over size, shortest first.
func (s *Solver) saveReopt() {
	st := &reoptState{bounds: s.trans.GlobalBounds()}
	live := make([]*problem.Constraint, 0, len(s.learned))
	for _, c := range s.learned {
		if !c.Deleted() {
			live = append(live, c)
		}
	}
	// tree compression: prefer short clauses, they prune more
	for len(live) > s.cfg.ReoptMaxConss {
		longest := 0
		for i, c := range live {
			if len(c.Terms()) > len(live[longest].Terms()) {
				longest = i
			}
		}
		live = append(live[:longest], live[longest+1:]...)
	}
	st.learned = live
	s.reopt = st
	s.log.Info().Int("conss", len(live)).Msg("reoptimization state saved")
}

// DualBound returns the proven bound on the optimal objective in the
// original objective sense.
func (s *Solver) DualBound() float64 {
	if s.trans == nil {
		return -problem.Infinity
	}
	db := s.dualBound
	if s.tree != nil {
		if lb := s.tree.Lowerbound(); lb > db && s.tree.NOpen() > 0 {
			db = lb
		}
	}
	if s.status == StatusOptimal {
		db = s.store.PrimalBound()
	}
	return s.trans.ExternalObj(db)
}

// PrimalBound returns the objective of the best known solution in the
// original objective sense.
func (s *Solver) PrimalBound() float64 {
	if s.store == nil || s.store.Best() == nil {
		if s.orig.ObjSense() == problem.Maximize {
			return -problem.Infinity
		}
		return problem.Infinity
	}
	return s.trans.ExternalObj(s.store.PrimalBound())
}

// Gap returns |primal-dual| / max(|dual|,1), or +Infinity without a
// feasible solution.
func (s *Solver) Gap() float64 {
	if s.store == nil || s.store.Best() == nil {
		return problem.Infinity
	}
	p, d := s.PrimalBound(), s.DualBound()
	diff := p - d
	if diff < 0 {
		diff = -diff
	}
	den := d
	if den < 0 {
		den = -den
	}
	if den < 1 {
		den = 1
	}
	return diff / den
}

// BestSolution returns the incumbent with its objective in the original
// sense, or nil.
func (s *Solver) BestSolution() *primal.Solution {
	if s.store == nil {
		return nil
	}
	best := s.store.Best()
	if best == nil {
		return nil
	}
	out := best.Clone()
	out.Obj = s.trans.ExternalObj(best.Obj)
	return out
}

// NSolutions returns the number of stored solutions.
func (s *Solver) NSolutions() int {
	if s.store == nil {
		return 0
	}
	return s.store.Len()
}

// LPStatus returns the status of the focus node's relaxation.
func (s *Solver) LPStatus() lp.Status {
	if s.relax == nil {
		return lp.Unsolved
	}
	return s.relax.Status()
}

// FocusDepth returns the depth of the focus node, or -1 outside solving.
func (s *Solver) FocusDepth() int32 {
	if s.tree == nil {
		return -1
	}
	n := s.tree.Node(s.tree.Focus())
	if n == nil {
		return -1
	}
	return n.Depth()
}

// limitHit polls limits and interrupts; the only suspension points of the
// cooperative loop.
func (s *Solver) limitHit(ctx context.Context) (Status, bool) {
	select {
	case <-ctx.Done():
		return StatusInterrupted, true
	default:
	}
	if s.interrupted.Load() {
		s.interrupted.Store(false)
		return StatusInterrupted, true
	}
	if s.cfg.NodeLimit >= 0 && s.stats.NNodes >= s.cfg.NodeLimit {
		return StatusNodeLimit, true
	}
	if !s.deadline.IsZero() && time.Now().After(s.deadline) {
		return StatusTimeLimit, true
	}
	return StatusUnknown, false
}
