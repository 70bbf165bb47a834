package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-opt/cip/conflict"
	"github.com/go-opt/cip/lp"
	"github.com/go-opt/cip/plugin"
	"github.com/go-opt/cip/primal"
	"github.com/go-opt/cip/problem"
	"github.com/go-opt/cip/tree"
)

// nodeAction is the outcome of processing one focus node.
type nodeAction uint8

const (
	nodeCutoff nodeAction = iota
	nodeBranched
	nodeSolution
	nodeUnbounded
	nodeExhausted // a global domain emptied, no open node can be feasible
)

// Solve runs the complete pipeline: transformation and presolving are
// raised automatically from lower stages, then the branch-and-bound loop
// runs until exhaustion, a limit, or a restart sends the instance back to
// presolving. On a clean limit exit the stage stays Solving so a later
// Solve call resumes.
func (s *Solver) Solve(ctx context.Context) error {
	if err := s.checkStage("Solve", stages(
		StageProblem, StageTransformed, StagePresolving, StagePresolved, StageSolving)); err != nil {
		return err
	}
	if s.cfg.TimeLimit > 0 {
		s.deadline = time.Now().Add(s.cfg.TimeLimit)
	} else {
		s.deadline = time.Time{}
	}

	for {
		if s.stage == StageProblem || s.stage == StageTransformed || s.stage == StagePresolving {
			if err := s.Presolve(ctx); err != nil {
				return err
			}
			if s.stage == StageSolved {
				return nil
			}
			if s.stage == StagePresolving {
				// limit hit inside presolving; resumable
				return nil
			}
		}
		if s.stage == StagePresolved {
			if err := s.initSolve(); err != nil {
				return err
			}
		}

		start := time.Now()
		ls, err := s.solveLoop(ctx)
		s.stats.SolvingTime += time.Since(start)
		if err != nil {
			return err
		}

		switch ls {
		case loopRestart:
			s.stats.NRestarts++
			s.log.Info().Int("restart", s.stats.NRestarts).Msg("restarting search")
			s.setStage(StageExitSolve)
			s.freeSearch(true)
			// same transformed problem, so stored solutions stay valid
			s.setStage(StageTransformed)
			continue
		case loopExhausted:
			if s.store.Best() != nil {
				s.status = StatusOptimal
				s.dualBound = s.store.PrimalBound()
			} else {
				s.status = StatusInfeasible
			}
			s.setStage(StageSolved)
			s.logOutcome()
			return nil
		case loopUnbounded:
			s.status = StatusUnbounded
			s.setStage(StageSolved)
			s.logOutcome()
			return nil
		default: // loopLimit, status already set; stage stays Solving
			s.log.Info().Str("status", s.status.String()).Msg("solving stopped at limit")
			return nil
		}
	}
}

func (s *Solver) logOutcome() {
	ev := s.log.Info().Str("status", s.status.String()).Int64("nodes", s.stats.NNodes)
	if s.store.Best() != nil {
		ev = ev.Float64("obj", s.trans.ExternalObj(s.store.PrimalBound()))
	}
	ev.Msg("solving finished")
}

// initSolve sets up tree, relaxation and conflict trail for the search.
func (s *Solver) initSolve() error {
	if err := s.checkStage("initSolve", stages(StagePresolved)); err != nil {
		return err
	}
	if s.cfg.NodeSel == nil {
		return fmt.Errorf("%w: no node selector configured", ErrSetup)
	}
	if len(s.branchers) == 0 {
		return fmt.Errorf("%w: no branching rule registered", ErrSetup)
	}
	s.setStage(StageInitSolve)
	plugin.SortByPriority(s.props)
	plugin.SortByPriority(s.sepas)
	plugin.SortByPriority(s.branchers)
	plugin.SortByPriority(s.heurs)
	s.tree = tree.New(s.cfg.NodeSel.Better)
	s.tree.CreateRoot(-problem.Infinity)
	if s.relax == nil {
		s.relax = lp.NewRelaxation(s.lpSvc, s.trans, s.cfg.LPFailureBudget)
	}
	s.events = s.events[:0]
	s.nFixedAtInit = s.countGloballyFixed()
	s.focusFresh = true
	s.setStage(StageSolving)
	return nil
}

func (s *Solver) countGloballyFixed() int {
	n := 0
	for _, v := range s.trans.Vars() {
		if v.Active() && v.GlobalUb()-v.GlobalLb() <= s.cfg.FeasTol {
			n++
		}
	}
	return n
}

// cutoffBound is the node pruning threshold derived from the incumbent.
func (s *Solver) cutoffBound() float64 {
	if s.store.Best() == nil {
		return problem.Infinity
	}
	return s.store.CutoffBound()
}

// solveLoop is the branch-and-bound main loop. Limits are polled once per
// node; synchronization with concurrent instances happens every
// SyncInterval nodes.
func (s *Solver) solveLoop(ctx context.Context) (loopStatus, error) {
	for {
		if st, hit := s.limitHit(ctx); hit {
			s.status = st
			return loopLimit, nil
		}
		s.syncPoint()
		if s.store.Best() != nil {
			s.tree.PruneAbove(s.cutoffBound())
		}

		if s.focusFresh {
			s.focusFresh = false
		} else {
			next, undo, apply, ok := s.tree.SelectNext()
			if !ok {
				return loopExhausted, nil
			}
			s.switchFocus(next, undo, apply)
		}
		focus := s.tree.Node(s.tree.Focus())
		if focus == nil {
			return loopExhausted, nil
		}
		s.stats.NNodes++

		// dominated focus: its bound cannot beat the incumbent
		if focus.Lower() >= s.cutoffBound() {
			s.tree.CutoffFocus()
			continue
		}

		action, err := s.processNode(ctx)
		if err != nil {
			return loopExhausted, err
		}
		switch action {
		case nodeUnbounded:
			return loopUnbounded, nil
		case nodeExhausted:
			return loopExhausted, nil
		case nodeBranched, nodeCutoff, nodeSolution:
			// fall through to selection
		}

		if s.restartWanted() {
			return loopRestart, nil
		}
	}
}

// switchFocus replays the path bound changes on the transformed problem
// and keeps the conflict trail aligned with the new path.
func (s *Solver) switchFocus(next tree.NodeID, undo, apply [][]problem.BoundChange) {
	for _, chgs := range undo {
		problem.Undo(s.trans, chgs)
		s.markDirty(chgs)
	}
	newDepth := s.tree.Node(next).Depth()
	commonDepth := newDepth - int32(len(apply))
	s.truncateEvents(commonDepth)
	depth := commonDepth
	for _, chgs := range apply {
		depth++
		problem.Apply(s.trans, chgs)
		s.markDirty(chgs)
		// replayed deductions count as decisions on this path; the
		// resolution then stops at them, which is sound
		for _, bc := range chgs {
			s.events = append(s.events, conflict.Event{
				Change: bc, Depth: depth, Reason: conflict.ReasonBranching,
			})
		}
	}
}

func (s *Solver) markDirty(chgs []problem.BoundChange) {
	for _, bc := range chgs {
		s.relax.MarkBoundDirty(bc.Var)
	}
}

// truncateEvents drops trail entries below the common ancestor.
func (s *Solver) truncateEvents(depth int32) {
	for len(s.events) > 0 && s.events[len(s.events)-1].Depth > depth {
		s.events = s.events[:len(s.events)-1]
	}
}

// processNode runs propagation, LP solving, separation, heuristics and
// branching on the focus node.
func (s *Solver) processNode(ctx context.Context) (nodeAction, error) {
	focus := s.tree.Node(s.tree.Focus())
	depth := focus.Depth()
	reprop := s.tree.NeedsRepropagation(s.tree.Focus())

	var lpRes lp.Result
	for round := 0; round < s.cfg.MaxSepaRounds; round++ {
		res, err := s.propagateFocus(ctx, depth)
		if err != nil {
			return nodeCutoff, err
		}
		// nodes marked for repropagation were last propagated under looser
		// global bounds; drive them to a local fixed point first
		for reprop && res == plugin.FoundReduction {
			res, err = s.propagateFocus(ctx, depth)
			if err != nil {
				return nodeCutoff, err
			}
		}
		reprop = false
		if res == plugin.Cutoff {
			s.learnConflict("propagation", depth)
			s.tree.CutoffFocus()
			return nodeCutoff, nil
		}

		lpRes, err = s.relax.Solve(ctx, round > 0)
		if err != nil {
			if errors.Is(err, lp.ErrNumerical) {
				s.stats.NLPFailures++
				return s.branchPseudo(ctx)
			}
			return nodeCutoff, fmt.Errorf("%w: %s", ErrNumerical, err)
		}
		s.stats.NLPSolves++

		switch lpRes.Status {
		case lp.Infeasible:
			emptied := s.applyDualRay()
			s.learnConflict("lp", depth)
			s.tree.CutoffFocus()
			if emptied {
				return nodeExhausted, nil
			}
			return nodeCutoff, nil
		case lp.Unbounded:
			// an unbounded relaxation ray is valid globally
			return nodeUnbounded, nil
		case lp.IterLimit, lp.TimeLimit:
			// partial solve; the incumbent bound still prunes, branch on
			// whatever primal point came back
		case lp.Optimal:
			s.tree.SetFocusLower(lpRes.Obj)
			if lpRes.Obj >= s.cutoffBound() {
				s.tree.CutoffFocus()
				return nodeCutoff, nil
			}
		}

		if lpRes.Status != lp.Optimal || round == s.cfg.MaxSepaRounds-1 {
			break
		}
		if !s.separate(ctx, lpRes.Primal) {
			break
		}
	}

	s.runHeuristics(ctx, lpRes.Primal, depth)
	if s.store.Best() != nil && focus.Lower() >= s.cutoffBound() {
		s.tree.CutoffFocus()
		return nodeCutoff, nil
	}

	if lpRes.Status == lp.Optimal {
		cands := s.fractionalCandidates(lpRes.Primal)
		if len(cands) == 0 {
			// LP solution is integral, hence feasible for the node
			vals := append([]float64(nil), lpRes.Primal...)
			if s.trans.CheckSolution(vals, s.cfg.FeasTol) {
				s.addSolution(&primal.Solution{Vals: vals, Obj: s.trans.InternalObj(vals), Heur: "lp"})
			}
			s.tree.CutoffFocus()
			return nodeSolution, nil
		}
		return s.branch(ctx, cands)
	}
	return s.branchPseudo(ctx)
}

// propagateFocus runs the registered propagators in priority order and
// records their deductions on the node and the conflict trail.
func (s *Solver) propagateFocus(ctx context.Context, depth int32) (plugin.Result, error) {
	worst := plugin.DidNotFind
	for _, p := range s.props {
		pc := &plugin.PropContext{Prob: s.trans, Depth: depth, FeasTol: s.cfg.FeasTol}
		t0 := time.Now()
		res, err := p.Propagate(ctx, pc)
		s.notePlugin(p.Name(), t0)
		if len(pc.Changes) > 0 {
			s.tree.AppendFocusDomchg(pc.Changes)
			s.appendDeductions(pc.Changes, depth)
			s.markDirty(pc.Changes)
			worst = plugin.FoundReduction
		}
		if err != nil {
			return res, err
		}
		if res == plugin.Cutoff {
			return plugin.Cutoff, nil
		}
	}
	return worst, nil
}

// appendDeductions records propagated bound changes with the whole prior
// trail as antecedents. That over-approximates the true implication set
// but keeps resolution sound.
func (s *Solver) appendDeductions(chgs []problem.BoundChange, depth int32) {
	for _, bc := range chgs {
		ante := make([]int, len(s.events))
		for i := range ante {
			ante[i] = i
		}
		s.events = append(s.events, conflict.Event{
			Change: bc, Depth: depth, Reason: conflict.ReasonPropagation, Antecedents: ante,
		})
	}
}

// separate offers the LP solution to the separators; reports whether any
// cut was added.
func (s *Solver) separate(ctx context.Context, lpSol []float64) bool {
	if len(s.sepas) == 0 || lpSol == nil {
		return false
	}
	added := false
	for _, sep := range s.sepas {
		sc := &plugin.SepaContext{Prob: s.trans, LPSol: lpSol, FeasTol: s.cfg.FeasTol}
		t0 := time.Now()
		res, err := sep.Separate(ctx, sc)
		s.notePlugin(sep.Name(), t0)
		if err != nil {
			s.log.Warn().Str("separator", sep.Name()).Err(err).Msg("separator failed, skipped")
			continue
		}
		if res == plugin.FoundReduction {
			for _, row := range sc.Cuts() {
				s.relax.AddCut(row)
				s.stats.NCutsApplied++
				added = true
			}
		}
	}
	return added
}

// runHeuristics gives each heuristic a bounded time slice and stores the
// solutions that check out.
func (s *Solver) runHeuristics(ctx context.Context, lpSol []float64, depth int32) {
	for _, h := range s.heurs {
		hctx := ctx
		var cancel context.CancelFunc
		if s.cfg.HeurTimeBudget > 0 {
			hctx, cancel = context.WithTimeout(ctx, s.cfg.HeurTimeBudget)
		}
		t0 := time.Now()
		sol, res, err := h.Search(hctx, &plugin.HeurContext{
			Prob: s.trans, LPSol: lpSol, Depth: depth, FeasTol: s.cfg.FeasTol,
		})
		s.notePlugin(h.Name(), t0)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			s.log.Warn().Str("heuristic", h.Name()).Err(err).Msg("heuristic failed, skipped")
			continue
		}
		if res != plugin.FoundReduction || sol == nil {
			continue
		}
		if !s.trans.CheckSolution(sol.Vals, s.cfg.FeasTol) {
			s.log.Warn().Str("heuristic", h.Name()).Msg("heuristic solution infeasible, rejected")
			continue
		}
		sol.Obj = s.trans.InternalObj(sol.Vals)
		if sol.Heur == "" {
			sol.Heur = h.Name()
		}
		s.addSolution(sol)
	}
}

func (s *Solver) addSolution(sol *primal.Solution) {
	accepted, incumbent := s.store.Add(sol)
	if !accepted {
		return
	}
	s.stats.NSolsFound = s.store.NFound()
	if incumbent {
		s.log.Info().Float64("obj", s.trans.ExternalObj(sol.Obj)).
			Str("heur", sol.Heur).Msg("new incumbent")
		s.tree.PruneAbove(s.cutoffBound())
	}
}

// fractionalCandidates lists the integral variables whose LP value
// violates integrality.
func (s *Solver) fractionalCandidates(lpSol []float64) []plugin.Candidate {
	var cands []plugin.Candidate
	for id, v := range s.trans.Vars() {
		if !v.Active() || !v.Type().Integral() || id >= len(lpSol) {
			continue
		}
		val := lpSol[id]
		if problem.IsIntegral(val, s.cfg.FeasTol) {
			continue
		}
		cands = append(cands, plugin.Candidate{
			Var: problem.VarID(id), Val: val, Frac: problem.Frac(val),
		})
	}
	return cands
}

// branch asks the branching rules in priority order to partition the
// focus node.
func (s *Solver) branch(ctx context.Context, cands []plugin.Candidate) (nodeAction, error) {
	bc := &plugin.BranchContext{Prob: s.trans, Candidates: cands, FeasTol: s.cfg.FeasTol}
	for _, b := range s.branchers {
		t0 := time.Now()
		parts, res, err := b.Branch(ctx, bc)
		s.notePlugin(b.Name(), t0)
		if err != nil {
			return nodeBranched, err
		}
		if res == plugin.FoundReduction && len(parts) > 0 {
			s.tree.Branch(parts)
			return nodeBranched, nil
		}
	}
	return nodeBranched, fmt.Errorf("%w: no branching rule produced a partition", ErrSetup)
}

// branchPseudo branches without LP information, splitting the widest
// unfixed integral domain at its midpoint. Used after numerical LP
// failures and non-optimal LP terminations.
func (s *Solver) branchPseudo(ctx context.Context) (nodeAction, error) {
	var cands []plugin.Candidate
	for _, v := range s.trans.Vars() {
		if !v.Active() || !v.Type().Integral() {
			continue
		}
		if v.LocalUb()-v.LocalLb() <= s.cfg.FeasTol {
			continue
		}
		mid := (v.LocalLb() + v.LocalUb()) / 2
		if problem.IsIntegral(mid, s.cfg.FeasTol) {
			mid += 0.5
		}
		if mid > v.LocalUb() {
			mid = v.LocalLb() + 0.5
		}
		cands = append(cands, plugin.Candidate{Var: v.ID(), Val: mid, Frac: problem.Frac(mid)})
	}
	if len(cands) == 0 {
		// all integral variables fixed and the relaxation would not
		// solve; nothing sound left to do with this node but drop it
		s.log.Warn().Msg("node abandoned after LP failure with fixed integral variables")
		s.tree.CutoffFocus()
		return nodeCutoff, nil
	}
	return s.branch(ctx, cands)
}

// applyDualRay turns an LP infeasibility proof into global bound
// tightenings. It reports whether a tightening emptied a global domain,
// which exhausts the remaining search space.
func (s *Solver) applyDualRay() bool {
	ray, ok := s.relax.DualRay()
	if !ok {
		return false
	}
	rows := s.relax.Rows()
	if len(rows) < len(ray) {
		return false
	}
	tightenings := s.analyze.AnalyzeDualRay(s.trans, rows[:len(ray)], ray, s.cfg.FeasTol)
	var anyChanged, emptied bool
	for _, t := range tightenings {
		var changed, infeasible bool
		if t.Kind == problem.LowerBound {
			changed, infeasible = s.trans.TightenGlobalLb(t.Var, t.New, s.cfg.FeasTol)
		} else {
			changed, infeasible = s.trans.TightenGlobalUb(t.Var, t.New, s.cfg.FeasTol)
		}
		if infeasible {
			emptied = true
		}
		if changed {
			anyChanged = true
			s.relax.MarkBoundDirty(t.Var)
		}
	}
	if anyChanged {
		s.cutoffContradictedNodes()
		s.tree.MarkOpenRepropagate()
	}
	return emptied
}

// cutoffContradictedNodes removes open nodes whose branching bound changes
// fall outside the global domain after a global tightening.
func (s *Solver) cutoffContradictedNodes() {
	var doomed []tree.NodeID
	s.tree.Open(func(id tree.NodeID) {
		for _, bc := range s.tree.Node(id).DomainChanges() {
			v := s.trans.Var(bc.Var)
			contradicted := bc.Kind == problem.LowerBound && bc.New > v.GlobalUb()+s.cfg.FeasTol ||
				bc.Kind == problem.UpperBound && bc.New < v.GlobalLb()-s.cfg.FeasTol
			if contradicted {
				doomed = append(doomed, id)
				return
			}
		}
	})
	for _, id := range doomed {
		s.tree.Cutoff(id)
	}
}

// learnConflict runs FUIP analysis over the current trail and installs
// the resulting clause as a learned constraint and LP row.
func (s *Solver) learnConflict(provenance string, depth int32) {
	if depth == 0 || len(s.events) == 0 {
		return
	}
	var conflictSet []int
	for i, ev := range s.events {
		if ev.Depth == depth {
			conflictSet = append(conflictSet, i)
		}
	}
	if len(conflictSet) == 0 {
		return
	}
	for _, c := range s.analyze.Analyze(s.events, conflictSet, provenance) {
		lc := s.clauseToConstraint(c)
		if lc == nil {
			continue
		}
		s.trans.AddConstraint(lc)
		s.learned = append(s.learned, lc)
		s.relax.AddCut(lp.ConsRow(lc))
		s.stats.NConflicts++
		s.log.Debug().Str("provenance", c.Provenance).Int("size", len(c.Lits)).Msg("conflict learned")
	}
}

// clauseToConstraint encodes "not all these bound changes at once" as a
// linear constraint over binary variables. Clauses touching general
// integers are skipped; set-covering rows only hold for binaries.
func (s *Solver) clauseToConstraint(c conflict.Constraint) *problem.Constraint {
	terms := make([]problem.Term, 0, len(c.Lits))
	lhs := 1.0
	for _, lit := range c.Lits {
		v := s.trans.Var(lit.Var)
		if v.Type() != problem.Binary {
			return nil
		}
		// lit "x >= 1" contributes (1-x), lit "x <= 0" contributes x
		atOne := lit.Kind == problem.LowerBound && lit.New >= 0.5
		atZero := lit.Kind == problem.UpperBound && lit.New < 0.5
		switch {
		case atOne:
			terms = append(terms, problem.Term{Var: lit.Var, Coef: -1})
			lhs--
		case atZero:
			terms = append(terms, problem.Term{Var: lit.Var, Coef: 1})
		default:
			return nil
		}
	}
	name := fmt.Sprintf("conflict_%d", c.ReconvergenceTag)
	return problem.NewLearned(name, terms, lhs, problem.Infinity)
}

// restartWanted checks the root fixing fraction against the restart
// policy.
func (s *Solver) restartWanted() bool {
	if s.cfg.RestartFixingFrac <= 0 || s.stats.NRestarts >= s.cfg.MaxRestarts {
		return false
	}
	active := 0
	for _, v := range s.trans.Vars() {
		if v.Active() {
			active++
		}
	}
	if active == 0 {
		return false
	}
	newFixed := s.countGloballyFixed() - s.nFixedAtInit
	if newFixed <= 0 {
		return false
	}
	return float64(newFixed) >= s.cfg.RestartFixingFrac*float64(active)
}

// syncPoint exchanges bounds and incumbents with concurrently running
// instances through the installed hook.
func (s *Solver) syncPoint() {
	if s.syncHook == nil || s.cfg.SyncInterval <= 0 {
		return
	}
	if s.stats.NNodes%s.cfg.SyncInterval != 0 {
		return
	}
	push := SyncInfo{
		PrimalBound: s.store.PrimalBound(),
		DualBound:   math.Max(s.dualBound, s.tree.Lowerbound()),
		Best:        s.store.Best(),
	}
	got := s.syncHook(push)
	if got.Stop {
		s.interrupted.Store(true)
	}
	if got.Best != nil && got.PrimalBound < s.store.PrimalBound()-s.cfg.FeasTol {
		// external incumbent; the sender already checked feasibility
		s.store.Add(got.Best.Clone())
		s.stats.NSolsFound = s.store.NFound()
		s.tree.PruneAbove(s.cutoffBound())
	}
}
