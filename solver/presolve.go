package solver

import (
	"context"
	"time"

	"github.com/go-opt/cip/plugin"
	"github.com/go-opt/cip/primal"
)

// Presolve reduces the transformed problem to a fixed point: rounds of
// presolver/propagator/constraint-handler callbacks run in priority and
// timing tiers until no callback reports enough reduction, a limit is hit,
// or infeasibility/unboundedness is detected (in which case the stage goes
// directly to Solved).
func (s *Solver) Presolve(ctx context.Context) error {
	if s.stage == StagePresolved || s.stage == StageSolved {
		// already at a presolving fixed point; nothing can be reduced
		return nil
	}
	if s.stage == StageProblem {
		if err := s.Transform(); err != nil {
			return err
		}
	}
	if err := s.checkStage("Presolve", stages(StageTransformed, StagePresolving)); err != nil {
		return err
	}
	start := time.Now()
	if s.stage == StageTransformed {
		s.setStage(StageInitPresolve)
		s.trans.DetectObjIntegral()
		s.store.SetObjIntegral(s.trans.ObjIntegral())
		s.setStage(StagePresolving)
	}

	res, limit, err := s.presolveLoop(ctx)
	s.stats.PresolveTime += time.Since(start)
	if err != nil {
		return err
	}
	if limit != StatusUnknown {
		// clean early exit; stage stays Presolving for resumption
		s.status = limit
		return nil
	}

	switch res {
	case plugin.Cutoff:
		// infeasibility found during presolve transitions directly to Solved
		s.status = StatusInfeasible
		s.dualBound = s.store.PrimalBound()
		s.setStage(StageSolved)
		s.log.Info().Msg("presolving detected infeasibility")
		return nil
	case plugin.Unbounded:
		s.status = StatusUnbounded
		s.setStage(StageSolved)
		s.log.Info().Msg("presolving detected unboundedness")
		return nil
	}

	s.setStage(StageExitPresolve)
	s.trans.FlushDeletions()
	s.stats.NFixedVars = s.trans.NFixed()
	s.stats.NAggregatedVars = s.trans.NAggregated()
	s.setStage(StagePresolved)
	s.log.Info().
		Int("rounds", s.stats.PresolveRounds).
		Int("fixed", s.trans.NFixed()).
		Int("aggregated", s.trans.NAggregated()).
		Msg("presolving finished")

	s.tryTrivialSolve()
	return nil
}

// presolveLoop is the explicit tier-escalation loop: a stalling tier
// escalates fast -> medium -> exhaustive -> final and retries; a reducing
// round falls back to the fast tier.
func (s *Solver) presolveLoop(ctx context.Context) (plugin.Result, Status, error) {
	nonneg, negative := s.mergedPresolvers()
	conshdlrs := append([]plugin.ConshdlrPresolver(nil), s.conshdlrs...)
	plugin.SortByPriority(conshdlrs)

	tier := plugin.TimingFast
	exhaustiveCursor := 0
	round := 0
	ranFinal := false

	for {
		if st, hit := s.limitHit(ctx); hit {
			return plugin.DidNotFind, st, nil
		}
		if s.cfg.MaxPresolveRounds >= 0 && round >= s.cfg.MaxPresolveRounds {
			return plugin.DidNotFind, StatusUnknown, nil
		}
		round++
		s.stats.PresolveRounds++

		var deltas plugin.Deltas
		res, err := s.presolveRound(ctx, nonneg, conshdlrs, negative, tier, round, &exhaustiveCursor, &deltas)
		if err != nil {
			return res, StatusUnknown, err
		}
		if res == plugin.Cutoff || res == plugin.Unbounded {
			return res, StatusUnknown, nil
		}
		if tier == plugin.TimingFinal {
			ranFinal = true
		}

		threshold := s.cfg.MinReductionFrac * float64(s.trans.NVars()+s.trans.NConss())
		enough := float64(deltas.Total()) > threshold
		s.log.Debug().Int("round", round).Str("tier", tier.String()).
			Int("reductions", deltas.Total()).Bool("enough", enough).Msg("presolve round")

		// the final tier is a single terminal pass; its reductions never
		// reopen earlier tiers
		if ranFinal {
			return plugin.DidNotFind, StatusUnknown, nil
		}
		if enough {
			tier = plugin.TimingFast
			continue
		}
		// escalate on stall
		switch tier {
		case plugin.TimingFast:
			tier = plugin.TimingMedium
		case plugin.TimingMedium:
			tier = plugin.TimingExhaustive
		case plugin.TimingExhaustive:
			tier = plugin.TimingFinal
		}
	}
}

// mergedPresolvers splits the priority-merged propagator/presolver list
// into the non-negative and negative priority phases of a round.
func (s *Solver) mergedPresolvers() (nonneg, negative []plugin.PresolveCallback) {
	merged := plugin.MergePresolve(s.props, s.presolvers)
	for _, cb := range merged {
		if cb.Priority >= 0 {
			nonneg = append(nonneg, cb)
		} else {
			negative = append(negative, cb)
		}
	}
	return nonneg, negative
}

// presolveRound executes one round: non-negative priority callbacks,
// constraint-handler presolve, negative priority callbacks. Queued
// variable deletions and clique compaction run between callbacks.
func (s *Solver) presolveRound(
	ctx context.Context,
	nonneg []plugin.PresolveCallback,
	conshdlrs []plugin.ConshdlrPresolver,
	negative []plugin.PresolveCallback,
	tier plugin.Timing,
	round int,
	exhaustiveCursor *int,
	deltas *plugin.Deltas,
) (plugin.Result, error) {
	pc := func() *plugin.PresolveContext {
		return &plugin.PresolveContext{
			Prob: s.trans, Round: round, Timing: tier,
			FeasTol: s.cfg.FeasTol, Deltas: deltas,
		}
	}
	// housekeeping between callbacks
	flush := func() {
		s.trans.FlushDeletions()
		if s.trans.Cliques().Dirty() > 0 {
			s.trans.Cliques().Compact(s.trans)
		}
	}

	runOne := func(cb plugin.PresolveCallback) (plugin.Result, error) {
		t0 := time.Now()
		res, err := cb.Exec(ctx, pc())
		s.notePlugin(cb.Name, t0)
		if err != nil {
			return res, err
		}
		flush()
		return res, nil
	}

	runList := func(list []plugin.PresolveCallback) (plugin.Result, error) {
		worst := plugin.DidNotFind
		var delayed []plugin.PresolveCallback
		// fast and medium callbacks execute in every round they qualify for
		for _, cb := range list {
			if cb.Timing > tier || cb.Timing >= plugin.TimingExhaustive {
				continue
			}
			res, err := runOne(cb)
			if err != nil || res == plugin.Cutoff || res == plugin.Unbounded {
				return res, err
			}
			switch res {
			case plugin.FoundReduction:
				worst = plugin.FoundReduction
			case plugin.Delayed:
				delayed = append(delayed, cb)
			}
		}
		// delayed callbacks get one retry at the end of the pass; a second
		// delay waits for the next round
		for _, cb := range delayed {
			res, err := runOne(cb)
			if err != nil || res == plugin.Cutoff || res == plugin.Unbounded {
				return res, err
			}
			if res == plugin.FoundReduction {
				worst = plugin.FoundReduction
			}
		}
		if tier < plugin.TimingExhaustive {
			return worst, nil
		}
		// exhaustive and final callbacks resume round-robin from the last
		// visited slot and stop at the first reduction
		var costly []int
		for i, cb := range list {
			if cb.Timing >= plugin.TimingExhaustive && cb.Timing <= tier {
				costly = append(costly, i)
			}
		}
		for k := range costly {
			idx := costly[(*exhaustiveCursor+k)%len(costly)]
			res, err := runOne(list[idx])
			if err != nil || res == plugin.Cutoff || res == plugin.Unbounded {
				return res, err
			}
			if res == plugin.FoundReduction {
				*exhaustiveCursor = (*exhaustiveCursor + k) % len(costly)
				return plugin.FoundReduction, nil
			}
		}
		return worst, nil
	}

	if res, err := runList(nonneg); err != nil || res == plugin.Cutoff || res == plugin.Unbounded {
		return res, err
	}
	for _, h := range conshdlrs {
		t0 := time.Now()
		res, err := h.Presolve(ctx, pc())
		s.notePlugin(h.Name(), t0)
		if err != nil {
			return res, err
		}
		flush()
		if res == plugin.Cutoff || res == plugin.Unbounded {
			return res, nil
		}
	}
	if res, err := runList(negative); err != nil || res == plugin.Cutoff || res == plugin.Unbounded {
		return res, err
	}
	return plugin.DidNotFind, nil
}

// tryTrivialSolve finishes the solve without tree search when presolving
// fixed every variable: the implied solution matches the dual bound.
func (s *Solver) tryTrivialSolve() {
	for _, v := range s.trans.Vars() {
		if !v.Active() {
			continue
		}
		if v.GlobalUb()-v.GlobalLb() > s.cfg.FeasTol {
			return
		}
	}
	vals := make([]float64, s.trans.NVars())
	for i, v := range s.trans.Vars() {
		if v.Active() || v.Fixed() {
			vals[i] = v.GlobalLb()
		}
	}
	// aggregated variables take their value from the representative
	for i, v := range s.trans.Vars() {
		if v.Active() || v.Fixed() {
			continue
		}
		if a, sc, c, ok := s.trans.Resolve(v.ID()); ok {
			vals[i] = sc*vals[a] + c
		}
	}
	if !s.trans.CheckSolution(vals, s.cfg.FeasTol) {
		s.status = StatusInfeasible
		s.setStage(StageSolved)
		return
	}
	obj := s.trans.InternalObj(vals)
	s.store.Add(&primal.Solution{Vals: vals, Obj: obj, Heur: "presolve"})
	s.stats.NSolsFound = s.store.NFound()
	s.dualBound = obj
	s.status = StatusOptimal
	s.setStage(StageSolved)
	s.log.Info().Float64("obj", s.trans.ExternalObj(obj)).Msg("solved during presolving")
}
