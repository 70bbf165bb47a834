package solver

import (
	"fmt"
	"time"

	"github.com/go-opt/cip/tree"
)

// Config collects the tunable policy values of the engine. The reduction
// and conflict thresholds are empirically tuned in practice and therefore
// knobs, not constants.
type Config struct {
	// FeasTol is the feasibility tolerance for bounds and constraints.
	FeasTol float64

	// NodeLimit caps processed nodes; <0 means unlimited.
	NodeLimit int64
	// TimeLimit caps wall-clock solving time; 0 means unlimited.
	TimeLimit time.Duration

	// MaxPresolveRounds caps presolving rounds; <0 means unlimited.
	MaxPresolveRounds int
	// MinReductionFrac decides "enough reduction": a round must reduce at
	// least this fraction of (variables+constraints) to keep its tier.
	MinReductionFrac float64

	// MaxSepaRounds caps propagation/separation rounds per node.
	MaxSepaRounds int

	// RestartFixingFrac triggers a restart once this fraction of active
	// variables got globally fixed at the root during search.
	RestartFixingFrac float64
	// MaxRestarts caps restarts.
	MaxRestarts int

	// ConflictMinScore discards learned conflicts scoring below it.
	ConflictMinScore float64
	// ConflictMaxSize discards learned conflicts longer than it.
	ConflictMaxSize int

	// LPFailureBudget tolerated numerical LP failures before a hard error.
	LPFailureBudget int

	// MaxSolutions bounds the primal store.
	MaxSolutions int

	// HeurTimeBudget is the per-call time budget handed to heuristics.
	HeurTimeBudget time.Duration

	// SyncInterval is the node interval between concurrent-solving
	// synchronization points.
	SyncInterval int64

	// Reoptimization keeps global bounds and active learned constraints
	// across FreeTransform for solving a related instance.
	Reoptimization bool
	// ReoptMaxConss caps the learned constraints carried over; the
	// compression step keeps the shortest ones.
	ReoptMaxConss int

	// NodeSel orders open nodes. Required before solving starts.
	NodeSel NodeSelector
}

func defaultConfig() Config {
	return Config{
		FeasTol:           1e-6,
		NodeLimit:         -1,
		MaxPresolveRounds: 50,
		MinReductionFrac:  1e-4,
		MaxSepaRounds:     5,
		RestartFixingFrac: 0.25,
		MaxRestarts:       3,
		ConflictMinScore:  0.02,
		ConflictMaxSize:   50,
		LPFailureBudget:   10,
		MaxSolutions:      100,
		HeurTimeBudget:    100 * time.Millisecond,
		SyncInterval:      16,
		ReoptMaxConss:     1000,
		NodeSel:           BestBound(),
	}
}

// Option mutates the solver configuration at construction.
type Option func(*Config) error

// WithFeasTol sets the feasibility tolerance.
func WithFeasTol(tol float64) Option {
	return func(c *Config) error {
		if tol <= 0 {
			return fmt.Errorf("feasibility tolerance must be positive, got %g", tol)
		}
		c.FeasTol = tol
		return nil
	}
}

// WithNodeLimit caps the number of processed nodes.
func WithNodeLimit(n int64) Option {
	return func(c *Config) error { c.NodeLimit = n; return nil }
}

// WithTimeLimit caps solving wall-clock time.
func WithTimeLimit(d time.Duration) Option {
	return func(c *Config) error { c.TimeLimit = d; return nil }
}

// WithPresolveRounds caps presolving rounds.
func WithPresolveRounds(n int) Option {
	return func(c *Config) error { c.MaxPresolveRounds = n; return nil }
}

// WithMinReduction sets the "enough reduction" fraction.
func WithMinReduction(frac float64) Option {
	return func(c *Config) error { c.MinReductionFrac = frac; return nil }
}

// WithSeparationRounds caps propagation/separation rounds per node.
func WithSeparationRounds(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("separation rounds must be >= 1, got %d", n)
		}
		c.MaxSepaRounds = n
		return nil
	}
}

// WithRestarts configures the restart trigger and cap.
func WithRestarts(fixingFrac float64, maxRestarts int) Option {
	return func(c *Config) error {
		c.RestartFixingFrac = fixingFrac
		c.MaxRestarts = maxRestarts
		return nil
	}
}

// WithConflictPolicy sets the usefulness thresholds for learned conflicts.
func WithConflictPolicy(minScore float64, maxSize int) Option {
	return func(c *Config) error {
		c.ConflictMinScore = minScore
		c.ConflictMaxSize = maxSize
		return nil
	}
}

// WithLPFailureBudget sets the tolerated numerical LP failures.
func WithLPFailureBudget(n int) Option {
	return func(c *Config) error { c.LPFailureBudget = n; return nil }
}

// WithReoptimization enables carrying bounds and learned constraints over
// FreeTransform to a related instance.
func WithReoptimization(enabled bool) Option {
	return func(c *Config) error { c.Reoptimization = enabled; return nil }
}

// WithSyncInterval sets the concurrent synchronization interval in nodes.
func WithSyncInterval(nodes int64) Option {
	return func(c *Config) error { c.SyncInterval = nodes; return nil }
}

// WithNodeSelection sets the node selection policy.
func WithNodeSelection(sel NodeSelector) Option {
	return func(c *Config) error { c.NodeSel = sel; return nil }
}

// NodeSelector orders open nodes; Better reports whether a should be
// processed before b.
type NodeSelector interface {
	Name() string
	Better(a, b *tree.Node) bool
}

type bestBound struct{}

// BestBound selects the open node with the smallest dual bound, breaking
// ties towards deeper nodes.
func BestBound() NodeSelector { return bestBound{} }

func (bestBound) Name() string { return "bestbound" }
func (bestBound) Better(a, b *tree.Node) bool {
	if a.Lower() != b.Lower() {
		return a.Lower() < b.Lower()
	}
	return a.Depth() > b.Depth()
}

type depthFirst struct{}

// DepthFirst plunges: deepest node first, dual bound as tie-break.
func DepthFirst() NodeSelector { return depthFirst{} }

func (depthFirst) Name() string { return "dfs" }
func (depthFirst) Better(a, b *tree.Node) bool {
	if a.Depth() != b.Depth() {
		return a.Depth() > b.Depth()
	}
	return a.Lower() < b.Lower()
}
