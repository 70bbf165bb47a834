package solver

import "time"

// PluginStat accumulates the invocations of one plug-in.
type PluginStat struct {
	Calls int64
	Time  time.Duration
}

// Stats are cumulative statistics of one solver instance.
type Stats struct {
	NNodes          int64
	NLPSolves       int
	NLPFailures     int
	PresolveRounds  int
	NRestarts       int
	NConflicts      int64
	NCutsApplied    int
	NSolsFound      int64
	NFixedVars      int
	NAggregatedVars int
	PresolveTime    time.Duration
	SolvingTime     time.Duration
}
