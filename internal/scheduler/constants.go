package scheduler

const (
	StrategyLeastLoad  = "least-load"
	StrategyRoundRobin = "round-robin"

	maxTrackedPlacements = 10000
)
