package orchestrator

// SizingPolicy decides how many runners a run should have requested
// for a given number of pending results.
type SizingPolicy interface {
	Needed(pending int) int
}

// PolicyFunc adapts a plain function to a SizingPolicy.
type PolicyFunc func(pending int) int

// Needed calls f.
func (f PolicyFunc) Needed(pending int) int {
	return f(pending)
}

// BatchPolicy requests one runner per ResultsPerRunner pending results,
// capped at MaxRunners. A MaxRunners of zero means no cap.
type BatchPolicy struct {
	ResultsPerRunner int
	MaxRunners       int
}

// Needed implements SizingPolicy.
func (p BatchPolicy) Needed(pending int) int {
	if pending <= 0 {
		return 0
	}

	per := max(p.ResultsPerRunner, 1)
	needed := (pending + per - 1) / per

	if p.MaxRunners > 0 && needed > p.MaxRunners {
		needed = p.MaxRunners
	}

	return needed
}
