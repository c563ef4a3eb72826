package job

import (
	"fmt"
	"time"
)

// PollConfig holds the polling and retry budget for in-flight jobs.
type PollConfig struct {
	// Interval is the fixed delay between status requests.
	Interval time.Duration

	// MaxWait bounds the total time from submission before the job is
	// declared failed with a timeout.
	MaxWait time.Duration

	// MaxTransportErrors is how many consecutive transport failures are
	// tolerated before the job fails. Server and decode errors are retried
	// until MaxWait instead.
	MaxTransportErrors int
}

// DefaultPollConfig returns the reference polling policy.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:           10 * time.Second,
		MaxWait:            10 * time.Minute,
		MaxTransportErrors: 5,
	}
}

// Validate checks the policy.
func (p PollConfig) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if p.MaxWait < p.Interval {
		return fmt.Errorf("max wait (%s) must be at least one poll interval (%s)", p.MaxWait, p.Interval)
	}
	if p.MaxTransportErrors < 0 {
		return fmt.Errorf("max transport errors must not be negative")
	}
	return nil
}

// ProgressConfig drives the simulated progress bar.
type ProgressConfig struct {
	// Tick is how often progress advances. Zero disables the simulation.
	Tick time.Duration

	// Step is added on each tick.
	Step float64

	// Ceiling is never exceeded until a terminal event snaps progress to 1.
	Ceiling float64
}

// DefaultProgressConfig ramps 1% every half second up to 90%.
func DefaultProgressConfig() ProgressConfig {
	return ProgressConfig{
		Tick:    500 * time.Millisecond,
		Step:    0.01,
		Ceiling: 0.90,
	}
}

// next returns the progress after one tick.
func (p ProgressConfig) next(current float64) float64 {
	if current >= p.Ceiling {
		return current
	}
	n := current + p.Step
	if n > p.Ceiling {
		n = p.Ceiling
	}
	return n
}
