package config

import "github.com/repcl/repcl/internal/clock"

// ToClockConfig converts the YAML-friendly ClockConfig into the clock
// package's Config, which the core validates independently on every New
// or Decode call.
func (c ClockConfig) ToClockConfig() clock.Config {
	return clock.Config{
		NumProcs:      c.NumProcs,
		MaxOffsetSize: c.MaxOffsetSize,
		Epsilon:       c.Epsilon,
		Interval:      c.Interval,
	}
}
