// Package scheduler runs background jobs in concurrency-limited lanes.
package scheduler

// Lanes used by the daemon.
const (
	LaneInstall   = "install"
	LaneLifecycle = "lifecycle"
)

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the maximum number of concurrent jobs across all lanes.
	GlobalMax int `mapstructure:"max_concurrent"`
	// ByLane defines per-lane concurrency limits.
	ByLane map[string]int `mapstructure:"lanes"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax: 4,
		ByLane: map[string]int{
			LaneInstall:   1,
			LaneLifecycle: 1,
		},
	}
}

// LaneLimit returns the concurrency limit for a lane.
func (c *Config) LaneLimit(lane string) int {
	if limit, ok := c.ByLane[lane]; ok {
		return limit
	}
	// Default limit if not specified
	return 1
}
