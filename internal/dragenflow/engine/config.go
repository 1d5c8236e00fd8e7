package engine

import "time"

type Config struct {
	// How often RUNNING machines are advanced
	PollInterval time.Duration `validate:"required"`
	// Upper bound on machines processed concurrently within one tick
	MachineConcurrency int `validate:"gte=1"`
	// How long a task claimed for submission may lack a job id before it is failed. The job is first looked for in
	// the scheduler queue under the task id.
	ClaimTimeout time.Duration `validate:"required"`
	// Delay before retrying a status query after a transient failure. It doubles with every consecutive failure up
	// to QueryBackoffMax.
	QueryBackoffBase time.Duration
	QueryBackoffMax  time.Duration
	// A task fails once this many status queries in a row have failed
	MaxConsecutiveQueryFailures int `validate:"gte=1"`
	// Initial value of the submissions toggle
	SubmissionsEnabled bool
	WaitForFile        WaitForFileConfig
	Review             ReviewConfig
}

type WaitForFileConfig struct {
	PollInterval time.Duration `validate:"required"`
	// Measured from task creation. Zero waits forever.
	Timeout time.Duration
}

type ReviewConfig struct {
	// Measured from task creation. Zero waits forever.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:                10 * time.Second,
		MachineConcurrency:          10,
		ClaimTimeout:                10 * time.Minute,
		QueryBackoffBase:            10 * time.Second,
		QueryBackoffMax:             10 * time.Minute,
		MaxConsecutiveQueryFailures: 50,
		SubmissionsEnabled:          true,
		WaitForFile: WaitForFileConfig{
			PollInterval: time.Minute,
			Timeout:      168 * time.Hour,
		},
		Review: ReviewConfig{
			Timeout: 720 * time.Hour,
		},
	}
}

// queryBackoff returns the delay after the given number of consecutive query failures.
func (c Config) queryBackoff(failures int) time.Duration {
	base := c.QueryBackoffBase
	if base <= 0 {
		base = c.PollInterval
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if c.QueryBackoffMax > 0 && delay >= c.QueryBackoffMax {
			return c.QueryBackoffMax
		}
	}
	if c.QueryBackoffMax > 0 && delay > c.QueryBackoffMax {
		return c.QueryBackoffMax
	}
	return delay
}
