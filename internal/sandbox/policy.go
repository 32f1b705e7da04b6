package sandbox

import (
	"strconv"
	"time"
)

// Policy defines resource limits for sandbox execution.
type Policy struct {
	MaxMemory    string        `mapstructure:"max_memory"`    // Docker memory limit (e.g. "256m")
	CPUs         string        `mapstructure:"cpus"`          // Docker --cpus value
	PidsLimit    int           `mapstructure:"pids_limit"`    // 0 disables the limit
	Network      bool          `mapstructure:"network"`       // Whether network access is allowed
	BuildTimeout time.Duration `mapstructure:"build_timeout"` // Maximum compile time
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		MaxMemory:    "256m",
		CPUs:         "1",
		PidsLimit:    64,
		Network:      false,
		BuildTimeout: 30 * time.Second,
	}
}

// dockerArgs renders the policy as `docker run` flags.
func (p Policy) dockerArgs() []string {
	var args []string
	if p.MaxMemory != "" {
		args = append(args, "--memory", p.MaxMemory)
	}
	if p.CPUs != "" {
		args = append(args, "--cpus", p.CPUs)
	}
	if p.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(p.PidsLimit))
	}
	if !p.Network {
		args = append(args, "--network=none")
	}
	return args
}
