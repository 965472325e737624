package restart

import "time"

// Policy configures the auto-restart behavior.
type Policy struct {
	BaseDelay  time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay" mapstructure:"max_delay"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	// StableUptime is how long a module must stay running before its
	// consecutive-failure count returns to zero. A crash loop that spawns
	// fine and dies right away never reaches it, so the backoff keeps
	// escalating toward the retry ceiling.
	StableUptime time.Duration `json:"stable_uptime" mapstructure:"stable_uptime"`
}

// DefaultPolicy returns the default restart policy: delay doubling from 1s,
// capped at 30s, giving up after 5 consecutive failures, with 30s of
// continuous uptime counting as recovered.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxRetries:   5,
		StableUptime: 30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy().BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy().MaxDelay
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultPolicy().MaxRetries
	}
	if p.StableUptime <= 0 {
		p.StableUptime = DefaultPolicy().StableUptime
	}
	return p
}

// delay returns the backoff delay for the given consecutive-failure count
// (1-based): base doubling per failure, capped at MaxDelay.
func (p Policy) delay(failures int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
