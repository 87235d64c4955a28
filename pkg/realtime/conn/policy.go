package conn

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// ReconnectPolicy decides how long to wait before reconnect attempt number
// attempt (1-based). It returns false when no further attempt should be made.
type ReconnectPolicy interface {
	NextDelay(attempt int) (time.Duration, bool)
}

// BoundedPolicy retries at a fixed delay up to MaxAttempts times.
type BoundedPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

func NewBoundedPolicy(delay time.Duration, maxAttempts int) BoundedPolicy {
	return BoundedPolicy{Delay: delay, MaxAttempts: maxAttempts}
}

func (p BoundedPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	return p.Delay, true
}

// ExponentialPolicy retries forever, multiplying the delay by 1.5 after each
// attempt and capping it at Max. Delays are rounded to whole milliseconds.
type ExponentialPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponentialPolicy(initial, maxDelay time.Duration) ExponentialPolicy {
	return ExponentialPolicy{Initial: initial, Max: maxDelay}
}

func (p ExponentialPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		return 0, false
	}
	d := float64(p.Initial.Milliseconds())
	maxMs := float64(p.Max.Milliseconds())
	for i := 1; i < attempt; i++ {
		d = math.Min(math.Round(d*1.5), maxMs)
		if d >= maxMs {
			break
		}
	}
	if d > maxMs {
		d = maxMs
	}
	return time.Duration(d) * time.Millisecond, true
}

const (
	PolicyBounded     = "bounded"
	PolicyExponential = "exponential"
)

// PolicySettings is the configuration form of a ReconnectPolicy.
type PolicySettings struct {
	Policy       string        `mapstructure:"policy" yaml:"policy"`
	Delay        time.Duration `mapstructure:"delay" yaml:"delay"`
	MaxAttempts  int           `mapstructure:"max-attempts" yaml:"max-attempts"`
	InitialDelay time.Duration `mapstructure:"initial-delay" yaml:"initial-delay"`
	MaxDelay     time.Duration `mapstructure:"max-delay" yaml:"max-delay"`
}

func DefaultPolicySettings() PolicySettings {
	return PolicySettings{
		Policy:       PolicyExponential,
		Delay:        3 * time.Second,
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// BuildPolicy returns the policy named by s.Policy.
func BuildPolicy(s PolicySettings) (ReconnectPolicy, error) {
	switch s.Policy {
	case PolicyBounded:
		if s.Delay <= 0 || s.MaxAttempts <= 0 {
			return nil, errors.Errorf("bounded policy needs a positive delay and max attempts (got %s, %d)", s.Delay, s.MaxAttempts)
		}
		return NewBoundedPolicy(s.Delay, s.MaxAttempts), nil
	case PolicyExponential, "":
		if s.InitialDelay <= 0 || s.MaxDelay < s.InitialDelay {
			return nil, errors.Errorf("exponential policy needs 0 < initial-delay <= max-delay (got %s, %s)", s.InitialDelay, s.MaxDelay)
		}
		return NewExponentialPolicy(s.InitialDelay, s.MaxDelay), nil
	default:
		return nil, errors.Errorf("unknown reconnect policy %q", s.Policy)
	}
}
