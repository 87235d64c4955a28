package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialPolicy_Sequence(t *testing.T) {
	p := NewExponentialPolicy(2000*time.Millisecond, 30000*time.Millisecond)

	want := []time.Duration{
		2000 * time.Millisecond,
		3000 * time.Millisecond,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
		15188 * time.Millisecond,
		22782 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for i, w := range want {
		d, ok := p.NextDelay(i + 1)
		require.True(t, ok)
		require.Equal(t, w, d, "attempt %d", i+1)
	}

	d, ok := p.NextDelay(500)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, d)
}

func TestBoundedPolicy(t *testing.T) {
	p := NewBoundedPolicy(3*time.Second, 5)
	for attempt := 1; attempt <= 5; attempt++ {
		d, ok := p.NextDelay(attempt)
		require.True(t, ok)
		require.Equal(t, 3*time.Second, d)
	}
	_, ok := p.NextDelay(6)
	require.False(t, ok)
	_, ok = p.NextDelay(0)
	require.False(t, ok)
}

func TestBuildPolicy(t *testing.T) {
	p, err := BuildPolicy(DefaultPolicySettings())
	require.NoError(t, err)
	require.IsType(t, ExponentialPolicy{}, p)

	s := DefaultPolicySettings()
	s.Policy = PolicyBounded
	p, err = BuildPolicy(s)
	require.NoError(t, err)
	require.Equal(t, BoundedPolicy{Delay: 3 * time.Second, MaxAttempts: 5}, p)

	s.Policy = "linear"
	_, err = BuildPolicy(s)
	require.Error(t, err)

	s = DefaultPolicySettings()
	s.MaxDelay = time.Second
	_, err = BuildPolicy(s)
	require.Error(t, err)
}
