package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if g := out.GetGauge(); g != nil {
		return g.GetValue()
	}
	return out.GetCounter().GetValue()
}

func TestSetConnState_OnlyCurrentStateIsSet(t *testing.T) {
	SetConnState("connecting")
	SetConnState("open")

	require.Equal(t, 1.0, value(t, connState.WithLabelValues("open")))
	for _, s := range []string{"disconnected", "connecting", "closing"} {
		require.Equal(t, 0.0, value(t, connState.WithLabelValues(s)), s)
	}
}

func TestCounters(t *testing.T) {
	before := value(t, framesTotal.WithLabelValues("malformed"))
	ObserveFrame("malformed")
	ObserveFrame("malformed")
	require.Equal(t, before+2, value(t, framesTotal.WithLabelValues("malformed")))

	before = value(t, probeTotal.WithLabelValues("unknown"))
	ObserveProbe("")
	require.Equal(t, before+1, value(t, probeTotal.WithLabelValues("unknown")))

	before = value(t, chatSendsTotal.WithLabelValues("backend", "fallback"))
	ObserveChatSend("backend", "fallback")
	require.Equal(t, before+1, value(t, chatSendsTotal.WithLabelValues("backend", "fallback")))
}
