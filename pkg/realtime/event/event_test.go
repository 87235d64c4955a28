package event

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestValidatorParse_Valid(t *testing.T) {
	v := MustNewValidator()

	ev, err := v.Parse([]byte(`{"type":"incident.opened","timestamp":1700000000.5,"payload":{"id":"inc-1"}}`))
	require.NoError(t, err)
	require.Equal(t, "incident.opened", ev.Type)
	require.Equal(t, 1700000000.5, ev.Timestamp)

	var p struct {
		ID string `json:"id"`
	}
	require.NoError(t, ev.DecodePayload(&p))
	require.Equal(t, "inc-1", p.ID)
	require.Equal(t, int64(1700000000), ev.Time().Unix())
}

func TestValidatorParse_StampsMissingTimestamp(t *testing.T) {
	v := MustNewValidator()
	v.now = func() time.Time { return time.Unix(42, 0) }

	ev, err := v.Parse([]byte(`{"type":"status.tick","extra":true}`))
	require.NoError(t, err)
	require.Equal(t, float64(42), ev.Timestamp)
	require.Empty(t, ev.Payload)
	require.JSONEq(t, `{"type":"status.tick","extra":true}`, string(ev.Raw))
}

func TestValidatorParse_Rejects(t *testing.T) {
	v := MustNewValidator()

	cases := map[string]struct {
		raw  string
		want error
	}{
		"not json":         {`{"type":`, ErrMalformed},
		"plain text":       {`hello`, ErrMalformed},
		"array":            {`[{"type":"x"}]`, ErrShape},
		"null":             {`null`, ErrShape},
		"missing type":     {`{"payload":{}}`, ErrShape},
		"empty type":       {`{"type":""}`, ErrShape},
		"numeric type":     {`{"type":12}`, ErrShape},
		"string timestamp": {`{"type":"x","timestamp":"yesterday"}`, ErrShape},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse([]byte(tc.raw))
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}
