package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInit_JSONForNonTerminalWriters(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, Init(Settings{Level: "debug", WithCaller: true}, &buf))
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	log.Debug().Str("component", "test").Msg("hello")
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["message"])
	require.Equal(t, "test", line["component"])
	require.Contains(t, line, "caller")
}

func TestInit_ConsoleFormat(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, Init(Settings{Level: "info", Format: "console"}, &buf))
	log.Info().Msg("ready")
	require.Contains(t, buf.String(), "ready")
	require.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))

	require.Error(t, Init(Settings{Format: "xml"}, &buf))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING"))
	require.Equal(t, zerolog.TraceLevel, ParseLevel(" trace "))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}
