package redisstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOverlay_OnlyNonEmptyFieldsOverride(t *testing.T) {
	base := DefaultSettings()

	got := base.Overlay(Settings{Addr: " redis:6380 ", Group: "ops"})
	require.Equal(t, "redis:6380", got.Addr)
	require.Equal(t, "ops", got.Group)
	require.Equal(t, base.Topic, got.Topic)
	require.Equal(t, base.Consumer, got.Consumer)
	require.False(t, got.Enabled)

	require.Equal(t, base, base.Overlay(Settings{}))
	require.True(t, base.Overlay(Settings{Enabled: true}).Enabled)
}

func TestNewSection(t *testing.T) {
	section, err := NewSection()
	require.NoError(t, err)
	require.Equal(t, SectionSlug, section.GetSlug())
}
