package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		score int
		want  Action
	}{
		{0, ActionAllow},
		{59, ActionAllow},
		{60, ActionMonitor},
		{74, ActionMonitor},
		{75, ActionRestrict},
		{84, ActionRestrict},
		{85, ActionBlock},
		{100, ActionBlock},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.score, th))
		})
	}
}

func TestThresholds_Validate(t *testing.T) {
	require.NoError(t, DefaultThresholds().Validate())
	require.Error(t, Thresholds{Suspicious: 80, LikelySharing: 75, ConfirmedSharing: 85}.Validate())
	require.Error(t, Thresholds{Suspicious: 60, LikelySharing: 75, ConfirmedSharing: 101}.Validate())
}

func TestRestrictionsFor(t *testing.T) {
	r := RestrictionsFor(ActionRestrict)
	require.NotNil(t, r)
	assert.True(t, r.ReducedLimits)
	assert.True(t, r.SingleDeviceOnly)
	assert.True(t, r.EnhancedMonitoring)

	assert.Nil(t, RestrictionsFor(ActionAllow))
	assert.Nil(t, RestrictionsFor(ActionBlock))
}

func TestBaseBlockDuration(t *testing.T) {
	tests := []struct {
		score int
		want  time.Duration
	}{
		{95, 7 * 24 * time.Hour},
		{90, 7 * 24 * time.Hour},
		{89, 24 * time.Hour},
		{80, 24 * time.Hour},
		{79, 6 * time.Hour},
		{70, 6 * time.Hour},
		{69, time.Hour},
		{0, time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, BaseBlockDuration(tt.score), "score=%d", tt.score)
	}
}

func TestBlockDuration_Doubling(t *testing.T) {
	for _, score := range []int{50, 70, 80, 90} {
		base := BlockDuration(score, 0)
		assert.Equal(t, 2*base, BlockDuration(score, 1), "score=%d", score)
		assert.Equal(t, 4*base, BlockDuration(score, 2), "score=%d", score)
	}
}

func TestBlockDuration_Capped(t *testing.T) {
	assert.Equal(t, MaxBlockDuration, BlockDuration(95, 10))
	assert.Equal(t, MaxBlockDuration, BlockDuration(50, 64))
}
