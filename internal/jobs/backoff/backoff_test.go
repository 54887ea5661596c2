package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixed(t *testing.T) {
	s := Fixed{Interval: 30 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 30*time.Second, s.Delay(attempt))
	}
}

func TestExponential(t *testing.T) {
	s := Exponential{Initial: 30 * time.Second, Max: 5 * time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{64, 5 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential_Uncapped(t *testing.T) {
	s := Exponential{Initial: time.Second}
	assert.Equal(t, 8*time.Second, s.Delay(4))
	assert.Equal(t, time.Duration(1<<63-1), s.Delay(200))
}

func TestNew(t *testing.T) {
	s, err := New(StrategyFixed, time.Second, time.Minute)
	require.NoError(t, err)
	assert.IsType(t, Fixed{}, s)

	s, err = New("", time.Second, time.Minute)
	require.NoError(t, err)
	assert.IsType(t, Exponential{}, s)

	_, err = New("linear", time.Second, time.Minute)
	assert.Error(t, err)

	_, err = New(StrategyFixed, -time.Second, 0)
	assert.Error(t, err)
}
