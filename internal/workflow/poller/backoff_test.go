package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_ClimbsLadderAndHoldsAtCap(t *testing.T) {
	var b Backoff

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		require.Equal(t, w, b.Next(), "failure %d", i+1)
	}
	require.Equal(t, len(want), b.Attempt)
}

func TestBackoff_ResetRestartsLadder(t *testing.T) {
	var b Backoff

	b.Next()
	b.Next()
	b.Reset()

	require.Zero(t, b.Attempt)
	require.Equal(t, 1*time.Second, b.Next())
}
