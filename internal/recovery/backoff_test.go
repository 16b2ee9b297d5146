package recovery

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackOff_DoublesWithoutJitter(t *testing.T) {
	bo := newBackOff(Config{
		BaseDelay: time.Second,
		MaxDelay:  60 * time.Second,
		Jitter:    0, // deterministic schedule
	})

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, bo.NextBackOff(), "attempt %d", i+1)
	}
}

func TestBackOff_JitterStaysInBounds(t *testing.T) {
	for run := 0; run < 20; run++ {
		bo := newBackOff(Config{
			BaseDelay: time.Second,
			MaxDelay:  60 * time.Second,
			Jitter:    0.25,
		})

		expected := time.Second
		for i := 0; i < 10; i++ {
			delay := bo.NextBackOff()
			require.NotEqual(t, backoff.Stop, delay)

			lo := time.Duration(float64(expected) * 0.75)
			hi := time.Duration(float64(expected) * 1.25)
			assert.GreaterOrEqual(t, delay, lo)
			assert.LessOrEqual(t, delay, hi)

			expected *= 2
			if expected > 60*time.Second {
				expected = 60 * time.Second
			}
		}
	}
}

func TestBackOff_NeverStops(t *testing.T) {
	bo := newBackOff(Config{
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
		Jitter:    0.25,
	})

	// MaxElapsedTime is disabled: the schedule must keep yielding
	// delays for as many attempts as the retry budget asks for.
	for i := 0; i < 100; i++ {
		require.NotEqual(t, backoff.Stop, bo.NextBackOff())
	}
}
