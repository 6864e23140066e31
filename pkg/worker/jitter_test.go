package worker

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitteredBounds(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	const d = 10 * time.Second
	const j = 0.2
	lo := time.Duration(float64(d) * (1 - j))
	hi := time.Duration(float64(d) * (1 + j))

	var sum time.Duration
	const n = 20000
	for i := 0; i < n; i++ {
		got := jittered(d, j, rng)
		assert.GreaterOrEqual(t, got, lo)
		assert.LessOrEqual(t, got, hi)
		sum += got
	}
	mean := sum / n
	// Uniform draw: the mean converges on d.
	assert.InDelta(t, float64(d), float64(mean), float64(d)*0.01)
}

func TestJitteredDisabled(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Minute, jittered(time.Minute, 0, rand.New(rand.NewSource(1))))
	assert.Equal(t, time.Minute, jittered(time.Minute, 0.5, nil))
}

func TestNewRandDiffersPerWorker(t *testing.T) {
	t.Parallel()
	a := newRand("same")
	b := newRand("same")
	assert.NotEqual(t, a.Int63(), b.Int63())
}
