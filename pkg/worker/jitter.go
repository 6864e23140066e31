package worker

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

// DefaultJitter spreads each period over interval ±20%.
const DefaultJitter = 0.2

var rngSeq uint64

// newRand gives every worker its own source so many workers created at the
// same instant still drift apart.
func newRand(tag string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&rngSeq, 1)<<32) ^ int64(h.Sum64())
	return rand.New(rand.NewSource(seed))
}

// jittered draws a period uniformly from [d*(1-j), d*(1+j)]. The mean is d
// and the result never exceeds d*(1+j).
func jittered(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	out := time.Duration(float64(d) * (1 + r))
	if out < 0 {
		return 0
	}
	return out
}
