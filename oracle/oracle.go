// Package oracle resolves probability-weighted outcomes independently
// of the model that proposed them. A layer computes a threshold on the
// 0-1000 scale; the oracle alone generates the draw.
package oracle

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"sync"
)

const maxThreshold = 1000

// Oracle produces pass/fail outcomes with probability threshold/1000.
// Safe for concurrent use: the draw sequence advances under a lock so
// concurrent sessions never interleave a single draw.
type Oracle struct {
	mu    sync.Mutex
	rng   *mathrand.Rand
	draws uint64
}

type Option func(*Oracle)

// WithSeed puts the oracle in deterministic mode: the same seed and the
// same sequence of calls produce the same sequence of outcomes.
func WithSeed(seed int64) Option {
	return func(o *Oracle) {
		o.rng = mathrand.New(mathrand.NewSource(seed))
	}
}

func New(opts ...Option) *Oracle {
	o := &Oracle{}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		o.rng = mathrand.New(mathrand.NewSource(entropySeed()))
	}
	return o
}

// Resolve returns true with probability threshold/1000. Resolve(0) is
// always false and Resolve(1000) always true, for any seed. Each call
// advances the draw sequence exactly once; there are no retries.
func (o *Oracle) Resolve(threshold int) (bool, error) {
	if threshold < 0 || threshold > maxThreshold {
		return false, fmt.Errorf("threshold %d is outside [0, %d]", threshold, maxThreshold)
	}

	o.mu.Lock()
	draw := o.rng.Intn(maxThreshold)
	o.draws++
	o.mu.Unlock()

	return draw < threshold, nil
}

// Draws reports how many times the draw sequence has advanced.
func (o *Oracle) Draws() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draws
}

func entropySeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read does not fail on supported platforms.
		panic(fmt.Sprintf("oracle: failed to seed: %v", err))
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}
