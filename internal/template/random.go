package template

import "math/rand"

// RandomSource is the entropy a render draws from. *rand.Rand satisfies it.
// Implementations are not required to be safe for concurrent use; each job
// owns its own source.
type RandomSource interface {
	Intn(n int) int
	Int63() int64
	Float64() float64
	Read(p []byte) (n int, err error)
}

// NewRandom returns a seeded, non-shared random source.
func NewRandom(seed int64) RandomSource {
	return rand.New(rand.NewSource(seed))
}
