package helpers

import (
	"math/rand"
	"time"
)

// RandUnix is predictable source good enough for tests and frame masks in tests.
func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// RandSeed returns reproducible source, use to replay failed property tests.
func RandSeed(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
