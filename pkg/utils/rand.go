package utils

import (
	"math/rand/v2"
	"time"
)

// DurationBetween returns a uniformly random duration in [lo, hi].
func DurationBetween(lo, hi time.Duration) time.Duration {
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi == lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}

// IntBetween returns a uniformly random int in [lo, hi].
func IntBetween(lo, hi int) int {
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi == lo {
		return lo
	}
	return lo + rand.IntN(hi-lo+1)
}
