package gontpc

import (
	"math"
	"time"
)

func secondToDuration(a float64) time.Duration {
	return time.Duration(a * float64(time.Second))
}

// log2ToDuration expands the poll and precision fields, which hold log2
// seconds.
func log2ToDuration(a int8) time.Duration {
	return secondToDuration(math.Ldexp(1, int(a)))
}
