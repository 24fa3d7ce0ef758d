package safeconv

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntSliceToUint32Slice(t *testing.T) {
	assert.Equal(t, []uint32{0, 5, math.MaxUint32}, IntSliceToUint32Slice([]int{-3, 5, math.MaxUint32 + 10}))
}

func TestDurationConversions(t *testing.T) {
	assert.Equal(t, uint64(0), DurationToU64(-time.Second))
	assert.Equal(t, uint64(1500), DurationToU64(1500*time.Nanosecond))
	assert.Equal(t, time.Duration(math.MaxInt64), U64ToDuration(math.MaxUint64))
	assert.Equal(t, 2*time.Millisecond, U64ToDuration(2_000_000))
}
