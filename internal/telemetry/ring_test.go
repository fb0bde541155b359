package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRingEvictsOldestBeyondCapacity(t *testing.T) {
	r := NewRing(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Push(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), RxTotal: int64(i)})
	}

	samples := r.Samples()
	assert.Len(t, samples, 3)
	assert.Equal(t, int64(2), samples[0].RxTotal)
	assert.Equal(t, int64(4), samples[2].RxTotal)
}

func TestRingLastEmpty(t *testing.T) {
	r := NewRing(3)
	_, ok := r.Last()
	assert.False(t, ok)
}

func TestRingLastReturnsMostRecent(t *testing.T) {
	r := NewRing(3)
	r.Push(Sample{RxTotal: 1})
	r.Push(Sample{RxTotal: 2})

	last, ok := r.Last()
	assert.True(t, ok)
	assert.Equal(t, int64(2), last.RxTotal)
}

func TestRingSamplesReturnsACopy(t *testing.T) {
	r := NewRing(3)
	r.Push(Sample{RxTotal: 1})

	samples := r.Samples()
	samples[0].RxTotal = 999

	fresh := r.Samples()
	assert.Equal(t, int64(1), fresh[0].RxTotal)
}
