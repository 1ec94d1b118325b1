package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailureCounter_TripsAtThreshold(t *testing.T) {
	fc := NewFailureCounter(3)

	assert.False(t, fc.RecordFailure(1, 100))
	assert.False(t, fc.RecordFailure(1, 101))
	assert.True(t, fc.RecordFailure(1, 102), "third distinct failed event should trip")
	assert.Equal(t, 0, fc.Count(1), "tripping resets the streak")
}

func TestFailureCounter_SuccessResetsStreak(t *testing.T) {
	fc := NewFailureCounter(3)

	fc.RecordFailure(1, 100)
	fc.RecordFailure(1, 101)
	fc.RecordSuccess(1)

	assert.Equal(t, 0, fc.Count(1))
	assert.False(t, fc.RecordFailure(1, 102))
}

func TestFailureCounter_IndependentPerHandler(t *testing.T) {
	fc := NewFailureCounter(2)

	fc.RecordFailure(1, 100)

	assert.Equal(t, 1, fc.Count(1))
	assert.Equal(t, 0, fc.Count(2))
}

func TestFailureCounter_NonPositiveThresholdUsesDefault(t *testing.T) {
	fc := NewFailureCounter(0)

	assert.Equal(t, DefaultThreshold, fc.threshold)
}

func TestFailureCounter_RetryingSameEventNeverTrips(t *testing.T) {
	fc := NewFailureCounter(3)

	for i := 0; i < 10; i++ {
		assert.False(t, fc.RecordFailure(1, 100), "repeated failures on the same event id must not grow the streak")
	}

	assert.Equal(t, 1, fc.Count(1))
}

func TestFailureCounter_MixOfRepeatedAndDistinctEvents(t *testing.T) {
	fc := NewFailureCounter(3)

	assert.False(t, fc.RecordFailure(1, 100))
	assert.False(t, fc.RecordFailure(1, 100))
	assert.False(t, fc.RecordFailure(1, 101))
	assert.False(t, fc.RecordFailure(1, 101))
	assert.True(t, fc.RecordFailure(1, 102), "third distinct event id should trip even after repeats")
}
