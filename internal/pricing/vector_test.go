package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testVector(startTime int64) Vector {
	return Vector{
		StartTime:    startTime,
		BaseTime:     startTime,
		BasePrice:    1_000_000_000,
		GrowthRate:   36_500,
		StepDuration: 86_400,
	}
}

func startTimes(s *VectorSet) []int64 {
	live := s.Live()
	out := make([]int64, 0, len(live))
	for _, v := range live {
		out = append(out, v.StartTime)
	}
	return out
}

func TestVectorSetInsertValidation(t *testing.T) {
	now := int64(1_000)
	var set VectorSet

	require.ErrorIs(t, set.Insert(Vector{}, now), ErrZeroStartTime)
	require.ErrorIs(t, set.Insert(Vector{StartTime: 10, StepDuration: 60}, now), ErrZeroPrice)
	require.ErrorIs(t, set.Insert(Vector{StartTime: 10, BasePrice: 1}, now), ErrInvalidStepLength)

	require.NoError(t, set.Insert(testVector(100), now))
	require.ErrorIs(t, set.Insert(testVector(100), now), ErrDuplicateStartTime)
	require.ErrorIs(t, set.Insert(testVector(99), now), ErrOutOfOrder)
	require.NoError(t, set.Insert(testVector(101), now))
}

func TestVectorSetActiveAt(t *testing.T) {
	var set VectorSet
	require.NoError(t, set.Insert(testVector(100), 50))
	require.NoError(t, set.Insert(testVector(200), 50))
	require.NoError(t, set.Insert(testVector(300), 50))

	_, err := set.ActiveAt(99)
	require.ErrorIs(t, err, ErrNoActiveVector)

	for _, tc := range []struct {
		now  int64
		want int64
	}{
		{100, 100}, {199, 100}, {200, 200}, {250, 200}, {300, 300}, {1 << 40, 300},
	} {
		active, err := set.ActiveAt(tc.now)
		require.NoError(t, err)
		require.Equal(t, tc.want, active.StartTime, "active vector at %d", tc.now)
	}
}

func TestVectorSetCapacityAndGC(t *testing.T) {
	// All-future vectors are never collected, so the 11th insert hits the
	// capacity wall.
	var set VectorSet
	now := int64(10)
	for i := int64(1); i <= VectorSetCapacity; i++ {
		require.NoError(t, set.Insert(testVector(1_000+i), now))
	}
	require.ErrorIs(t, set.Insert(testVector(2_000), now), ErrVectorSetFull)

	// Advancing the clock makes older history collectable and frees slots.
	now = 1_000 + VectorSetCapacity
	require.NoError(t, set.Insert(testVector(2_000), now))
	require.Equal(t,
		[]int64{1_000 + VectorSetCapacity - 1, 1_000 + VectorSetCapacity, 2_000},
		startTimes(&set),
		"retained: previous, active, future")
}

func TestGarbageCollectionRetentionRule(t *testing.T) {
	var set VectorSet
	for _, start := range []int64{100, 200, 300, 400, 500} {
		require.NoError(t, set.Insert(testVector(start), 50))
	}

	// Inserting at now=350 makes 300 the active vector: 100 is discarded,
	// 200 survives as the immediately-prior vector, 400/500/600 are future.
	require.NoError(t, set.Insert(testVector(600), 350))
	require.Equal(t, []int64{200, 300, 400, 500, 600}, startTimes(&set))

	// A candidate whose start time has already arrived becomes the active
	// vector during collection: only the immediately preceding vector
	// survives alongside it.
	require.NoError(t, set.Insert(testVector(700), 700))
	require.Equal(t, []int64{600, 700}, startTimes(&set))
}

func TestVectorSetDelete(t *testing.T) {
	var set VectorSet
	for _, start := range []int64{100, 200, 300} {
		require.NoError(t, set.Insert(testVector(start), 50))
	}

	now := int64(210)
	require.ErrorIs(t, set.Delete(999, now), ErrVectorNotFound)
	require.ErrorIs(t, set.Delete(200, now), ErrVectorNotDeletable, "active vector is protected")
	require.ErrorIs(t, set.Delete(100, now), ErrVectorNotDeletable, "past vector is protected")

	require.NoError(t, set.Delete(300, now))
	require.Equal(t, []int64{100, 200}, startTimes(&set))

	// With every vector in the future, any of them may go.
	var futureOnly VectorSet
	require.NoError(t, futureOnly.Insert(testVector(500), 50))
	require.NoError(t, futureOnly.Delete(500, 50))
	require.Empty(t, startTimes(&futureOnly))
}

func TestVectorSetPriceAt(t *testing.T) {
	var set VectorSet
	flat := Vector{StartTime: 100, BaseTime: 100, BasePrice: 1_500_000_000, GrowthRate: 0, StepDuration: 60}
	require.NoError(t, set.Insert(flat, 50))

	price, err := set.PriceAt(150)
	require.NoError(t, err)
	require.Equal(t, uint64(1_500_000_000), price)

	_, err = set.PriceAt(99)
	require.ErrorIs(t, err, ErrNoActiveVector)
}
