package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClock_New_DefaultCapacity(t *testing.T) {
	c := New(0)
	require.NotNil(t, c)
	require.Equal(t, 1, c.Capacity())
	require.Equal(t, 0, c.Size())
}

func TestClock_Touch_MakesPresent(t *testing.T) {
	c := New(3)

	// First touch on an id -> becomes present, ref stays false, not
	// evictable yet (Size only counts evictable slots).
	c.Touch(1)
	require.Equal(t, 0, c.Size())

	// Setting evictable for present slot should increase size.
	c.SetEvictable(1, true)
	require.Equal(t, 1, c.Size())

	// Setting again same value should not change size.
	c.SetEvictable(1, true)
	require.Equal(t, 1, c.Size())

	// Set back to non-evictable
	c.SetEvictable(1, false)
	require.Equal(t, 0, c.Size())
}

func TestClock_SetEvictable_UnknownSlotIgnored(t *testing.T) {
	c := New(2)

	// Not touched yet -> not present, SetEvictable should be ignored.
	c.SetEvictable(0, true)
	require.Equal(t, 0, c.Size())

	// Touch then SetEvictable works.
	c.Touch(0)
	c.SetEvictable(0, true)
	require.Equal(t, 1, c.Size())
}

func TestClock_Evict_NoneEvictable(t *testing.T) {
	c := New(2)

	// Present but not evictable.
	c.Touch(0)
	c.Touch(1)

	id, ok := c.Evict()
	require.False(t, ok)
	require.Equal(t, -1, id)
	require.Equal(t, 0, c.Size())
}

func TestClock_Evict_SecondChanceAndRemovesVictim(t *testing.T) {
	c := New(3)

	// Make 0,1,2 present and evictable. Each is touched for the first
	// time, so ref stays false on all three.
	for i := 0; i < 3; i++ {
		c.Touch(i)
		c.SetEvictable(i, true)
	}
	require.Equal(t, 3, c.Size())

	// First eviction: every ref bit is false, so the hand evicts the
	// first present+evictable slot it sweeps over without a second pass.
	v1, ok := c.Evict()
	require.True(t, ok)
	require.GreaterOrEqual(t, v1, 0)
	require.Less(t, v1, 3)
	require.Equal(t, 2, c.Size())

	// Ensure victim is removed: it should never be evicted again.
	v2, ok := c.Evict()
	require.True(t, ok)
	require.NotEqual(t, v1, v2)
	require.Equal(t, 1, c.Size())

	v3, ok := c.Evict()
	require.True(t, ok)
	require.NotEqual(t, v1, v3)
	require.NotEqual(t, v2, v3)
	require.Equal(t, 0, c.Size())

	// Nothing left
	v4, ok := c.Evict()
	require.False(t, ok)
	require.Equal(t, -1, v4)
}

func TestClock_Evict_RespectsRefBit(t *testing.T) {
	c := New(2)

	// First touch leaves ref=false on both.
	c.Touch(0)
	c.Touch(1)
	c.SetEvictable(0, true)
	c.SetEvictable(1, true)
	require.Equal(t, 2, c.Size())

	// Touch(0) again: now present already, so this one sets ref=true and
	// gives it a second chance over 1.
	c.Touch(0)

	// Evict one.
	// - some victim is returned
	// - size decreases
	// - victim removed and cannot be evicted again
	v, ok := c.Evict()
	require.True(t, ok)
	require.Contains(t, []int{0, 1}, v)
	require.Equal(t, 1, c.Size())

	// Next evict should return the other one
	v2, ok := c.Evict()
	require.True(t, ok)
	require.NotEqual(t, v, v2)
	require.Equal(t, 0, c.Size())
}

func TestClock_Remove_DecrementsSizeIfEvictable(t *testing.T) {
	c := New(3)

	c.Touch(0)
	c.Touch(1)
	c.SetEvictable(0, true)
	c.SetEvictable(1, true)
	require.Equal(t, 2, c.Size())

	// Remove evictable slot -> size decrements
	c.Remove(0)
	require.Equal(t, 1, c.Size())

	// Remove again is no-op
	c.Remove(0)
	require.Equal(t, 1, c.Size())

	// Remove non-evictable present slot -> size unchanged
	c.Touch(2)
	require.Equal(t, 1, c.Size())
	c.Remove(2)
	require.Equal(t, 1, c.Size())
}

func TestClock_Touch_OnlyGrantsSecondChanceOnRepeatTouch(t *testing.T) {
	c := New(2)

	// Both slots are touched for the first time: ref stays false on both.
	c.Touch(0)
	c.SetEvictable(0, true)
	c.Touch(1)
	c.SetEvictable(1, true)

	// Re-touching 0 (already present) gives it a second chance; 1's ref
	// bit is still false from its single, first touch.
	c.Touch(0)

	// The hand sweeps from 0: idx0 has ref=true so it's spared and
	// cleared, idx1 has ref=false so it is evicted first. A Touch that
	// set ref=true on first insertion (the old bug) would instead spare
	// both on the first pass and evict idx0 on the second.
	v, ok := c.Evict()
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 1, c.Size())

	v2, ok := c.Evict()
	require.True(t, ok)
	require.Equal(t, 0, v2)
	require.Equal(t, 0, c.Size())
}

func TestClock_BoundsChecks(t *testing.T) {
	c := New(2)

	// Out of range should not panic / change size
	c.Touch(-1)
	c.Touch(2)
	c.SetEvictable(-1, true)
	c.SetEvictable(2, true)
	c.Remove(-1)
	c.Remove(2)

	require.Equal(t, 0, c.Size())
}
