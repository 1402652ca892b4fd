package version

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstants(t *testing.T) {
	assert.Equal(t, uint64(62), Base)
	assert.Equal(t, uint64(62*62*62*62*62*62-1), MaxNumber)

	max, err := FromNumber(MaxNumber)
	require.NoError(t, err)
	assert.Equal(t, Max, max)

	zero, err := FromNumber(0)
	require.NoError(t, err)
	assert.Equal(t, Zero, zero)
}

func TestFromNumberKnownValues(t *testing.T) {
	tests := []struct {
		n        uint64
		expected string
	}{
		{1, "000001"},
		{9, "000009"},
		{10, "00000A"},
		{35, "00000Z"},
		{36, "00000a"},
		{61, "00000z"},
		{62, "000010"},
		{3844, "000100"},
	}
	for _, tt := range tests {
		v, err := FromNumber(tt.n)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, v)

		n, err := ToNumber(tt.expected)
		require.NoError(t, err)
		assert.Equal(t, tt.n, n)
	}
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	samples := []uint64{0, 1, 61, 62, MaxNumber - 1, MaxNumber}
	for i := 0; i < 1000; i++ {
		samples = append(samples, uint64(rng.Int63n(int64(MaxNumber)+1)))
	}
	for _, n := range samples {
		v, err := FromNumber(n)
		require.NoError(t, err)
		back, err := ToNumber(v)
		require.NoError(t, err)
		assert.Equal(t, n, back)

		again, err := FromNumber(back)
		require.NoError(t, err)
		assert.Equal(t, v, again)
	}
}

func TestStringOrderMatchesNumericOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	nums := make([]uint64, 500)
	strs := make([]string, 500)
	for i := range nums {
		nums[i] = uint64(rng.Int63n(int64(MaxNumber) + 1))
		strs[i] = MustFromNumber(nums[i])
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	sort.Strings(strs)
	for i := range nums {
		assert.Equal(t, MustFromNumber(nums[i]), strs[i])
	}
}

func TestIncrementDecrementInverse(t *testing.T) {
	for _, v := range []string{"000000", "000009", "00000z", "0000zz", "Zzzzzz", "zzzzzy"} {
		next, err := Increment(v)
		require.NoError(t, err)
		prev, err := Decrement(next)
		require.NoError(t, err)
		assert.Equal(t, v, prev)

		a, _ := ToNumber(v)
		b, _ := ToNumber(next)
		assert.Equal(t, a+1, b)
	}
}

func TestIncrementCarries(t *testing.T) {
	v, err := Increment("00000z")
	require.NoError(t, err)
	assert.Equal(t, "000010", v)

	v, err = Decrement("000010")
	require.NoError(t, err)
	assert.Equal(t, "00000z", v)
}

func TestBoundaries(t *testing.T) {
	_, err := Increment(Max)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Decrement(Zero)
	assert.ErrorIs(t, err, ErrUnderflow)

	_, err = FromNumber(MaxNumber + 1)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("000000"))
	assert.True(t, IsValid("aZ09zz"))
	assert.False(t, IsValid(""))
	assert.False(t, IsValid("00000"))
	assert.False(t, IsValid("0000000"))
	assert.False(t, IsValid("00000-"))
	assert.False(t, IsValid("00000é"))

	_, err := ToNumber("bad")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Increment("00000_")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare("000009", "00000A"))
	assert.Equal(t, 1, Compare("00000a", "00000Z"))
	assert.Equal(t, 0, Compare("000001", "000001"))
}
