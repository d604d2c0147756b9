package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goflamecore/goflame/sample"
)

func TestPidFilterValue(t *testing.T) {
	require.EqualValues(t, sample.NoPIDFilter, pidFilterValue(0))
	require.EqualValues(t, sample.NoPIDFilter, pidFilterValue(-1))
	require.EqualValues(t, 1234, pidFilterValue(1234))
}

func TestTracedAddressesTrimsTrailingZeros(t *testing.T) {
	var stack [sample.MaxStackDepth]uint64
	stack[0] = 0x1000
	stack[1] = 0x2000
	stack[2] = 0x3000
	// remaining entries are zero, as a partially filled kernel stack
	// buffer would leave them.

	got := tracedAddresses(stack)
	require.Equal(t, []uint64{0x1000, 0x2000, 0x3000}, got)
}

func TestTracedAddressesFullDepth(t *testing.T) {
	var stack [sample.MaxStackDepth]uint64
	for i := range stack {
		stack[i] = uint64(i + 1)
	}
	got := tracedAddresses(stack)
	require.Len(t, got, sample.MaxStackDepth)
}

func TestTracedAddressesEmpty(t *testing.T) {
	var stack [sample.MaxStackDepth]uint64
	got := tracedAddresses(stack)
	require.Empty(t, got)
}

func TestResolveStackSentinelNeverTouchesMaps(t *testing.T) {
	s := &Session{}
	pcs, err := s.ResolveStack(sample.NoStack, sample.OnCPU)
	require.NoError(t, err)
	require.Nil(t, pcs)

	pcs, err = s.ResolveStack(sample.NoStack, sample.OffCPU)
	require.NoError(t, err)
	require.Nil(t, pcs)
}

func TestStackTraceMapNilWhenNoObjectsLoaded(t *testing.T) {
	s := &Session{}
	require.Nil(t, s.stackTraceMap(sample.OnCPU))
	require.Nil(t, s.stackTraceMap(sample.OffCPU))
}

func TestSessionNotStartedByDefault(t *testing.T) {
	s := &Session{}
	require.False(t, s.Started())
}
