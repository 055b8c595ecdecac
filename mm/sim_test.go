package mm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSim(t *testing.T, pages int) *Simulator {
	t.Helper()
	s, err := NewSimulator(uint64(pages * PageSize))
	require.NoError(t, err)
	return s
}

func TestStackGuardPage(t *testing.T) {
	s := newSim(t, 16)
	st, err := s.AllocateStack(2)
	require.NoError(t, err)

	assert.Equal(t, st.Guard+PageSize, st.Bottom)
	assert.Equal(t, uintptr(2*PageSize), st.Size())
	assert.False(t, st.Contains(st.Guard))
	assert.True(t, st.Contains(st.Top-1))
	assert.Equal(t, 16-1-3, s.FreeFrames())

	s.FreeStack(st)
	assert.Equal(t, 15, s.FreeFrames())
}

func TestOutOfMemory(t *testing.T) {
	s := newSim(t, 4) // frame 0 is reserved, three usable
	_, err := s.AllocateStack(3)
	assert.ErrorIs(t, err, ErrNoMemory)

	st, err := s.AllocateStack(2)
	require.NoError(t, err)
	_, err = s.CreateAddressSpace()
	assert.ErrorIs(t, err, ErrNoMemory)

	s.FreeStack(st)
	as, err := s.CreateAddressSpace()
	require.NoError(t, err)
	err = s.Map(as, 0x10000, 3)
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, 2, s.FreeFrames(), "failed Map must not leak frames")
}

func TestAddressSpaceRefcount(t *testing.T) {
	s := newSim(t, 32)
	as, err := s.CreateAddressSpace()
	require.NoError(t, err)
	require.NoError(t, s.Map(as, 0x40000, 2))
	free := s.FreeFrames()

	s.ShareAddressSpace(as)
	s.DestroyAddressSpace(as)
	assert.Equal(t, 1, s.Spaces(), "space destroyed while still referenced")
	assert.Equal(t, free, s.FreeFrames())

	s.DestroyAddressSpace(as)
	assert.Equal(t, 0, s.Spaces())
	assert.Equal(t, free+3, s.FreeFrames())
}

func TestSwitchCounting(t *testing.T) {
	s := newSim(t, 8)
	a, _ := s.CreateAddressSpace()
	b, _ := s.CreateAddressSpace()

	s.SwitchAddressSpace(a)
	s.SwitchAddressSpace(a)
	s.SwitchAddressSpace(b)
	s.SwitchAddressSpace(KernelSpace)
	assert.Equal(t, 3, s.Switches())
	assert.Equal(t, KernelSpace, s.Active())
}

func TestTranslateAndAtomics(t *testing.T) {
	s := newSim(t, 32)
	a, _ := s.CreateAddressSpace()
	b, _ := s.CreateAddressSpace()
	require.NoError(t, s.Map(a, 0x40000, 1))
	require.NoError(t, s.MapShared(b, 0x80000, a, 0x40000, 1))

	pa, err := s.Translate(a, 0x40010)
	require.NoError(t, err)
	pb, err := s.Translate(b, 0x80010)
	require.NoError(t, err)
	assert.Equal(t, pa, pb, "shared mapping must translate to the same frame")

	require.NoError(t, s.Store32(pa, 7))
	v, err := s.Load32(pb)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v)

	ok, err := s.CompareAndSwap32(pa, 6, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _ = s.CompareAndSwap32(pa, 7, 1)
	assert.True(t, ok)

	n, _ := s.Add32(pa, 2)
	assert.Equal(t, uint32(3), n)
	old, _ := s.Swap32(pa, 0)
	assert.Equal(t, uint32(3), old)

	_, err = s.Translate(a, 0x50000)
	assert.ErrorIs(t, err, ErrFault)
	_, err = s.Load32(pa + 2)
	assert.ErrorIs(t, err, ErrAlignment)
	_, err = s.Load32(0)
	assert.ErrorIs(t, err, ErrFault)
}

func TestKernelSpace(t *testing.T) {
	s := newSim(t, 8)
	pa, err := s.Translate(KernelSpace, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, PhysAddr(0x1234), pa)

	_, err = s.Translate(KernelSpace, 8*PageSize)
	assert.ErrorIs(t, err, ErrFault)
	assert.Error(t, s.Map(KernelSpace, 0x1000, 1))

	// Sharing and destroying the kernel space are no-ops.
	assert.Equal(t, KernelSpace, s.ShareAddressSpace(KernelSpace))
	s.DestroyAddressSpace(KernelSpace)
}
