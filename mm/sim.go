package mm

import (
	"errors"
	"fmt"
)

var errKernelMap = errors.New("mm: the kernel address space cannot be remapped")

type space struct {
	refs  int
	root  int             // frame holding the top-level page table
	pages map[uintptr]int // virtual page number -> frame
}

// Simulator is a Provider backed by a flat array of simulated physical
// memory. Frames are handed out first-fit and reference counted so that
// shared mappings and stacks can be released independently.
//
// Frame 0 is reserved so that physical address 0 is never valid.
type Simulator struct {
	mem    []uint32
	frames []uint16 // reference count per frame; 0 means free

	spaces    map[AddressSpace]*space
	nextSpace AddressSpace
	active    AddressSpace
	switches  int
}

// NewSimulator returns a simulator with size bytes of physical memory,
// rounded down to whole pages.
func NewSimulator(size uint64) (*Simulator, error) {
	n := int(size >> PageShift)
	if n < 2 {
		return nil, fmt.Errorf("mm: %d bytes of physical memory is less than two pages", size)
	}
	s := &Simulator{
		mem:       make([]uint32, n*PageSize/4),
		frames:    make([]uint16, n),
		spaces:    make(map[AddressSpace]*space),
		nextSpace: KernelSpace + 1,
	}
	s.frames[0] = 1
	return s, nil
}

// Frames returns the total number of physical frames.
func (s *Simulator) Frames() int {
	return len(s.frames)
}

// FreeFrames returns the number of unallocated frames.
func (s *Simulator) FreeFrames() int {
	n := 0
	for _, r := range s.frames {
		if r == 0 {
			n++
		}
	}
	return n
}

// Switches returns how many times SwitchAddressSpace changed the active
// address space.
func (s *Simulator) Switches() int {
	return s.switches
}

// Active returns the current address space.
func (s *Simulator) Active() AddressSpace {
	return s.active
}

// Spaces returns the number of live address spaces, not counting the kernel.
func (s *Simulator) Spaces() int {
	return len(s.spaces)
}

// allocRun finds n free contiguous frames, first fit.
func (s *Simulator) allocRun(n int) (int, error) {
	run := 0
	for i := 1; i < len(s.frames); i++ {
		if s.frames[i] != 0 {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				s.frames[j] = 1
			}
			s.zero(start, n)
			return start, nil
		}
	}
	return 0, ErrNoMemory
}

func (s *Simulator) zero(frame, n int) {
	clear(s.mem[frame*PageSize/4 : (frame+n)*PageSize/4])
}

func (s *Simulator) release(frame int) {
	if s.frames[frame] == 0 {
		panic(fmt.Sprintf("mm: double free of frame %d", frame))
	}
	s.frames[frame]--
}

func (s *Simulator) AllocateStack(pages int) (Stack, error) {
	if pages <= 0 {
		return Stack{}, fmt.Errorf("mm: invalid stack size of %d pages", pages)
	}
	start, err := s.allocRun(pages + 1)
	if err != nil {
		return Stack{}, err
	}
	base := uintptr(start) << PageShift
	return Stack{
		Guard:  base,
		Bottom: base + PageSize,
		Top:    base + uintptr(pages+1)*PageSize,
	}, nil
}

func (s *Simulator) FreeStack(st Stack) {
	if st.Top == 0 {
		return
	}
	for f := int(st.Guard >> PageShift); f < int(st.Top>>PageShift); f++ {
		s.release(f)
	}
}

func (s *Simulator) CreateAddressSpace() (AddressSpace, error) {
	root, err := s.allocRun(1)
	if err != nil {
		return 0, err
	}
	as := s.nextSpace
	s.nextSpace++
	s.spaces[as] = &space{
		refs:  1,
		root:  root,
		pages: make(map[uintptr]int),
	}
	return as, nil
}

func (s *Simulator) ShareAddressSpace(as AddressSpace) AddressSpace {
	if sp := s.spaces[as]; sp != nil {
		sp.refs++
	}
	return as
}

func (s *Simulator) DestroyAddressSpace(as AddressSpace) {
	sp := s.spaces[as]
	if sp == nil {
		return
	}
	sp.refs--
	if sp.refs > 0 {
		return
	}
	for _, f := range sp.pages {
		s.release(f)
	}
	s.release(sp.root)
	delete(s.spaces, as)
	if s.active == as {
		s.active = KernelSpace
	}
}

func (s *Simulator) SwitchAddressSpace(as AddressSpace) {
	if as == s.active {
		return
	}
	s.active = as
	s.switches++
}

func (s *Simulator) lookup(as AddressSpace) (*space, error) {
	if as == KernelSpace {
		return nil, errKernelMap
	}
	sp := s.spaces[as]
	if sp == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSpace, as)
	}
	return sp, nil
}

func (s *Simulator) Map(as AddressSpace, va uintptr, pages int) error {
	sp, err := s.lookup(as)
	if err != nil {
		return err
	}
	if va%PageSize != 0 {
		return ErrAlignment
	}
	vpn := va >> PageShift
	for i := 0; i < pages; i++ {
		if _, ok := sp.pages[vpn+uintptr(i)]; ok {
			return fmt.Errorf("mm: %#x already mapped in %v", va+uintptr(i)*PageSize, as)
		}
	}
	frames := make([]int, 0, pages)
	for i := 0; i < pages; i++ {
		f, err := s.allocRun(1)
		if err != nil {
			for _, f := range frames {
				s.release(f)
			}
			return err
		}
		frames = append(frames, f)
	}
	for i, f := range frames {
		sp.pages[vpn+uintptr(i)] = f
	}
	return nil
}

func (s *Simulator) MapShared(dst AddressSpace, va uintptr, src AddressSpace, srcVA uintptr, pages int) error {
	dsp, err := s.lookup(dst)
	if err != nil {
		return err
	}
	ssp, err := s.lookup(src)
	if err != nil {
		return err
	}
	if va%PageSize != 0 || srcVA%PageSize != 0 {
		return ErrAlignment
	}
	vpn, svpn := va>>PageShift, srcVA>>PageShift
	for i := 0; i < pages; i++ {
		if _, ok := ssp.pages[svpn+uintptr(i)]; !ok {
			return fmt.Errorf("%w: %#x in %v", ErrFault, srcVA+uintptr(i)*PageSize, src)
		}
		if _, ok := dsp.pages[vpn+uintptr(i)]; ok {
			return fmt.Errorf("mm: %#x already mapped in %v", va+uintptr(i)*PageSize, dst)
		}
	}
	for i := 0; i < pages; i++ {
		f := ssp.pages[svpn+uintptr(i)]
		s.frames[f]++
		dsp.pages[vpn+uintptr(i)] = f
	}
	return nil
}

func (s *Simulator) Translate(as AddressSpace, va uintptr) (PhysAddr, error) {
	if as == KernelSpace {
		if va == 0 || va >= uintptr(len(s.frames))<<PageShift {
			return 0, fmt.Errorf("%w: %#x in %v", ErrFault, va, as)
		}
		return PhysAddr(va), nil
	}
	sp := s.spaces[as]
	if sp == nil {
		return 0, fmt.Errorf("%w: %v", ErrNoSpace, as)
	}
	f, ok := sp.pages[va>>PageShift]
	if !ok {
		return 0, fmt.Errorf("%w: %#x in %v", ErrFault, va, as)
	}
	return PhysAddr(uintptr(f)<<PageShift | va&(PageSize-1)), nil
}

func (s *Simulator) word(pa PhysAddr) (*uint32, error) {
	if pa%4 != 0 {
		return nil, ErrAlignment
	}
	i := int(pa / 4)
	if pa < PageSize || i >= len(s.mem) {
		return nil, fmt.Errorf("%w: physical %#x", ErrFault, uintptr(pa))
	}
	return &s.mem[i], nil
}

// The simulated CPU is the only agent touching memory and it is serialized by
// the kernel lock, so plain loads and stores are atomic.

func (s *Simulator) Load32(pa PhysAddr) (uint32, error) {
	p, err := s.word(pa)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

func (s *Simulator) Store32(pa PhysAddr, v uint32) error {
	p, err := s.word(pa)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (s *Simulator) CompareAndSwap32(pa PhysAddr, old, new uint32) (bool, error) {
	p, err := s.word(pa)
	if err != nil {
		return false, err
	}
	if *p != old {
		return false, nil
	}
	*p = new
	return true, nil
}

func (s *Simulator) Add32(pa PhysAddr, delta uint32) (uint32, error) {
	p, err := s.word(pa)
	if err != nil {
		return 0, err
	}
	*p += delta
	return *p, nil
}

func (s *Simulator) Swap32(pa PhysAddr, v uint32) (uint32, error) {
	p, err := s.word(pa)
	if err != nil {
		return 0, err
	}
	old := *p
	*p = v
	return old, nil
}
