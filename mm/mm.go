// Package mm is the contract between the scheduler and the memory manager,
// plus a simulated implementation of it.
//
// The scheduler only allocates kernel stacks, creates and destroys address
// spaces and switches between them. The futex table additionally translates
// virtual addresses to physical ones and performs word-sized atomic
// operations on physical memory.
package mm

import (
	"errors"
	"fmt"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

var (
	ErrNoMemory  = errors.New("mm: out of physical memory")
	ErrFault     = errors.New("mm: address not mapped")
	ErrAlignment = errors.New("mm: misaligned access")
	ErrNoSpace   = errors.New("mm: no such address space")
)

// PhysAddr is a physical memory address.
type PhysAddr uintptr

// AddressSpace is an opaque handle to a set of page tables.
type AddressSpace uint32

// KernelSpace is the address space shared by every kernel activation. It
// identity-maps physical memory and is never destroyed.
const KernelSpace AddressSpace = 0

func (as AddressSpace) String() string {
	if as == KernelSpace {
		return "kernel"
	}
	return fmt.Sprintf("as%d", uint32(as))
}

// Stack is a kernel stack. Guard is the lowest page of the allocation and is
// never mapped; the usable stack is [Bottom, Top).
type Stack struct {
	Guard  uintptr
	Bottom uintptr
	Top    uintptr
}

// Size returns the usable size of the stack in bytes.
func (s Stack) Size() uintptr {
	return s.Top - s.Bottom
}

// Contains reports whether addr lies in the usable part of the stack.
func (s Stack) Contains(addr uintptr) bool {
	return addr >= s.Bottom && addr < s.Top
}

// Provider is implemented by the memory manager.
//
// All methods are called with the big kernel lock held.
type Provider interface {
	// AllocateStack allocates pages of kernel stack plus a guard page.
	AllocateStack(pages int) (Stack, error)
	FreeStack(Stack)

	CreateAddressSpace() (AddressSpace, error)
	// ShareAddressSpace returns another reference to as. Each reference is
	// released by one call to DestroyAddressSpace.
	ShareAddressSpace(as AddressSpace) AddressSpace
	DestroyAddressSpace(as AddressSpace)
	// SwitchAddressSpace makes as the active address space.
	SwitchAddressSpace(as AddressSpace)

	// Map backs pages pages of fresh zeroed memory at va in as.
	Map(as AddressSpace, va uintptr, pages int) error
	// MapShared maps the frames backing srcVA in src at va in dst.
	MapShared(dst AddressSpace, va uintptr, src AddressSpace, srcVA uintptr, pages int) error
	Translate(as AddressSpace, va uintptr) (PhysAddr, error)

	Load32(pa PhysAddr) (uint32, error)
	Store32(pa PhysAddr, v uint32) error
	CompareAndSwap32(pa PhysAddr, old, new uint32) (bool, error)
	Add32(pa PhysAddr, delta uint32) (uint32, error)
	Swap32(pa PhysAddr, v uint32) (uint32, error)
}
