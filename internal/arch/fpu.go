package arch

import "golang.org/x/sys/cpu"

// Size in bytes of the register save area, laid out the way the host's
// XSAVE/FXSAVE (or the AArch64 V register file) would need it.
var saveAreaSize = hostSaveAreaSize()

func hostSaveAreaSize() int {
	switch {
	case cpu.X86.HasAVX512F:
		return 2688
	case cpu.X86.HasAVX:
		return 832
	case cpu.ARM64.HasASIMD:
		return 528 // 32 x 128-bit V registers + FPSR/FPCR
	default:
		return 512 // legacy FXSAVE area
	}
}

// SaveAreaSize returns the size of an FPUState in bytes.
func SaveAreaSize() int {
	return saveAreaSize
}

// FPUState is a saved copy of the floating point / vector register file.
// The zero value is an all-zero register file.
type FPUState struct {
	words []uint64
}

// NewFPUState returns a zeroed register file sized for the host.
func NewFPUState() FPUState {
	return FPUState{words: make([]uint64, saveAreaSize/8)}
}

func (f *FPUState) grow() {
	if f.words == nil {
		f.words = make([]uint64, saveAreaSize/8)
	}
}

// Reg returns the 64-bit word at index i of the save area.
func (f *FPUState) Reg(i int) uint64 {
	if f.words == nil {
		return 0
	}
	return f.words[i]
}

// SetReg stores v at index i of the save area.
func (f *FPUState) SetReg(i int, v uint64) {
	f.grow()
	f.words[i] = v
}

// CopyFrom overwrites f with the contents of src.
func (f *FPUState) CopyFrom(src *FPUState) {
	f.grow()
	if src.words == nil {
		clear(f.words)
		return
	}
	copy(f.words, src.words)
}

// Equal reports whether both register files hold the same values.
func (f *FPUState) Equal(o *FPUState) bool {
	for i := 0; i < saveAreaSize/8; i++ {
		if f.Reg(i) != o.Reg(i) {
			return false
		}
	}
	return true
}

// NumRegs returns the number of 64-bit words in the save area.
func (f *FPUState) NumRegs() int {
	return saveAreaSize / 8
}
