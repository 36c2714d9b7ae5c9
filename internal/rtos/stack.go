package rtos

import (
	"fmt"

	"github.com/dshills/rtosview/internal/renderer/table"
)

// StackInfo is the raw stack metadata of one thread. Stacks grow down:
// Start is the lowest address of the stack region and Top the current
// stack pointer. Optional fields are nil when unknown.
type StackInfo struct {
	Start uint64
	Top   uint64
	End   *uint64
	Size  *uint64
	Used  *uint64
	Free  *uint64
	Peak  *uint64
	// Bytes is a raw capture of the region from Start, when one was taken.
	Bytes []byte
}

// Uint64 returns a pointer to v, for filling optional StackInfo fields.
func Uint64(v uint64) *uint64 {
	return &v
}

// Complete returns a copy of s with End, Size, Used and Free derived from
// whatever bounds are known. Fields already set are kept.
func (s StackInfo) Complete() StackInfo {
	if s.End == nil && s.Size != nil {
		s.End = Uint64(s.Start + *s.Size)
	}
	if s.Size == nil && s.End != nil && *s.End >= s.Start {
		s.Size = Uint64(*s.End - s.Start)
	}
	if s.End != nil && s.Top >= s.Start && s.Top <= *s.End {
		if s.Used == nil {
			s.Used = Uint64(*s.End - s.Top)
		}
		if s.Free == nil {
			s.Free = Uint64(s.Top - s.Start)
		}
	}
	return s
}

// PeakFromFill computes peak usage from the captured bytes. Kernels paint
// a new stack with a fill byte; bytes still holding it from the low end
// were never touched. The result is stored in s.Peak and returned. It is
// nil when no capture was taken.
func (s *StackInfo) PeakFromFill(fill byte) *uint64 {
	if len(s.Bytes) == 0 {
		return nil
	}
	untouched := 0
	for untouched < len(s.Bytes) && s.Bytes[untouched] == fill {
		untouched++
	}
	size := uint64(len(s.Bytes))
	if s.Size != nil && *s.Size > size {
		size = *s.Size
	}
	s.Peak = Uint64(size - uint64(untouched))
	return s.Peak
}

// Column names of the derived stack fields.
const (
	FieldStackStart = table.FieldStackStart
	FieldStackTop   = "StackTop"
	FieldStackEnd   = "StackEnd"
	FieldStackSize  = "StackSize"
	FieldStackUsed  = "StackUsed"
	FieldStackFree  = "StackFree"
	FieldStackPeak  = "StackPeak"
)

// Record returns the stack fields in display form, keyed by the column
// names variants conventionally use. Unknown values are omitted.
func (s StackInfo) Record() map[string]string {
	out := map[string]string{
		FieldStackStart: hex(s.Start),
		FieldStackTop:   hex(s.Top),
	}
	if s.End != nil {
		out[FieldStackEnd] = hex(*s.End)
	}
	for name, p := range map[string]*uint64{
		FieldStackSize: s.Size,
		FieldStackUsed: s.Used,
		FieldStackFree: s.Free,
		FieldStackPeak: s.Peak,
	} {
		if p != nil {
			out[name] = fmt.Sprintf("%d", *p)
		}
	}
	return out
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%08x", v)
}
