package host

/*
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"unsafe"
)

// Alignment of the memory returned by the host runtime, matching what device drivers guarantee for workspace memory.
const Alignment = 32

const wordSize = unsafe.Sizeof(uintptr(0))

// alignedAlloc returns size bytes of zeroed C heap memory starting at a multiple of alignment, or nil if the C heap
// is exhausted. alignment must be a multiple of the word size. Release it with alignedFree.
//
// Layout: [calloc base ... padding ... | base address (one word) | aligned memory ...]
func alignedAlloc(size, alignment uintptr) unsafe.Pointer {
	if alignment < wordSize || alignment%wordSize != 0 {
		panic(fmt.Sprintf("alignedAlloc: alignment must be a multiple of %d, got %d", wordSize, alignment))
	}
	base := C.calloc(C.size_t(size+alignment), 1)
	if base == nil {
		return nil
	}
	// calloc is word aligned, so the header word plus the padding never exceed alignment.
	pad := (alignment - (uintptr(base)+wordSize)%alignment) % alignment
	aligned := unsafe.Add(base, wordSize+pad)
	*(*uintptr)(unsafe.Add(aligned, -int(wordSize))) = uintptr(base)
	return aligned
}

// alignedFree releases memory returned by alignedAlloc.
func alignedFree(ptr unsafe.Pointer) {
	base := *(*uintptr)(unsafe.Add(ptr, -int(wordSize)))
	C.free(unsafe.Pointer(base))
}
