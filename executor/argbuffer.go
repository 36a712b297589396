package executor

import "encoding/binary"

// BuildArgBuffer renders one GPU-tensor parameter's wire-format argument
// bytes per spec.md §6: `[pointer:8][size[0..rank-1]:rank*W][stride[0..rank-1]:rank*W]`,
// W = 4 for a 32-bit index type, else 8. Pure and deterministic: identical
// (ptr, sizes, strides, it) always produce an identical byte slice, which is
// spec.md §8 Testable Property #5.
func BuildArgBuffer(ptr uintptr, sizes, strides []int64, it indexWidth) []byte {
	w := it.Width()
	rank := len(sizes)
	buf := make([]byte, 8+2*rank*w)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ptr))

	off := 8
	for _, v := range sizes {
		writeIndex(buf[off:off+w], v, w)
		off += w
	}
	for _, v := range strides {
		writeIndex(buf[off:off+w], v, w)
		off += w
	}
	return buf
}

// RewriteArgBuffer overwrites buf's pointer/shape/stride fields in place
// (buf must already be sized for rank and it), so a repeat call touches
// only those 8+2*rank*w bytes and never reallocates or re-serializes
// scalar parameters (spec.md §8 E5).
func RewriteArgBuffer(buf []byte, ptr uintptr, sizes, strides []int64, it indexWidth) {
	w := it.Width()
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ptr))
	off := 8
	for _, v := range sizes {
		writeIndex(buf[off:off+w], v, w)
		off += w
	}
	for _, v := range strides {
		writeIndex(buf[off:off+w], v, w)
		off += w
	}
}

func writeIndex(b []byte, v int64, w int) {
	if w == 4 {
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		return
	}
	binary.LittleEndian.PutUint64(b, uint64(v))
}

// indexWidth is the minimal contract BuildArgBuffer needs from a kir.IndexType,
// kept narrow so this file has no dependency beyond encoding/binary.
type indexWidth interface {
	Width() int
}
