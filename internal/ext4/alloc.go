package ext4

import (
	"vmimage/internal/allocator"
	"vmimage/internal/vmerr"
)

// bitmapAllocator adapts internal/allocator.IndexedAllocator's
// lowest-clear-bit policy to ext4's inode and block bitmaps: the same
// "hand out the lowest free index, track it in a bitmap" shape the
// address allocator already implements for IPv4 host offsets. ext4
// additionally needs the raw bitmap bytes to serialize into the image,
// which IndexedAllocator doesn't expose, so this type mirrors every
// allocation into its own byte-level bitmap alongside delegating the
// selection policy.
type bitmapAllocator struct {
	alloc  *allocator.IndexedAllocator
	bitmap []byte // one bit per index, serialized verbatim into the image
	base   uint32 // first valid index (1 for the inode bitmap, which has no index 0)
}

func newBitmapAllocator(base, size uint32) (*bitmapAllocator, error) {
	a, err := allocator.NewIndexed(base, size,
		func(index uint32) (allocator.Address, error) { return base + index, nil },
		func(addr allocator.Address) (uint32, bool) {
			if addr < base {
				return 0, false
			}
			return addr - base, true
		},
	)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "build ext4 bitmap allocator")
	}
	return &bitmapAllocator{alloc: a, bitmap: make([]byte, (size+7)/8), base: base}, nil
}

// allocate hands out the lowest free address and marks it in the
// serialized bitmap.
func (b *bitmapAllocator) allocate() (uint32, error) {
	addr, err := b.alloc.Allocate()
	if err != nil {
		return 0, vmerr.Wrap(vmerr.KindInvalidState, err, "allocate ext4 address")
	}
	b.markUsed(addr)
	return addr, nil
}

// reserve marks addr used without going through the free-index search,
// for fixed-position structures (superblock, group descriptor, bitmaps,
// inode table, reserved inodes) that must land at a specific address.
func (b *bitmapAllocator) reserve(addr uint32) error {
	if err := b.alloc.Reserve(addr); err != nil {
		return vmerr.Wrap(vmerr.KindInvalidState, err, "reserve ext4 address")
	}
	b.markUsed(addr)
	return nil
}

func (b *bitmapAllocator) markUsed(addr uint32) {
	idx := addr - b.base
	b.bitmap[idx/8] |= 1 << (idx % 8)
}

func (b *bitmapAllocator) inUse() uint32 {
	return b.alloc.InUse()
}
