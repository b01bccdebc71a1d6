package ext4

import (
	"io"
	"os"
	"sort"
	"time"

	"vmimage/internal/vmerr"
)

// maxExtentsPerInode is the number of extents that fit inline in an
// inode's iBlock area (60 bytes == extent header + 4 extents). Files
// needing more fragments than this would require an extent tree with
// interior nodes, which this writer does not build; spec.md §4.G scopes
// component G to container root filesystems, not arbitrarily
// fragmented multi-gigabyte files.
const maxExtentsPerInode = 4

// maxExtentLen is the largest block run a single ext4 extent can
// describe (the top bit of ee_len is reserved for the unwritten-extent
// flag, unused here).
const maxExtentLen = 32768

// maxBlocksPerGroup bounds this writer to a single block group: one
// block-bitmap block can describe at most 8*blockSize blocks. Larger
// images would need multiple group descriptors and per-group bitmaps,
// which this writer does not build (see maxExtentsPerInode for the
// matching per-file scope limit).
const maxBlocksPerGroup = 8 * blockSize

// Options configures Write.
type Options struct {
	// MinSizeBytes pads the produced image to at least this size,
	// leaving room for later growth without requiring an online resize.
	// The image is written sparse, so padding costs no disk space until
	// written to.
	MinSizeBytes int64

	// VolumeLabel is stamped into the superblock (s_volume_name, 16
	// bytes, truncated if longer).
	VolumeLabel string
}

// Write builds an ext4 filesystem image at path from layers applied in
// order (each a gzip-compressed OCI tar stream), per spec.md §4.G.
func Write(path string, layers []io.Reader, opts Options) error {
	t := newTree()
	for _, layer := range layers {
		if err := t.applyLayer(layer); err != nil {
			return err
		}
	}

	b, err := build(t, opts)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return vmerr.Wrap(vmerr.KindInternal, err, "create ext4 image file")
	}
	defer f.Close()

	if err := f.Truncate(b.imageSize); err != nil {
		return vmerr.Wrap(vmerr.KindInternal, err, "size ext4 image file")
	}
	for _, w := range b.writes {
		if _, err := f.WriteAt(w.data, w.offset); err != nil {
			return vmerr.Wrap(vmerr.KindInternal, err, "write ext4 image region")
		}
	}
	return nil
}

// pendingWrite is one serialized region of the image, written via
// WriteAt so unused ranges stay sparse holes rather than zero-filled.
type pendingWrite struct {
	offset int64
	data   []byte
}

type built struct {
	imageSize int64
	writes    []pendingWrite
}

// build walks t's tree assigning inode numbers and allocating blocks,
// then serializes every structure (superblock, group descriptor,
// bitmaps, inode table, data/directory/xattr blocks) into a set of
// writes at their final file offsets.
func build(t *tree, opts Options) (*built, error) {
	files := flatten(t)

	inodesNeeded := uint32(len(files)) + firstNonReservedInode - 1
	if inodesNeeded > maxBlocksPerGroup {
		return nil, vmerr.Newf(vmerr.KindUnsupported, "image needs %d inodes, exceeding the %d-inode single-group limit", inodesNeeded, maxBlocksPerGroup)
	}
	dataBlocksEstimate := estimateDataBlocks(files)
	// Reserve generous headroom (metadata blocks + a third for growth)
	// since a single pass can't know the exact block count before
	// allocation; unused trailing blocks are simply never referenced by
	// any inode or marked in the free-space accounting below.
	blocksNeeded := uint32(6+dataBlocksEstimate) + dataBlocksEstimate/2 + 256

	inodeTableBlocks := (inodesNeeded*inodeSize + blockSize - 1) / blockSize
	// Fixed layout: block 0 boot sector, block 1 superblock+padding,
	// block 2 group descriptor, block 3 block bitmap, block 4 inode
	// bitmap, blocks 5..5+inodeTableBlocks-1 inode table, data after.
	const (
		blkSuperblock = 1
		blkGroupDesc  = 2
		blkBlockBmp   = 3
		blkInodeBmp   = 4
	)
	firstDataBlockNum := blkInodeBmp + 1 + inodeTableBlocks

	totalBlocks := firstDataBlockNum + blocksNeeded
	if minBlocks := uint32((opts.MinSizeBytes + blockSize - 1) / blockSize); minBlocks > totalBlocks {
		totalBlocks = minBlocks
	}
	if totalBlocks > maxBlocksPerGroup {
		return nil, vmerr.Newf(vmerr.KindUnsupported, "image needs %d blocks, exceeding the %d-block single-group limit", totalBlocks, maxBlocksPerGroup)
	}

	blockAlloc, err := newBitmapAllocator(0, totalBlocks)
	if err != nil {
		return nil, err
	}
	inodeAlloc, err := newBitmapAllocator(1, inodesNeeded) // index 0 unused; inode numbers are 1-based
	if err != nil {
		return nil, err
	}

	for _, fixed := range []uint32{0, blkSuperblock, blkGroupDesc, blkBlockBmp, blkInodeBmp} {
		if err := blockAlloc.reserve(fixed); err != nil {
			return nil, err
		}
	}
	for b := blkInodeBmp + 1; b < firstDataBlockNum; b++ {
		if err := blockAlloc.reserve(b); err != nil {
			return nil, err
		}
	}
	w := &imageWriter{
		blockAlloc:   blockAlloc,
		inodeAlloc:   inodeAlloc,
		inodeNumbers: map[*node]uint32{},
		parentOf:     parentMap(t),
	}

	if _, err := w.reserveInode(t.root, rootInode); err != nil {
		return nil, err
	}
	for i := uint32(1); i < firstNonReservedInode; i++ {
		if i == rootInode {
			continue
		}
		if err := inodeAlloc.reserve(i); err != nil {
			return nil, err
		}
	}
	for _, fe := range files {
		if fe.node == t.root {
			continue
		}
		if _, ok := w.inodeNumbers[fe.node]; ok {
			continue // already assigned via an earlier hardlink/dir visit
		}
		if _, err := w.allocateInode(fe.node); err != nil {
			return nil, err
		}
	}

	usedDirs := uint16(0)
	inodeTable := make([]byte, inodeTableBlocks*blockSize)
	serialized := map[*node]bool{}
	serializeOnce := func(n *node) error {
		if serialized[n] {
			return nil
		}
		serialized[n] = true
		data, err := w.serializeInode(n)
		if err != nil {
			return err
		}
		if n.kind == kindDir {
			usedDirs++
		}
		ino := w.inodeNumbers[n]
		off := (ino - 1) * inodeSize
		copy(inodeTable[off:off+inodeSize], data)
		return nil
	}
	if err := serializeOnce(t.root); err != nil {
		return nil, err
	}
	for _, fe := range files {
		if err := serializeOnce(fe.node); err != nil {
			return nil, err
		}
	}

	sb := make([]byte, sbSize)
	now := uint32(time.Now().Unix())
	putSuperblock(sb, superblockParams{
		inodesCount:     inodesNeeded,
		blocksCount:     totalBlocks,
		freeBlocksCount: totalBlocks - w.blockAlloc.inUse(),
		freeInodesCount: inodesNeeded - w.inodeAlloc.inUse(),
		firstDataBlock:  0,
		logBlockSize:    2, // 1024 << 2 == 4096
		blocksPerGroup:  totalBlocks,
		inodesPerGroup:  inodesNeeded,
		mtime:           now,
		wtime:           now,
		volumeLabel:     opts.VolumeLabel,
	})

	gd := make([]byte, blockSize) // group descriptor table occupies a full block, one 32-byte entry used
	putGroupDescriptor(gd, blkBlockBmp, blkInodeBmp, blkInodeBmp+1,
		uint16(totalBlocks-w.blockAlloc.inUse()), uint16(inodesNeeded-w.inodeAlloc.inUse()), usedDirs)

	writes := []pendingWrite{
		{offset: int64(blkSuperblock) * blockSize, data: sb},
		{offset: int64(blkGroupDesc) * blockSize, data: gd},
		{offset: int64(blkBlockBmp) * blockSize, data: padBlock(w.blockAlloc.bitmap)},
		{offset: int64(blkInodeBmp) * blockSize, data: padBlock(w.inodeAlloc.bitmap)},
		{offset: int64(blkInodeBmp+1) * blockSize, data: inodeTable},
	}
	writes = append(writes, w.dataWrites...)

	return &built{imageSize: int64(totalBlocks) * blockSize, writes: writes}, nil
}

func padBlock(b []byte) []byte {
	if len(b) >= blockSize {
		return b[:blockSize]
	}
	out := make([]byte, blockSize)
	copy(out, b)
	return out
}

// fileEntry names a node purely to give deterministic inode-assignment
// and serialization ordering across runs (Go map iteration order is
// not stable, and node identity alone carries no natural order).
type fileEntry struct {
	node *node
}

// flatten walks t depth-first, recording every node once at its first
// discovered path, in a stable (sorted-by-name) order.
func flatten(t *tree) []fileEntry {
	var out []fileEntry
	var walk func(n *node)
	seen := map[*node]bool{}
	walk = func(n *node) {
		if seen[n] {
			return
		}
		seen[n] = true
		out = append(out, fileEntry{node: n})
		if n.kind != kindDir {
			return
		}
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			walk(n.children[name])
		}
	}
	walk(t.root)
	return out
}

// parentMap records each directory's unique parent (directories, unlike
// files and symlinks, are never hardlinked, so this is well-defined),
// for synthesizing ".." entries without reading them from any layer.
func parentMap(t *tree) map[*node]*node {
	out := map[*node]*node{}
	var walk func(n *node)
	walk = func(n *node) {
		if n.kind != kindDir {
			return
		}
		for _, child := range n.children {
			if child.kind == kindDir {
				if _, ok := out[child]; !ok {
					out[child] = n
					walk(child)
				}
			}
		}
	}
	walk(t.root)
	return out
}

func estimateDataBlocks(files []fileEntry) uint32 {
	var blocks uint32
	for _, fe := range files {
		switch fe.node.kind {
		case kindFile:
			blocks += (uint32(len(fe.node.data)) + blockSize - 1) / blockSize
		case kindDir:
			blocks += uint32(len(fe.node.children))/((blockSize-dirEntryHeaderLen)/16) + 1
		case kindSymlink:
			if !isInlineSymlink(fe.node.data) {
				blocks++
			}
		}
		if len(fe.node.xattrs) > 0 {
			blocks++ // worst case: spills to an external xattr block
		}
	}
	return blocks
}
