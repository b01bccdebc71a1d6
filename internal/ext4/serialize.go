package ext4

import (
	"sort"
	"time"

	"vmimage/internal/vmerr"
)

// imageWriter accumulates the inode-number assignments, block
// allocations, and pending data-block writes built while walking a
// tree, across the lifetime of a single build() call.
type imageWriter struct {
	blockAlloc *bitmapAllocator
	inodeAlloc *bitmapAllocator

	inodeNumbers map[*node]uint32
	parentOf     map[*node]*node

	dataWrites []pendingWrite
}

func (w *imageWriter) reserveInode(n *node, ino uint32) (uint32, error) {
	if err := w.inodeAlloc.reserve(ino); err != nil {
		return 0, err
	}
	w.inodeNumbers[n] = ino
	return ino, nil
}

func (w *imageWriter) allocateInode(n *node) (uint32, error) {
	ino, err := w.inodeAlloc.allocate()
	if err != nil {
		return 0, err
	}
	w.inodeNumbers[n] = ino
	return ino, nil
}

func (w *imageWriter) allocBlock() (uint32, error) {
	return w.blockAlloc.allocate()
}

func unixTime(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}

// serializeInode builds the 256-byte on-disk inode for n, allocating
// whatever data blocks its content needs along the way and queuing
// their writes in w.dataWrites.
func (w *imageWriter) serializeInode(n *node) ([]byte, error) {
	buf := make([]byte, inodeSize)
	base := inodeOnDisk{
		uid: n.uid, gid: n.gid,
		atime: unixTime(n.mtime), ctime: unixTime(n.mtime), mtime: unixTime(n.mtime),
	}

	xattrs := xattrEntriesOf(n)

	switch n.kind {
	case kindDir:
		extents, size, err := w.writeDirBlocks(n)
		if err != nil {
			return nil, err
		}
		base.mode = 0o040000 | n.mode
		base.sizeLo = size
		base.linksCount = dirLinkCount(n)
		base.flags = extentsFlag
		base.iBlock = encodeInlineExtents(extents)
		base.blocks512 = uint32(len(extents)) * (blockSize / 512)

	case kindFile:
		extents, err := w.writeFileBlocks(n.data)
		if err != nil {
			return nil, err
		}
		base.mode = 0o100000 | n.mode
		base.sizeLo = uint32(len(n.data))
		base.linksCount = n.linkCount
		base.flags = extentsFlag
		base.iBlock = encodeInlineExtents(extents)
		var blockCount uint32
		for _, e := range extents {
			blockCount += uint32(e.length)
		}
		base.blocks512 = blockCount * (blockSize / 512)

	case kindSymlink:
		base.mode = 0o120000 | n.mode
		base.sizeLo = uint32(len(n.data))
		base.linksCount = n.linkCount
		if isInlineSymlink(n.data) {
			copy(base.iBlock[:], n.data) // no extents flag: raw target bytes in iBlock, the classic "fast symlink"
		} else {
			blk, err := w.allocBlock()
			if err != nil {
				return nil, err
			}
			data := make([]byte, blockSize)
			copy(data, n.data)
			w.dataWrites = append(w.dataWrites, pendingWrite{offset: int64(blk) * blockSize, data: data})
			base.flags = extentsFlag
			base.iBlock = encodeInlineExtents([]extent{{logicalBlock: 0, length: 1, startBlock: blk}})
			base.blocks512 = blockSize / 512
		}

	default:
		return nil, vmerr.Newf(vmerr.KindInternal, "unknown inode kind %d", n.kind)
	}

	if len(xattrs) > 0 {
		if inline, ok := encodeXattrsInline(xattrs, 256-128-inodeExtraSize); ok {
			base.inlineXattrBytes = inline
		} else {
			blk, err := w.allocBlock()
			if err != nil {
				return nil, err
			}
			data, ok := encodeXattrsBlock(xattrs)
			if !ok {
				return nil, vmerr.Newf(vmerr.KindInvalidArgument, "extended attributes too large for one block")
			}
			w.dataWrites = append(w.dataWrites, pendingWrite{offset: int64(blk) * blockSize, data: data})
			base.fileACL = blk
			base.blocks512 += blockSize / 512
		}
	}

	putInode(buf, base)
	return buf, nil
}

func xattrEntriesOf(n *node) []xattrEntry {
	if len(n.xattrs) == 0 {
		return nil
	}
	out := make([]xattrEntry, 0, len(n.xattrs))
	for name, value := range n.xattrs {
		out = append(out, xattrEntry{name: name, value: value})
	}
	return out
}

// dirLinkCount computes an ext4 directory's link count analytically
// (2 for "." and the parent's entry to it, plus one per subdirectory
// child for their ".." entries) rather than tracking it incrementally,
// since whiteouts and replacements mutate the children map directly.
func dirLinkCount(n *node) uint16 {
	count := uint16(2)
	for _, child := range n.children {
		if child.kind == kindDir {
			count++
		}
	}
	return count
}

// writeFileBlocks allocates and writes data blocks for a regular file's
// content, returning the extent list referencing them. build() never
// frees a block mid-run, so bitmapAllocator's lowest-clear-bit search
// always hands back consecutive addresses here; each run of up to
// maxExtentLen blocks is therefore coalesced into a single extent.
func (w *imageWriter) writeFileBlocks(data []byte) ([]extent, error) {
	if len(data) == 0 {
		return nil, nil
	}
	numBlocks := (len(data) + blockSize - 1) / blockSize
	var extents []extent
	for i := 0; i < numBlocks; {
		run := numBlocks - i
		if run > maxExtentLen {
			run = maxExtentLen
		}
		start, err := w.allocBlock()
		if err != nil {
			return nil, err
		}
		off := i * blockSize
		end := off + run*blockSize
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, run*blockSize)
		copy(buf, data[off:end])
		w.dataWrites = append(w.dataWrites, pendingWrite{offset: int64(start) * blockSize, data: buf})
		for j := 1; j < run; j++ {
			if _, err := w.allocBlock(); err != nil {
				return nil, err
			}
		}

		extents = append(extents, extent{logicalBlock: uint32(i), length: uint16(run), startBlock: start})
		i += run
		if len(extents) > maxExtentsPerInode {
			return nil, vmerr.Newf(vmerr.KindUnsupported, "file needs more than %d extents (size %d bytes, too fragmented for inline extents)", maxExtentsPerInode, len(data))
		}
	}
	return extents, nil
}

// writeDirBlocks serializes n's directory entries (synthesizing "."
// and ".." rather than reading them from any layer) into one or more
// directory blocks, and returns the extents referencing them along
// with the total logical size in bytes.
func (w *imageWriter) writeDirBlocks(n *node) ([]extent, uint32, error) {
	selfIno := w.inodeNumbers[n]
	parent, ok := w.parentOf[n]
	parentIno := selfIno
	if ok {
		parentIno = w.inodeNumbers[parent]
	}

	entries := []dirEntry{
		{inode: selfIno, name: ".", fileType: fileTypeDir},
		{inode: parentIno, name: "..", fileType: fileTypeDir},
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := n.children[name]
		entries = append(entries, dirEntry{inode: w.inodeNumbers[child], name: name, fileType: fileTypeOf(child)})
	}

	var extents []extent
	var blocks []pendingWrite
	var batch []dirEntry
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		blk, err := w.allocBlock()
		if err != nil {
			return err
		}
		blocks = append(blocks, pendingWrite{offset: int64(blk) * blockSize, data: encodeDirBlock(batch)})
		extents = append(extents, extent{logicalBlock: uint32(len(extents)), length: 1, startBlock: blk})
		return nil
	}

	used := 0
	for _, e := range entries {
		need := align4(dirEntryHeaderLen + len(e.name))
		if len(batch) > 0 && used+need > blockSize {
			if err := flush(); err != nil {
				return nil, 0, err
			}
			batch, used = nil, 0
		}
		batch = append(batch, e)
		used += need
	}
	if err := flush(); err != nil {
		return nil, 0, err
	}

	w.dataWrites = append(w.dataWrites, blocks...)
	if len(extents) > maxExtentsPerInode {
		return nil, 0, vmerr.Newf(vmerr.KindUnsupported, "directory has too many entries for inline extents")
	}
	return extents, uint32(len(extents)) * blockSize, nil
}

func fileTypeOf(n *node) uint8 {
	switch n.kind {
	case kindDir:
		return fileTypeDir
	case kindFile:
		return fileTypeRegular
	case kindSymlink:
		return fileTypeSymlink
	default:
		return fileTypeUnknown
	}
}
