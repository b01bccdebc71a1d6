package ext4

import (
	"encoding/binary"
	"os"
	"sort"

	"vmimage/internal/vmerr"
)

// Entry is one file, directory, or symlink read back out of an image
// by Walk, identified by its path relative to the image root.
type Entry struct {
	Path       string
	IsDir      bool
	IsSymlink  bool
	Mode       uint16
	UID, GID   uint32
	Size       int64
	LinkTarget string
	Xattrs     map[string][]byte
}

// Walk reads back every entry of the ext4 image at path, depth first,
// for verifying a Write result without a kernel mount. It reimplements
// just enough of the ext4 read path (superblock, group descriptor,
// inode table, extent trees, directory blocks) to walk an image this
// package itself produced; it is not a general-purpose ext4 reader.
func Walk(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "open ext4 image")
	}
	defer f.Close()

	r := &imageReader{f: f}
	if err := r.readSuperblock(); err != nil {
		return nil, err
	}

	var out []Entry
	var walk func(ino uint32, prefix string) error
	walk = func(ino uint32, prefix string) error {
		in, err := r.readInode(ino)
		if err != nil {
			return err
		}
		isDir := in.mode&0o170000 == 0o040000
		isSymlink := in.mode&0o170000 == 0o120000

		if prefix != "" {
			e := Entry{Path: prefix, IsDir: isDir, IsSymlink: isSymlink, Mode: in.mode & 0o7777, UID: in.uid, GID: in.gid, Size: int64(in.sizeLo)}
			if isSymlink {
				e.LinkTarget = string(r.symlinkTarget(in))
			}
			e.Xattrs = r.readXattrs(in)
			out = append(out, e)
		}
		if !isDir {
			return nil
		}
		children, err := r.readDirEntries(in)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(children))
		for name := range children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if name == "." || name == ".." {
				continue
			}
			if err := walk(children[name], prefix+"/"+name); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(rootInode, ""); err != nil {
		return nil, err
	}
	return out, nil
}

type imageReader struct {
	f               *os.File
	inodeTableBlock uint32
	inodesCount     uint32
}

func (r *imageReader) readAt(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := r.f.ReadAt(buf, off); err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "read ext4 image region")
	}
	return buf, nil
}

func (r *imageReader) readSuperblock() error {
	buf, err := r.readAt(blockSize, sbSize)
	if err != nil {
		return err
	}
	le := binary.LittleEndian
	if magic := le.Uint16(buf[56:]); magic != magicEXT4 {
		return vmerr.Newf(vmerr.KindInvalidArgument, "not an ext4 image: bad superblock magic 0x%x", magic)
	}
	r.inodesCount = le.Uint32(buf[0:])

	gd, err := r.readAt(2*blockSize, 32)
	if err != nil {
		return err
	}
	r.inodeTableBlock = binary.LittleEndian.Uint32(gd[8:])
	return nil
}

func (r *imageReader) readInode(ino uint32) (inodeOnDisk, error) {
	off := int64(r.inodeTableBlock)*blockSize + int64(ino-1)*inodeSize
	buf, err := r.readAt(off, inodeSize)
	if err != nil {
		return inodeOnDisk{}, err
	}
	le := binary.LittleEndian
	var n inodeOnDisk
	n.mode = le.Uint16(buf[0:])
	n.uid = uint32(le.Uint16(buf[2:]))
	n.sizeLo = le.Uint32(buf[4:])
	n.linksCount = le.Uint16(buf[26:])
	n.flags = le.Uint32(buf[32:])
	copy(n.iBlock[:], buf[40:100])
	n.fileACL = le.Uint32(buf[104:])
	n.gid = uint32(le.Uint16(buf[24:]))
	extraIsize := le.Uint16(buf[128:])
	if int(128+extraIsize) < inodeSize {
		n.inlineXattrBytes = append([]byte(nil), buf[128+extraIsize:inodeSize]...)
	}
	return n, nil
}

func (r *imageReader) extentsOf(n inodeOnDisk) []extent {
	le := binary.LittleEndian
	count := le.Uint16(n.iBlock[2:])
	out := make([]extent, 0, count)
	for i := uint16(0); i < count; i++ {
		off := 12 + int(i)*12
		out = append(out, extent{
			logicalBlock: le.Uint32(n.iBlock[off:]),
			length:       le.Uint16(n.iBlock[off+4:]),
			startBlock:   le.Uint32(n.iBlock[off+8:]),
		})
	}
	return out
}

func (r *imageReader) fileData(n inodeOnDisk) ([]byte, error) {
	out := make([]byte, 0, n.sizeLo)
	for _, e := range r.extentsOf(n) {
		data, err := r.readAt(int64(e.startBlock)*blockSize, int(e.length)*blockSize)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	if uint32(len(out)) > n.sizeLo {
		out = out[:n.sizeLo]
	}
	return out, nil
}

func (r *imageReader) symlinkTarget(n inodeOnDisk) []byte {
	if n.flags&extentsFlag == 0 {
		return append([]byte(nil), n.iBlock[:n.sizeLo]...)
	}
	data, err := r.fileData(n)
	if err != nil {
		return nil
	}
	return data
}

func (r *imageReader) readDirEntries(n inodeOnDisk) (map[string]uint32, error) {
	out := map[string]uint32{}
	for _, e := range r.extentsOf(n) {
		for b := uint16(0); b < e.length; b++ {
			block, err := r.readAt(int64(e.startBlock+uint32(b))*blockSize, blockSize)
			if err != nil {
				return nil, err
			}
			off := 0
			for off < blockSize {
				ino := binary.LittleEndian.Uint32(block[off:])
				recLen := int(binary.LittleEndian.Uint16(block[off+4:]))
				if recLen == 0 {
					break
				}
				nameLen := int(block[off+6])
				if ino != 0 {
					name := string(block[off+8 : off+8+nameLen])
					out[name] = ino
				}
				off += recLen
			}
		}
	}
	return out, nil
}

func (r *imageReader) readXattrs(n inodeOnDisk) map[string][]byte {
	out := map[string][]byte{}
	if len(n.inlineXattrBytes) > 4 && binary.LittleEndian.Uint32(n.inlineXattrBytes[0:]) == xattrInodeMagic {
		decodeXattrBody(n.inlineXattrBytes[4:], out)
	}
	if n.fileACL != 0 {
		block, err := r.readAt(int64(n.fileACL)*blockSize, blockSize)
		if err == nil && binary.LittleEndian.Uint32(block[0:]) == xattrBlockMagic {
			decodeXattrBody(block[32:], out)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeXattrBody(body []byte, out map[string][]byte) {
	le := binary.LittleEndian
	off := 0
	for off+16 <= len(body) {
		nameLen := int(body[off])
		if nameLen == 0 {
			break
		}
		valueOffs := int(le.Uint16(body[off+2:]))
		valueLen := int(le.Uint32(body[off+8:]))
		if valueOffs+valueLen > len(body) || off+16+nameLen > len(body) {
			break
		}
		name := string(body[off+16 : off+16+nameLen])
		out[name] = append([]byte(nil), body[valueOffs:valueOffs+valueLen]...)
		off += align4(16 + nameLen)
	}
}
