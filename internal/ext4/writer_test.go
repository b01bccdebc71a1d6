package ext4

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/require"
)

// tarEntry is one synthetic tar header plus its content, for building
// gzipped layers in memory without touching disk.
type tarEntry struct {
	name       string
	typeflag   byte
	mode       int64
	linkname   string
	content    string
	paxRecords map[string]string
}

func buildLayer(t *testing.T, entries []tarEntry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:       e.name,
			Typeflag:   e.typeflag,
			Mode:       e.mode,
			Linkname:   e.linkname,
			Size:       int64(len(e.content)),
			PAXRecords: e.paxRecords,
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if len(e.content) > 0 {
			_, err := tw.Write([]byte(e.content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func listing(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		kind := "f"
		if e.IsDir {
			kind = "d"
		} else if e.IsSymlink {
			kind = "l"
		}
		out[i] = kind + " " + e.Path
	}
	sort.Strings(out)
	return out
}

func diffListing(t *testing.T, want, got []string) {
	t.Helper()
	if strings.Join(want, "\n") == strings.Join(got, "\n") {
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        want,
		B:        got,
		FromFile: "want",
		ToFile:   "got",
		Context:  3,
	})
	require.NoError(t, err)
	t.Fatalf("directory listing mismatch:\n%s", diff)
}

func TestWriteSingleLayerTree(t *testing.T) {
	layer := buildLayer(t, []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "etc/hostname", typeflag: tar.TypeReg, content: "vmimage\n"},
		{name: "etc/motd", typeflag: tar.TypeSymlink, linkname: "hostname"},
		{name: "bin/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "bin/sh", typeflag: tar.TypeReg, content: "#!/bin/true\n"},
		{name: "bin/busybox", typeflag: tar.TypeLink, linkname: "bin/sh"},
	})

	path := filepath.Join(t.TempDir(), "image.ext4")
	require.NoError(t, Write(path, []io.Reader{layer}, Options{MinSizeBytes: 8 << 20}))

	entries, err := Walk(path)
	require.NoError(t, err)

	want := []string{"d /bin", "d /etc", "f /bin/busybox", "f /bin/sh", "f /etc/hostname", "l /etc/motd"}
	diffListing(t, want, listing(entries))

	byPath := map[string]Entry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	require.Equal(t, "hostname", byPath["/etc/motd"].LinkTarget)
	require.Equal(t, int64(len("#!/bin/true\n")), byPath["/bin/sh"].Size)
}

func TestWriteWhiteoutRemovesFile(t *testing.T) {
	base := buildLayer(t, []tarEntry{
		{name: "data/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "data/keep.txt", typeflag: tar.TypeReg, content: "keep"},
		{name: "data/drop.txt", typeflag: tar.TypeReg, content: "drop"},
	})
	overlay := buildLayer(t, []tarEntry{
		{name: "data/.wh.drop.txt", typeflag: tar.TypeReg},
	})

	path := filepath.Join(t.TempDir(), "image.ext4")
	require.NoError(t, Write(path, []io.Reader{base, overlay}, Options{MinSizeBytes: 8 << 20}))

	entries, err := Walk(path)
	require.NoError(t, err)
	want := []string{"d /data", "f /data/keep.txt"}
	diffListing(t, want, listing(entries))
}

func TestWriteOpaqueDirClearsPriorEntries(t *testing.T) {
	base := buildLayer(t, []tarEntry{
		{name: "data/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "data/old.txt", typeflag: tar.TypeReg, content: "old"},
	})
	overlay := buildLayer(t, []tarEntry{
		{name: "data/.wh..wh..opq", typeflag: tar.TypeReg},
		{name: "data/new.txt", typeflag: tar.TypeReg, content: "new"},
	})

	path := filepath.Join(t.TempDir(), "image.ext4")
	require.NoError(t, Write(path, []io.Reader{base, overlay}, Options{MinSizeBytes: 8 << 20}))

	entries, err := Walk(path)
	require.NoError(t, err)
	want := []string{"d /data", "f /data/new.txt"}
	diffListing(t, want, listing(entries))
}

func TestWriteXattrsRoundTrip(t *testing.T) {
	layer := buildLayer(t, []tarEntry{
		{name: "file.txt", typeflag: tar.TypeReg, content: "hello", paxRecords: map[string]string{
			"SCHILY.xattr.user.note": "important",
		}},
	})

	path := filepath.Join(t.TempDir(), "image.ext4")
	require.NoError(t, Write(path, []io.Reader{layer}, Options{MinSizeBytes: 8 << 20}))

	entries, err := Walk(path)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Path == "/file.txt" {
			require.Equal(t, []byte("important"), e.Xattrs["user.note"])
			return
		}
	}
	t.Fatal("file.txt not found")
}
