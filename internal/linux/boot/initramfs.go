package boot

import (
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// InitFile is one entry of a generated initramfs. Directories leading to a
// file are created implicitly.
type InitFile struct {
	Path string
	Mode fs.FileMode
	Data []byte
	// Target is the link target when Mode has fs.ModeSymlink set.
	Target string
}

const (
	newcMagic     = "070701"
	newcHeaderLen = 110
	newcTrailer   = "TRAILER!!!"

	modeDir     = 0o040000
	modeRegular = 0o100000
	modeSymlink = 0o120000
)

type newcEntry struct {
	ino   uint32
	mode  uint32
	nlink uint32
	name  string
	data  []byte
}

// BuildInitramfs encodes files as a newc cpio archive. Entries are sorted by
// path and carry zero timestamps and owners, so the same files always give
// the same bytes.
func BuildInitramfs(files []InitFile) ([]byte, error) {
	entries := make(map[string]newcEntry, len(files))
	addDirs := func(name string) {
		for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if _, ok := entries[dir]; !ok {
				entries[dir] = newcEntry{mode: modeDir | 0o755, nlink: 2, name: dir}
			}
		}
	}

	for i, f := range files {
		name := path.Clean(strings.TrimPrefix(f.Path, "/"))
		if name == "." || strings.HasPrefix(name, "../") || name == ".." {
			return nil, fmt.Errorf("initramfs entry %d has invalid path %q", i, f.Path)
		}
		if prev, ok := entries[name]; ok && (prev.mode&modeDir == 0 || !f.Mode.IsDir()) {
			return nil, fmt.Errorf("duplicate initramfs path %q", name)
		}

		e := newcEntry{name: name, nlink: 1, mode: uint32(f.Mode.Perm())}
		switch {
		case f.Mode.IsDir():
			e.mode |= modeDir
			e.nlink = 2
		case f.Mode&fs.ModeSymlink != 0:
			if f.Target == "" {
				return nil, fmt.Errorf("symlink %q has no target", name)
			}
			e.mode |= modeSymlink
			e.data = []byte(f.Target)
		case f.Mode.IsRegular():
			e.mode |= modeRegular
			e.data = f.Data
		default:
			return nil, fmt.Errorf("initramfs entry %q has unsupported mode %s", name, f.Mode)
		}
		entries[name] = e
		addDirs(name)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for i, name := range names {
		e := entries[name]
		e.ino = uint32(i + 1)
		if err := writeNewcEntry(&buf, e); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := writeNewcEntry(&buf, newcEntry{nlink: 1, name: newcTrailer}); err != nil {
		return nil, fmt.Errorf("write cpio trailer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeNewcEntry(buf *bytes.Buffer, e newcEntry) error {
	nameSize := len(e.name) + 1
	// ino mode uid gid nlink mtime filesize devmajor devminor rdevmajor rdevminor namesize check
	header := fmt.Sprintf("%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		newcMagic, e.ino, e.mode, 0, 0, e.nlink, 0, len(e.data), 0, 0, 0, 0, nameSize, 0)
	if len(header) != newcHeaderLen {
		return fmt.Errorf("unexpected header length %d", len(header))
	}
	buf.WriteString(header)
	buf.WriteString(e.name)
	buf.WriteByte(0)
	buf.Write(make([]byte, padTo4(newcHeaderLen+nameSize)))
	buf.Write(e.data)
	buf.Write(make([]byte, padTo4(len(e.data))))
	return nil
}

func padTo4(n int) int { return (4 - n%4) % 4 }
