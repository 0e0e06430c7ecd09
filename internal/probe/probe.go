// Package probe implements the file metadata probe: a lazy,
// restartable-only-from-scratch extraction of a path's existence, device id,
// type, size, and checksums, in that fixed order.
package probe

import (
	"fmt"
	"os"
	"syscall"

	"github.com/robbat2/gemato/internal/hashutil"
)

type stage int

const (
	stageStart stage = iota
	stageExistsDone
	stageDeviceDone
	stageTypeDone
	stageSizeDone
	stageDone
)

// Probe extracts metadata about a single path one step at a time. Its
// methods must be called in order -- Exists, then DeviceID, Type, and, only
// for regular files, Size and Checksums -- mirroring how little can be
// learned about an unconnected pipe or socket. There is no way to rewind a
// Probe mid-sequence; starting over means constructing a new one.
//
// A Probe holds a file descriptor open from the first successful Exists
// call until it is fully drained or Close is called; callers must always
// do one or the other.
type Probe struct {
	path   string
	step   stage
	f      *os.File
	exists bool
	reg    bool
}

// New returns a Probe for path. No syscalls are made until Exists is called.
func New(path string) *Probe {
	return &Probe{path: path}
}

// Exists performs the non-blocking open and reports whether path exists at
// all. It must be the first method called.
func (p *Probe) Exists() (bool, error) {
	if p.step != stageStart {
		return false, fmt.Errorf("probe: Exists called out of order")
	}
	// O_NONBLOCK avoids hanging open() on an unconnected named pipe.
	f, err := os.OpenFile(p.path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		if os.IsNotExist(err) {
			p.step = stageExistsDone
			return false, nil
		}
		if pe, ok := err.(*os.PathError); ok && pe.Err == syscall.ENXIO {
			// Unconnected device or socket: exists but cannot be opened.
			p.exists = true
			p.step = stageExistsDone
			return true, nil
		}
		return false, err
	}
	p.f = f
	p.exists = true
	p.step = stageExistsDone
	return true, nil
}

func (p *Probe) statInfo() (os.FileInfo, *syscall.Stat_t, error) {
	var fi os.FileInfo
	var err error
	if p.f != nil {
		fi, err = p.f.Stat()
	} else {
		fi, err = os.Stat(p.path)
	}
	if err != nil {
		return nil, nil, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fi, nil, fmt.Errorf("probe: cannot access raw stat info for %s", p.path)
	}
	return fi, st, nil
}

// DeviceID returns the st_dev of path. Only valid after Exists returned true.
func (p *Probe) DeviceID() (uint64, error) {
	if p.step != stageExistsDone || !p.exists {
		return 0, fmt.Errorf("probe: DeviceID called out of order")
	}
	_, st, err := p.statInfo()
	if err != nil {
		p.Close()
		return 0, err
	}
	p.step = stageDeviceDone
	return uint64(st.Dev), nil
}

// Type returns the raw S_IFMT mode bits and a human-readable type name. If
// the path is not a regular file, the probe releases its descriptor: no
// further methods may be called.
func (p *Probe) Type() (rawMode uint32, typeName string, err error) {
	if p.step != stageDeviceDone {
		return 0, "", fmt.Errorf("probe: Type called out of order")
	}
	_, st, err := p.statInfo()
	if err != nil {
		p.Close()
		return 0, "", err
	}
	mode := uint32(st.Mode) & syscall.S_IFMT
	switch mode {
	case syscall.S_IFREG:
		typeName = "regular file"
		p.reg = true
	case syscall.S_IFDIR:
		typeName = "directory"
	case syscall.S_IFCHR:
		typeName = "character device"
	case syscall.S_IFBLK:
		typeName = "block device"
	case syscall.S_IFIFO:
		typeName = "named pipe"
	case syscall.S_IFSOCK:
		typeName = "UNIX socket"
	default:
		typeName = "unknown"
	}
	p.step = stageTypeDone
	if !p.reg {
		p.Close()
	}
	return mode, typeName, nil
}

// Size returns st_size. Only valid for a regular file, after Type.
func (p *Probe) Size() (int64, error) {
	if p.step != stageTypeDone || !p.reg {
		return 0, fmt.Errorf("probe: Size called out of order")
	}
	if p.f == nil {
		return 0, fmt.Errorf("probe: internal error: no descriptor held for regular file")
	}
	fi, err := p.f.Stat()
	if err != nil {
		p.Close()
		return 0, err
	}
	p.step = stageSizeDone
	return fi.Size(), nil
}

// Checksums computes the requested Manifest-domain hashes plus the
// synthetic __size__ entry over the file contents, and releases the
// descriptor. Only valid for a regular file, after Size.
func (p *Probe) Checksums(names []string) (map[string]string, error) {
	if p.step != stageSizeDone {
		return nil, fmt.Errorf("probe: Checksums called out of order")
	}
	defer p.Close()

	// open() may have left the descriptor non-blocking; restore blocking
	// mode before reading.
	if err := syscall.SetNonblock(int(p.f.Fd()), false); err != nil {
		return nil, err
	}
	sums, err := hashutil.HashFile(p.f, names)
	p.step = stageDone
	return sums, err
}

// Close releases the probe's descriptor, if any is still held. It is safe
// to call at any stage, including after the probe has already released
// itself, and safe to call more than once.
func (p *Probe) Close() error {
	if p.f != nil {
		err := p.f.Close()
		p.f = nil
		return err
	}
	return nil
}
