package probe_test

import (
	"os"
	"path/filepath"
	"syscall"

	. "gopkg.in/check.v1"

	"github.com/robbat2/gemato/internal/probe"
)

func (s *S) TestRegularFile(c *C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "file")
	c.Assert(os.WriteFile(path, []byte("hello world"), 0o644), IsNil)

	var st syscall.Stat_t
	c.Assert(syscall.Stat(path, &st), IsNil)

	p := probe.New(path)
	defer p.Close()

	exists, err := p.Exists()
	c.Assert(err, IsNil)
	c.Assert(exists, Equals, true)

	dev, err := p.DeviceID()
	c.Assert(err, IsNil)
	c.Assert(dev, Equals, uint64(st.Dev))

	_, typeName, err := p.Type()
	c.Assert(err, IsNil)
	c.Assert(typeName, Equals, "regular file")

	size, err := p.Size()
	c.Assert(err, IsNil)
	c.Assert(size, Equals, int64(11))

	sums, err := p.Checksums([]string{"SHA256"})
	c.Assert(err, IsNil)
	c.Assert(sums["SHA256"], Equals, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9")
	c.Assert(sums["__size__"], Equals, "11")
}

func (s *S) TestNonExistent(c *C) {
	dir := c.MkDir()
	p := probe.New(filepath.Join(dir, "nope"))
	exists, err := p.Exists()
	c.Assert(err, IsNil)
	c.Assert(exists, Equals, false)
	c.Assert(p.Close(), IsNil)
}

func (s *S) TestDirectory(c *C) {
	dir := c.MkDir()
	sub := filepath.Join(dir, "sub")
	c.Assert(os.Mkdir(sub, 0o755), IsNil)

	p := probe.New(sub)
	exists, err := p.Exists()
	c.Assert(err, IsNil)
	c.Assert(exists, Equals, true)

	_, err = p.DeviceID()
	c.Assert(err, IsNil)

	_, typeName, err := p.Type()
	c.Assert(err, IsNil)
	c.Assert(typeName, Equals, "directory")

	// Type released the descriptor since this is not a regular file; Size
	// must refuse to proceed.
	_, err = p.Size()
	c.Assert(err, ErrorMatches, "probe: Size called out of order")
	c.Assert(p.Close(), IsNil)
}

func (s *S) TestNamedPipe(c *C) {
	dir := c.MkDir()
	fifo := filepath.Join(dir, "fifo")
	c.Assert(syscall.Mkfifo(fifo, 0o644), IsNil)

	p := probe.New(fifo)
	exists, err := p.Exists()
	c.Assert(err, IsNil)
	c.Assert(exists, Equals, true)

	_, err = p.DeviceID()
	c.Assert(err, IsNil)

	_, typeName, err := p.Type()
	c.Assert(err, IsNil)
	c.Assert(typeName, Equals, "named pipe")
	c.Assert(p.Close(), IsNil)
}

func (s *S) TestOutOfOrder(c *C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "file")
	c.Assert(os.WriteFile(path, []byte("x"), 0o644), IsNil)

	p := probe.New(path)
	_, err := p.DeviceID()
	c.Assert(err, ErrorMatches, "probe: DeviceID called out of order")

	_, err = p.Exists()
	c.Assert(err, IsNil)
	_, err = p.Exists()
	c.Assert(err, ErrorMatches, "probe: Exists called out of order")
	c.Assert(p.Close(), IsNil)
}
