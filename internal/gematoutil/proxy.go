package gematoutil

import "io"

// CountingWriter proxies writes to an inner io.Writer while tallying the
// number of bytes that passed through. It is used to make the uncompressed
// byte count of a saved Manifest observable to the compression watermark
// policy (§4.6) without the codec layer needing to know about it.
type CountingWriter struct {
	inner io.Writer
	n     int64
}

var _ io.Writer = (*CountingWriter)(nil)

func NewCountingWriter(inner io.Writer) *CountingWriter {
	return &CountingWriter{inner: inner}
}

func (cw *CountingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.inner.Write(p)
	cw.n += int64(n)
	return n, err
}

// N returns the number of bytes written so far.
func (cw *CountingWriter) N() int64 { return cw.n }
