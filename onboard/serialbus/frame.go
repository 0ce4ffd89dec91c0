package serialbus

import (
	"io"

	deverrors "github.com/CodedInternet/simpos/onboard/errors"
)

// FrameReader pulls fixed size, undelimited frames off a stream.
//
// The stream carries no length or sync marker, so a lost byte shifts every later frame. When a block starts with a
// byte that is not a known tag, the block is reported once and the reader slides forward to the next byte that is a
// known tag, keeping what it already has and reading only the missing tail.
type FrameReader struct {
	r     io.Reader
	size  int
	known func(tag byte) bool

	buf []byte
	n   int // bytes of buf already holding the start of the next frame
}

func NewFrameReader(r io.Reader, size int, known func(tag byte) bool) *FrameReader {
	return &FrameReader{
		r:     r,
		size:  size,
		known: known,
		buf:   make([]byte, size),
	}
}

// Next returns the next frame. The returned slice is only valid until the following call.
//
// A timeout or I/O error part way through a frame drops the partial bytes and returns a *FrameReadError. An unknown
// tag returns *UnrecognizedFrameError and arms a resync for the next call.
func (fr *FrameReader) Next() ([]byte, error) {
	for fr.n < fr.size {
		m, err := fr.r.Read(fr.buf[fr.n:])
		fr.n += m

		if err != nil {
			fr.n = 0
			return nil, &deverrors.FrameReadError{Err: err}
		}
		if m == 0 {
			// serial ports report a timeout as an empty read
			fr.n = 0
			return nil, &deverrors.FrameReadError{Err: deverrors.ErrReadTimeout}
		}
	}

	tag := fr.buf[0]
	if !fr.known(tag) {
		fr.resync()
		return nil, &deverrors.UnrecognizedFrameError{Tag: tag}
	}

	fr.n = 0
	return fr.buf, nil
}

// resync keeps everything from the first known tag after the bad leading byte
func (fr *FrameReader) resync() {
	next := -1
	for i := 1; i < fr.n; i++ {
		if fr.known(fr.buf[i]) {
			next = i
			break
		}
	}

	if next < 0 {
		fr.n = 0
		return
	}

	fr.n = copy(fr.buf, fr.buf[next:fr.n])
}
