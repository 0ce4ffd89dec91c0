package serialbus

import (
	"bytes"
	"errors"
	. "github.com/smartystreets/goconvey/convey"
	"io"
	"testing"

	deverrors "github.com/CodedInternet/simpos/onboard/errors"
)

const testSize = 8

// scriptedReader hands out one chunk per Read. An empty chunk is a read timeout.
type scriptedReader struct {
	chunks [][]byte
}

func (s *scriptedReader) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		return 0, io.EOF
	}
	chunk := s.chunks[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		s.chunks[0] = chunk[n:]
	} else {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func knownTag(tag byte) bool {
	return tag == 'z' || tag == 'p'
}

func frame(tag byte, fill byte) []byte {
	f := bytes.Repeat([]byte{fill}, testSize)
	f[0] = tag
	return f
}

func TestFrameReader(t *testing.T) {
	Convey("whole frames come out one at a time", t, func() {
		stream := append(frame('z', 1), frame('p', 2)...)
		fr := NewFrameReader(&scriptedReader{chunks: [][]byte{stream}}, testSize, knownTag)

		f, err := fr.Next()
		So(err, ShouldBeNil)
		So(f, ShouldResemble, frame('z', 1))

		f, err = fr.Next()
		So(err, ShouldBeNil)
		So(f, ShouldResemble, frame('p', 2))

		Convey("end of stream is a read error", func() {
			_, err := fr.Next()
			var readErr *deverrors.FrameReadError
			So(errors.As(err, &readErr), ShouldBeTrue)
			So(errors.Is(err, io.EOF), ShouldBeTrue)
		})
	})

	Convey("a frame split across reads is assembled", t, func() {
		f := frame('z', 7)
		fr := NewFrameReader(&scriptedReader{chunks: [][]byte{f[:3], f[3:5], f[5:]}}, testSize, knownTag)

		got, err := fr.Next()
		So(err, ShouldBeNil)
		So(got, ShouldResemble, f)
	})

	Convey("a timeout drops the partial frame", t, func() {
		f := frame('z', 7)
		fr := NewFrameReader(&scriptedReader{chunks: [][]byte{f[:3], {}, frame('p', 1)}}, testSize, knownTag)

		_, err := fr.Next()
		So(errors.Is(err, deverrors.ErrReadTimeout), ShouldBeTrue)

		got, err := fr.Next()
		So(err, ShouldBeNil)
		So(got, ShouldResemble, frame('p', 1))
	})

	Convey("junk in front of a frame is skipped", t, func() {
		stream := append([]byte{0x00, 0x11, 0x22}, frame('z', 3)...)
		stream = append(stream, frame('p', 4)...)
		fr := NewFrameReader(&scriptedReader{chunks: [][]byte{stream}}, testSize, knownTag)

		_, err := fr.Next()
		var unknown *deverrors.UnrecognizedFrameError
		So(errors.As(err, &unknown), ShouldBeTrue)
		So(unknown.Tag, ShouldEqual, 0x00)

		got, err := fr.Next()
		So(err, ShouldBeNil)
		So(got, ShouldResemble, frame('z', 3))

		got, err = fr.Next()
		So(err, ShouldBeNil)
		So(got, ShouldResemble, frame('p', 4))
	})

	Convey("a block without any known tag is thrown away whole", t, func() {
		stream := append(bytes.Repeat([]byte{0x01}, testSize), frame('z', 5)...)
		fr := NewFrameReader(&scriptedReader{chunks: [][]byte{stream}}, testSize, knownTag)

		_, err := fr.Next()
		So(err, ShouldNotBeNil)

		got, err := fr.Next()
		So(err, ShouldBeNil)
		So(got, ShouldResemble, frame('z', 5))
	})
}
