package channel

import (
	"bufio"
	"io"
	"sync/atomic"

	"avaneesh/ddcmp-go/pkg/ddcmp"
)

// FrameReader extracts DDCMP frames from a byte stream. It hunts for a
// header with a good CRC, then reads the rest of the frame using the
// count field. A corrupt header seen while in sync is returned once as an
// 8-byte frame so the link can reject it; the reader then hunts again.
type FrameReader struct {
	r       *bufio.Reader
	inSync  bool
	skipped atomic.Uint64
}

// NewFrameReader creates a frame reader on top of r
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:      bufio.NewReader(r),
		inSync: true,
	}
}

// ReadFrame returns the next frame from the stream
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		header, err := fr.r.Peek(ddcmp.HeaderSize)
		if err != nil {
			return nil, err
		}

		if !isFrameType(header[0]) {
			fr.skip()
			continue
		}

		if !ddcmp.VerifyCRC(header) {
			if !fr.inSync {
				fr.skip()
				continue
			}
			fr.inSync = false
			frame := make([]byte, ddcmp.HeaderSize)
			copy(frame, header)
			fr.r.Discard(ddcmp.HeaderSize)
			return frame, nil
		}

		frame := make([]byte, ddcmp.FrameLength(header))
		if _, err := io.ReadFull(fr.r, frame); err != nil {
			return nil, err
		}
		fr.inSync = true
		return frame, nil
	}
}

// Skipped returns the number of bytes discarded while hunting
func (fr *FrameReader) Skipped() uint64 {
	return fr.skipped.Load()
}

func (fr *FrameReader) skip() {
	fr.r.Discard(1)
	fr.skipped.Add(1)
}

func isFrameType(b byte) bool {
	return b == ddcmp.SOH || b == ddcmp.ENQ || b == ddcmp.DLE
}
