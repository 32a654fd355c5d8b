package channel

import (
	"bytes"
	"io"
	"testing"

	"avaneesh/ddcmp-go/pkg/ddcmp"
)

func mustData(t testing.TB, payload []byte, num uint8) []byte {
	t.Helper()
	frame, err := ddcmp.BuildData(payload, 0, num, 0)
	if err != nil {
		t.Fatalf("BuildData() error = %v", err)
	}
	return frame
}

// TestFrameReaderSequence tests back-to-back frames of each type
func TestFrameReaderSequence(t *testing.T) {
	maint, _ := ddcmp.BuildMaintenance([]byte("loop"))
	frames := [][]byte{
		ddcmp.BuildStart(ddcmp.FlagSelect | ddcmp.FlagQSync),
		mustData(t, []byte("first"), 1),
		ddcmp.BuildAck(1, 0),
		mustData(t, bytes.Repeat([]byte{0xAA}, 1000), 2),
		maint,
	}

	var stream bytes.Buffer
	for _, f := range frames {
		stream.Write(f)
	}

	fr := NewFrameReader(&stream)
	for i, want := range frames {
		got, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: ReadFrame() error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = % X, want % X", i, got, want)
		}
	}

	if _, err := fr.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame() at end = %v, want io.EOF", err)
	}
	if fr.Skipped() != 0 {
		t.Errorf("Skipped() = %d, want 0", fr.Skipped())
	}
}

// TestFrameReaderHunt tests that line noise before a frame is skipped
func TestFrameReaderHunt(t *testing.T) {
	noise := []byte{0x00, 0xFF, 0x12, 0x34, 0x56, 0x00, 0x00}
	ack := ddcmp.BuildAck(5, 0)

	fr := NewFrameReader(bytes.NewReader(append(bytes.Clone(noise), ack...)))
	got, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !bytes.Equal(got, ack) {
		t.Errorf("ReadFrame() = % X, want % X", got, ack)
	}
	if fr.Skipped() != uint64(len(noise)) {
		t.Errorf("Skipped() = %d, want %d", fr.Skipped(), len(noise))
	}
}

// TestFrameReaderCorruptHeader tests resynchronisation after a damaged header
func TestFrameReaderCorruptHeader(t *testing.T) {
	first := mustData(t, []byte("good"), 1)
	payload := bytes.Repeat([]byte("x"), 20)
	damaged := mustData(t, payload, 2)
	damaged[4] ^= 0x01
	last := ddcmp.BuildAck(2, 0)

	var stream bytes.Buffer
	stream.Write(first)
	stream.Write(damaged)
	stream.Write(last)

	fr := NewFrameReader(&stream)

	got, err := fr.ReadFrame()
	if err != nil || !bytes.Equal(got, first) {
		t.Fatalf("first frame = % X, %v", got, err)
	}

	got, err = fr.ReadFrame()
	if err != nil {
		t.Fatalf("damaged frame error = %v", err)
	}
	if !bytes.Equal(got, damaged[:ddcmp.HeaderSize]) {
		t.Errorf("damaged frame = % X, want its header % X", got, damaged[:ddcmp.HeaderSize])
	}
	p, err := ddcmp.Parse(got)
	if err == nil {
		t.Errorf("Parse(damaged header) = %v, want error", p)
	}

	got, err = fr.ReadFrame()
	if err != nil || !bytes.Equal(got, last) {
		t.Fatalf("frame after damage = % X, %v", got, err)
	}
	if want := uint64(len(payload) + ddcmp.CRCSize); fr.Skipped() != want {
		t.Errorf("Skipped() = %d, want %d", fr.Skipped(), want)
	}
}

// TestFrameReaderTruncated tests a stream ending inside a frame
func TestFrameReaderTruncated(t *testing.T) {
	frame := mustData(t, []byte("truncated payload"), 1)
	fr := NewFrameReader(bytes.NewReader(frame[:len(frame)-4]))
	if _, err := fr.ReadFrame(); err == nil {
		t.Error("ReadFrame() on truncated stream returned no error")
	}
}

// BenchmarkFrameReader benchmarks stream framing of 256-byte messages
func BenchmarkFrameReader(b *testing.B) {
	frame := mustData(b, make([]byte, 256), 1)
	stream := bytes.Repeat(frame, 64)
	b.SetBytes(int64(len(stream)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fr := NewFrameReader(bytes.NewReader(stream))
		for j := 0; j < 64; j++ {
			fr.ReadFrame()
		}
	}
}
