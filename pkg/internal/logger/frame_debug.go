package logger

import (
	"encoding/hex"
	"strings"
	"sync/atomic"
)

var frameDebug atomic.Bool

// SetFrameDebug enables or disables hex dumps of every frame
func SetFrameDebug(enable bool) {
	frameDebug.Store(enable)
}

// FrameDebug reports whether frame hex dumps are enabled
func FrameDebug() bool {
	return frameDebug.Load()
}

// HexDump renders data in the classic offset/hex/ascii layout
func HexDump(data []byte) string {
	return strings.TrimRight(hex.Dump(data), "\n")
}
