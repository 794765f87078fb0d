package exchange

import (
	"bytes"
	"fmt"
)

// DefaultPageSize is the page granularity used by FillPages.
const DefaultPageSize = 4096

// FillPages writes "Page [i]" at the start of every pageSize bytes of buf.
func FillPages(buf []byte, pageSize int) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	for i, off := 0, 0; off < len(buf); i, off = i+1, off+pageSize {
		end := off + pageSize
		if end > len(buf) {
			end = len(buf)
		}
		copy(buf[off:end], fmt.Sprintf("Page [%d]", i))
	}
}

// TrimNUL returns b up to its first NUL byte.
func TrimNUL(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}
