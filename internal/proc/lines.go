package proc

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

// maxLineLength truncates pathological lines (minified bundles, base64 blobs).
const maxLineLength = 64 << 10

// ReadLines calls fn for every line read from r until EOF or a read error,
// with trailing "\r\n" or "\n" removed. A closed reader counts as EOF.
// At most maxLineLength bytes of a line are held; the rest is discarded.
func ReadLines(r io.Reader, fn func(line string)) {
	reader := bufio.NewReader(r)
	var (
		buf       []byte
		truncated bool
	)
	for {
		frag, isPrefix, err := reader.ReadLine()
		if err != nil {
			if len(buf) > 0 {
				fn(clipLine(buf, truncated))
			}
			return
		}
		if room := maxLineLength - len(buf); len(frag) > room {
			frag = frag[:room]
			truncated = true
		}
		buf = append(buf, frag...)
		if isPrefix {
			continue
		}
		fn(clipLine(buf, truncated))
		buf = buf[:0]
		truncated = false
	}
}

// clipLine renders a line, marking a truncated one and dropping a rune split
// by the cut.
func clipLine(b []byte, truncated bool) string {
	if !truncated {
		return string(bytes.TrimRight(b, "\r"))
	}
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				b = b[:i]
			}
			break
		}
	}
	return string(b) + "…"
}
