package logs

import "unicode"

// qrMinBlocks is the fewest block glyphs a line needs before it counts as QR output.
const qrMinBlocks = 8

// IsQRLine reports whether a line looks like a row of a terminal-rendered QR
// code: mostly half/full block glyphs and spaces. It is a heuristic over raw
// output, not a decoder.
func IsQRLine(line string) bool {
	var blocks, other int
	for _, r := range line {
		switch {
		case r == '█' || r == '▀' || r == '▄' || r == '▌' || r == '▐':
			blocks++
		case unicode.IsSpace(r):
		default:
			other++
		}
	}
	return blocks >= qrMinBlocks && other*4 <= blocks
}
