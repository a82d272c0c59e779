package terminal

import "golang.org/x/text/unicode/norm"

// Unprintable bytes are shown as this character.
const Replacement = '?'

// blockGlyphs is the private-use range holding the 0x80-0x9F drawing glyphs.
const blockGlyphs = 0xE080

// Printable reports whether b can be stored in a cell as is.
func Printable(b byte) bool {
	return b >= 0x20 && b <= 0x7E || b >= 0x80
}

// Normalise maps a guest byte string to cell bytes.
func Normalise(s string) []byte {
	return normalise([]byte(s))
}

func normalise(b []byte) []byte {
	for i, c := range b {
		if !Printable(c) {
			b[i] = Replacement
		}
	}
	return b
}

// FromUTF8 converts host text to cell bytes. Characters with no cell
// equivalent become Replacement, one per rune.
func FromUTF8(s string) []byte {
	s = norm.NFC.String(s)
	b := make([]byte, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 0x20 && r <= 0x7E, r >= 0xA0 && r <= 0xFF:
			b = append(b, byte(r))
		case r >= blockGlyphs && r < blockGlyphs+0x20:
			b = append(b, byte(r-blockGlyphs+0x80))
		default:
			b = append(b, Replacement)
		}
	}
	return b
}

// ToUTF8 is the inverse of FromUTF8, for displaying cells on a UTF-8 terminal.
func ToUTF8(b []byte) string {
	rs := make([]rune, len(b))
	for i, c := range b {
		switch {
		case c >= 0x80 && c < 0xA0:
			rs[i] = rune(c-0x80) + blockGlyphs
		case Printable(c):
			rs[i] = rune(c)
		default:
			rs[i] = Replacement
		}
	}
	return string(rs)
}
