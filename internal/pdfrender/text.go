package pdfrender

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// winAnsiSafe folds text into the repertoire of the standard 14 fonts.
// Characters outside Windows-1252 become '?'. pdfcpu expands %p and %P in
// watermark text, so those sequences are broken up.
func winAnsiSafe(text string) string {
	composed := norm.NFC.String(text)
	encoder := encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder())
	encoded, err := encoder.String(composed)
	if err != nil {
		return strings.Map(asciiOnly, composed)
	}
	decoded, err := charmap.Windows1252.NewDecoder().String(encoded)
	if err != nil {
		return strings.Map(asciiOnly, composed)
	}
	decoded = strings.ReplaceAll(decoded, "\x1a", "?")
	decoded = strings.ReplaceAll(decoded, "%p", "% p")
	return strings.ReplaceAll(decoded, "%P", "% P")
}

func asciiOnly(r rune) rune {
	if r < 0x20 || r > 0x7e {
		return '?'
	}
	return r
}
