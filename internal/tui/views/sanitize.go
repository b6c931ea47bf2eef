package views

import (
	"strings"
	"unicode"

	"github.com/rivo/tview"
)

// joinerRunes are codepoints that glue emoji into multi-rune sequences that
// tcell measures wrongly: skin tone modifiers, the zero width joiner and
// variation selectors.
var joinerRunes = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x200D, Hi: 0x200D, Stride: 1},
		{Lo: 0xFE00, Hi: 0xFE0F, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x1F3FB, Hi: 0x1F3FF, Stride: 1},
		{Lo: 0xE0100, Hi: 0xE01EF, Stride: 1},
	},
}

// sanitizeForTerminal drops joinerRunes and control characters, then
// escapes tview color tags.
func sanitizeForTerminal(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.Is(joinerRunes, r) || (unicode.IsControl(r) && r != '\n') {
			return -1
		}
		return r
	}, s)
	return tview.Escape(s)
}
