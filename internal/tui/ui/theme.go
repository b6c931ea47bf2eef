package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme holds color constants for the TUI.
type Theme struct {
	BgColor          tcell.Color
	FgColor          tcell.Color
	MutedColor       tcell.Color
	BorderColor      tcell.Color
	BorderFocusColor tcell.Color
	TableHeaderFg    tcell.Color
	TableCursorFg    tcell.Color
	TableCursorBg    tcell.Color
	TitleColor       tcell.Color
	MineColor        tcell.Color
	TheirsColor      tcell.Color
	UnreadColor      tcell.Color
	OnlineColor      tcell.Color
	OfflineColor     tcell.Color
	FlashInfoColor   tcell.Color
	FlashWarnColor   tcell.Color
	FlashErrColor    tcell.Color
}

// DefaultTheme returns a dark theme with cherry accents.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:          tcell.ColorBlack,
		FgColor:          tcell.ColorWhiteSmoke,
		MutedColor:       tcell.ColorGray,
		BorderColor:      tcell.ColorIndianRed,
		BorderFocusColor: tcell.ColorCrimson,
		TableHeaderFg:    tcell.ColorWhite,
		TableCursorFg:    tcell.ColorBlack,
		TableCursorBg:    tcell.ColorLightPink,
		TitleColor:       tcell.ColorCrimson,
		MineColor:        tcell.ColorLightSkyBlue,
		TheirsColor:      tcell.ColorPaleGreen,
		UnreadColor:      tcell.ColorOrange,
		OnlineColor:      tcell.ColorGreen,
		OfflineColor:     tcell.ColorOrangeRed,
		FlashInfoColor:   tcell.ColorNavajoWhite,
		FlashWarnColor:   tcell.ColorOrange,
		FlashErrColor:    tcell.ColorOrangeRed,
	}
}

// Tag returns a tview color tag for c, for example "[#ff0000]".
func Tag(c tcell.Color) string {
	return "[" + ColorName(c) + "]"
}

// ColorName returns a tview-compatible color name string.
func ColorName(c tcell.Color) string {
	for name, val := range tcell.ColorNames {
		if val == c {
			return name
		}
	}
	return fmt.Sprintf("#%06x", c.Hex())
}
