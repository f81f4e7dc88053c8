package tts

import "strings"

// decoration ranges stripped before synthesis: emoji blocks, variation
// selectors, the zero-width joiner used in compound emoji, and common
// kaomoji punctuation. Speech output reads none of these.
var strippedRanges = [][2]rune{
	{0x1F600, 0x1F64F}, // emoticons
	{0x1F300, 0x1F5FF}, // misc symbols and pictographs
	{0x1F680, 0x1F6FF}, // transport and map symbols
	{0x1F1E0, 0x1F1FF}, // regional indicators
	{0x2600, 0x26FF},   // misc symbols
	{0x2700, 0x27BF},   // dingbats
	{0xFE00, 0xFE0F},   // variation selectors
	{0x1F900, 0x1F9FF}, // supplemental symbols
	{0x1F018, 0x1F270}, // enclosed and extended symbols
	{0x200D, 0x200D},   // zero-width joiner
}

var strippedRunes = map[rune]bool{
	'⭐': true,
	'≥': true, '﹏': true, '≤': true,
	'╮': true, '╯': true, '╰': true, '╭': true, '∀': true,
}

// StripDecorations removes emoji and decorative symbols from text bound
// for synthesis.
func StripDecorations(text string) string {
	if text == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))

outer:
	for _, r := range text {
		if strippedRunes[r] {
			continue
		}
		for _, rng := range strippedRanges {
			if r >= rng[0] && r <= rng[1] {
				continue outer
			}
		}
		b.WriteRune(r)
	}

	return strings.TrimSpace(b.String())
}
