package tts

import "strings"

// Segmenter cuts a growing text stream into speakable sentences at
// terminal punctuation. Units shorter than the minimum are held and
// merged with the following sentence; Flush releases whatever remains.
type Segmenter struct {
	boundaries map[rune]bool
	minLen     int
	buf        []rune
}

// NewSegmenter creates a segmenter. boundary lists the sentence-ending
// runes; minLen is the minimum unit length in runes.
func NewSegmenter(boundary string, minLen int) *Segmenter {
	boundaries := make(map[rune]bool, len(boundary))
	for _, r := range boundary {
		boundaries[r] = true
	}
	if minLen < 1 {
		minLen = 1
	}
	return &Segmenter{
		boundaries: boundaries,
		minLen:     minLen,
	}
}

// Feed appends streamed text and returns any sentences completed by it.
func (s *Segmenter) Feed(text string) []string {
	if text == "" {
		return nil
	}
	s.buf = append(s.buf, []rune(text)...)

	var units []string
	start := 0

	for i, r := range s.buf {
		if !s.boundaries[r] {
			continue
		}
		unit := strings.TrimSpace(string(s.buf[start : i+1]))
		if len([]rune(unit)) < s.minLen {
			// too short to speak alone, held and merged with the next
			continue
		}
		if unit != "" {
			units = append(units, unit)
		}
		start = i + 1
	}

	s.buf = s.buf[start:]
	return units
}

// Flush returns the held remainder regardless of length and resets the
// buffer.
func (s *Segmenter) Flush() []string {
	remainder := strings.TrimSpace(string(s.buf))
	s.buf = nil
	if remainder == "" {
		return nil
	}
	return []string{remainder}
}

// Reset drops any buffered text.
func (s *Segmenter) Reset() {
	s.buf = nil
}

// Pending reports whether unreleased text is buffered.
func (s *Segmenter) Pending() bool {
	return len(strings.TrimSpace(string(s.buf))) > 0
}
