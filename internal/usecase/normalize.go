package usecase

import (
	"strings"
	"unicode"
)

// markerStripper removes the decorative markers the model sprinkles into
// replies: commas used as stylistic separators and asterisk emphasis.
var markerStripper = strings.NewReplacer(",", "", "*", "")

// NormalizeReply strips markers from raw model output, trims surrounding
// whitespace and splits it into lines. Output that is empty after
// normalization yields no lines.
func NormalizeReply(raw string) []string {
	var n lineNormalizer
	return append(n.Write(raw), n.Flush()...)
}

// lineNormalizer applies NormalizeReply incrementally. Write returns the
// lines that are final given the text seen so far: a line is released only
// once non-whitespace text follows it, so trailing whitespace never escapes
// and the concatenated output equals NormalizeReply of the whole input.
type lineNormalizer struct {
	started bool
	pending string
}

func (n *lineNormalizer) Write(chunk string) []string {
	s := markerStripper.Replace(chunk)
	if !n.started {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		if s == "" {
			return nil
		}
		n.started = true
	}
	n.pending += s

	last := strings.LastIndexFunc(n.pending, func(r rune) bool { return !unicode.IsSpace(r) })
	if last < 0 {
		return nil
	}
	cut := strings.LastIndexByte(n.pending[:last], '\n')
	if cut < 0 {
		return nil
	}
	lines := strings.Split(n.pending[:cut], "\n")
	n.pending = n.pending[cut+1:]
	return lines
}

// Flush releases whatever remains, trimmed of trailing whitespace.
func (n *lineNormalizer) Flush() []string {
	rest := strings.TrimRightFunc(n.pending, unicode.IsSpace)
	n.pending = ""
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "\n")
}
