// Package editengine implements the tiered string-replacement matcher used
// by the edit tool: exact byte matching, line-trimmed matching, and
// block-anchor fuzzy-line matching, plus unified-diff rendering.
package editengine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// MatchMode selects which matching tier is used to locate old_string inside
// a file's content.
type MatchMode string

const (
	Exact       MatchMode = "exact"
	LineTrimmed MatchMode = "line_trimmed"
	BlockAnchor MatchMode = "block_anchor"
	Auto        MatchMode = "auto"
)

// ErrAmbiguous is returned when more than one match is found and ReplaceAll
// was not requested.
var ErrAmbiguous = errors.New("multiple matches found for old_string")

// ErrNoMatch is returned when old_string cannot be located under any tier.
var ErrNoMatch = errors.New("old_string not found in file")

// CountMismatchError reports that expected_replacements disagreed with the
// number of matches actually found.
type CountMismatchError struct {
	Expected int
	Actual   int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("expected %d replacement(s), found %d", e.Expected, e.Actual)
}

// Match is a byte-offset span in the original content that matched
// old_string under some tier.
type Match struct {
	Start int
	End   int
}

// Find locates all non-overlapping matches of oldString in content under the
// requested mode. For Auto it tries Exact, then LineTrimmed, then
// BlockAnchor, returning the first tier with any match. The resolved mode is
// returned alongside the matches.
func Find(content, oldString string, mode MatchMode) ([]Match, MatchMode, error) {
	switch mode {
	case "", Auto:
		if m := findExact(content, oldString); len(m) > 0 {
			return m, Exact, nil
		}
		if m := findLineTrimmed(content, oldString); len(m) > 0 {
			return m, LineTrimmed, nil
		}
		if m, err := findBlockAnchor(content, oldString); err == nil && len(m) > 0 {
			return m, BlockAnchor, nil
		}
		return nil, Auto, ErrNoMatch
	case Exact:
		m := findExact(content, oldString)
		if len(m) == 0 {
			return nil, Exact, ErrNoMatch
		}
		return m, Exact, nil
	case LineTrimmed:
		m := findLineTrimmed(content, oldString)
		if len(m) == 0 {
			return nil, LineTrimmed, ErrNoMatch
		}
		return m, LineTrimmed, nil
	case BlockAnchor:
		m, err := findBlockAnchor(content, oldString)
		if err != nil {
			return nil, BlockAnchor, err
		}
		if len(m) == 0 {
			return nil, BlockAnchor, ErrNoMatch
		}
		return m, BlockAnchor, nil
	default:
		return nil, mode, fmt.Errorf("unknown match_mode %q", mode)
	}
}

// findExact returns every non-overlapping byte-for-byte occurrence of needle
// in content.
func findExact(content, needle string) []Match {
	if needle == "" {
		return nil
	}
	var matches []Match
	offset := 0
	for {
		idx := strings.Index(content[offset:], needle)
		if idx < 0 {
			break
		}
		start := offset + idx
		end := start + len(needle)
		matches = append(matches, Match{Start: start, End: end})
		offset = end
	}
	return matches
}

// trimLine strips a trailing \r and surrounding whitespace, matching the
// normalization applied to both sides before line comparison.
func trimLine(line string) string {
	line = strings.TrimSuffix(line, "\r")
	return strings.TrimSpace(line)
}

// splitLinesWithOffsets splits content on "\n", returning each line's text
// (including its trailing "\r" if present, excluding the "\n") and the byte
// offset range of that text in content; the range stops before the "\n"
// terminator.
type offsetLine struct {
	text  string
	start int
	end   int // end of the line's own text, before the newline
}

func splitLinesWithOffsets(content string) []offsetLine {
	var lines []offsetLine
	start := 0
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			lines = append(lines, offsetLine{text: content[start:i], start: start, end: i})
			start = i + 1
		}
	}
	lines = append(lines, offsetLine{text: content[start:], start: start, end: len(content)})
	return lines
}

// findLineTrimmed matches old_string against content by comparing
// trimmed-line windows, then converts a matching window back to the exact
// byte range in the original content, preserving the original bytes of every
// matched line; the range ends before the last matched line's newline.
func findLineTrimmed(content, oldString string) []Match {
	oldLines := strings.Split(oldString, "\n")
	if len(oldLines) > 0 && oldLines[len(oldLines)-1] == "" {
		oldLines = oldLines[:len(oldLines)-1]
	}
	if len(oldLines) == 0 {
		return nil
	}
	trimmedOld := make([]string, len(oldLines))
	for i, l := range oldLines {
		trimmedOld[i] = trimLine(l)
	}

	lines := splitLinesWithOffsets(content)
	n := len(oldLines)

	var matches []Match
	i := 0
	for i+n <= len(lines) {
		ok := true
		for j := 0; j < n; j++ {
			if trimLine(lines[i+j].text) != trimmedOld[j] {
				ok = false
				break
			}
		}
		if ok {
			// The span excludes the final line's newline, mirroring how the
			// needle itself carries no trailing newline, so replacing a line
			// never merges it with its successor.
			matches = append(matches, Match{Start: lines[i].start, End: lines[i+n-1].end})
			i += n
			continue
		}
		i++
	}
	return matches
}

// findBlockAnchor requires at least 3 lines in old_string. It scans every
// window the same height as old_string whose first and last trimmed lines
// equal the needle's first and last trimmed lines, scores each window by the
// fraction of interior lines that also match, and returns every window tied
// at the maximum score (score > 0 required).
func findBlockAnchor(content, oldString string) ([]Match, error) {
	oldLines := strings.Split(oldString, "\n")
	if len(oldLines) > 0 && oldLines[len(oldLines)-1] == "" {
		oldLines = oldLines[:len(oldLines)-1]
	}
	if len(oldLines) < 3 {
		return nil, fmt.Errorf("block_anchor requires at least 3 lines in old_string")
	}

	trimmedOld := make([]string, len(oldLines))
	for i, l := range oldLines {
		trimmedOld[i] = trimLine(l)
	}
	firstNeedle := trimmedOld[0]
	lastNeedle := trimmedOld[len(trimmedOld)-1]
	interior := trimmedOld[1 : len(trimmedOld)-1]

	lines := splitLinesWithOffsets(content)
	n := len(oldLines)

	type scored struct {
		match Match
		score float64
	}
	var candidates []scored

	for i := 0; i+n <= len(lines); i++ {
		if trimLine(lines[i].text) != firstNeedle {
			continue
		}
		if trimLine(lines[i+n-1].text) != lastNeedle {
			continue
		}
		score := 1.0
		if len(interior) > 0 {
			hits := 0
			for j := 0; j < len(interior); j++ {
				if trimLine(lines[i+1+j].text) == interior[j] {
					hits++
				}
			}
			score = float64(hits) / float64(len(interior))
		}
		candidates = append(candidates, scored{match: Match{Start: lines[i].start, End: lines[i+n-1].end}, score: score})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	best := 0.0
	for _, c := range candidates {
		if c.score > best {
			best = c.score
		}
	}
	if best == 0 {
		return nil, nil
	}

	var matches []Match
	for _, c := range candidates {
		if c.score == best {
			matches = append(matches, c.match)
		}
	}
	return matches, nil
}

// ClosestMiss locates the line window most similar to oldString after every
// tier has failed to match, so callers can point at a near-miss in their
// error text instead of a bare "not found". It never selects a match — a
// sub-threshold similarity returns ok=false. line is 1-based.
func ClosestMiss(content, oldString string) (line int, similarity float64, ok bool) {
	const threshold = 0.5

	oldLines := strings.Split(oldString, "\n")
	if len(oldLines) > 0 && oldLines[len(oldLines)-1] == "" {
		oldLines = oldLines[:len(oldLines)-1]
	}
	if len(oldLines) == 0 || content == "" {
		return 0, 0, false
	}
	trimmedOld := make([]string, len(oldLines))
	for i, l := range oldLines {
		trimmedOld[i] = trimLine(l)
	}
	needle := strings.Join(trimmedOld, "\n")
	if needle == "" {
		return 0, 0, false
	}

	lines := splitLinesWithOffsets(content)
	n := len(oldLines)

	best := -1.0
	bestLine := 0
	for i := 0; i+n <= len(lines); i++ {
		window := make([]string, n)
		for j := 0; j < n; j++ {
			window[j] = trimLine(lines[i+j].text)
		}
		candidate := strings.Join(window, "\n")
		longest := len(needle)
		if len(candidate) > longest {
			longest = len(candidate)
		}
		if longest == 0 {
			continue
		}
		dist := levenshtein.ComputeDistance(needle, candidate)
		sim := 1 - float64(dist)/float64(longest)
		if sim > best {
			best = sim
			bestLine = i + 1
		}
	}

	if best < threshold {
		return 0, 0, false
	}
	return bestLine, best, true
}

// Apply replaces every match with newString, applying replacements in
// descending byte-offset order so earlier offsets remain valid.
func Apply(content string, matches []Match, newString string) string {
	ordered := make([]Match, len(matches))
	copy(ordered, matches)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	out := content
	for _, m := range ordered {
		out = out[:m.Start] + newString + out[m.End:]
	}
	return out
}
