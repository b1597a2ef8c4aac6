package editengine

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// lineChange is one line of a unified diff body: kind is ' ', '-' or '+'.
type lineChange struct {
	kind byte
	text string
}

// UnifiedDiff renders a standard unified diff between before and after,
// labelled with path, using contextLines lines of context around each
// changed region. Hunks are merged when their context would overlap. An
// empty-to-empty or identical diff returns "".
func UnifiedDiff(path, before, after string, contextLines int) string {
	if before == after {
		return ""
	}

	ops := lineDiff(before, after)
	hunks := buildHunks(ops, contextLines)
	if len(hunks) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n", path)
	fmt.Fprintf(&b, "+++ %s\n", path)
	for _, h := range hunks {
		b.WriteString(h)
	}
	return b.String()
}

// opLine is a single line annotated with its role and 1-based line numbers
// in the old/new file (0 when the line does not exist on that side).
type opLine struct {
	kind    byte // ' ', '-', '+'
	text    string
	oldLine int
	newLine int
}

// lineDiff produces a line-level diff using diffmatchpatch's line-to-char
// trick: both texts are tokenized to one rune per unique line, diffed, then
// expanded back to full lines so DiffMain operates at line granularity.
func lineDiff(before, after string) []opLine {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var ops []opLine
	oldLine, newLine := 1, 1
	for _, d := range diffs {
		lines := splitKeepCount(d.Text)
		for _, text := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, opLine{kind: ' ', text: text, oldLine: oldLine, newLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, opLine{kind: '-', text: text, oldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, opLine{kind: '+', text: text, newLine: newLine})
				newLine++
			}
		}
	}
	return ops
}

// splitKeepCount splits a run of concatenated whole lines (as produced by
// DiffCharsToLines, each line retaining its own trailing "\n" except
// possibly the very last) into individual line strings without their
// newline terminator.
func splitKeepCount(text string) []string {
	if text == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(text, "\n")
	return strings.Split(trimmed, "\n")
}

// buildHunks groups changed lines into unified-diff hunks, each padded with
// up to contextLines lines of unchanged context, merging hunks whose
// padded ranges touch or overlap.
func buildHunks(ops []opLine, contextLines int) []string {
	n := len(ops)
	var changed []int
	for i, op := range ops {
		if op.kind != ' ' {
			changed = append(changed, i)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	type span struct{ lo, hi int }
	var spans []span
	cur := span{lo: changed[0], hi: changed[0]}
	for _, idx := range changed[1:] {
		if idx-cur.hi <= 2*contextLines+1 {
			cur.hi = idx
			continue
		}
		spans = append(spans, cur)
		cur = span{lo: idx, hi: idx}
	}
	spans = append(spans, cur)

	var hunks []string
	for _, s := range spans {
		lo := s.lo - contextLines
		if lo < 0 {
			lo = 0
		}
		hi := s.hi + contextLines
		if hi > n-1 {
			hi = n - 1
		}
		hunks = append(hunks, renderHunk(ops[lo:hi+1]))
	}
	return hunks
}

// renderHunk formats one hunk's "@@ -a,b +c,d @@" header and body.
func renderHunk(lines []opLine) string {
	oldStart, newStart := 0, 0
	oldCount, newCount := 0, 0
	for _, l := range lines {
		switch l.kind {
		case ' ':
			if oldStart == 0 {
				oldStart = l.oldLine
			}
			if newStart == 0 {
				newStart = l.newLine
			}
			oldCount++
			newCount++
		case '-':
			if oldStart == 0 {
				oldStart = l.oldLine
			}
			oldCount++
		case '+':
			if newStart == 0 {
				newStart = l.newLine
			}
			newCount++
		}
	}
	if oldStart == 0 {
		oldStart = 1
	}
	if newStart == 0 {
		newStart = 1
	}
	if oldCount == 0 {
		oldStart = 0
	}
	if newCount == 0 {
		newStart = 0
	}

	var b strings.Builder
	fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
	for _, l := range lines {
		b.WriteByte(l.kind)
		b.WriteString(l.text)
		b.WriteByte('\n')
	}
	return b.String()
}
