package scriptfix

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	stringPlaceholder  = '_'
	commentPlaceholder = ' '
)

var closerFor = map[byte]byte{'(': ')', '[': ']', '{': '}'}

// maskLiterals returns a copy of src where the contents of string literals and
// comments are replaced with placeholder bytes. Quote delimiters and newlines are
// kept, so byte offsets and line numbers in the result line up with src. The
// second return value reports a string literal left open at end of input.
func maskLiterals(src string) (string, bool) {
	out := []byte(src)
	n := len(src)
	unterminated := false
	for i := 0; i < n; {
		c := src[i]
		switch {
		case c == '#':
			for i < n && src[i] != '\n' {
				out[i] = commentPlaceholder
				i++
			}
		case c == '"' || c == '\'':
			quote := src[i : i+1]
			if i+2 < n && src[i+1] == c && src[i+2] == c {
				quote = src[i : i+3]
			}
			i += len(quote)
			closed := false
			for i < n {
				if src[i] == '\\' && i+1 < n {
					out[i] = stringPlaceholder
					if src[i+1] != '\n' {
						out[i+1] = stringPlaceholder
					}
					i += 2
					continue
				}
				if strings.HasPrefix(src[i:], quote) {
					i += len(quote)
					closed = true
					break
				}
				if src[i] == '\n' {
					if len(quote) == 1 {
						break
					}
				} else {
					out[i] = stringPlaceholder
				}
				i++
			}
			if !closed && (len(quote) == 3 || i >= n) {
				unterminated = true
			}
		default:
			i++
		}
	}
	return string(out), unterminated
}

// bracketScan is the result of walking masked code for (), [] and {}.
type bracketScan struct {
	open       []byte // unmatched openers, innermost last
	extraClose int    // closers with no matching opener
}

func (b bracketScan) balanced() bool {
	return len(b.open) == 0 && b.extraClose == 0
}

func scanBrackets(masked string) bracketScan {
	var scan bracketScan
	for i := 0; i < len(masked); i++ {
		switch c := masked[i]; c {
		case '(', '[', '{':
			scan.open = append(scan.open, c)
		case ')', ']', '}':
			top := len(scan.open) - 1
			if top >= 0 && closerFor[scan.open[top]] == c {
				scan.open = scan.open[:top]
			} else {
				scan.extraClose++
			}
		}
	}
	return scan
}

// describeOpen renders unmatched openers as "2 unclosed '('" fragments in a stable order.
func describeOpen(open []byte) string {
	counts := map[byte]int{}
	for _, c := range open {
		counts[c]++
	}
	var parts []string
	for _, c := range []byte{'(', '[', '{'} {
		if counts[c] > 0 {
			parts = append(parts, fmt.Sprintf("%d unclosed '%c'", counts[c], c))
		}
	}
	return strings.Join(parts, ", ")
}

// lastCodeOffset returns the byte offset just past the last non-blank code
// character of masked, or -1 when there is none.
func lastCodeOffset(masked string) int {
	for i := len(masked) - 1; i >= 0; i-- {
		switch masked[i] {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return i + 1
	}
	return -1
}

// lastCodeLine returns the trimmed masked text of the last line that carries code.
func lastCodeLine(masked string) string {
	end := lastCodeOffset(masked)
	if end < 0 {
		return ""
	}
	start := strings.LastIndexByte(masked[:end], '\n') + 1
	return strings.TrimSpace(masked[start:end])
}

// balanceBrackets appends the closers needed to balance src to the end of its
// last code line. At most limit closers of each kind are added when limit > 0.
// It returns the new script and a description such as "added 2 closing ')'".
func balanceBrackets(src string, limit int) (string, string) {
	masked, _ := maskLiterals(src)
	scan := scanBrackets(masked)
	if len(scan.open) == 0 {
		return src, ""
	}

	added := map[byte]int{}
	var order []byte
	var closers []byte
	for i := len(scan.open) - 1; i >= 0; i-- {
		closer := closerFor[scan.open[i]]
		if limit > 0 && added[closer] >= limit {
			break
		}
		if added[closer] == 0 {
			order = append(order, closer)
		}
		added[closer]++
		closers = append(closers, closer)
	}

	off := lastCodeOffset(masked)
	if off < 0 {
		return src, ""
	}
	out := src[:off] + string(closers) + src[off:]

	parts := make([]string, 0, len(order))
	for _, c := range order {
		parts = append(parts, fmt.Sprintf("added %d closing '%c'", added[c], c))
	}
	return out, strings.Join(parts, "; ")
}

// replaceInCode applies fn to every match of re that lies outside string
// literals and comments. fn receives the submatches taken from src and returns
// the replacement. It returns the new text and how many matches changed.
func replaceInCode(src string, re *regexp.Regexp, fn func(sub []string) string) (string, int) {
	masked, _ := maskLiterals(src)
	locs := re.FindAllStringSubmatchIndex(masked, -1)
	if len(locs) == 0 {
		return src, 0
	}
	changed := 0
	out := src
	for i := len(locs) - 1; i >= 0; i-- {
		loc := locs[i]
		sub := make([]string, len(loc)/2)
		for g := range sub {
			if loc[2*g] >= 0 {
				sub[g] = src[loc[2*g]:loc[2*g+1]]
			}
		}
		repl := fn(sub)
		if repl == sub[0] {
			continue
		}
		out = out[:loc[0]] + repl + out[loc[1]:]
		changed++
	}
	return out, changed
}

// matchingParen returns the index of the ')' closing the '(' at open in masked, or -1.
func matchingParen(masked string, open int) int {
	depth := 0
	for i := open; i < len(masked); i++ {
		switch masked[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
