package scriptfix

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var codePrefixes = []string{
	"from ", "import ", "class ", "def ", "return", "if ", "elif ", "else:", "for ", "while ",
	"with ", "try:", "except", "finally:", "raise", "pass", "break", "continue", "self.",
	"@", "async ", "await ", "yield", "lambda", "assert ", "global ", "nonlocal ", "del ",
	"print(", `"""`, "'''",
}

var (
	assignmentRe = regexp.MustCompile(`^[A-Za-z_][\w.]*(\[[^\]]*\])?\s*(\+|-|\*|/|//|%|\||&)?=\s*[^=\s]`)
	callRe       = regexp.MustCompile(`^[A-Za-z_][\w.\[\]]*\(.*\)[\s,)\]}]*$`)
	bracketsRe   = regexp.MustCompile(`^[)\]}]`)
)

// isCodeLine reports whether a single line of model output looks like Python
// source rather than explanatory prose.
func isCodeLine(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" {
		return false
	}
	if strings.HasPrefix(t, "#") {
		return true
	}
	for _, p := range codePrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	if assignmentRe.MatchString(t) || callRe.MatchString(t) || bracketsRe.MatchString(t) {
		return true
	}
	if strings.HasSuffix(t, "(") || strings.HasSuffix(t, "[") || strings.HasSuffix(t, "{") {
		return true
	}
	indented := strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
	if indented && (strings.HasSuffix(t, ":") || strings.ContainsAny(t, "(=")) {
		return true
	}
	return false
}

// looksLikeSentence catches prose that the line classifier would accept as code
// because it happens to start with a keyword ("with this scene we ...").
func looksLikeSentence(line string) bool {
	if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
		return false
	}
	t := strings.TrimSpace(line)
	if len(t) <= 30 || strings.HasPrefix(t, "#") {
		return false
	}
	first, _ := utf8.DecodeRuneInString(t)
	if !unicode.IsLower(first) {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func isScriptLine(line string) bool {
	return isCodeLine(line) && !looksLikeSentence(line)
}

func hasCodeLine(script string) bool {
	for _, line := range strings.Split(script, "\n") {
		if isScriptLine(line) {
			return true
		}
	}
	return false
}

func leadingIndent(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}
