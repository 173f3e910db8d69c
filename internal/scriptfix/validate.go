// Package scriptfix diagnoses and repairs Manim voice-over scripts produced by a
// language model. Validate is a pure diagnostic pass; AutoFix composes ordered
// text transforms and then validates its own output.
package scriptfix

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"prompt-to-video/internal/plugins"
)

// Severity classifies an issue. Critical and noncode issues cannot be repaired
// by further heuristic passes.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityNonCode  Severity = "noncode"
)

// Issue codes.
const (
	CodeNonCode          = "non_code"
	CodeMissingImports   = "missing_imports"
	CodeMissingScene     = "missing_scene_class"
	CodeMultipleScenes   = "multiple_scene_classes"
	CodeMissingConstruct = "missing_construct"
	CodeMissingSpeech    = "missing_speech_service"
	CodeUnbalanced       = "unbalanced_brackets"
	CodeUnterminated     = "unterminated_string"
	CodeTruncated        = "truncated"
	CodeFontSize         = "invalid_font_size"
	CodeMissingBuff      = "missing_buff"
	CodeScaleTooLarge    = "scale_too_large"
	CodePluginImport     = "plugin_import_missing"
)

const (
	// CanonicalSceneName is the class name the renderer is invoked with.
	CanonicalSceneName = "MainScene"
	narrationBase      = "VoiceoverScene"
	cameraBase         = "MovingCameraScene"
	speechServiceCall  = "self.set_speech_service(GTTSService())"

	MaxScale      = 2.5
	MaxFitWidth   = 12.0
	DefaultBuff   = "0.25"
	truncateDepth = 3
)

// AllowedFontSizes is the fixed set of font sizes a script may use.
var AllowedFontSizes = []int{16, 20, 24, 28, 32, 36, 40, 48, 56, 64, 72}

var allowedBases = map[string]bool{
	"Scene":             true,
	"VoiceoverScene":    true,
	"MovingCameraScene": true,
	"ThreeDScene":       true,
	"ZoomedScene":       true,
}

type requiredImport struct {
	line    string
	pattern *regexp.Regexp
}

var requiredImports = []requiredImport{
	{"from manim import *", regexp.MustCompile(`(?m)^\s*from\s+manim\s+import\s+\*`)},
	{"from manim_voiceover import VoiceoverScene", regexp.MustCompile(`(?m)^\s*from\s+manim_voiceover\s+import\s+.*\bVoiceoverScene\b`)},
	{"from manim_voiceover.services.gtts import GTTSService", regexp.MustCompile(`(?m)^\s*from\s+manim_voiceover\.services\.gtts\s+import\s+.*\bGTTSService\b`)},
}

var (
	classRe      = regexp.MustCompile(`(?m)^([ \t]*)class\s+([A-Za-z_]\w*)\s*(?:\(([^)]*)\))?\s*:`)
	constructRe  = regexp.MustCompile(`(?m)^([ \t]+)def\s+construct\s*\(\s*self\b[^)]*\)\s*(?:->\s*[\w.]+\s*)?:`)
	speechRe     = regexp.MustCompile(`self\.set_speech_service\s*\(`)
	fontSizeRe   = regexp.MustCompile(`(\bfont_size\s*=\s*)(\d+(?:\.\d+)?)`)
	nextToRe     = regexp.MustCompile(`\.next_to\s*\(`)
	buffRe       = regexp.MustCompile(`\bbuff\s*=`)
	scaleRe      = regexp.MustCompile(`(\.scale\(\s*)(\d+(?:\.\d+)?)(\s*\))`)
	fitWidthRe   = regexp.MustCompile(`(\.scale_to_fit_width\(\s*)(\d+(?:\.\d+)?)(\s*\))`)
	importLineRe = regexp.MustCompile(`^\s*(from\s+\S+\s+import\b|import\s+\S)`)
)

// Issue is a single finding.
type Issue struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Unfixable reports whether no heuristic pass can repair the issue.
func (i Issue) Unfixable() bool {
	return i.Severity == SeverityCritical || i.Severity == SeverityNonCode
}

// Validation is the outcome of Validate.
type Validation struct {
	OK     bool    `json:"ok"`
	Issues []Issue `json:"issues"`
}

// Validate inspects script for structural defects. It performs no I/O.
func Validate(script string) Validation {
	masked, unterminated := maskLiterals(script)
	var issues []Issue
	add := func(code string, sev Severity, format string, args ...any) {
		issues = append(issues, Issue{Code: code, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	if strings.Contains(script, "```") || !hasCodeLine(script) {
		add(CodeNonCode, SeverityNonCode, "output contains markdown or prose instead of a Python script")
	}

	if missing := missingImports(script); len(missing) > 0 {
		add(CodeMissingImports, SeverityCritical, "missing required imports: %s", strings.Join(missing, "; "))
	}

	scenes := sceneClasses(masked)
	switch {
	case len(scenes) == 0:
		add(CodeMissingScene, SeverityCritical, "no scene class deriving from one of %s", strings.Join(sortedBases(), ", "))
	case len(scenes) > 1:
		names := make([]string, 0, len(scenes))
		for _, s := range scenes {
			names = append(names, s.name)
		}
		add(CodeMultipleScenes, SeverityWarning, "expected exactly one scene class, found %s", strings.Join(names, ", "))
	}

	if body, ok := constructBody(masked); !ok {
		add(CodeMissingConstruct, SeverityCritical, "scene class has no construct(self) method")
	} else if !speechRe.MatchString(body) {
		add(CodeMissingSpeech, SeverityCritical, "construct() never calls self.set_speech_service(...)")
	}

	if unterminated {
		add(CodeUnterminated, SeverityCritical, "string literal is never closed")
	}
	if scan := scanBrackets(masked); !scan.balanced() {
		msg := describeOpen(scan.open)
		if scan.extraClose > 0 {
			if msg != "" {
				msg += ", "
			}
			msg += fmt.Sprintf("%d unmatched closing bracket(s)", scan.extraClose)
		}
		add(CodeUnbalanced, SeverityCritical, "unbalanced brackets: %s", msg)
	}

	if bad := invalidFontSizes(masked); len(bad) > 0 {
		add(CodeFontSize, SeverityWarning, "font_size values outside the allowed set: %s", strings.Join(bad, ", "))
	}
	if n := nextToWithoutBuff(masked); n > 0 {
		add(CodeMissingBuff, SeverityWarning, "%d next_to call(s) without buff=", n)
	}
	if over := oversizedScales(masked); len(over) > 0 {
		add(CodeScaleTooLarge, SeverityWarning, "scale factors above limit: %s", strings.Join(over, ", "))
	}

	for _, p := range plugins.Default().Detect(masked) {
		if !p.Imported(script) {
			add(CodePluginImport, SeverityWarning, "uses %s symbols without %q", p.Name, p.Import)
		}
	}

	ok := true
	for _, i := range issues {
		if i.Unfixable() {
			ok = false
		}
	}
	return Validation{OK: ok, Issues: issues}
}

func missingImports(script string) []string {
	var missing []string
	for _, imp := range requiredImports {
		if !imp.pattern.MatchString(script) {
			missing = append(missing, imp.line)
		}
	}
	return missing
}

type sceneClass struct {
	indent string
	name   string
	bases  []string
	start  int // offset of the class header
	end    int // offset just past the header's colon
}

func parseBases(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// sceneClasses finds classes deriving from an allowed base. When there are
// none it falls back to classes whose name mentions "Scene".
func sceneClasses(masked string) []sceneClass {
	var strict, named []sceneClass
	for _, m := range classRe.FindAllStringSubmatchIndex(masked, -1) {
		c := sceneClass{
			indent: masked[m[2]:m[3]],
			name:   masked[m[4]:m[5]],
			start:  m[0],
			end:    m[1],
		}
		if m[6] >= 0 {
			c.bases = parseBases(masked[m[6]:m[7]])
		}
		isScene := false
		for _, b := range c.bases {
			if allowedBases[b] {
				isScene = true
			}
		}
		switch {
		case isScene:
			strict = append(strict, c)
		case strings.Contains(c.name, "Scene"):
			named = append(named, c)
		}
	}
	if len(strict) > 0 {
		return strict
	}
	return named
}

func sortedBases() []string {
	out := make([]string, 0, len(allowedBases))
	for b := range allowedBases {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// constructSpan locates construct(self) and returns the offsets of its header
// line end and body end together with the def indentation.
func constructSpan(masked string) (headerEnd, bodyEnd int, indent string, ok bool) {
	m := constructRe.FindStringSubmatchIndex(masked)
	if m == nil {
		return 0, 0, "", false
	}
	indent = masked[m[2]:m[3]]
	headerEnd = m[1]
	if nl := strings.IndexByte(masked[headerEnd:], '\n'); nl >= 0 {
		headerEnd += nl + 1
	} else {
		headerEnd = len(masked)
	}
	bodyEnd = len(masked)
	pos := headerEnd
	for pos < len(masked) {
		next := strings.IndexByte(masked[pos:], '\n')
		lineEnd := len(masked)
		if next >= 0 {
			lineEnd = pos + next
		}
		line := masked[pos:lineEnd]
		if strings.TrimSpace(line) != "" && len(leadingIndent(line)) <= len(indent) {
			bodyEnd = pos
			break
		}
		if next < 0 {
			break
		}
		pos = lineEnd + 1
	}
	return headerEnd, bodyEnd, indent, true
}

func constructBody(masked string) (string, bool) {
	start, end, _, ok := constructSpan(masked)
	if !ok {
		return "", false
	}
	return masked[start:end], true
}

func invalidFontSizes(masked string) []string {
	var bad []string
	seen := map[string]bool{}
	for _, m := range fontSizeRe.FindAllStringSubmatch(masked, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil || allowedFontSize(v) || seen[m[2]] {
			continue
		}
		seen[m[2]] = true
		bad = append(bad, m[2])
	}
	return bad
}

func allowedFontSize(v float64) bool {
	for _, a := range AllowedFontSizes {
		if float64(a) == v {
			return true
		}
	}
	return false
}

func nextToWithoutBuff(masked string) int {
	n := 0
	for _, loc := range nextToRe.FindAllStringIndex(masked, -1) {
		open := loc[1] - 1
		closeIdx := matchingParen(masked, open)
		if closeIdx < 0 {
			continue
		}
		if !buffRe.MatchString(masked[open+1 : closeIdx]) {
			n++
		}
	}
	return n
}

func oversizedScales(masked string) []string {
	var over []string
	check := func(re *regexp.Regexp, limit float64, label string) {
		for _, m := range re.FindAllStringSubmatch(masked, -1) {
			if v, err := strconv.ParseFloat(m[2], 64); err == nil && v > limit {
				over = append(over, fmt.Sprintf("%s(%s)", label, m[2]))
			}
		}
	}
	check(scaleRe, MaxScale, "scale")
	check(fitWidthRe, MaxFitWidth, "scale_to_fit_width")
	return over
}
