package scriptfix

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"prompt-to-video/internal/plugins"
)

// Pass is one text transform. Apply returns the new script and a description
// of what it changed, or "" when it left the script alone.
type Pass struct {
	Name  string
	Apply func(script string) (string, string)
}

// Result is the outcome of AutoFix.
type Result struct {
	Script    string   `json:"script"`
	OK        bool     `json:"ok"`
	Truncated bool     `json:"truncated"`
	Issues    []Issue  `json:"issues"`
	Unfixable []Issue  `json:"unfixable"`
	Applied   []string `json:"appliedFixes"`
}

// cleanupPasses run before truncation detection.
var cleanupPasses = []Pass{
	{"extract-fence", extractFencedCode},
	{"strip-leading-prose", stripLeadingProse},
	{"strip-trailing-prose", stripTrailingProse},
}

// repairPasses run once the script is known not to be truncated. Later passes
// rely on the normalisation done by earlier ones.
var repairPasses = []Pass{
	{"imports", injectImports},
	{"scene-class", normalizeSceneClass},
	{"construct", ensureConstruct},
	{"tex-strings", fixTexStrings},
	{"next-to-buff", addNextToBuff},
	{"clamp-scale", clampScales},
	{"font-size", snapFontSizes},
	{"balance-brackets", func(s string) (string, string) { return balanceBrackets(s, 0) }},
}

// AutoFix runs the repair pipeline over raw model output and validates the
// result. The same input always yields the same Result.
func AutoFix(raw string) Result {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	var applied []string
	run := func(passes []Pass) {
		for _, p := range passes {
			out, fix := p.Apply(s)
			s = out
			if fix != "" {
				applied = append(applied, fix)
			}
		}
	}

	run(cleanupPasses)

	if !hasCodeLine(s) {
		v := Validate(s)
		bad := unfixable(v.Issues)
		return Result{Script: s, OK: len(bad) == 0, Issues: v.Issues, Unfixable: bad, Applied: applied}
	}

	if t := detectTruncation(s); t.truncated() {
		repaired, fix := s, ""
		if t.repairable {
			repaired, fix = balanceBrackets(s, truncateDepth)
		}
		if !t.repairable || stillTruncated(repaired) {
			issue := Issue{Code: CodeTruncated, Severity: SeverityCritical, Message: "script is truncated: " + t.reason}
			issues := append([]Issue{issue}, Validate(s).Issues...)
			return Result{
				Script:    s,
				OK:        false,
				Truncated: true,
				Issues:    issues,
				Unfixable: unfixable(issues),
				Applied:   applied,
			}
		}
		s = repaired
		if fix != "" {
			applied = append(applied, fix)
		}
	}

	run(repairPasses)

	v := Validate(s)
	bad := unfixable(v.Issues)
	return Result{
		Script:    s,
		OK:        len(bad) == 0,
		Issues:    v.Issues,
		Unfixable: bad,
		Applied:   applied,
	}
}

func unfixable(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Unfixable() {
			out = append(out, i)
		}
	}
	return out
}

type truncation struct {
	reason     string
	repairable bool
}

func (t truncation) truncated() bool { return t.reason != "" }

// detectTruncation looks for output that stopped mid-statement.
func detectTruncation(script string) truncation {
	masked, unterminated := maskLiterals(script)
	if unterminated {
		return truncation{reason: "string literal left open"}
	}
	last := lastCodeLine(masked)
	if last == "" {
		return truncation{}
	}
	scan := scanBrackets(masked)
	switch {
	case strings.HasSuffix(last, `\`):
		return truncation{reason: "last line ends with a line continuation"}
	case strings.HasSuffix(last, ":"):
		return truncation{reason: "block opened on the last line has no body"}
	case len(scan.open) > truncateDepth:
		return truncation{reason: describeOpen(scan.open), repairable: true}
	case strings.HasSuffix(last, ","):
		return truncation{reason: "last line ends with a dangling comma", repairable: len(scan.open) > 0}
	}
	return truncation{}
}

func stillTruncated(script string) bool {
	masked, _ := maskLiterals(script)
	return len(scanBrackets(masked).open) > 0 || detectTruncation(script).truncated()
}

var (
	fenceRe     = regexp.MustCompile("(?s)```[ \\t]*[A-Za-z0-9_+-]*[ \\t]*\\n(.*?)```")
	openFenceRe = regexp.MustCompile("(?m)^```[ \\t]*[A-Za-z0-9_+-]*[ \\t]*$")
	codeTokens  = []string{"from manim", "import manim", "class ", "def construct", "self.play"}
)

func hasCodeTokens(s string) bool {
	for _, t := range codeTokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func extractFencedCode(script string) (string, string) {
	if !strings.Contains(script, "```") {
		return script, ""
	}
	blocks := fenceRe.FindAllStringSubmatch(script, -1)
	if len(blocks) > 0 {
		chosen := blocks[0][1]
		for _, b := range blocks {
			if hasCodeTokens(b[1]) {
				chosen = b[1]
				break
			}
		}
		return ensureNewline(chosen), "extracted code from markdown fence"
	}
	// An opening fence without a closing one: the response was cut off.
	if loc := openFenceRe.FindStringIndex(script); loc != nil {
		rest := strings.TrimPrefix(script[loc[1]:], "\n")
		return ensureNewline(rest), "removed unclosed markdown fence"
	}
	lines := strings.Split(script, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if !strings.HasPrefix(strings.TrimSpace(l), "```") {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n"), "removed stray markdown fence"
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func stripLeadingProse(script string) (string, string) {
	lines := strings.Split(script, "\n")
	first := -1
	for i, l := range lines {
		if isScriptLine(l) {
			first = i
			break
		}
	}
	if first <= 0 {
		return script, ""
	}
	removed := 0
	for _, l := range lines[:first] {
		if strings.TrimSpace(l) != "" {
			removed++
		}
	}
	if removed == 0 {
		return script, ""
	}
	return strings.Join(lines[first:], "\n"), fmt.Sprintf("removed %d line(s) of leading prose", removed)
}

func stripTrailingProse(script string) (string, string) {
	lines := strings.Split(script, "\n")
	last := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if isScriptLine(lines[i]) {
			last = i
			break
		}
	}
	if last < 0 {
		return script, ""
	}
	removed := 0
	for _, l := range lines[last+1:] {
		if strings.TrimSpace(l) != "" {
			removed++
		}
	}
	if removed == 0 {
		return script, ""
	}
	return strings.Join(lines[:last+1], "\n") + "\n", fmt.Sprintf("removed %d line(s) of trailing prose", removed)
}

func isHeaderLine(line string) bool {
	t := strings.TrimSpace(line)
	return t == "" || strings.HasPrefix(t, "#") || importLineRe.MatchString(line)
}

func injectImports(script string) (string, string) {
	missing := missingImports(script)
	masked, _ := maskLiterals(script)
	for _, p := range plugins.Default().Detect(masked) {
		if !p.Imported(script) {
			missing = append(missing, p.Import)
		}
	}
	if len(missing) == 0 {
		return script, ""
	}

	lines := strings.Split(script, "\n")
	insertAt := 0
	for i, l := range lines {
		if !isHeaderLine(l) {
			break
		}
		if strings.TrimSpace(l) != "" {
			insertAt = i + 1
		}
	}

	block := append([]string{}, missing...)
	if insertAt == 0 && strings.TrimSpace(script) != "" {
		block = append(block, "")
	}
	out := make([]string, 0, len(lines)+len(block))
	out = append(out, lines[:insertAt]...)
	out = append(out, block...)
	out = append(out, lines[insertAt:]...)
	return strings.Join(out, "\n"), "added missing imports: " + strings.Join(missing, "; ")
}

func normalizeSceneClass(script string) (string, string) {
	masked, _ := maskLiterals(script)
	scenes := sceneClasses(masked)
	if len(scenes) == 0 {
		return script, ""
	}
	scene := scenes[0]
	var fixes []string

	bases := scene.bases
	hasBase := func(name string) bool {
		for _, b := range bases {
			if b == name {
				return true
			}
		}
		return false
	}
	if !hasBase(narrationBase) {
		replaced := false
		for i, b := range bases {
			if b == "Scene" {
				bases[i] = narrationBase
				replaced = true
				break
			}
		}
		if !replaced {
			bases = append([]string{narrationBase}, bases...)
		}
		fixes = append(fixes, "scene class now inherits "+narrationBase)
	}
	if strings.Contains(masked, "self.camera.frame") && !hasBase(cameraBase) {
		bases = append(bases, cameraBase)
		fixes = append(fixes, "added "+cameraBase+" base for camera frame access")
	}
	bases = dedupe(bases)

	header := fmt.Sprintf("%sclass %s(%s):", scene.indent, scene.name, strings.Join(bases, ", "))
	out := script
	if header != script[scene.start:scene.end] {
		out = script[:scene.start] + header + script[scene.end:]
		if len(fixes) == 0 {
			fixes = append(fixes, "cleaned up scene class bases")
		}
	}

	if scene.name != CanonicalSceneName {
		nameRe := regexp.MustCompile(`\b` + regexp.QuoteMeta(scene.name) + `\b`)
		out = nameRe.ReplaceAllString(out, CanonicalSceneName)
		fixes = append([]string{fmt.Sprintf("renamed scene class %s to %s", scene.name, CanonicalSceneName)}, fixes...)
	}
	return out, strings.Join(fixes, "; ")
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func ensureConstruct(script string) (string, string) {
	masked, _ := maskLiterals(script)
	headerEnd, bodyEnd, indent, ok := constructSpan(masked)
	if !ok {
		scenes := sceneClasses(masked)
		if len(scenes) == 0 {
			return script, ""
		}
		scene := scenes[0]
		pos := len(script)
		if nl := strings.IndexByte(script[scene.end:], '\n'); nl >= 0 {
			pos = scene.end + nl + 1
		}
		method := scene.indent + "    def construct(self):\n" + scene.indent + "        " + speechServiceCall + "\n"
		prefix := script[:pos]
		if !strings.HasSuffix(prefix, "\n") {
			prefix += "\n"
		}
		return prefix + method + script[pos:], "added construct method with speech service"
	}

	if speechRe.MatchString(masked[headerEnd:bodyEnd]) {
		return script, ""
	}
	bodyIndent := indent + "    "
	for _, line := range strings.Split(masked[headerEnd:bodyEnd], "\n") {
		if strings.TrimSpace(line) != "" {
			bodyIndent = leadingIndent(line)
			break
		}
	}
	prefix := script[:headerEnd]
	if !strings.HasSuffix(prefix, "\n") {
		prefix += "\n"
	}
	return prefix + bodyIndent + speechServiceCall + "\n" + script[headerEnd:], "added speech service configuration to construct"
}

var (
	collapseRe  = regexp.MustCompile(`\\\\([A-Za-z])`)
	textColorRe = regexp.MustCompile(`\\textcolor\{[^{}]*\}\{([^{}]*)\}`)
	colorRe     = regexp.MustCompile(`\\color\{[^{}]*\}\s*`)
	texCallRe   = regexp.MustCompile(`\b(MathTex|Tex)\s*\(`)
)

// fixTexStrings rewrites string literals on Tex/MathTex lines.
func fixTexStrings(script string) (string, string) {
	lines := strings.Split(script, "\n")
	var converted, collapsed, recolored int
	for i, line := range lines {
		if !texCallRe.MatchString(line) {
			continue
		}
		out, conv, coll := rawTexLine(line)
		if stripped := colorRe.ReplaceAllString(textColorRe.ReplaceAllString(out, "${1}"), ""); stripped != out {
			recolored++
			out = stripped
		}
		converted += conv
		collapsed += coll
		lines[i] = out
	}
	var fixes []string
	if converted > 0 {
		fixes = append(fixes, fmt.Sprintf("converted %d math string(s) to raw strings", converted))
	}
	if collapsed > 0 {
		fixes = append(fixes, fmt.Sprintf("collapsed doubled backslashes in %d raw string(s)", collapsed))
	}
	if recolored > 0 {
		fixes = append(fixes, fmt.Sprintf("removed inline color markup on %d line(s)", recolored))
	}
	if len(fixes) == 0 {
		return script, ""
	}
	return strings.Join(lines, "\n"), strings.Join(fixes, "; ")
}

func rawTexLine(line string) (string, int, int) {
	var b strings.Builder
	converted, collapsed := 0, 0
	i := 0
	for i < len(line) {
		c := line[i]
		if c == '#' {
			b.WriteString(line[i:])
			break
		}
		if c != '"' && c != '\'' {
			b.WriteByte(c)
			i++
			continue
		}
		if strings.HasPrefix(line[i:], strings.Repeat(string(c), 3)) {
			b.WriteString(line[i:])
			break
		}
		end := closingQuote(line, i)
		if end < 0 {
			b.WriteString(line[i:])
			break
		}
		prefix := literalPrefix(line, i)
		body := line[i+1 : end]
		switch {
		case strings.ContainsAny(prefix, "fFbBuU"):
		case strings.ContainsAny(prefix, "rR"):
			if nb := collapseRe.ReplaceAllString(body, `\${1}`); nb != body {
				body = nb
				collapsed++
			}
		case strings.Contains(body, `\`):
			if raw, ok := rawBody(body); ok {
				body = raw
				b.WriteByte('r')
				converted++
			}
		}
		b.WriteByte(c)
		b.WriteString(body)
		b.WriteByte(c)
		i = end + 1
	}
	return b.String(), converted, collapsed
}

// rawBody rewrites the body of a plain string literal for an r prefix. Each
// "\\" escape becomes one backslash so the string keeps its value, while lone
// backslashes stay as written LaTeX. Bodies with escaped quotes, or that would
// end in an odd run of backslashes, cannot be raw and are reported as not ok.
func rawBody(body string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 == len(body) {
			b.WriteByte(c)
			continue
		}
		switch body[i+1] {
		case '\\':
			b.WriteByte('\\')
			i++
		case '"', '\'':
			return body, false
		default:
			b.WriteByte(c)
		}
	}
	out := b.String()
	trailing := len(out) - len(strings.TrimRight(out, `\`))
	if trailing%2 == 1 {
		return body, false
	}
	return out, true
}

func closingQuote(line string, open int) int {
	q := line[open]
	for i := open + 1; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case q:
			return i
		}
	}
	return -1
}

func literalPrefix(line string, quote int) string {
	start := quote
	for start > 0 && start > quote-2 && strings.IndexByte("rRbBfFuU", line[start-1]) >= 0 {
		start--
	}
	if start > 0 {
		prev := line[start-1]
		if prev == '_' || prev >= '0' && prev <= '9' || prev >= 'a' && prev <= 'z' || prev >= 'A' && prev <= 'Z' {
			return ""
		}
	}
	return line[start:quote]
}

func addNextToBuff(script string) (string, string) {
	masked, _ := maskLiterals(script)
	locs := nextToRe.FindAllStringIndex(masked, -1)
	out := script
	added := 0
	for i := len(locs) - 1; i >= 0; i-- {
		open := locs[i][1] - 1
		closeIdx := matchingParen(masked, open)
		if closeIdx < 0 || buffRe.MatchString(masked[open+1:closeIdx]) {
			continue
		}
		insert := ", buff=" + DefaultBuff
		if strings.TrimSpace(masked[open+1:closeIdx]) == "" {
			insert = "buff=" + DefaultBuff
		} else if strings.HasSuffix(strings.TrimSpace(masked[open+1:closeIdx]), ",") {
			insert = " buff=" + DefaultBuff
		}
		out = out[:closeIdx] + insert + out[closeIdx:]
		added++
	}
	if added == 0 {
		return script, ""
	}
	return out, fmt.Sprintf("added buff=%s to %d next_to call(s)", DefaultBuff, added)
}

func clampScales(script string) (string, string) {
	clamp := func(limit float64) func([]string) string {
		return func(sub []string) string {
			v, err := strconv.ParseFloat(sub[2], 64)
			if err != nil || v <= limit {
				return sub[0]
			}
			return sub[1] + formatNumber(limit) + sub[3]
		}
	}
	out, n1 := replaceInCode(script, scaleRe, clamp(MaxScale))
	out, n2 := replaceInCode(out, fitWidthRe, clamp(MaxFitWidth))
	var fixes []string
	if n1 > 0 {
		fixes = append(fixes, fmt.Sprintf("clamped %d scale factor(s) to %s", n1, formatNumber(MaxScale)))
	}
	if n2 > 0 {
		fixes = append(fixes, fmt.Sprintf("clamped %d scale_to_fit_width value(s) to %s", n2, formatNumber(MaxFitWidth)))
	}
	return out, strings.Join(fixes, "; ")
}

func snapFontSizes(script string) (string, string) {
	out, n := replaceInCode(script, fontSizeRe, func(sub []string) string {
		v, err := strconv.ParseFloat(sub[2], 64)
		if err != nil || allowedFontSize(v) {
			return sub[0]
		}
		return sub[1] + strconv.Itoa(nearestFontSize(v))
	})
	if n == 0 {
		return script, ""
	}
	return out, fmt.Sprintf("snapped %d font_size value(s) to the allowed set", n)
}

// nearestFontSize picks the closest allowed size, preferring the smaller on ties.
func nearestFontSize(v float64) int {
	best := AllowedFontSizes[0]
	for _, a := range AllowedFontSizes[1:] {
		if abs(float64(a)-v) < abs(float64(best)-v) {
			best = a
		}
	}
	return best
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
