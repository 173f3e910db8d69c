package scriptfix

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoFixLeavesWellFormedScriptAlone(t *testing.T) {
	res := AutoFix(wellFormed)
	assert.True(t, res.OK)
	assert.Equal(t, wellFormed, res.Script)
	assert.Empty(t, res.Applied)
	assert.Empty(t, res.Issues)
}

func TestAutoFixBalancesMissingParens(t *testing.T) {
	raw := strings.Replace(wellFormed, "self.wait(1)", "self.wait(max(1, 2", 1)

	res := AutoFix(raw)
	require.True(t, res.OK, "issues: %v", codes(res.Issues))
	assert.Equal(t, []string{"added 2 closing ')'"}, res.Applied)
	assert.Equal(t, strings.Count(raw, ")")+2, strings.Count(res.Script, ")"))
	assert.Contains(t, res.Script, "self.wait(max(1, 2))\n")
}

func TestAutoFixHaltsOnTruncation(t *testing.T) {
	raw := importHeader + `
class MainScene(VoiceoverScene):
    def construct(self):
        self.set_speech_service(GTTSService())
        with self.voiceover(text="Let us begin") as tracker:
            self.play(FadeIn(VGroup(Circle(), Square(
`
	res := AutoFix(raw)
	require.False(t, res.OK)
	assert.True(t, res.Truncated)
	require.NotEmpty(t, res.Issues)
	assert.Equal(t, CodeTruncated, res.Issues[0].Code)
	assert.Equal(t, SeverityCritical, res.Issues[0].Severity)
	assert.Contains(t, codes(res.Unfixable), CodeTruncated)
	assert.Equal(t, raw, res.Script)
	assert.Equal(t, strings.Count(raw, ")"), strings.Count(res.Script, ")"))
}

func TestAutoFixHaltsOnEmptyBlock(t *testing.T) {
	raw := importHeader + `
class MainScene(VoiceoverScene):
    def construct(self):
        self.set_speech_service(GTTSService())
        with self.voiceover(text="Let us begin") as tracker:
`
	res := AutoFix(raw)
	assert.False(t, res.OK)
	assert.True(t, res.Truncated)
	assert.Equal(t, CodeTruncated, res.Issues[0].Code)
}

func TestAutoFixProseReplyIsNonCode(t *testing.T) {
	res := AutoFix("Sorry, I can't write that script right now.")
	assert.False(t, res.OK)
	assert.False(t, res.Truncated)
	assert.Contains(t, codes(res.Unfixable), CodeNonCode)
	assert.NotContains(t, codes(res.Issues), CodeTruncated)
}

func TestAutoFixRepairsShallowTruncation(t *testing.T) {
	raw := strings.Replace(wellFormed, "self.wait(1)", "self.play(Create(Circle(),", 1)

	res := AutoFix(raw)
	require.True(t, res.OK, "issues: %v", codes(res.Issues))
	assert.False(t, res.Truncated)
	assert.Contains(t, res.Script, "self.play(Create(Circle(),))")
	assert.Equal(t, []string{"added 2 closing ')'"}, res.Applied)
}

func TestAutoFixExtractsFencedCode(t *testing.T) {
	raw := "Here is your scene:\n\n```text\nnot code\n```\n\n```python\n" + wellFormed + "```\n\nThis animates a title."

	res := AutoFix(raw)
	require.True(t, res.OK)
	assert.Equal(t, wellFormed, res.Script)
	assert.Equal(t, []string{"extracted code from markdown fence"}, res.Applied)
}

func TestAutoFixUnclosedFence(t *testing.T) {
	res := AutoFix("```python\n" + wellFormed)
	require.True(t, res.OK)
	assert.Equal(t, wellFormed, res.Script)
	assert.Equal(t, []string{"removed unclosed markdown fence"}, res.Applied)
}

func TestAutoFixStripsProse(t *testing.T) {
	raw := "Sure! Here is the code.\n" + wellFormed + "\nthis scene introduces the title and waits for one second.\n"

	res := AutoFix(raw)
	require.True(t, res.OK)
	assert.Equal(t, wellFormed, res.Script)
	assert.Equal(t, []string{
		"removed 1 line(s) of leading prose",
		"removed 1 line(s) of trailing prose",
	}, res.Applied)
}

func TestAutoFixInjectsImports(t *testing.T) {
	raw := strings.TrimPrefix(wellFormed, importHeader+"\n")

	res := AutoFix(raw)
	require.True(t, res.OK, "issues: %v", codes(res.Issues))
	assert.True(t, strings.HasPrefix(res.Script, importHeader))
	require.Len(t, res.Applied, 1)
	assert.True(t, strings.HasPrefix(res.Applied[0], "added missing imports: "))
}

func TestAutoFixInjectsPluginImport(t *testing.T) {
	raw := strings.Replace(wellFormed, "self.wait(1)", "r = Resistor()", 1)

	res := AutoFix(raw)
	require.True(t, res.OK)
	assert.Contains(t, res.Script, "from manim_voiceover.services.gtts import GTTSService\nfrom manim_circuit import *\n")
	assert.Equal(t, []string{"added missing imports: from manim_circuit import *"}, res.Applied)
	assert.Empty(t, res.Issues)
}

func TestAutoFixNormalizesSceneClass(t *testing.T) {
	raw := importHeader + `
class Explainer(Scene):
    def construct(self):
        self.set_speech_service(GTTSService())
        self.play(self.camera.frame.animate.scale(0.5))
        self.wait(1)

# render: manim -pql scene.py Explainer
`
	res := AutoFix(raw)
	require.True(t, res.OK, "issues: %v", codes(res.Issues))
	assert.Contains(t, res.Script, "class MainScene(VoiceoverScene, MovingCameraScene):\n")
	assert.NotContains(t, res.Script, "Explainer")
	assert.Equal(t, []string{
		"renamed scene class Explainer to MainScene; scene class now inherits VoiceoverScene; added MovingCameraScene base for camera frame access",
	}, res.Applied)
}

func TestAutoFixSynthesizesConstruct(t *testing.T) {
	raw := importHeader + "class MainScene(VoiceoverScene):\n    pass\n"

	res := AutoFix(raw)
	require.True(t, res.OK, "issues: %v", codes(res.Issues))
	assert.Contains(t, res.Script, "class MainScene(VoiceoverScene):\n    def construct(self):\n        self.set_speech_service(GTTSService())\n    pass\n")
	assert.Equal(t, []string{"added construct method with speech service"}, res.Applied)
}

func TestAutoFixAddsSpeechService(t *testing.T) {
	raw := strings.Replace(wellFormed, "        self.set_speech_service(GTTSService())\n", "", 1)

	res := AutoFix(raw)
	require.True(t, res.OK)
	assert.Equal(t, wellFormed, res.Script)
	assert.Equal(t, []string{"added speech service configuration to construct"}, res.Applied)
}

func TestAutoFixLayoutWarnings(t *testing.T) {
	raw := strings.Replace(wellFormed, "        self.wait(1)\n", `        sub = Text("Sub", font_size=52)
        sub.next_to(title, DOWN)
        sub.scale(4)
        title.scale_to_fit_width(14.5)
`, 1)

	res := AutoFix(raw)
	require.True(t, res.OK)
	assert.Empty(t, res.Issues)
	assert.Contains(t, res.Script, `sub = Text("Sub", font_size=48)`)
	assert.Contains(t, res.Script, "sub.next_to(title, DOWN, buff=0.25)")
	assert.Contains(t, res.Script, "sub.scale(2.5)")
	assert.Contains(t, res.Script, "title.scale_to_fit_width(12)")
	assert.Equal(t, []string{
		"added buff=0.25 to 1 next_to call(s)",
		"clamped 1 scale factor(s) to 2.5; clamped 1 scale_to_fit_width value(s) to 12",
		"snapped 1 font_size value(s) to the allowed set",
	}, res.Applied)
}

func TestAutoFixTexStrings(t *testing.T) {
	raw := strings.Replace(wellFormed, "        self.wait(1)\n", `        eq = MathTex("\\frac{a}{b}")
        alpha = Tex(r"\\alpha")
        mixed = MathTex(r"\textcolor{red}{x} + y")
`, 1)

	res := AutoFix(raw)
	require.True(t, res.OK)
	assert.Contains(t, res.Script, `eq = MathTex(r"\frac{a}{b}")`)
	assert.Contains(t, res.Script, `alpha = Tex(r"\alpha")`)
	assert.Contains(t, res.Script, `mixed = MathTex(r"x + y")`)
	assert.Equal(t, []string{
		"converted 1 math string(s) to raw strings; collapsed doubled backslashes in 1 raw string(s); removed inline color markup on 1 line(s)",
	}, res.Applied)
}

func TestAutoFixTexStringsKeepValue(t *testing.T) {
	raw := strings.Replace(wellFormed, "        self.wait(1)\n", `        braces = MathTex("\\{ x \\} \\\\ y")
        gap = MathTex("a \\, b \\; c")
        quoted = Tex("\\text{it\'s}")
`, 1)

	res := AutoFix(raw)
	require.True(t, res.OK, "issues: %v", codes(res.Issues))
	assert.Contains(t, res.Script, `braces = MathTex(r"\{ x \} \\ y")`)
	assert.Contains(t, res.Script, `gap = MathTex(r"a \, b \; c")`)
	assert.Contains(t, res.Script, `quoted = Tex("\\text{it\'s}")`)
	assert.Equal(t, []string{"converted 2 math string(s) to raw strings"}, res.Applied)
}

func TestRawBody(t *testing.T) {
	for body, want := range map[string]string{
		`\frac{1}{2}`: `\frac{1}{2}`,
		`a \\\\ b`:    `a \\ b`,
		`\\alpha`:     `\alpha`,
	} {
		got, ok := rawBody(body)
		assert.True(t, ok, body)
		assert.Equal(t, want, got, body)
	}
	for _, body := range []string{`it\'s \alpha`, `say \"x\"`, `ends \\`} {
		got, ok := rawBody(body)
		assert.False(t, ok, body)
		assert.Equal(t, body, got)
	}
}

func TestAutoFixIsDeterministic(t *testing.T) {
	raw := "Here you go!\n```python\nfrom manim import *\n\nclass Demo(Scene):\n    def construct(self):\n" +
		"        t = Text(\"x\", font_size=50)\n        t.next_to(ORIGIN, UP)\n        t.scale(9)\n" +
		"        self.play(Write(t)\n```\nEnjoy."

	first := AutoFix(raw)
	second := AutoFix(raw)
	require.Equal(t, first.Script, second.Script)
	require.Equal(t, first.Applied, second.Applied)
	require.Equal(t, first.Issues, second.Issues)
	assert.True(t, first.OK, "issues: %v", codes(first.Issues))
	assert.NotEmpty(t, first.Applied)
}

func TestNearestFontSize(t *testing.T) {
	for in, want := range map[float64]int{50: 48, 52: 48, 18: 16, 100: 72, 10: 16, 30: 28} {
		assert.Equal(t, want, nearestFontSize(in), "font_size=%v", in)
	}
}
