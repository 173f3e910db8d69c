package synth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"prompt-to-video/internal/diagrams"
	"prompt-to-video/internal/models"
	"prompt-to-video/internal/scriptfix"
)

const narrationSystem = `You write voice-over narration for short educational animations.
Write plain spoken prose only: no headings, no bullet points, no stage directions, no markdown.
Explain one idea at a time in the order an animation could show it, and keep sentences short enough to read aloud.`

const scriptSystem = `You write Manim Community Edition scripts narrated with manim-voiceover.
Return only Python code. The script must:
- start with these imports:
  from manim import *
  from manim_voiceover import VoiceoverScene
  from manim_voiceover.services.gtts import GTTSService
- define exactly one scene: class MainScene(VoiceoverScene)
- call self.set_speech_service(GTTSService()) first inside def construct(self)
- speak the narration through "with self.voiceover(text=...) as tracker:" blocks, using every sentence of the narration in order
- use font_size values from 16, 20, 24, 28, 32, 36, 40, 48, 56, 64, 72 only
- pass buff= to every .next_to( call
- keep .scale( at or below 2.5 and .scale_to_fit_width( at or below 12
- write LaTeX as raw strings, for example MathTex(r"\frac{a}{b}")
- remove or fade out old objects before placing new ones in the same area`

// NarrationRequest is the input for a narration draft.
type NarrationRequest struct {
	Prompt        string
	Variant       string
	SourceContext string
}

// Narration drafts the voice-over text for a prompt.
func (c *Client) Narration(ctx context.Context, req NarrationRequest) (string, error) {
	var b strings.Builder
	b.WriteString(variantGuidance(req.Variant))
	b.WriteString("\n\nTopic: ")
	b.WriteString(strings.TrimSpace(req.Prompt))
	if ctxText := strings.TrimSpace(req.SourceContext); ctxText != "" {
		b.WriteString("\n\nUse these research notes for facts. Do not cite them aloud.\n")
		b.WriteString(ctxText)
	}
	b.WriteString("\n\nReturn only the narration text.")

	out, err := c.complete(ctx, narrationSystem, b.String())
	if err != nil {
		return "", err
	}
	narration := cleanNarration(out)
	if narration == "" {
		return "", errors.New("llm returned empty narration")
	}
	return narration, nil
}

func variantGuidance(variant string) string {
	if variant == models.VariantShort {
		return "Mode: vertical short. Write 60 to 110 words, about 30 to 45 seconds spoken. Open with a hook in the first sentence."
	}
	return "Mode: full video. Write 180 to 320 words, about 90 seconds to 2 minutes spoken, building from intuition to the key result."
}

var (
	headingRe = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	labelRe   = regexp.MustCompile(`(?i)^\s*(narration|voice-?over|script)\s*:\s*`)
)

func cleanNarration(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```text")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = headingRe.ReplaceAllString(s, "")
	s = labelRe.ReplaceAllString(strings.TrimSpace(s), "")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// ScriptRequest asks for a new script, or a repair when Previous is set.
type ScriptRequest struct {
	Prompt    string
	Narration string
	Variant   string
	Previous  string
	Feedback  *Feedback
}

// Script writes a Manim script for the approved narration. The reply is
// returned as is; callers run it through scriptfix.AutoFix.
func (c *Client) Script(ctx context.Context, req ScriptRequest) (string, error) {
	out, err := c.complete(ctx, c.scriptSystemPrompt(), c.scriptUserPrompt(req))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", errors.New("llm returned an empty script")
	}
	return out, nil
}

func (c *Client) scriptSystemPrompt() string {
	if len(c.plugins) == 0 {
		return scriptSystem
	}
	var b strings.Builder
	b.WriteString(scriptSystem)
	b.WriteString("\n\nOptional plugins are installed. Import a plugin only when you use it:")
	for _, p := range c.plugins {
		fmt.Fprintf(&b, "\n- %s (%s): %s Symbols: %s", p.Name, p.Import, p.Description, strings.Join(p.Symbols, ", "))
	}
	return b.String()
}

func (c *Client) scriptUserPrompt(req ScriptRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", strings.TrimSpace(req.Prompt))
	if req.Variant == models.VariantShort {
		b.WriteString("Format: vertical short. Keep everything inside a narrow central column and use large text.\n")
	} else {
		b.WriteString("Format: landscape video.\n")
	}
	b.WriteString("\nNarration:\n")
	b.WriteString(strings.TrimSpace(req.Narration))
	b.WriteString("\n")

	if c.catalog != nil && req.Previous == "" {
		if examples := diagrams.FormatExamples(c.catalog.Match(req.Prompt+" "+req.Narration, 2)); examples != "" {
			b.WriteString("\n")
			b.WriteString(examples)
		}
	}

	if req.Previous != "" {
		b.WriteString("\nYour previous script failed. Fix the problems below and return the full corrected script.\n")
		if req.Feedback != nil {
			b.WriteString(req.Feedback.String())
		}
		b.WriteString("\nPrevious script:\n```python\n")
		b.WriteString(strings.TrimRight(req.Previous, "\n"))
		b.WriteString("\n```\n")
	}
	return b.String()
}

// Feedback describes why an attempt failed, for the next synthesis call.
type Feedback struct {
	Attempt  int               `json:"attempt"`
	Stage    string            `json:"stage"`
	ExitCode int               `json:"exitCode,omitempty"`
	Stderr   string            `json:"stderr,omitempty"`
	Stdout   string            `json:"stdout,omitempty"`
	Stack    string            `json:"stack,omitempty"`
	Issues   []scriptfix.Issue `json:"issues,omitempty"`
}

const feedbackTail = 2000

func (f Feedback) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attempt %d failed during %s.\n", f.Attempt, f.Stage)
	if f.ExitCode != 0 {
		fmt.Fprintf(&b, "Exit code: %d\n", f.ExitCode)
	}
	if len(f.Issues) > 0 {
		b.WriteString("Validation issues:\n")
		for _, is := range f.Issues {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", is.Severity, is.Code, is.Message)
		}
	}
	section := func(name, body string) {
		if body = strings.TrimSpace(body); body != "" {
			fmt.Fprintf(&b, "%s (last lines):\n%s\n", name, tail(body, feedbackTail))
		}
	}
	section("Stack trace", f.Stack)
	section("Stderr", f.Stderr)
	section("Stdout", f.Stdout)
	return b.String()
}
