// Package diagrams is an embedded catalog of reference Manim snippets. Snippets
// are matched to a prompt by topic and handed to the script model as examples.
package diagrams

import (
	"bufio"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"unicode"
)

//go:embed catalog/*.py
var catalogFS embed.FS

type Diagram struct {
	Name        string
	Kind        string
	Description string
	Topics      []string
	Source      string
}

type Catalog struct {
	diagrams []Diagram
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog built from the embedded snippets.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(catalogFS, "catalog")
		if err != nil {
			panic(fmt.Sprintf("diagrams: embedded catalog: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Load reads every .py file under dir in fsys.
func Load(fsys fs.FS, dir string) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	c := &Catalog{}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".py" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		d, err := Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		c.diagrams = append(c.diagrams, d)
	}
	sort.Slice(c.diagrams, func(i, j int) bool { return c.diagrams[i].Name < c.diagrams[j].Name })
	return c, nil
}

// Parse reads a snippet's "# KEY: value" header. The header ends at the first
// line that is not a header comment.
func Parse(src string) (Diagram, error) {
	var d Diagram
	sc := bufio.NewScanner(strings.NewReader(src))
header:
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "#"), ":")
		if !strings.HasPrefix(line, "#") || !ok {
			break
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "ILLUSTRATION":
			d.Kind, d.Name = "illustration", value
		case "DIAGRAM_SCHEMA":
			d.Kind, d.Name = "diagram", value
		case "DESCRIPTION":
			d.Description = value
		case "TOPICS":
			for _, t := range strings.Split(value, ",") {
				if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
					d.Topics = append(d.Topics, t)
				}
			}
		default:
			break header
		}
	}
	if d.Name == "" {
		return Diagram{}, fmt.Errorf("missing ILLUSTRATION or DIAGRAM_SCHEMA header")
	}
	d.Source = strings.TrimSpace(src) + "\n"
	return d, nil
}

func (c *Catalog) All() []Diagram {
	return append([]Diagram(nil), c.diagrams...)
}

// Match returns up to limit diagrams whose topics appear in prompt, best match first.
func (c *Catalog) Match(prompt string, limit int) []Diagram {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
		words[strings.TrimSuffix(w, "s")] = true
	}
	lower := strings.ToLower(prompt)

	type scored struct {
		d     Diagram
		score int
	}
	var hits []scored
	for _, d := range c.diagrams {
		score := 0
		for _, t := range d.Topics {
			if strings.Contains(t, " ") {
				if strings.Contains(lower, t) {
					score += 2
				}
				continue
			}
			if words[t] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{d, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Diagram, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.d)
	}
	return out
}

// FormatExamples renders diagrams as a prompt section. It returns "" for none.
func FormatExamples(ds []Diagram) string {
	if len(ds) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Reference snippets you may adapt:\n")
	for _, d := range ds {
		fmt.Fprintf(&b, "\n### %s (%s)\n%s\n```python\n%s```\n", d.Name, d.Kind, d.Description, d.Source)
	}
	return b.String()
}
