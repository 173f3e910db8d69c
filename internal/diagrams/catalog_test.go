package diagrams

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeader(t *testing.T) {
	d, err := Parse("# ILLUSTRATION: sun\n# DESCRIPTION: A sun\n# TOPICS: Astronomy, sun, solar system\n\nsun = Circle()\n")
	require.NoError(t, err)
	assert.Equal(t, "sun", d.Name)
	assert.Equal(t, "illustration", d.Kind)
	assert.Equal(t, []string{"astronomy", "sun", "solar system"}, d.Topics)
	assert.Contains(t, d.Source, "sun = Circle()")

	_, err = Parse("sun = Circle()\n")
	assert.Error(t, err)
}

func TestMatchRanksByTopic(t *testing.T) {
	fsys := fstest.MapFS{
		"c/sun.py":  {Data: []byte("# ILLUSTRATION: sun\n# TOPICS: astronomy, sun, solar system\nx = 1\n")},
		"c/moon.py": {Data: []byte("# ILLUSTRATION: moon\n# TOPICS: astronomy, moon\nx = 1\n")},
		"c/tree.py": {Data: []byte("# ILLUSTRATION: tree\n# TOPICS: nature, tree\nx = 1\n")},
		"c/notes":   {Data: []byte("ignored")},
	}
	c, err := Load(fsys, "c")
	require.NoError(t, err)
	require.Len(t, c.All(), 3)

	got := c.Match("How does the Sun power the solar system?", 2)
	require.Len(t, got, 1)
	assert.Equal(t, "sun", got[0].Name)

	got = c.Match("astronomy basics: the moon", 0)
	require.Len(t, got, 2)
	assert.Equal(t, "moon", got[0].Name)

	assert.Empty(t, c.Match("sorting algorithms", 3))
}

func TestDefaultCatalogLoads(t *testing.T) {
	all := Default().All()
	require.NotEmpty(t, all)
	assert.NotEmpty(t, Default().Match("draw the earth orbiting the sun", 3))
	assert.Contains(t, FormatExamples(all[:1]), "```python")
	assert.Equal(t, "", FormatExamples(nil))
}
