package taxonomy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepthFromPrefix(t *testing.T) {
	tax, err := New(map[string]string{
		"higher-modality": "",
		"microscopy":      "mic.",
		"electron":        "mic.ele.",
	})
	require.NoError(t, err)

	root, ok := tax.Lookup("higher-modality")
	require.True(t, ok)
	assert.True(t, root.IsRoot())
	assert.Equal(t, 1, root.Depth)

	mic, _ := tax.Lookup("microscopy")
	assert.Equal(t, 2, mic.Depth)

	ele, _ := tax.Lookup("electron")
	assert.Equal(t, 3, ele.Depth)
}

func TestMatchesAndTruncate(t *testing.T) {
	tax, err := New(map[string]string{"microscopy": "mic.", "breeds": ""})
	require.NoError(t, err)

	mic, _ := tax.Lookup("microscopy")
	assert.True(t, mic.Matches("mic.ele.sca"))
	assert.False(t, mic.Matches("rad.xra"))
	assert.False(t, mic.Matches("mic"))
	assert.Equal(t, "mic.ele", mic.Truncate("mic.ele.sca"))
	assert.Equal(t, "mic.ele", mic.Truncate("mic.ele"))

	root, _ := tax.Lookup("breeds")
	assert.True(t, root.Matches("anything"))
	assert.Equal(t, "bul", root.Truncate("bul.fre"))
}

func TestTruncateLabel(t *testing.T) {
	assert.Equal(t, "a", TruncateLabel("a.b.c", 1))
	assert.Equal(t, "a.b", TruncateLabel("a.b.c", 2))
	assert.Equal(t, "a.b.c", TruncateLabel("a.b.c", 5))
	assert.Equal(t, "a.b.c", TruncateLabel("a.b.c", 0))
}

func TestNewRejectsMalformedPrefix(t *testing.T) {
	_, err := New(map[string]string{"bad": "mic"})
	assert.Error(t, err)

	_, err = New(map[string]string{"bad": "mic..ele."})
	assert.Error(t, err)

	_, err = New(map[string]string{"": "mic."})
	assert.Error(t, err)
}

func TestDefaultTaxonomy(t *testing.T) {
	tax := Default()
	names := tax.Names()
	assert.Contains(t, names, "higher-modality")
	assert.Contains(t, names, "electron")

	ele, ok := tax.Lookup("electron")
	require.True(t, ok)
	assert.Equal(t, "mic.ele.", ele.Prefix)
	assert.Equal(t, 3, ele.Depth)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	content := `
classifiers:
  breeds: {}
  breeds-bulldog:
    prefix: bul.
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	tax, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"breeds", "breeds-bulldog"}, tax.Names())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsEmpty(t *testing.T) {
	_, err := Parse([]byte("classifiers: {}\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("{{invalid yaml"))
	assert.Error(t, err)
}
