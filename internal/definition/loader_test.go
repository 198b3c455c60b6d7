package definition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	f, err := l.LoadFile("testdata/articles/review.yaml")
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", f.Version)
	require.Len(t, f.Workflows, 1)
	w := f.Workflows[0]
	assert.Equal(t, "article.review", w.ID)
	assert.Equal(t, "draft", w.InitialAction)
	require.Len(t, w.Actions, 3)

	review := w.Actions[1]
	require.Len(t, review.Transitions, 2)
	g := review.Transitions[0].Guard
	require.NotNil(t, g)
	assert.Equal(t, "articles:approve", g.Params["capability"])

	assert.EqualValues(t, "no", w.Actions[2].EditPolicy)
	assert.NotEmpty(t, f.Checksum)
	assert.Equal(t, "testdata/articles/review.yaml", f.SourceFile)
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	_, err := NewLoader().LoadFile("testdata/nonexistent.yaml")
	assert.Error(t, err)
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	_, err := NewLoader().LoadFile("testdata/invalid/bad.yaml")
	assert.Error(t, err)
}

func TestLoader_LoadFile_unknown_field(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	data := "version: \"1\"\nworkflows:\n  - id: w\n    intial_action: a\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	_, err := NewLoader().LoadFile(path)
	assert.Error(t, err, "unknown keys are rejected")
}

func TestLoader_LoadAll(t *testing.T) {
	files, err := NewLoader().LoadAll([]string{"testdata/articles"})
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestLoader_LoadAll_skips_other_extensions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# notes"), 0o600))

	files, err := NewLoader().LoadAll([]string{dir})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLoader_LoadAll_propagates_parse_errors(t *testing.T) {
	_, err := NewLoader().LoadAll([]string{"testdata/invalid"})
	assert.Error(t, err)
}

func TestLoader_LoadAll_missing_dir(t *testing.T) {
	_, err := NewLoader().LoadAll([]string{"testdata/does-not-exist"})
	assert.Error(t, err)
}
