package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble/internal/apperr"
	"ensemble/internal/prompt"
)

func TestParsePages(t *testing.T) {
	md := "Here is the plan:\n- one\n* two\n3. three\n4) four\n+ five\n\nnot a bullet\n-   \n"
	assert.Equal(t, []string{"one", "two", "three", "four", "five"}, ParsePages(md, 0))
	assert.Equal(t, []string{"one", "two"}, ParsePages(md, 2))
	assert.Empty(t, ParsePages("no list here", 3))

	assert.Equal(t, "two", pagePrompt([]string{"one", "two"}, 1))
	assert.Equal(t, "Continue with page 3.", pagePrompt([]string{"one", "two"}, 2))
}

func TestBuiltins(t *testing.T) {
	all := Builtins(DefaultOptions())
	for _, name := range []string{NameChat, NameWrite, NameWritePages, NameAuto, NameLoop} {
		assert.Contains(t, all, name)
	}

	o := DefaultOptions()
	o.AutoEnabled = false
	assert.NotContains(t, Builtins(o), NameAuto)

	wf, err := all[NameWritePages](Params{File: "doc.md", Pages: 50})
	require.NoError(t, err)
	assert.Len(t, wf.Steps, 1+10+1, "pages are capped at 10")
}

func TestAuto_RequiresFiles(t *testing.T) {
	_, err := Auto(nil, DefaultOptions())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestWrite_DefaultsAndSummaryToggle(t *testing.T) {
	wf := Write("", DefaultOptions())
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, "response.md", wf.Steps[1].File)
	assert.Equal(t, KindSummary, wf.Steps[2].Kind)

	o := DefaultOptions()
	o.Summarise = false
	assert.Len(t, Write("a.md", o).Steps, 2)
}

func TestDescription(t *testing.T) {
	wf, err := Auto([]prompt.File{{Path: "a.go", Found: true}}, DefaultOptions())
	require.NoError(t, err)
	d := wf.Description()
	assert.Equal(t, NameAuto, d.Name)
	assert.Equal(t, []StepDescription{
		{ID: 1, Name: "process a.go", Kind: KindSaveFile, File: "a.go"},
		{ID: 2, Name: "summary", Kind: KindSummary, Streaming: true},
	}, d.Steps)
}
