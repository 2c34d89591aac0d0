package validate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBlocks(t *testing.T) {
	html := `<h1>Doc</h1>
<pre class="mermaid">graph TD
A --&gt; B</pre>
<p>between</p>
<div class="mermaid">sequenceDiagram
A-&gt;&gt;B: hi</div>
<pre><code class="language-go">not mermaid</code></pre>`

	blocks := ExtractBlocks(html)
	require.Len(t, blocks, 2)
	assert.Equal(t, "graph TD\nA --> B", blocks[0])
	assert.Equal(t, "sequenceDiagram\nA->>B: hi", blocks[1])
}

func TestExtractBlocksOrderAcrossShapes(t *testing.T) {
	html := `<div class="mermaid">first</div><pre class="mermaid">second</pre><div class="mermaid">third</div>`
	blocks := ExtractBlocks(html)
	require.Len(t, blocks, 3)
	assert.Equal(t, []string{"first", "second", "third"}, blocks)
}

func TestExtractBlocksNone(t *testing.T) {
	assert.Empty(t, ExtractBlocks("<p>plain document</p>"))
}

func TestNewFailureExcerptCap(t *testing.T) {
	long := strings.Repeat("x", 1000)
	f := NewFailure(2, long, "boom")
	assert.Equal(t, 2, f.Index)
	assert.Equal(t, "boom", f.Error)
	assert.Len(t, f.Excerpt, 300)

	short := NewFailure(0, "graph TD", "bad")
	assert.Equal(t, "graph TD", short.Excerpt)
}

func TestBuildFixPrompt(t *testing.T) {
	failures := []Failure{
		NewFailure(0, "graph TD\nA-->B[bad]", "Parse error on line 2"),
		NewFailure(3, "pie title x", "unknown diagram"),
	}
	prompt := BuildFixPrompt(failures, "/repo/.repolens/ab12cd34/doc.md")

	assert.Contains(t, prompt, "/repo/.repolens/ab12cd34/doc.md")
	assert.Contains(t, prompt, "Parse error on line 2")
	assert.Contains(t, prompt, "unknown diagram")
	assert.Contains(t, prompt, "Diagram 1")
	assert.Contains(t, prompt, "Diagram 4")
	assert.Contains(t, prompt, "Escape HTML entities")
	assert.Contains(t, prompt, "parentheses over square brackets")
	assert.Contains(t, prompt, "backticks")
	assert.Contains(t, prompt, "alphanumeric")
}

func TestCommandValidatorPass(t *testing.T) {
	// true ignores its arguments and exits 0.
	v := NewCommandValidator("true", nil, 0, newTestLogger())
	assert.NoError(t, v.Validate(context.Background(), "graph TD\nA-->B"))
}

func TestCommandValidatorFail(t *testing.T) {
	v := NewCommandValidator("false", nil, 0, newTestLogger())
	err := v.Validate(context.Background(), "graph TD")
	assert.Error(t, err)
}

func TestCommandValidatorMissingBinary(t *testing.T) {
	v := NewCommandValidator("/nonexistent/mmdc", nil, 0, newTestLogger())
	err := v.Validate(context.Background(), "graph TD")
	assert.Error(t, err)
}

type validatorFunc func(ctx context.Context, source string) error

func (f validatorFunc) Validate(ctx context.Context, source string) error {
	return f(ctx, source)
}

func TestValidatorFuncAdapter(t *testing.T) {
	sentinel := errors.New("nope")
	var v Validator = validatorFunc(func(_ context.Context, src string) error {
		if src == "bad" {
			return sentinel
		}
		return nil
	})
	assert.NoError(t, v.Validate(context.Background(), "good"))
	assert.ErrorIs(t, v.Validate(context.Background(), "bad"), sentinel)
}
