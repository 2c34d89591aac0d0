// Package render turns the agent's markdown document into the HTML
// body and title served at /doc.
package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/repolens/repolens/internal/common/logger"
	"github.com/repolens/repolens/internal/common/tracing"
)

// Fenced mermaid blocks survive rendering in one of two shapes
// depending on the renderer; both are normalized to
// <pre class="mermaid">source</pre> so the browser library and the
// validator find them.
var (
	codeFenceRe = regexp.MustCompile(`(?s)<pre><code class="language-mermaid">(.*?)</code></pre>`)
	preFenceRe  = regexp.MustCompile(`(?s)<pre class="mermaid"><code>(.*?)</code></pre>`)
)

// Renderer shells out to a markdown-to-HTML command (stdin markdown,
// stdout HTML body fragment).
type Renderer struct {
	command string
	args    []string
	logger  *logger.Logger
}

// New builds a renderer running the given command. args may be empty.
func New(command string, args []string, log *logger.Logger) *Renderer {
	if log == nil {
		log = logger.Default()
	}
	return &Renderer{
		command: command,
		args:    args,
		logger:  log.WithComponent("render"),
	}
}

// Render converts the markdown file into bodyPath and titlePath and
// returns the extracted title.
func (r *Renderer) Render(ctx context.Context, mdPath, bodyPath, titlePath string) (string, error) {
	ctx, span := tracing.Tracer("repolens-render").Start(ctx, "render.Document")
	defer span.End()

	md, err := os.ReadFile(mdPath)
	if err != nil {
		return "", fmt.Errorf("failed to read markdown: %w", err)
	}

	body, err := r.renderBody(ctx, md)
	if err != nil {
		return "", err
	}
	body = NormalizeMermaid(body)

	title := ExtractTitle(string(md), mdPath)

	if err := os.WriteFile(bodyPath, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("failed to write body: %w", err)
	}
	if err := os.WriteFile(titlePath, []byte(title), 0o644); err != nil {
		return "", fmt.Errorf("failed to write title: %w", err)
	}

	r.logger.Debug("rendered document",
		zap.String("md", mdPath),
		zap.String("title", title),
		zap.Int("body_bytes", len(body)))
	return title, nil
}

func (r *Renderer) renderBody(ctx context.Context, md []byte) (string, error) {
	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Stdin = bytes.NewReader(md)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("render command failed: %s", msg)
	}
	return stdout.String(), nil
}

// NormalizeMermaid rewrites rendered mermaid fences to the
// <pre class="mermaid"> shape.
func NormalizeMermaid(html string) string {
	html = codeFenceRe.ReplaceAllString(html, `<pre class="mermaid">$1</pre>`)
	html = preFenceRe.ReplaceAllString(html, `<pre class="mermaid">$1</pre>`)
	return html
}

// ExtractTitle returns the first level-one heading, falling back to the
// markdown file's stem.
func ExtractTitle(markdown, mdPath string) string {
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			if title := strings.TrimSpace(trimmed[2:]); title != "" {
				return title
			}
		}
	}
	base := filepath.Base(mdPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
