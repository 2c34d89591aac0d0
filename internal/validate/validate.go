// Package validate checks the mermaid diagrams in the rendered document
// and drives the fix-request loop against the agent.
package validate

import (
	"context"
	"fmt"
	"html"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/repolens/repolens/internal/common/logger"
	"github.com/repolens/repolens/internal/common/tracing"
)

const excerptLen = 300

var (
	preBlockRe = regexp.MustCompile(`(?s)<pre class="mermaid">(.*?)</pre>`)
	divBlockRe = regexp.MustCompile(`(?s)<div class="mermaid">(.*?)</div>`)
)

// ExtractBlocks returns the mermaid sources found in html, in document
// order, unescaped and trimmed.
func ExtractBlocks(htmlText string) []string {
	type match struct {
		start  int
		source string
	}
	var matches []match
	for _, re := range []*regexp.Regexp{preBlockRe, divBlockRe} {
		for _, idx := range re.FindAllStringSubmatchIndex(htmlText, -1) {
			matches = append(matches, match{
				start:  idx[0],
				source: htmlText[idx[2]:idx[3]],
			})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(html.UnescapeString(m.source)))
	}
	return out
}

// Failure describes one diagram that did not validate.
type Failure struct {
	Index   int
	Error   string
	Excerpt string
}

// NewFailure builds a failure with the source excerpt capped.
func NewFailure(index int, source, errText string) Failure {
	excerpt := source
	if len(excerpt) > excerptLen {
		excerpt = excerpt[:excerptLen]
	}
	return Failure{Index: index, Error: errText, Excerpt: excerpt}
}

// Validator checks a single diagram source.
type Validator interface {
	Validate(ctx context.Context, source string) error
}

// CommandValidator runs an external checker (mmdc by default) against a
// temp file per diagram.
type CommandValidator struct {
	command string
	args    []string
	timeout time.Duration
	logger  *logger.Logger
}

// NewCommandValidator builds a validator invoking command args... -i
// <in.mmd> -o <out.svg>.
func NewCommandValidator(command string, args []string, timeout time.Duration, log *logger.Logger) *CommandValidator {
	if log == nil {
		log = logger.Default()
	}
	return &CommandValidator{
		command: command,
		args:    args,
		timeout: timeout,
		logger:  log.WithComponent("validate"),
	}
}

// Validate writes the source to a temp .mmd file and runs the checker.
// Temp files are removed whether or not the diagram passes.
func (v *CommandValidator) Validate(ctx context.Context, source string) error {
	ctx, span := tracing.Tracer("repolens-validate").Start(ctx, "validate.Diagram")
	defer span.End()

	dir, err := os.MkdirTemp("", "repolens-mermaid-")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "block.mmd")
	out := filepath.Join(dir, "block.svg")
	if err := os.WriteFile(in, []byte(source), 0o644); err != nil {
		return fmt.Errorf("failed to write diagram: %w", err)
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	args := append(append([]string{}, v.args...), "-i", in, "-o", out)
	cmd := exec.CommandContext(ctx, v.command, args...)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		v.logger.Debug("diagram failed validation", zap.String("error", msg))
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// BuildFixPrompt asks the agent to repair the failed diagrams in the
// markdown document at mdPath.
func BuildFixPrompt(failures []Failure, mdPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The rendered document contains %d mermaid diagram(s) that fail to compile. Fix them by editing %s.\n\n", len(failures), mdPath)

	for _, f := range failures {
		fmt.Fprintf(&b, "Diagram %d error:\n%s\n", f.Index+1, f.Error)
		fmt.Fprintf(&b, "Source (first %d chars):\n%s\n\n", excerptLen, f.Excerpt)
	}

	b.WriteString("When fixing the diagrams:\n")
	b.WriteString("- Escape HTML entities in labels.\n")
	b.WriteString("- Prefer parentheses over square brackets in sequence diagram messages.\n")
	b.WriteString("- Do not use backticks inside mermaid blocks.\n")
	b.WriteString("- Keep node ids alphanumeric.\n")
	b.WriteString("Only change the mermaid blocks; leave the prose as it is.")
	return b.String()
}
