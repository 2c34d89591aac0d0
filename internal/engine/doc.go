package engine

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/repolens/repolens/pkg/wire"
)

// renderDebounce coalesces watcher bursts before re-rendering; editors
// and agents often write a file several times in quick succession.
const renderDebounce = 500 * time.Millisecond

// shellRedirectRe catches markdown written through a shell redirect,
// e.g. `cat > notes.md` or `echo x >> doc.md`.
var shellRedirectRe = regexp.MustCompile(`>>?\s*([^\s;|&<>]+\.md)\b`)

// writeArgKeys are the argument names agent CLIs use for the target of
// a file-writing tool.
var writeArgKeys = []string{"file_path", "path", "filePath", "filename"}

// markdownWriteTarget returns the markdown path a tool call is about to
// write, or "" when the call does not touch markdown. Matching stays
// deliberately loose: tool names vary across agent CLIs.
func markdownWriteTarget(tool string, args map[string]any) string {
	switch strings.ToLower(tool) {
	case "write", "create_file", "edit", "str_replace", "multiedit", "str_replace_editor", "notebookedit":
		for _, key := range writeArgKeys {
			if v, ok := args[key].(string); ok && strings.HasSuffix(strings.ToLower(v), ".md") {
				return v
			}
		}
	case "bash", "shell", "run", "run_command", "execute":
		if cmd, ok := args["command"].(string); ok {
			if m := shellRedirectRe.FindStringSubmatch(cmd); m != nil {
				return m[1]
			}
		}
	}
	return ""
}

// publishDoc renders the markdown document and fans the result out:
// doc_ready to every client, the html path into session meta, and the
// rendered body into the validation loop. Rendering runs outside the
// engine mutex.
func (e *Engine) publishDoc(mdPath string) {
	e.mu.Lock()
	if e.intentionalStop || e.sess == nil || e.renderer == nil {
		e.mu.Unlock()
		return
	}
	sess := e.sess
	renderer := e.renderer
	bodyPath := sess.BodyPath()
	titlePath := sess.TitlePath()
	parent := e.runCtx
	timeout := e.cfg.Render.Timeout
	e.mu.Unlock()

	if !filepath.IsAbs(mdPath) {
		mdPath = filepath.Join(sess.TargetPath, mdPath)
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	title, err := renderer.Render(ctx, mdPath, bodyPath, titlePath)
	cancel()
	if err != nil {
		e.logger.Warn("document render failed", zap.String("md", mdPath), zap.Error(err))
		e.hub.Broadcast(wire.NewRenderError(err.Error()))
		return
	}

	e.mu.Lock()
	if e.intentionalStop || e.sess != sess {
		e.mu.Unlock()
		return
	}
	e.docTitle = title
	e.docReady = true
	e.sess.HTMLPath = bodyPath
	e.sess.Touch()
	e.hub.Broadcast(wire.NewDocReady(bodyPath))
	e.armWatcherLocked(mdPath)
	loop := e.loop
	runCtx := e.runCtx
	e.mu.Unlock()

	e.persistSession()
	if loop != nil {
		loop.OnDocReady(runCtx, bodyPath, mdPath)
	}
}

// armWatcherLocked starts watching the document's directory after the
// first successful render, so out-of-band edits re-render too. One
// watcher per session. Callers hold e.mu.
func (e *Engine) armWatcherLocked(mdPath string) {
	if e.watcher != nil {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		e.logger.Warn("document watcher unavailable", zap.Error(err))
		return
	}
	// Watch the directory, not the file: editors that replace-on-save
	// would otherwise drop the watch.
	if err := w.Add(filepath.Dir(mdPath)); err != nil {
		e.logger.Warn("cannot watch document directory", zap.String("dir", filepath.Dir(mdPath)), zap.Error(err))
		w.Close()
		return
	}
	e.watcher = w
	go e.watchDoc(e.runCtx, w, mdPath)
}

func (e *Engine) watchDoc(ctx context.Context, w *fsnotify.Watcher, mdPath string) {
	base := filepath.Base(mdPath)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			e.scheduleRender(mdPath)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			e.logger.Debug("document watcher error", zap.Error(err))
		}
	}
}

// scheduleRender debounces watcher events into one re-render.
func (e *Engine) scheduleRender(mdPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.intentionalStop {
		return
	}
	if e.docTimer != nil {
		e.docTimer.Stop()
	}
	e.docTimer = e.clk.AfterFunc(renderDebounce, func() { e.publishDoc(mdPath) })
}
