// Package session persists engine sessions inside the explored repo:
// <targetPath>/.repolens/<id>/meta.json next to the session's working
// files (doc.md, body.html, title.txt, agent.log), plus the .pid file
// used to stop a running engine from another process.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"
)

// StateDirName is the per-repo directory holding all sessions.
const StateDirName = ".repolens"

const (
	metaFileName  = "meta.json"
	pidFileName   = ".pid"
	docFileName   = "doc.md"
	bodyFileName  = "body.html"
	titleFileName = "title.txt"
	logFileName   = "agent.log"
)

// Exploration depths.
const (
	DepthShallow = "shallow"
	DepthMedium  = "medium"
	DepthDeep    = "deep"
)

// ValidDepth reports whether d is a known exploration depth.
func ValidDepth(d string) bool {
	switch d {
	case DepthShallow, DepthMedium, DepthDeep:
		return true
	}
	return false
}

// Session is one exploration run against a repo. It is created by
// start, recovered from disk by resume, and updated on model change,
// document ready, and crash recovery.
type Session struct {
	ID          string   `json:"id"`
	TargetPath  string   `json:"targetPath"`
	Prompt      string   `json:"prompt,omitempty"`
	Scope       []string `json:"scope,omitempty"`
	Depth       string   `json:"depth"`
	Model       string   `json:"model"`
	Provider    string   `json:"provider"`
	HTMLPath    string   `json:"htmlPath,omitempty"`
	SessionFile string   `json:"sessionFile,omitempty"`
	Port        int      `json:"port,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// New mints a session with a fresh id and current timestamp.
func New(targetPath, prompt string, scope []string, depth, model, provider string) (*Session, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:         id,
		TargetPath: targetPath,
		Prompt:     prompt,
		Scope:      scope,
		Depth:      depth,
		Model:      model,
		Provider:   provider,
		Timestamp:  time.Now().UnixMilli(),
	}, nil
}

// NewID returns 8 lowercase hex chars from crypto/rand.
func NewID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Dir is the session's directory under the repo state dir.
func (s *Session) Dir() string {
	return filepath.Join(s.TargetPath, StateDirName, s.ID)
}

// MetaPath is the location of meta.json.
func (s *Session) MetaPath() string {
	return filepath.Join(s.Dir(), metaFileName)
}

// DocPath is where the agent writes the markdown document.
func (s *Session) DocPath() string {
	return filepath.Join(s.Dir(), docFileName)
}

// BodyPath is where the renderer writes the HTML body.
func (s *Session) BodyPath() string {
	return filepath.Join(s.Dir(), bodyFileName)
}

// TitlePath is where the renderer writes the extracted title.
func (s *Session) TitlePath() string {
	return filepath.Join(s.Dir(), titleFileName)
}

// LogPath is the session's line-oriented agent log.
func (s *Session) LogPath() string {
	return filepath.Join(s.Dir(), logFileName)
}

// Touch refreshes the session timestamp.
func (s *Session) Touch() {
	s.Timestamp = time.Now().UnixMilli()
}
