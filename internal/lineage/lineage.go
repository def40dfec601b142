// Package lineage keeps an append-only record of every compilation and
// handoff, one JSON line per entry, one file per session.
package lineage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rcliao/agent-context/internal/model"
)

// Recorder writes and reads session lineage streams under a directory.
type Recorder struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates dir if needed and returns a recorder rooted there.
func New(dir string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lineage dir: %w", err)
	}
	return &Recorder{dir: dir, logger: logger, locks: map[string]*sync.Mutex{}}, nil
}

// Dir returns the root directory.
func (r *Recorder) Dir() string { return r.dir }

// RecordCompilation appends a compilation entry.
func (r *Recorder) RecordCompilation(ctx context.Context, c model.ContextCompilation) error {
	return r.append(ctx, c.SessionID, model.LineageEntry{Type: model.EntryCompilation, Compilation: &c})
}

// RecordHandoff appends a handoff entry.
func (r *Recorder) RecordHandoff(ctx context.Context, ev model.HandoffEvent) error {
	return r.append(ctx, ev.SessionID, model.LineageEntry{Type: model.EntryHandoff, Handoff: &ev})
}

func (r *Recorder) append(ctx context.Context, sessionID string, e model.LineageEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := r.path(sessionID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode lineage entry: %w", err)
	}
	line = append(line, '\n')

	l := r.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lineage: %w", err)
	}
	torn, err := tornTail(f)
	if err != nil {
		f.Close()
		return err
	}
	if torn {
		// Terminate the partial line so this entry starts on its own.
		r.logger.Warn("lineage stream has a torn tail", "session_id", sessionID)
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write lineage: %w", err)
	}
	return f.Close()
}

// Lineage returns every entry of a session in append order.
func (r *Recorder) Lineage(ctx context.Context, sessionID string) ([]model.LineageEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := r.path(sessionID)
	if err != nil {
		return nil, err
	}

	l := r.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, model.NotFoundf("session %s has no lineage", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("open lineage: %w", err)
	}
	defer f.Close()

	var entries []model.LineageEntry
	br := bufio.NewReader(f)
	for n := 1; ; n++ {
		raw, err := br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read lineage: %w", err)
		}
		if line := bytes.TrimSpace(raw); len(line) > 0 {
			var e model.LineageEntry
			if uerr := json.Unmarshal(line, &e); uerr != nil {
				// Torn lines from a crashed writer are skipped.
				r.logger.Warn("skipping unreadable lineage line", "session_id", sessionID, "line", n, "error", uerr)
			} else {
				entries = append(entries, e)
			}
		}
		if err == io.EOF {
			break
		}
	}
	return entries, nil
}

// tornTail reports whether a non-empty file does not end in a newline.
func tornTail(f *os.File) (bool, error) {
	st, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat lineage: %w", err)
	}
	if st.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return false, fmt.Errorf("read lineage tail: %w", err)
	}
	return last[0] != '\n', nil
}

// Compilation finds one compilation record of a session.
func (r *Recorder) Compilation(ctx context.Context, sessionID, compilationID string) (*model.ContextCompilation, error) {
	entries, err := r.Lineage(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Compilation != nil && e.Compilation.CompilationID == compilationID {
			return e.Compilation, nil
		}
	}
	return nil, model.NotFoundf("compilation %s in session %s", compilationID, sessionID)
}

// Sessions lists the sessions that have lineage.
func (r *Recorder) Sessions() ([]string, error) {
	des, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read lineage dir: %w", err)
	}
	var out []string
	for _, de := range des {
		if name, ok := strings.CutSuffix(de.Name(), ".jsonl"); ok && !de.IsDir() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Recorder) lock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	return l
}

func (r *Recorder) path(sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(r.dir, sessionID+".jsonl"), nil
}

// ValidateSessionID rejects ids that cannot name a file safely.
func ValidateSessionID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return model.Validationf("session_id is required")
	case id == "." || id == "..":
		return model.Validationf("invalid session_id %q", id)
	case strings.ContainsAny(id, `/\`+"\x00"):
		return model.Validationf("session_id %q contains a path separator", id)
	}
	return nil
}
