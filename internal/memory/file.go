package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"banking-agent/internal/domain"
)

type fileDocument struct {
	Sessions map[string]domain.Session `json:"sessions"`
}

// FilePersister keeps the whole memory document in one JSON file, rewritten
// through a temp file and rename on every save.
type FilePersister struct {
	path string

	mu       sync.Mutex
	sessions map[string]domain.Session
}

// NewFilePersister creates a persister writing to path.
func NewFilePersister(path string) (*FilePersister, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("memory: file path must not be empty")
	}
	return &FilePersister{path: path, sessions: make(map[string]domain.Session)}, nil
}

// Load reads the document. A missing file is an empty document.
func (p *FilePersister) Load(_ context.Context) ([]domain.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: read %s: %w", p.path, err)
	}
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("memory: decode %s: %w", p.path, err)
	}

	p.sessions = make(map[string]domain.Session, len(doc.Sessions))
	ids := make([]string, 0, len(doc.Sessions))
	for id, sess := range doc.Sessions {
		sess.ID = id
		p.sessions[id] = sess
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.sessions[id])
	}
	return out, nil
}

// Save applies the change to the in-memory document and rewrites the file.
func (p *FilePersister) Save(_ context.Context, upsert *domain.Session, evicted []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range evicted {
		delete(p.sessions, id)
	}
	if upsert != nil {
		p.sessions[upsert.ID] = upsert.Clone()
	}

	raw, err := json.MarshalIndent(fileDocument{Sessions: p.sessions}, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode document: %w", err)
	}
	return writeFileAtomic(p.path, raw)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("memory: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("memory: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("memory: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("memory: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("memory: replace %s: %w", path, err)
	}
	return nil
}
