package chatstore

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const historyFileExt = ".json"

// FileHistoryStore writes one JSON array per session into a directory.
type FileHistoryStore struct {
	dir string
	mu  sync.Mutex
}

var _ HistoryStore = &FileHistoryStore{}

func NewFileHistoryStore(dir string) (*FileHistoryStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("file history store: empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "file history store: create %s", dir)
	}
	return &FileHistoryStore{dir: dir}, nil
}

func (s *FileHistoryStore) path(id string) string {
	return filepath.Join(s.dir, url.PathEscape(id)+historyFileExt)
}

func (s *FileHistoryStore) Load(_ context.Context, sessionID string) ([]ChatMessage, error) {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "file history store: read %s", id)
	}
	return decodeHistory(raw), nil
}

func (s *FileHistoryStore) Save(_ context.Context, sessionID string, msgs []ChatMessage) error {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	raw, err := encodeHistory(msgs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".history-*")
	if err != nil {
		return errors.Wrap(err, "file history store: create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "file history store: write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "file history store: close temp file")
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "file history store: replace %s", id)
	}
	return nil
}

func (s *FileHistoryStore) Delete(_ context.Context, sessionID string) error {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "file history store: delete %s", id)
	}
	return nil
}

func (s *FileHistoryStore) List(_ context.Context) ([]SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "file history store: list")
	}
	var out []SessionInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, historyFileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, historyFileExt))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		out = append(out, SessionInfo{SessionID: id, Messages: len(decodeHistory(raw)), UpdatedAt: info.ModTime()})
	}
	sortSessions(out)
	return out, nil
}

func (s *FileHistoryStore) Close() error { return nil }
