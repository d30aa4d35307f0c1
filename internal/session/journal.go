package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"
)

// indexVersion is part of the on-disk contract; restart recovery depends
// on it staying stable across daemon versions.
const indexVersion = "1.0"

// ErrNotFound is returned when no journal exists for a session id.
var ErrNotFound = errors.New("session not found")

// IndexEntry maps a session id to its journal object so startup does not
// need to load every journal's full message log.
type IndexEntry struct {
	ObjectID     string    `json:"object_id"`
	Path         string    `json:"path"` // relative to the store root
	Agent        string    `json:"agent"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	MessageCount int       `json:"message_count"`
}

type indexFile struct {
	Version   string                `json:"version"`
	UpdatedAt time.Time             `json:"updated_at"`
	Sessions  map[string]IndexEntry `json:"sessions"`
}

// JournalStore persists sessions as per-day JSON journal objects plus a
// single index document. All writes are atomic (temp file + rename) and
// complete before the corresponding turn response is returned.
type JournalStore struct {
	root   string // e.g. ~/.port42/memory
	logger *slog.Logger

	mu    sync.RWMutex
	index map[string]IndexEntry

	loads singleflight.Group // dedup concurrent journal hydrations
}

// NewJournalStore opens (or initializes) the store rooted at dir and loads
// the index. A missing or empty index is not an error.
func NewJournalStore(dir string, logger *slog.Logger) (*JournalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	s := &JournalStore{
		root:   dir,
		logger: logger,
		index:  make(map[string]IndexEntry),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JournalStore) indexPath() string {
	return filepath.Join(s.root, "index.json")
}

func (s *JournalStore) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read session index: %w", err)
	}

	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse session index: %w", err)
	}
	if f.Sessions != nil {
		s.index = f.Sessions
	}
	s.logger.Info("session index loaded", "sessions", len(s.index))
	return nil
}

// Save durably writes the session's journal object and updates the index.
// The first save allocates a journal object under sessions/<created day>/;
// later saves rewrite the same object in place.
func (s *JournalStore) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ObjectID == "" {
		sess.ObjectID = ulid.Make().String()
	}

	rel := filepath.Join("sessions", sess.CreatedAt.Format("2006-01-02"), sess.ObjectID+".json")
	path := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create journal day dir: %w", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	if err := atomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("write journal %s: %w", sess.ID, err)
	}

	s.index[sess.ID] = IndexEntry{
		ObjectID:     sess.ObjectID,
		Path:         rel,
		Agent:        sess.Agent,
		State:        sess.State,
		CreatedAt:    sess.CreatedAt,
		LastActive:   sess.LastActive,
		MessageCount: len(sess.Messages),
	}
	if err := s.saveIndexLocked(); err != nil {
		return err
	}

	s.logger.Debug("session persisted", "session", sess.ID, "object", sess.ObjectID, "messages", len(sess.Messages))
	return nil
}

func (s *JournalStore) saveIndexLocked() error {
	f := indexFile{
		Version:   indexVersion,
		UpdatedAt: time.Now(),
		Sessions:  s.index,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	if err := atomicWrite(s.indexPath(), data, 0644); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	return nil
}

// Load reads a session's full journal by id. Concurrent loads of the same
// id are collapsed into one disk read.
func (s *JournalStore) Load(id string) (*Session, error) {
	v, err, _ := s.loads.Do(id, func() (interface{}, error) {
		s.mu.RLock()
		ref, ok := s.index[id]
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		data, err := os.ReadFile(filepath.Join(s.root, ref.Path))
		if err != nil {
			return nil, fmt.Errorf("read journal for %s: %w", id, err)
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, fmt.Errorf("parse journal for %s: %w", id, err)
		}
		return &sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session).Clone(), nil
}

// Contains reports whether the index knows the given session id.
func (s *JournalStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Lookup returns the index entry for a session id.
func (s *JournalStore) Lookup(id string) (IndexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.index[id]
	return ref, ok
}

// Recent returns up to limit session summaries from the index, most
// recently active first, without touching journal files.
func (s *JournalStore) Recent(limit int) []Summary {
	s.mu.RLock()
	entries := make([]Summary, 0, len(s.index))
	for id, ref := range s.index {
		entries = append(entries, Summary{
			ID:           id,
			Agent:        ref.Agent,
			State:        ref.State,
			CreatedAt:    ref.CreatedAt,
			LastActive:   ref.LastActive,
			MessageCount: ref.MessageCount,
		})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastActive.After(entries[j].LastActive)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Count returns the number of sessions the index knows about.
func (s *JournalStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// atomicWrite writes data to path via a temp file in the same directory so
// a concurrent reader never observes a partial file.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
