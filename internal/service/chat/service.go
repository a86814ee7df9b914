// Package chat persists conversations as one JSON file per session plus an index file.
package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/model/chat"
	"github.com/zhouzirui/yuexia/pkg/utils"
)

var (
	ErrInvalidID        = errors.New("invalid session id")
	ErrNoCurrentSession = errors.New("no current session")
	ErrNoSuchTurn       = errors.New("no assistant turn at index")
)

const (
	// DefaultTitle is given to sessions that have no user turn yet.
	DefaultTitle = "New conversation"

	indexFile     = "index.json"
	maxTitleRunes = 100
	autoTitleLen  = 20
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// ValidID reports whether id has the shape of a session id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Store owns the session directory. Only one process may write to a directory at a time.
type Store struct {
	mu      sync.Mutex
	dir     string
	current string
	index   []chat.IndexEntry
	log     *zap.Logger

	now   func() time.Time
	write func(w io.Writer, data []byte) error
}

// NewStore opens dir, creating it when missing, and loads the index.
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	s := &Store{
		dir: dir,
		log: log,
		now: time.Now,
		write: func(w io.Writer, data []byte) error {
			_, err := w.Write(data)
			return err
		},
	}
	s.index = s.readIndex()
	return s, nil
}

// CurrentID returns the id of the session marked current, or "".
func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Latest returns the most recently updated session, if any.
func (s *Store) Latest() (chat.IndexEntry, bool) {
	entries := s.List()
	if len(entries) == 0 {
		return chat.IndexEntry{}, false
	}
	return entries[0], true
}

// Create writes a new empty session, puts it at the head of the index and marks it current.
func (s *Store) Create() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	ts := s.timestamp()
	session := chat.Session{ID: id, Title: DefaultTitle, CreatedAt: ts, UpdatedAt: ts, Messages: []chat.Turn{}}
	if err := s.writeSessionLocked(session); err != nil {
		return "", err
	}

	s.index = append([]chat.IndexEntry{{ID: id, Title: session.Title, UpdatedAt: ts}}, s.index...)
	if err := s.writeIndexLocked(); err != nil {
		s.log.Warn("failed to write session index", zap.Error(err))
	}
	s.current = id
	s.log.Info("session created", zap.String("session_id", id))
	return id, nil
}

// Load returns the turns of session id and marks it current. Invalid or missing sessions
// yield an empty result and leave the current session unchanged.
func (s *Store) Load(id string) []chat.Turn {
	if !ValidID(id) {
		s.log.Warn("ignoring load of invalid session id", zap.String("session_id", id))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.readSessionLocked(id)
	if err != nil {
		s.log.Warn("session not loadable", zap.String("session_id", id), zap.Error(err))
		return nil
	}
	s.current = id
	return session.Messages
}

// Save replaces the message list of the current session.
func (s *Store) Save(messages []chat.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.current
	if !ValidID(id) {
		s.log.Warn("save without a current session")
		return ErrNoCurrentSession
	}

	session, err := s.readSessionLocked(id)
	if err != nil {
		ts := s.timestamp()
		session = chat.Session{ID: id, Title: DefaultTitle, CreatedAt: ts}
	}

	session.Messages = chat.CloneTurns(messages)
	if session.Messages == nil {
		session.Messages = []chat.Turn{}
	}
	session.UpdatedAt = s.timestamp()
	if session.Title == "" || session.Title == DefaultTitle {
		if title := deriveTitle(messages); title != "" {
			session.Title = title
		}
	}

	if err := s.writeSessionLocked(session); err != nil {
		s.log.Warn("failed to save session", zap.String("session_id", id), zap.Error(err))
		return err
	}
	s.upsertIndexLocked(session)
	if err := s.writeIndexLocked(); err != nil {
		s.log.Warn("failed to write session index", zap.Error(err))
	}
	return nil
}

// SetTTSPath records the audio file of the assistant turn at idx in session id.
// The current session and the index order are left alone.
func (s *Store) SetTTSPath(id string, idx int, path string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.readSessionLocked(id)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(session.Messages) || session.Messages[idx].Role != chat.RoleAssistant {
		return fmt.Errorf("%w: %d", ErrNoSuchTurn, idx)
	}
	session.Messages[idx].TTSPath = path
	return s.writeSessionLocked(session)
}

// Rename sets a new title. Empty titles and invalid ids are ignored.
func (s *Store) Rename(id, title string) bool {
	title = truncateRunes(strings.TrimSpace(title), maxTitleRunes)
	if !ValidID(id) || title == "" {
		s.log.Warn("ignoring rename", zap.String("session_id", id))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.readSessionLocked(id)
	if err != nil {
		s.log.Warn("rename of unknown session", zap.String("session_id", id), zap.Error(err))
		return false
	}
	session.Title = title
	if err := s.writeSessionLocked(session); err != nil {
		s.log.Warn("failed to rename session", zap.String("session_id", id), zap.Error(err))
		return false
	}
	s.upsertIndexLocked(session)
	if err := s.writeIndexLocked(); err != nil {
		s.log.Warn("failed to write session index", zap.Error(err))
	}
	return true
}

// Delete removes a session file, the audio files its turns reference and its index entry.
// When the current session is deleted the most recent remaining one becomes current.
func (s *Store) Delete(id string) bool {
	if !ValidID(id) {
		s.log.Warn("ignoring delete of invalid session id", zap.String("session_id", id))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if session, err := s.readSessionLocked(id); err == nil {
		for _, turn := range session.Messages {
			if turn.TTSPath == "" {
				continue
			}
			if err := os.Remove(turn.TTSPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("failed to remove audio", zap.String("path", turn.TTSPath), zap.Error(err))
			}
		}
	}

	if err := os.Remove(s.sessionPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("failed to remove session file", zap.String("session_id", id), zap.Error(err))
	}

	kept := s.index[:0]
	for _, entry := range s.index {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	s.index = kept
	if err := s.writeIndexLocked(); err != nil {
		s.log.Warn("failed to write session index", zap.Error(err))
	}

	if s.current == id {
		s.current = ""
		if sorted := s.sortedLocked(); len(sorted) > 0 {
			s.current = sorted[0].ID
		}
	}
	return true
}

// List returns index entries, most recently updated first.
func (s *Store) List() []chat.IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *Store) sortedLocked() []chat.IndexEntry {
	out := append([]chat.IndexEntry(nil), s.index...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

func (s *Store) upsertIndexLocked(session chat.Session) {
	for i := range s.index {
		if s.index[i].ID == session.ID {
			s.index[i].Title = session.Title
			s.index[i].UpdatedAt = session.UpdatedAt
			return
		}
	}
	s.index = append([]chat.IndexEntry{{ID: session.ID, Title: session.Title, UpdatedAt: session.UpdatedAt}}, s.index...)
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) readSessionLocked(id string) (chat.Session, error) {
	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		return chat.Session{}, err
	}
	var session chat.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return chat.Session{}, fmt.Errorf("parse session %s: %w", id, err)
	}
	return session, nil
}

func (s *Store) writeSessionLocked(session chat.Session) error {
	data, err := marshal(session)
	if err != nil {
		return err
	}
	return s.writeAtomic(s.sessionPath(session.ID), data)
}

func (s *Store) readIndex() []chat.IndexEntry {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to read session index", zap.Error(err))
		}
		return nil
	}
	var entries []chat.IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.log.Warn("session index corrupt, starting empty", zap.Error(err))
		return nil
	}
	valid := entries[:0]
	for _, entry := range entries {
		if ValidID(entry.ID) {
			valid = append(valid, entry)
		}
	}
	return valid
}

func (s *Store) writeIndexLocked() error {
	entries := s.index
	if entries == nil {
		entries = []chat.IndexEntry{}
	}
	data, err := marshal(entries)
	if err != nil {
		return err
	}
	return s.writeAtomic(filepath.Join(s.dir, indexFile), data)
}

// writeAtomic writes to a temporary file in the target directory and renames it over path.
// If the rename is refused, it falls back to overwriting path directly.
func (s *Store) writeAtomic(path string, data []byte) error {
	err := utils.WriteFileAtomic(path, func(w io.Writer) error { return s.write(w, data) })
	if !errors.Is(err, utils.ErrRename) {
		return err
	}
	s.log.Warn("rename failed, overwriting in place", zap.String("path", path), zap.Error(err))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("overwrite %s: %w", path, err)
	}
	return nil
}

func (s *Store) timestamp() float64 {
	return float64(s.now().UnixNano()) / float64(time.Second)
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deriveTitle(messages []chat.Turn) string {
	for _, turn := range messages {
		if turn.Role != chat.RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(turn.Content), " ")
		if text != "" {
			return truncateRunes(text, autoTitleLen)
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
