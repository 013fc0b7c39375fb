package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/fenwick-ai/soul/pkg/models"
)

// sessionDirPerm/filePerm match the teacher's own local-storage conventions:
// directories are traversable by the owner only, files readable/writable by
// the owner only.
const (
	sessionDirPerm = 0o700
	sessionFilePerm = 0o600
)

// FileStore is the default on-disk Store: one subdirectory per session
// under root, holding header.json (the Session header), messages.jsonl
// (the append-only message log, one JSON object per line), and
// approvals.json (written by agent.FileApprovalStore, untouched here).
//
// messages.jsonl additionally carries tombstone lines of the exact shape
// {"tombstone_from": N}: a reader stops applying message lines once it
// has accumulated N of them and resumes applying any lines appended
// after the tombstone, so a revert never rewrites history, it only
// marks where replay should stop looking.
type FileStore struct {
	mu   sync.Mutex
	root string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("sessions: file store requires a root directory")
	}
	if err := os.MkdirAll(dir, sessionDirPerm); err != nil {
		return nil, fmt.Errorf("sessions: creating root directory: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) sessionDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *FileStore) headerPath(id string) string {
	return filepath.Join(s.sessionDir(id), "header.json")
}

func (s *FileStore) messagesPath(id string) string {
	return filepath.Join(s.sessionDir(id), "messages.jsonl")
}

// ApprovalsPath returns the path agent.FileApprovalStore should use to
// keep a session's pending approvals alongside its header/messages.
func (s *FileStore) ApprovalsPath(id string) string {
	return filepath.Join(s.sessionDir(id), "approvals.json")
}

func (s *FileStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	dir := s.sessionDir(session.ID)
	if err := os.MkdirAll(dir, sessionDirPerm); err != nil {
		return fmt.Errorf("sessions: creating session directory: %w", err)
	}
	if err := s.writeHeader(session); err != nil {
		return err
	}
	// Touch an empty log so GetHistory on a brand new session reads
	// cleanly rather than erroring on a missing file.
	f, err := os.OpenFile(s.messagesPath(session.ID), os.O_CREATE|os.O_WRONLY, sessionFilePerm)
	if err != nil {
		return fmt.Errorf("sessions: creating message log: %w", err)
	}
	return f.Close()
}

func (s *FileStore) writeHeader(session *models.Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: marshaling header: %w", err)
	}
	return os.WriteFile(s.headerPath(session.ID), data, sessionFilePerm)
}

func (s *FileStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.headerPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, fmt.Errorf("sessions: reading header: %w", err)
	}
	session := &models.Session{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("sessions: unmarshaling header: %w", err)
	}
	return session, nil
}

func (s *FileStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.headerPath(session.ID)); err != nil {
		return fmt.Errorf("session not found: %s", session.ID)
	}
	session.UpdatedAt = time.Now()
	return s.writeHeader(session)
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("session not found: %s", id)
	}
	return os.RemoveAll(dir)
}

func (s *FileStore) List(ctx context.Context, opts ListOptions) ([]*models.SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.SessionMeta{}, nil
		}
		return nil, fmt.Errorf("sessions: listing root: %w", err)
	}

	var out []*models.SessionMeta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(s.headerPath(entry.Name()))
		if err != nil {
			continue
		}
		session := &models.Session{}
		if err := json.Unmarshal(data, session); err != nil {
			continue
		}
		meta := session.Meta()
		out = append(out, &meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.SessionMeta{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

// tombstoneLine is the literal on-disk shape of a tombstone entry:
// {"tombstone_from": <index>}. No other field distinguishes it from a
// Message record, so a reader must try this shape first.
type tombstoneLine struct {
	TombstoneFrom *int `json:"tombstone_from"`
}

func (s *FileStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return s.appendLine(sessionID, msg)
}

func (s *FileStore) appendLine(sessionID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sessions: marshaling log entry: %w", err)
	}
	f, err := os.OpenFile(s.messagesPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, sessionFilePerm)
	if err != nil {
		return fmt.Errorf("sessions: opening message log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sessions: appending to message log: %w", err)
	}
	return f.Sync()
}

// Tombstone appends a {"tombstone_from": fromIndex} line: the log itself
// is untouched, but GetHistory stops applying message lines once it has
// replayed fromIndex of them, until it passes the tombstone marker.
func (s *FileStore) Tombstone(ctx context.Context, sessionID string, fromIndex int) error {
	if fromIndex < 0 {
		return errors.New("tombstone index must be non-negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLine(sessionID, tombstoneLine{TombstoneFrom: &fromIndex})
}

func (s *FileStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.messagesPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Message{}, nil
		}
		return nil, fmt.Errorf("sessions: opening message log: %w", err)
	}
	defer f.Close()

	var messages []*models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var tomb tombstoneLine
		if err := json.Unmarshal([]byte(line), &tomb); err == nil && tomb.TombstoneFrom != nil {
			if *tomb.TombstoneFrom >= 0 && *tomb.TombstoneFrom < len(messages) {
				messages = messages[:*tomb.TombstoneFrom]
			}
			continue
		}

		msg := &models.Message{}
		if err := json.Unmarshal([]byte(line), msg); err != nil {
			// A truncated final record from a crash mid-write: stop
			// replay here rather than surface a corrupt message.
			break
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessions: reading message log: %w", err)
	}

	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}
