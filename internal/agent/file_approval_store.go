package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// approvalFilePerm/DirPerm match sessions.FileStore's own local-storage
// conventions (owner-only directories and files).
const (
	approvalDirPerm  = 0o700
	approvalFilePerm = 0o600
)

// FileApprovalStore is the on-disk ApprovalStore: one approvals.json per
// session, holding a map of request ID to ApprovalRequest, alongside that
// session's header.json/messages.jsonl. Pointing root at the same
// directory a sessions.FileStore uses (see FileStore.ApprovalsPath) puts
// every session's pending approvals next to its transcript; FileApprovalStore
// itself never imports the sessions package, it just mirrors the same
// "<root>/<sessionID>/approvals.json" layout.
type FileApprovalStore struct {
	mu   sync.Mutex
	root string

	// sessionOf caches request ID -> session ID so Get/Update, which the
	// ApprovalStore interface gives no session hint for, don't rescan the
	// whole root directory on every call.
	sessionOf map[string]string
}

// NewFileApprovalStore creates a FileApprovalStore rooted at dir, creating
// it if needed.
func NewFileApprovalStore(dir string) (*FileApprovalStore, error) {
	if dir == "" {
		return nil, errors.New("agent: file approval store requires a root directory")
	}
	if err := os.MkdirAll(dir, approvalDirPerm); err != nil {
		return nil, fmt.Errorf("agent: creating approval store root: %w", err)
	}
	return &FileApprovalStore{root: dir, sessionOf: make(map[string]string)}, nil
}

func (s *FileApprovalStore) pathFor(sessionID string) string {
	return filepath.Join(s.root, sessionID, "approvals.json")
}

func (s *FileApprovalStore) load(sessionID string) (map[string]*ApprovalRequest, error) {
	data, err := os.ReadFile(s.pathFor(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*ApprovalRequest), nil
		}
		return nil, fmt.Errorf("agent: reading approvals: %w", err)
	}
	out := make(map[string]*ApprovalRequest)
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("agent: unmarshaling approvals: %w", err)
	}
	return out, nil
}

func (s *FileApprovalStore) save(sessionID string, reqs map[string]*ApprovalRequest) error {
	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, approvalDirPerm); err != nil {
		return fmt.Errorf("agent: creating session directory: %w", err)
	}
	data, err := json.MarshalIndent(reqs, "", "  ")
	if err != nil {
		return fmt.Errorf("agent: marshaling approvals: %w", err)
	}
	return os.WriteFile(s.pathFor(sessionID), data, approvalFilePerm)
}

// Create persists a new approval request under its session's file.
func (s *FileApprovalStore) Create(ctx context.Context, req *ApprovalRequest) error {
	if req == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs, err := s.load(req.SessionID)
	if err != nil {
		return err
	}
	reqs[req.ID] = req
	if err := s.save(req.SessionID, reqs); err != nil {
		return err
	}
	s.sessionOf[req.ID] = req.SessionID
	return nil
}

// Get looks up a request by ID, using the cached session hint when
// available and falling back to a scan of every session directory.
func (s *FileApprovalStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID, ok := s.sessionOf[id]; ok {
		reqs, err := s.load(sessionID)
		if err != nil {
			return nil, err
		}
		if req, ok := reqs[id]; ok {
			return req, nil
		}
	}

	req, sessionID, err := s.findLocked(id)
	if err != nil {
		return nil, err
	}
	if req != nil {
		s.sessionOf[id] = sessionID
	}
	return req, nil
}

func (s *FileApprovalStore) findLocked(id string) (*ApprovalRequest, string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("agent: scanning approval root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		reqs, err := s.load(entry.Name())
		if err != nil {
			continue
		}
		if req, ok := reqs[id]; ok {
			return req, entry.Name(), nil
		}
	}
	return nil, "", nil
}

// Update rewrites an existing approval request in place.
func (s *FileApprovalStore) Update(ctx context.Context, req *ApprovalRequest) error {
	if req == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID := req.SessionID
	if sessionID == "" {
		if cached, ok := s.sessionOf[req.ID]; ok {
			sessionID = cached
		} else if _, found, err := s.findLocked(req.ID); err == nil && found != "" {
			sessionID = found
		}
	}
	if sessionID == "" {
		return fmt.Errorf("agent: no session known for approval request %s", req.ID)
	}

	reqs, err := s.load(sessionID)
	if err != nil {
		return err
	}
	reqs[req.ID] = req
	if err := s.save(sessionID, reqs); err != nil {
		return err
	}
	s.sessionOf[req.ID] = sessionID
	return nil
}

// ListPending returns pending, non-expired requests, scoped to agentID's
// session file when agentID matches a session directory name, and across
// every session directory otherwise.
func (s *FileApprovalStore) ListPending(ctx context.Context, agentID string) ([]*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	collect := func(reqs map[string]*ApprovalRequest) []*ApprovalRequest {
		var out []*ApprovalRequest
		for _, req := range reqs {
			if req.Decision != ApprovalPending {
				continue
			}
			if !req.ExpiresAt.IsZero() && req.ExpiresAt.Before(now) {
				continue
			}
			if agentID != "" && req.AgentID != agentID {
				continue
			}
			out = append(out, req)
		}
		return out
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("agent: scanning approval root: %w", err)
	}

	var out []*ApprovalRequest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		reqs, err := s.load(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, collect(reqs)...)
	}
	return out, nil
}

// Prune removes approval requests older than olderThan across every
// session file and reports how many were removed.
func (s *FileApprovalStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("agent: scanning approval root: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		reqs, err := s.load(entry.Name())
		if err != nil {
			continue
		}
		changed := false
		for id, req := range reqs {
			if req.CreatedAt.Before(cutoff) {
				delete(reqs, id)
				delete(s.sessionOf, id)
				pruned++
				changed = true
			}
		}
		if changed {
			if err := s.save(entry.Name(), reqs); err != nil {
				return pruned, err
			}
		}
	}
	return pruned, nil
}
