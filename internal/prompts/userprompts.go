package prompts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Roles a user prompt may be stored under.
var UserPromptRoles = []string{"writer", "modifier", "reviewer"}

func validUserPromptRole(role string) bool {
	for _, r := range UserPromptRoles {
		if r == role {
			return true
		}
	}
	return false
}

type userPromptFile struct {
	UserID    string            `json:"user_id"`
	Prompts   map[string]string `json:"prompts"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

// UserPromptStore persists per-role custom prompts as a single JSON file,
// written atomically via a sibling temp file and rename.
type UserPromptStore struct {
	path string
	log  *logrus.Logger

	mu   sync.RWMutex
	data userPromptFile
}

func NewUserPromptStore(path string, log *logrus.Logger) (*UserPromptStore, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &UserPromptStore{path: path, log: log}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *UserPromptStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		now := time.Now().Format(time.RFC3339)
		s.data = userPromptFile{
			UserID:    "default",
			Prompts:   map[string]string{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read user prompts: %w", err)
	}
	var parsed userPromptFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse user prompts: %w", err)
	}
	if parsed.Prompts == nil {
		parsed.Prompts = map[string]string{}
	}
	if parsed.UserID == "" {
		parsed.UserID = "default"
	}
	s.data = parsed
	return nil
}

// save must be called with s.mu held.
func (s *UserPromptStore) save() error {
	s.data.UpdatedAt = time.Now().Format(time.RFC3339)

	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename user prompts: %w", err)
	}
	return nil
}

// Get returns the stored prompt for role, or "" when unset.
func (s *UserPromptStore) Get(role string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Prompts[role]
}

// All returns a copy of every stored prompt.
func (s *UserPromptStore) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.data.Prompts))
	for k, v := range s.data.Prompts {
		out[k] = v
	}
	return out
}

func (s *UserPromptStore) Set(role, prompt string) error {
	if !validUserPromptRole(role) {
		return fmt.Errorf("unknown prompt role: %q", role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Prompts[role] = prompt
	if err := s.save(); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"component": "prompts", "role": role, "len": len([]rune(prompt))}).Info("user prompt saved")
	return nil
}

func (s *UserPromptStore) Delete(role string) error {
	if !validUserPromptRole(role) {
		return fmt.Errorf("unknown prompt role: %q", role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Prompts[role]; !ok {
		return nil
	}
	delete(s.data.Prompts, role)
	return s.save()
}

// DeleteAll removes every stored prompt.
func (s *UserPromptStore) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Prompts = map[string]string{}
	return s.save()
}

// Stats summarizes the record for the API.
func (s *UserPromptStore) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make([]string, 0, len(s.data.Prompts))
	total := 0
	for role, prompt := range s.data.Prompts {
		if strings.TrimSpace(prompt) != "" {
			set = append(set, role)
			total += len([]rune(prompt))
		}
	}
	sort.Strings(set)
	return map[string]any{
		"total_prompts": len(set),
		"roles_set":     set,
		"total_chars":   total,
		"updated_at":    s.data.UpdatedAt,
	}
}
