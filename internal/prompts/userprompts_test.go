package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestUserPromptStore(t *testing.T) (*UserPromptStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "user_prompts.json")
	s, err := NewUserPromptStore(path, quietLogger())
	if err != nil {
		t.Fatalf("NewUserPromptStore: %v", err)
	}
	return s, path
}

func TestSetGetRoundTrip(t *testing.T) {
	s, path := newTestUserPromptStore(t)

	text := "自定义撰写提示词\n</text>\n结束"
	if err := s.Set("writer", text); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := s.Get("writer"); got != text {
		t.Fatalf("got %q", got)
	}

	// A fresh store over the same file sees the same bytes.
	s2, err := NewUserPromptStore(path, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s2.Get("writer"); got != text {
		t.Fatalf("persisted value %q", got)
	}
}

func TestSetRejectsUnknownRole(t *testing.T) {
	s, _ := newTestUserPromptStore(t)
	if err := s.Set("translator", "x"); err == nil {
		t.Fatal("unknown role accepted")
	}
	if err := s.Delete("translator"); err == nil {
		t.Fatal("unknown role accepted on delete")
	}
}

func TestDeleteAndDeleteAll(t *testing.T) {
	s, _ := newTestUserPromptStore(t)
	for _, role := range UserPromptRoles {
		if err := s.Set(role, "p-"+role); err != nil {
			t.Fatalf("Set %s: %v", role, err)
		}
	}
	if err := s.Delete("modifier"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Get("modifier") != "" {
		t.Fatal("modifier prompt survived delete")
	}
	if s.Get("writer") == "" {
		t.Fatal("writer prompt lost on sibling delete")
	}

	if err := s.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if len(s.All()) != 0 {
		t.Fatalf("prompts survived DeleteAll: %v", s.All())
	}
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	s, path := newTestUserPromptStore(t)
	if err := s.Set("writer", "x"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), `"writer"`) {
		t.Fatalf("unexpected file contents: %s", raw)
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestUserPromptStore(t)
	if err := s.Set("writer", "一二三"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("reviewer", "   "); err != nil {
		t.Fatalf("Set: %v", err)
	}
	stats := s.Stats()
	if stats["total_prompts"] != 1 {
		t.Fatalf("stats: %v", stats)
	}
	if stats["total_chars"] != 3 {
		t.Fatalf("stats: %v", stats)
	}
}
