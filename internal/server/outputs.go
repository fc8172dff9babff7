package server

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

func newRunID() string {
	return uuid.NewString()
}

// markdownRenderer converts draft markdown to HTML for the preview endpoint.
// Goldmark converts are serialized; the parser is not documented as safe for
// concurrent use.
type markdownRenderer struct {
	mu sync.Mutex
	md goldmark.Markdown
}

func newMarkdownRenderer() *markdownRenderer {
	return &markdownRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

func (r *markdownRenderer) Render(src []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var buf bytes.Buffer
	if err := r.md.Convert(src, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type outputEntry struct {
	Name       string `json:"name"`
	SizeBytes  int64  `json:"size_bytes"`
	ModifiedAt string `json:"modified_at"`
}

func (s *Server) handleOutputsList(c *gin.Context) {
	entries, err := os.ReadDir(s.cfg.Storage.OutputDir)
	if os.IsNotExist(err) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "outputs": []outputEntry{}})
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	outputs := make([]outputEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		outputs = append(outputs, outputEntry{
			Name:       e.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	// Newest first.
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].ModifiedAt > outputs[j].ModifiedAt })
	c.JSON(http.StatusOK, gin.H{"ok": true, "outputs": outputs})
}

func (s *Server) handleOutputPreview(c *gin.Context) {
	name := c.Param("name")
	if !safeOutputName(name) {
		fail(c, http.StatusBadRequest, "文件名不合法")
		return
	}
	raw, err := os.ReadFile(filepath.Join(s.cfg.Storage.OutputDir, name))
	if os.IsNotExist(err) {
		fail(c, http.StatusNotFound, "文件不存在")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	rendered, err := s.render.Render(raw)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "name": name, "html": rendered})
}

// safeOutputName admits plain .md file names only, no path elements.
func safeOutputName(name string) bool {
	if name == "" || !strings.HasSuffix(name, ".md") {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return filepath.Base(name) == name
}

// SweepOutputs deletes generated .md files older than keepDays. Scheduled
// from main on the cleanup cron.
func SweepOutputs(dir string, keepDays int, log *logrus.Logger) {
	if keepDays <= 0 {
		return
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithField("component", "outputs").Warnf("sweep read failed: %v", err)
		}
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			log.WithField("component", "outputs").Warnf("sweep remove %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.WithFields(logrus.Fields{"component": "outputs", "removed": removed}).Info("expired outputs removed")
	}
}
