// Package doctpl labels generation runs with DOCX document templates. It
// scans a directory of .docx files and exposes descriptors; rendering into a
// template is delegated to an external document layer.
package doctpl

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("template not found")

// Descriptor describes one scanned template file.
type Descriptor struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	IsDefault        bool   `json:"is_default"`
	IsValid          bool   `json:"is_valid"`
	PlaceholderCount int    `json:"placeholder_count"`
	SectionCount     int    `json:"section_count"`
}

// Registry holds the scanned descriptors. Load replaces the whole set.
type Registry struct {
	dir string
	log *logrus.Logger

	mu        sync.RWMutex
	byID      map[string]Descriptor
	order     []string
	defaultID string
}

var (
	placeholderRes = []*regexp.Regexp{
		regexp.MustCompile(`\{\{[^{}]+\}\}`),
		regexp.MustCompile(`\{[^{}]+\}`),
		regexp.MustCompile(`\[[^\[\]]+\]`),
	}
	headingStyleRe = regexp.MustCompile(`<w:pStyle w:val="Heading`)

	patentKeywords = []string{"权利要求", "技术领域"}
)

func NewRegistry(dir string, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Registry{dir: dir, log: log}
	r.Load()
	return r
}

// Load rescans the template directory. Missing directory is not an error; the
// registry is simply empty.
func (r *Registry) Load() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.WithFields(logrus.Fields{"component": "doctpl", "dir": r.dir}).Warnf("scan failed: %v", err)
		}
		r.swap(nil)
		return
	}

	var descriptors []Descriptor
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".docx") {
			continue
		}
		descriptors = append(descriptors, describe(filepath.Join(r.dir, name)))
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].ID < descriptors[j].ID })
	r.swap(descriptors)
}

func (r *Registry) swap(descriptors []Descriptor) {
	byID := make(map[string]Descriptor, len(descriptors))
	order := make([]string, 0, len(descriptors))
	defaultID := ""
	for i, d := range descriptors {
		if defaultID == "" && d.IsValid {
			d.IsDefault = true
			defaultID = d.ID
			descriptors[i] = d
		}
		byID[d.ID] = d
		order = append(order, d.ID)
	}

	r.mu.Lock()
	r.byID = byID
	r.order = order
	r.defaultID = defaultID
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"component": "doctpl", "count": len(order)}).Info("document templates scanned")
}

// describe reads word/document.xml from the archive and counts placeholders
// and heading-styled sections. A template is valid when it is readable and
// either carries placeholders or mentions patent boilerplate.
func describe(path string) Descriptor {
	base := filepath.Base(path)
	d := Descriptor{
		ID:   base,
		Name: strings.TrimSuffix(base, filepath.Ext(base)),
	}

	xml, err := readDocumentXML(path)
	if err != nil {
		return d
	}
	for _, re := range placeholderRes {
		d.PlaceholderCount += len(re.FindAllString(xml, -1))
	}
	d.SectionCount = len(headingStyleRe.FindAllString(xml, -1))

	if d.PlaceholderCount > 0 {
		d.IsValid = true
	} else {
		for _, kw := range patentKeywords {
			if strings.Contains(xml, kw) {
				d.IsValid = true
				break
			}
		}
	}
	return d
}

func readDocumentXML(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		raw, err := io.ReadAll(io.LimitReader(rc, 32<<20))
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	return "", errors.New("word/document.xml missing")
}

// List returns the descriptors in scan order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return d, nil
}

// Name resolves a template id to its display name.
func (r *Registry) Name(id string) (string, bool) {
	d, err := r.Get(id)
	if err != nil {
		return "", false
	}
	return d.Name, true
}

// DefaultID returns the id of the default template, or "" when none is valid.
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}
