// Package prompts holds the prompt template registry, the persisted user
// prompt record and the assembly engine that resolves the text sent to the
// model for each role and round.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Template is one role's YAML prompt definition.
type Template struct {
	Metadata struct {
		Name        string `yaml:"name"`
		Version     string `yaml:"version"`
		Description string `yaml:"description"`
	} `yaml:"metadata"`
	Prompt struct {
		Role             string   `yaml:"role"`
		Objective        string   `yaml:"objective"`
		Requirements     []string `yaml:"requirements"`
		ReviewFocus      []string `yaml:"review_focus"`
		FinalInstruction string   `yaml:"final_instruction"`
	} `yaml:"prompt"`
	ContextSections []ContextSection `yaml:"context_sections"`
	IterationPhases struct {
		FirstIteration struct {
			Instruction string `yaml:"instruction"`
		} `yaml:"first_iteration"`
		SubsequentIteration struct {
			Instruction string `yaml:"instruction"`
		} `yaml:"subsequent_iteration"`
	} `yaml:"iteration_phases"`
}

// ContextSection is a conditional block inside a template. Condition names a
// variable that must be present and non-empty for the section to render.
type ContextSection struct {
	Title       string `yaml:"title"`
	Placeholder string `yaml:"placeholder"`
	Condition   string `yaml:"condition"`
}

func (t *Template) validate() error {
	if t == nil {
		return fmt.Errorf("nil template")
	}
	if strings.TrimSpace(t.Metadata.Name) == "" {
		return fmt.Errorf("metadata.name is empty")
	}
	if strings.TrimSpace(t.Prompt.Role) == "" {
		return fmt.Errorf("prompt.role is empty")
	}
	if strings.TrimSpace(t.Prompt.Objective) == "" {
		return fmt.Errorf("prompt.objective is empty")
	}
	return nil
}

// Registry maps role names to templates. Reload builds a complete new map and
// swaps it under the lock, so readers always see a consistent set.
type Registry struct {
	dir string
	log *logrus.Logger

	mu        sync.RWMutex
	templates map[string]*Template
}

var registryRoles = []string{"writer", "modifier", "reviewer"}

func NewRegistry(dir string, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Registry{dir: dir, log: log}
	r.Reload()
	return r
}

// Reload re-reads every role template from disk. Invalid files are skipped
// with a warning and the compiled-in default takes their place.
func (r *Registry) Reload() {
	next := make(map[string]*Template, len(registryRoles))
	for _, role := range registryRoles {
		path := filepath.Join(r.dir, role, "base_prompt.yaml")
		tpl, err := loadTemplateFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				r.log.WithFields(logrus.Fields{
					"component": "prompts",
					"role":      role,
					"path":      path,
				}).Warnf("template skipped: %v", err)
			}
			next[role] = defaultTemplate(role)
			continue
		}
		next[role] = tpl
	}

	r.mu.Lock()
	r.templates = next
	r.mu.Unlock()
	r.log.WithField("component", "prompts").Infof("template registry loaded, %d roles", len(next))
}

func loadTemplateFile(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tpl Template
	if err := yaml.Unmarshal(raw, &tpl); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := tpl.validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// Template returns the template for role, falling back to the writer family
// for the modifier and finally to a compiled-in default.
func (r *Registry) Template(role string) *Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tpl, ok := r.templates[role]; ok && tpl != nil {
		return tpl
	}
	return defaultTemplate(role)
}
