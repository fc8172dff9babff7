package prompts

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// DynamicMarker marks the spot in a user-custom prompt where the relevant
// draft text is inserted. Every occurrence is replaced.
const DynamicMarker = "</text>"

// ErrPromptTooLarge reports that the assembled prompt still exceeds the input
// budget after compression.
var ErrPromptTooLarge = errors.New("prompt too large")

// TemplateNameResolver maps a template id to its display name.
type TemplateNameResolver func(templateID string) (string, bool)

// BuildInput carries the variables of one assembly call.
type BuildInput struct {
	Role           string // writer, modifier or reviewer
	Iteration      int
	Total          int
	Context        string
	PreviousDraft  string
	PreviousReview string
	CurrentDraft   string
	TemplateID     string
}

// Engine resolves the final prompt text per role and round: a user-custom
// prompt when one is set, otherwise the rendered role template.
type Engine struct {
	registry    *Registry
	userPrompts *UserPromptStore
	resolveName TemplateNameResolver
	maxInput    int
	log         *logrus.Logger
}

func NewEngine(registry *Registry, userPrompts *UserPromptStore, resolveName TemplateNameResolver, maxInput int, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		registry:    registry,
		userPrompts: userPrompts,
		resolveName: resolveName,
		maxInput:    maxInput,
		log:         log,
	}
}

// Build assembles the prompt and enforces the input budget. On oversize it
// compresses context, then previous_draft, then previous_review to 60% of
// their length before giving up with ErrPromptTooLarge.
func (e *Engine) Build(in BuildInput) (string, error) {
	if in.Iteration <= 0 {
		in.Iteration = 1
	}
	if in.Total <= 0 {
		in.Total = 1
	}

	prompt := e.assemble(in)
	if e.maxInput <= 0 || runeLen(prompt) <= e.maxInput {
		return prompt, nil
	}

	compressed := in
	for _, stage := range []struct {
		name  string
		apply func(*BuildInput)
	}{
		{"context", func(b *BuildInput) { b.Context = truncateRunes(b.Context, 60) }},
		{"previous_draft", func(b *BuildInput) { b.PreviousDraft = truncateRunes(b.PreviousDraft, 60) }},
		{"previous_review", func(b *BuildInput) { b.PreviousReview = truncateRunes(b.PreviousReview, 60) }},
	} {
		stage.apply(&compressed)
		prompt = e.assemble(compressed)
		if runeLen(prompt) <= e.maxInput {
			e.log.WithFields(logrus.Fields{
				"component": "prompts",
				"role":      in.Role,
				"round":     in.Iteration,
				"stage":     stage.name,
			}).Warn("prompt compressed to fit input budget")
			return prompt, nil
		}
	}
	return "", fmt.Errorf("%w: %d runes over limit %d", ErrPromptTooLarge, runeLen(prompt), e.maxInput)
}

func (e *Engine) assemble(in BuildInput) string {
	if custom := e.customPrompt(in.Role); custom != "" {
		return e.assembleCustom(custom, in)
	}
	return e.renderTemplate(in)
}

// customPrompt returns the user prompt for role. The modifier shares the
// writer's custom prompt when none is stored under "modifier".
func (e *Engine) customPrompt(role string) string {
	if e.userPrompts == nil {
		return ""
	}
	if p := e.userPrompts.Get(role); strings.TrimSpace(p) != "" {
		return p
	}
	if role == "modifier" {
		if p := e.userPrompts.Get("writer"); strings.TrimSpace(p) != "" {
			return p
		}
	}
	return ""
}

func (e *Engine) assembleCustom(custom string, in BuildInput) string {
	draft := relevantDraft(in)
	if strings.Contains(custom, DynamicMarker) {
		out := strings.ReplaceAll(custom, DynamicMarker, draft)
		return substituteVars(out, in)
	}

	var b strings.Builder
	b.WriteString(custom)
	b.WriteString("\n\n")
	b.WriteString("----- 动态上下文 -----\n")
	b.WriteString(draft)
	b.WriteString("\n----- 动态上下文结束 -----")
	return substituteVars(b.String(), in)
}

// relevantDraft picks the draft a custom prompt operates on: the previous
// draft for the modifier, the current draft for the reviewer, the base
// context for the first-round writer.
func relevantDraft(in BuildInput) string {
	switch in.Role {
	case "modifier":
		return in.PreviousDraft
	case "reviewer":
		return in.CurrentDraft
	default:
		return in.Context
	}
}

var varPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// substituteVars replaces {{name}} for the recognized variable names only;
// unknown names pass through untouched.
func substituteVars(s string, in BuildInput) string {
	vars := map[string]string{
		"context":          in.Context,
		"previous_draft":   in.PreviousDraft,
		"previous_review":  in.PreviousReview,
		"current_draft":    in.CurrentDraft,
		"iteration":        fmt.Sprintf("%d", in.Iteration),
		"total_iterations": fmt.Sprintf("%d", in.Total),
		"template_id":      in.TemplateID,
	}
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := varPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

func (e *Engine) renderTemplate(in BuildInput) string {
	tpl := e.registry.Template(in.Role)

	var parts []string
	add := func(s string) {
		if s != "" {
			parts = append(parts, s)
		}
	}

	add(tpl.Prompt.Role)
	add(tpl.Prompt.Objective)
	if len(tpl.Prompt.Requirements) > 0 {
		add("整体要求：")
		lines := make([]string, 0, len(tpl.Prompt.Requirements))
		for _, req := range tpl.Prompt.Requirements {
			lines = append(lines, "- "+req)
		}
		add(strings.Join(lines, "\n"))
	}
	if len(tpl.Prompt.ReviewFocus) > 0 {
		add("审查重点包括但不限于：")
		lines := make([]string, 0, len(tpl.Prompt.ReviewFocus))
		for _, focus := range tpl.Prompt.ReviewFocus {
			lines = append(lines, "- "+focus)
		}
		add(strings.Join(lines, "\n"))
	}

	add(fmt.Sprintf("这是第 %d/%d 轮", in.Iteration, in.Total))
	if in.Iteration == 1 {
		add(tpl.IterationPhases.FirstIteration.Instruction)
	} else {
		add(tpl.IterationPhases.SubsequentIteration.Instruction)
	}
	parts = append(parts, "")

	for _, section := range tpl.ContextSections {
		value, ok := sectionValue(section, in)
		if !ok {
			continue
		}
		add(section.Title)
		add(value)
		parts = append(parts, "")
	}

	if in.TemplateID != "" {
		add(e.templateFooter(in.TemplateID))
	}
	add(tpl.Prompt.FinalInstruction)

	return strings.Join(parts, "\n")
}

// sectionValue resolves a conditional section: the condition variable must be
// present and non-empty, and the placeholder's variable must carry text.
func sectionValue(section ContextSection, in BuildInput) (string, bool) {
	vars := map[string]string{
		"context":         in.Context,
		"previous_draft":  in.PreviousDraft,
		"previous_review": in.PreviousReview,
		"current_draft":   in.CurrentDraft,
	}
	if cond := strings.TrimSpace(section.Condition); cond != "" {
		if strings.TrimSpace(vars[cond]) == "" {
			return "", false
		}
	}
	m := varPattern.FindStringSubmatch(section.Placeholder)
	if m == nil {
		return "", false
	}
	value := vars[m[1]]
	if strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// templateFooter labels the run with the active document template. The
// resolved name goes through the code-leak filter before use.
func (e *Engine) templateFooter(templateID string) string {
	if e.resolveName != nil {
		if name, ok := e.resolveName(templateID); ok {
			if clean := FilterGeneratedText(name); clean != "" {
				return "使用模板: " + clean
			}
		}
	}
	return "使用模板ID: " + templateID
}

var codeFragmentRe = regexp.MustCompile("```|\\b(def|func|function|class|import|return|lambda|var|const)\\b")

// FilterGeneratedText blanks dynamically generated text that looks like code
// rather than natural language.
func FilterGeneratedText(s string) string {
	if codeFragmentRe.MatchString(s) {
		return ""
	}
	return s
}

func runeLen(s string) int {
	return len([]rune(s))
}

func truncateRunes(s string, percent int) string {
	runes := []rune(s)
	keep := len(runes) * percent / 100
	return string(runes[:keep])
}
