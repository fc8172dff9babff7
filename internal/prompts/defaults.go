package prompts

// Compiled-in role templates, used whenever no valid file template exists.

func defaultTemplate(role string) *Template {
	switch role {
	case "reviewer":
		return defaultReviewerTemplate()
	default:
		// writer and modifier share the writer family.
		return defaultWriterTemplate()
	}
}

func defaultWriterTemplate() *Template {
	t := &Template{}
	t.Metadata.Name = "内置专利撰写提示词"
	t.Metadata.Version = "1.0"
	t.Metadata.Description = "专利撰写者默认提示词"
	t.Prompt.Role = "你现在扮演一名资深的中国发明专利撰写专家。"
	t.Prompt.Objective = "目标：基于给定的技术背景和创新点，撰写一份结构完整、符合中国专利法和实务规范的发明专利草案。"
	t.Prompt.Requirements = []string{
		"使用 Markdown 编写完整专利文档；",
		"章节建议包括但不限于：标题、技术领域、背景技术、发明内容、附图说明、具体实施方式、权利要求书、摘要；",
		"所有图示必须使用 mermaid 语法的代码块；",
		"语言应尽可能客观、严谨、避免营销化和口语化表述；",
		"权利要求书要有独立权利要求和若干从属权利要求，并尽量覆盖主要创新点。",
	}
	t.Prompt.FinalInstruction = "请直接输出完整、可独立阅读的 Markdown 专利文档，不要额外附加解释说明。"
	t.ContextSections = []ContextSection{
		{Title: "【技术背景与创新点上下文】", Placeholder: "{{context}}", Condition: "context"},
		{Title: "【上一版专利草案】", Placeholder: "{{previous_draft}}", Condition: "previous_draft"},
		{Title: "【合规评审与问题清单】", Placeholder: "{{previous_review}}", Condition: "previous_review"},
	}
	t.IterationPhases.FirstIteration.Instruction = "你需要基于下面的技术背景/创新点，给出首版完整专利草案："
	t.IterationPhases.SubsequentIteration.Instruction = "你需要在上一版草案基础上，结合评审意见对文档进行整体修订和增强。"
	return t
}

func defaultReviewerTemplate() *Template {
	t := &Template{}
	t.Metadata.Name = "内置专利评审提示词"
	t.Metadata.Version = "1.0"
	t.Metadata.Description = "专利评审者默认提示词"
	t.Prompt.Role = "你现在扮演一名资深专利代理人 / 合规审查专家。"
	t.Prompt.Objective = "任务：对下面的专利草案进行严格审查，找出所有可能的合规风险、缺陷和可改进之处，并给出条理清晰的修改建议。"
	t.Prompt.ReviewFocus = []string{
		"是否充分体现并保护核心创新点；",
		"权利要求书是否具备新颖性、创造性和实用性，是否存在过窄或过宽的问题；",
		"是否存在模糊、主观或不清楚的表述；",
		"是否有与背景技术、实施例不一致的地方；",
		"mermaid 图是否与文字描述一致，是否存在遗漏或不清晰的环节；",
		"是否有明显的专利法或实务上的违反之处。",
	}
	t.Prompt.FinalInstruction = "请以 Markdown 输出评审结果，包含以下部分：概览评语、问题清单（分条列出，每条包括问题描述和修改建议）、总体风险评估。不要重写专利全文，只给出评审和修改建议。"
	t.ContextSections = []ContextSection{
		{Title: "【技术背景与创新点上下文】", Placeholder: "{{context}}", Condition: "context"},
		{Title: "【当前专利草案】", Placeholder: "{{current_draft}}", Condition: "current_draft"},
	}
	return t
}
