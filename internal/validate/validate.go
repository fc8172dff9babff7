// Package validate sanitizes generation requests before they reach the job
// manager.
package validate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalid wraps every validation failure; errors.Is(err, ErrInvalid)
// identifies them at the API boundary.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Request is the raw generation request as received from the API.
type Request struct {
	Mode        string `json:"mode"`
	ProjectPath string `json:"projectPath"`
	IdeaText    string `json:"ideaText"`
	Iterations  int    `json:"iterations"`
	OutputName  string `json:"outputName"`
	TemplateID  string `json:"templateId"`
}

// Input is the sanitized form handed to the job manager.
type Input struct {
	Mode        string
	ProjectPath string
	IdeaText    string
	Iterations  int
	OutputName  string
	TemplateID  string
}

var (
	scriptRe     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	jsProtoRe    = regexp.MustCompile(`(?i)javascript:`)
	base64Re     = regexp.MustCompile(`(?i)data:[^;]*;base64`)
	reservedRe   = regexp.MustCompile(`(?i)^(CON|PRN|AUX|NUL|COM[1-9]|LPT[1-9])$`)
	templateIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

var dangerousPathPrefixes = []string{
	"/etc", "/bin", "/usr/bin", "/usr/sbin", "/var", "/tmp",
	`c:\windows`, `c:\program files`, `c:\program files (x86)`,
	`c:\users\default`,
}

// Validate checks every field and returns the sanitized input.
func Validate(req Request) (Input, error) {
	in := Input{Mode: strings.TrimSpace(req.Mode)}

	switch in.Mode {
	case "code":
		path, err := validatePath(req.ProjectPath)
		if err != nil {
			return Input{}, err
		}
		in.ProjectPath = path
	case "idea":
		text, err := validateIdeaText(req.IdeaText)
		if err != nil {
			return Input{}, err
		}
		in.IdeaText = text
	default:
		return Input{}, invalid("模式必须是 'code' 或 'idea'")
	}

	iters, err := validateIterations(req.Iterations)
	if err != nil {
		return Input{}, err
	}
	in.Iterations = iters

	name, err := validateOutputName(req.OutputName)
	if err != nil {
		return Input{}, err
	}
	in.OutputName = name

	tid, err := validateTemplateID(req.TemplateID)
	if err != nil {
		return Input{}, err
	}
	in.TemplateID = tid

	return in, nil
}

func validatePath(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		clean = "."
	}
	if len(clean) > 260 {
		return "", invalid("路径长度超过限制")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", invalid("路径处理失败: %v", err)
	}

	lower := strings.ToLower(abs)
	for _, prefix := range dangerousPathPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return "", invalid("不允许访问系统关键目录")
		}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", invalid("路径不存在")
	}
	if !info.IsDir() {
		return "", invalid("路径必须是目录")
	}
	if f, err := os.Open(abs); err != nil {
		return "", invalid("路径无法访问")
	} else {
		f.Close()
	}
	return abs, nil
}

func validateIdeaText(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return "", invalid("创意文本不能为空")
	}
	n := len([]rune(clean))
	if n < 10 {
		return "", invalid("创意文本太短，请提供更详细的描述")
	}
	if n > 50000 {
		return "", invalid("创意文本长度超过限制")
	}
	if scriptRe.MatchString(clean) || jsProtoRe.MatchString(clean) || base64Re.MatchString(clean) {
		return "", invalid("创意文本包含不安全内容")
	}
	return clean, nil
}

func validateIterations(n int) (int, error) {
	if n == 0 {
		return 1, nil
	}
	if n < 1 {
		return 0, invalid("迭代次数至少为1")
	}
	if n > 10 {
		return 0, invalid("迭代次数不能超过10")
	}
	return n, nil
}

func validateOutputName(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return "", nil
	}
	if len([]rune(clean)) > 100 {
		return "", invalid("输出文件名长度超过限制")
	}
	if i := strings.IndexAny(clean, `<>:"|?*/\`); i >= 0 {
		return "", invalid("文件名包含不安全字符: %c", clean[i])
	}
	if reservedRe.MatchString(clean) {
		return "", invalid("文件名不能使用系统保留名称")
	}
	return clean, nil
}

func validateTemplateID(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return "", nil
	}
	if !templateIDRe.MatchString(clean) {
		return "", invalid("模板ID格式不正确")
	}
	return clean, nil
}
