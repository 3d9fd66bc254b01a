package llm

import (
	"encoding/json"
	"strings"

	xerrors "ChainPilot/internal/errors"
)

// ParseStructured 把模型原始输出严格解析为结构化回复。
// 输出必须是携带 reply 字段的 JSON 对象，可以被 Markdown 代码块包裹。
// 解析失败返回 PARSE_FAILURE，由调用方决定降级策略。
func ParseStructured(content string) (*Response, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeParseFailure, "模型输出为空")
	}
	trimmed = stripCodeFence(trimmed)

	var structured struct {
		Thought string `json:"thought"`
		Reply   string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(trimmed), &structured); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeParseFailure, err, "模型输出不是合法的 JSON")
	}
	if strings.TrimSpace(structured.Reply) == "" {
		return nil, xerrors.New(xerrors.CodeParseFailure, "模型输出缺少 reply 字段")
	}
	return &Response{
		Thought: structured.Thought,
		Reply:   structured.Reply,
	}, nil
}

// stripCodeFence 剥掉 ```json ... ``` 形式的代码块包装。
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
