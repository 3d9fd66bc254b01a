package llm

import (
	"testing"

	xerrors "ChainPilot/internal/errors"
)

func TestParseStructuredValidJSON(t *testing.T) {
	resp, err := ParseStructured(`{"thought":"用户想换币","reply":"已为你规划兑换路径"}`)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if resp.Thought != "用户想换币" || resp.Reply != "已为你规划兑换路径" {
		t.Fatalf("解析结果错误: %+v", resp)
	}
}

func TestParseStructuredStripsCodeFence(t *testing.T) {
	content := "```json\n{\"reply\":\"兑换完成\"}\n```"
	resp, err := ParseStructured(content)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if resp.Reply != "兑换完成" {
		t.Fatalf("解析结果错误: %+v", resp)
	}

	bare := "```\n{\"reply\":\"ok\"}\n```"
	if resp, err = ParseStructured(bare); err != nil || resp.Reply != "ok" {
		t.Fatalf("无语言标注的代码块也应被剥壳: %v %+v", err, resp)
	}
}

func TestParseStructuredEmptyOutput(t *testing.T) {
	for _, content := range []string{"", "   \n\t"} {
		if _, err := ParseStructured(content); xerrors.CodeOf(err) != xerrors.CodeParseFailure {
			t.Fatalf("空输出应返回解析失败: %v", err)
		}
	}
}

func TestParseStructuredInvalidJSON(t *testing.T) {
	_, err := ParseStructured("抱歉，我无法处理这个请求。")
	if xerrors.CodeOf(err) != xerrors.CodeParseFailure {
		t.Fatalf("非 JSON 输出应返回解析失败: %v", err)
	}
}

func TestParseStructuredMissingReply(t *testing.T) {
	_, err := ParseStructured(`{"thought":"没有结论","reply":"  "}`)
	if xerrors.CodeOf(err) != xerrors.CodeParseFailure {
		t.Fatalf("缺少 reply 应返回解析失败: %v", err)
	}
}
