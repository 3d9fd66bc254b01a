package validate

import (
	"context"
	"math"
	"testing"
	"time"

	"ChainPilot/internal/page"
)

// fakeObserver 返回固定的页面事实。
type fakeObserver struct {
	url      string
	content  string
	elements map[string]bool
}

func (o *fakeObserver) CurrentURL(context.Context) (string, error) { return o.url, nil }
func (o *fakeObserver) Content(context.Context) (string, error)    { return o.content, nil }
func (o *fakeObserver) ElementExists(_ context.Context, selector string) (bool, error) {
	return o.elements[selector], nil
}

func TestValidateWeightedVote(t *testing.T) {
	v := New()

	// 完成率 1.0 权重 1.0，内容判据权重 0.4 落空：
	// (1.0*1.0 + 0*0.4) / 1.4 ≈ 0.714，仍然及格。
	criteria := []Criterion{
		{Kind: KindCompletion, Confidence: 1.0},
		{Kind: KindContentContains, Expected: "0x", Confidence: 0.4},
	}
	verdict := v.Validate(context.Background(), "查询余额", criteria, Context{
		StepsCompleted: 1, StepsTotal: 1,
	})

	if !verdict.IsValid {
		t.Fatalf("加权得分应及格: %+v", verdict)
	}
	want := 1.0 / 1.4
	if math.Abs(verdict.Confidence-want) > 1e-9 {
		t.Fatalf("置信度计算错误: got %.4f want %.4f", verdict.Confidence, want)
	}
}

func TestValidateBelowThresholdSuggestsRetry(t *testing.T) {
	v := New()

	// 完成率 0.8 权重 0.8，辅助判据全失败权重 0.4：
	// (0.8*0.8 + 0*0.4) / 1.2 ≈ 0.533，低于 0.6 判为失败。
	criteria := []Criterion{
		{Kind: KindCompletion, Confidence: 0.8},
		{Kind: KindURLChange, Confidence: 0.4},
	}
	verdict := v.Validate(context.Background(), "打开页面", criteria, Context{
		StepsCompleted: 4, StepsTotal: 5,
	})
	if verdict.IsValid {
		t.Fatalf("得分 %.3f 不应及格", verdict.Confidence)
	}
	if !verdict.ShouldRetry {
		t.Fatal("置信度尚可的失败应建议重试")
	}
	if verdict.NextRetryDelay != 2*time.Second {
		t.Fatalf("首次重试延迟错误: %s", verdict.NextRetryDelay)
	}
}

func TestValidateNoRetryBelowMinConfidence(t *testing.T) {
	v := New()

	criteria := []Criterion{{Kind: KindCompletion, Confidence: 1.0}}
	verdict := v.Validate(context.Background(), "毫无进展", criteria, Context{
		StepsCompleted: 0, StepsTotal: 5,
	})
	if verdict.IsValid {
		t.Fatal("零完成率不应及格")
	}
	if verdict.ShouldRetry {
		t.Fatal("置信度低于下限时不应建议重试")
	}
}

func TestValidateRetryDelayGrowsAndCaps(t *testing.T) {
	v := New()
	criteria := []Criterion{{Kind: KindCompletion, Confidence: 1.0}}
	failing := Context{StepsCompleted: 1, StepsTotal: 3}

	first := v.Validate(context.Background(), "换币", criteria, failing)
	second := v.Validate(context.Background(), "换币", criteria, failing)
	third := v.Validate(context.Background(), "换币", criteria, failing)
	fourth := v.Validate(context.Background(), "换币", criteria, failing)

	if first.NextRetryDelay != 2*time.Second || second.NextRetryDelay != 4*time.Second ||
		third.NextRetryDelay != 8*time.Second {
		t.Fatalf("退避增长错误: %s %s %s",
			first.NextRetryDelay, second.NextRetryDelay, third.NextRetryDelay)
	}
	if fourth.ShouldRetry {
		t.Fatal("达到最大重试次数后不应再建议重试")
	}
	if fourth.RetryAttempt != 3 {
		t.Fatalf("重试计数错误: %d", fourth.RetryAttempt)
	}
}

func TestValidateRetryDelayCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 10
	v := New(WithConfig(cfg))
	criteria := []Criterion{{Kind: KindCompletion, Confidence: 1.0}}
	failing := Context{StepsCompleted: 1, StepsTotal: 3}

	var last Verdict
	for i := 0; i < 6; i++ {
		last = v.Validate(context.Background(), "反复失败", criteria, failing)
	}
	if !last.ShouldRetry {
		t.Fatal("未达上限时仍应建议重试")
	}
	if last.NextRetryDelay != 30*time.Second {
		t.Fatalf("退避应封顶 30s: %s", last.NextRetryDelay)
	}
}

func TestValidateObserverBackedCriteria(t *testing.T) {
	observer := &fakeObserver{
		url:      "https://app.example.org/swap",
		content:  "Balance: 0xDEADBEEF",
		elements: map[string]bool{"#confirm": true},
	}
	v := New(WithObserver(observer))

	criteria := []Criterion{
		{Kind: KindURLChange, Confidence: 0.6},
		{Kind: KindContentContains, Expected: "0xdeadbeef", Confidence: 0.3},
		{Kind: KindElementExists, Expected: "#confirm", Confidence: 0.5},
	}
	verdict := v.Validate(context.Background(), "swap", criteria, Context{
		PreviousURL: "https://app.example.org",
	})
	if !verdict.IsValid || verdict.Confidence != 1.0 {
		t.Fatalf("全部页面判据应命中: %+v", verdict)
	}

	// 缺少观察接口时页面判据记零分。
	blind := New()
	verdict = blind.Validate(context.Background(), "swap", criteria, Context{})
	if verdict.Confidence != 0 {
		t.Fatalf("无观察接口时应记零分: %+v", verdict)
	}
}

func TestValidateWithMemoryDriverObserver(t *testing.T) {
	driver := page.NewMemoryDriver()
	driver.AddPage("https://app.example.org", page.Page{
		Content:  "portfolio balance 0x1234",
		Elements: map[string]string{"#balance": "0x1234"},
	})
	if err := driver.Navigate(context.Background(), "https://app.example.org"); err != nil {
		t.Fatalf("导航失败: %v", err)
	}

	v := New(WithObserver(driver))
	criteria := []Criterion{
		{Kind: KindContentContains, Expected: "0x", Confidence: 0.5},
		{Kind: KindElementExists, Expected: "#balance", Confidence: 0.5},
	}
	verdict := v.Validate(context.Background(), "查询余额", criteria, Context{})
	if !verdict.IsValid {
		t.Fatalf("页面驱动判据应命中: %+v", verdict)
	}
}

func TestDeriveCriteria(t *testing.T) {
	v := New()

	base := v.DeriveCriteria("transfer 1 ETH")
	if len(base) != 1 || base[0].Kind != KindCompletion || base[0].Confidence != 1.0 {
		t.Fatalf("默认判据错误: %+v", base)
	}

	nav := v.DeriveCriteria("navigate to uniswap")
	if len(nav) != 2 || nav[1].Kind != KindURLChange || nav[1].Confidence != 0.6 {
		t.Fatalf("页面跳转判据错误: %+v", nav)
	}

	query := v.DeriveCriteria("check my balance")
	if len(query) != 2 || query[1].Kind != KindContentContains || query[1].Expected != "0x" {
		t.Fatalf("查询判据错误: %+v", query)
	}
}

func TestHistoryCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryLimit = 3
	cfg.MaxRetries = 100
	v := New(WithConfig(cfg))
	criteria := []Criterion{{Kind: KindCompletion, Confidence: 1.0}}

	for i := 0; i < 7; i++ {
		v.Validate(context.Background(), "同一条指令", criteria, Context{StepsCompleted: 1, StepsTotal: 1})
	}
	if got := len(v.History("同一条指令")); got != 3 {
		t.Fatalf("历史应截断为 3 条，实际 %d", got)
	}
}
