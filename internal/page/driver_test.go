package page

import (
	"context"
	"testing"

	xerrors "ChainPilot/internal/errors"
)

func seededDriver() *MemoryDriver {
	d := NewMemoryDriver()
	d.AddPage("https://app.uniswap.org", Page{
		Content:  "Swap anytime, anywhere",
		Elements: map[string]string{"#connect": "Connect Wallet", "#swap": "Swap"},
		Links:    map[string]string{"#swap": "https://app.uniswap.org/swap"},
	})
	d.AddPage("https://app.uniswap.org/swap", Page{
		Content:  "Review swap",
		Elements: map[string]string{"#confirm": "Confirm"},
	})
	return d
}

func TestNavigateUnknownPage(t *testing.T) {
	d := seededDriver()
	err := d.Navigate(context.Background(), "https://missing.example.org")
	if err == nil {
		t.Fatal("未预置页面应报错")
	}
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("错误码不符: %s", xerrors.CodeOf(err))
	}
}

func TestClickFollowsLink(t *testing.T) {
	d := seededDriver()
	ctx := context.Background()
	if err := d.Navigate(ctx, "https://app.uniswap.org"); err != nil {
		t.Fatalf("导航失败: %v", err)
	}
	if err := d.Click(ctx, "#swap"); err != nil {
		t.Fatalf("点击失败: %v", err)
	}

	url, _ := d.CurrentURL(ctx)
	if url != "https://app.uniswap.org/swap" {
		t.Fatalf("点击后未跳转: %s", url)
	}
	content, _ := d.Content(ctx)
	if content != "Review swap" {
		t.Fatalf("页面内容错误: %s", content)
	}
	if clicks := d.Clicks(); len(clicks) != 1 || clicks[0] != "#swap" {
		t.Fatalf("点击历史错误: %v", clicks)
	}
}

func TestClickWithoutPage(t *testing.T) {
	d := NewMemoryDriver()
	err := d.Click(context.Background(), "#any")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("未打开页面时点击应返回 NOT_FOUND: %v", err)
	}
}

func TestExtractText(t *testing.T) {
	d := seededDriver()
	ctx := context.Background()
	if err := d.Navigate(ctx, "https://app.uniswap.org"); err != nil {
		t.Fatalf("导航失败: %v", err)
	}

	text, err := d.Extract(ctx, "#connect")
	if err != nil {
		t.Fatalf("提取失败: %v", err)
	}
	if text != "Connect Wallet" {
		t.Fatalf("提取文本错误: %s", text)
	}

	if _, err := d.Extract(ctx, "#missing"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("缺失元素应返回 NOT_FOUND: %v", err)
	}
}

func TestElementExists(t *testing.T) {
	d := seededDriver()
	ctx := context.Background()

	// 未打开页面时不报错，只返回 false。
	exists, err := d.ElementExists(ctx, "#connect")
	if err != nil || exists {
		t.Fatalf("未打开页面应返回 false: %v %v", exists, err)
	}

	if err := d.Navigate(ctx, "https://app.uniswap.org"); err != nil {
		t.Fatalf("导航失败: %v", err)
	}
	if exists, _ := d.ElementExists(ctx, "#connect"); !exists {
		t.Fatal("#connect 应存在")
	}
	if exists, _ := d.ElementExists(ctx, "   "); exists {
		t.Fatal("空选择器不应命中")
	}
}
