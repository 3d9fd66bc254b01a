package intent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExtractSwapIntent(t *testing.T) {
	r := NewRecognizer()

	in := r.Extract("Swap 10 USDC to ETH", nil)

	if in.Action != ActionSwap {
		t.Fatalf("期望 SWAP 意图，实际 %s", in.Action)
	}
	if in.Confidence < 0.9 {
		t.Fatalf("期望置信度不低于 0.9，实际 %f", in.Confidence)
	}
	if got := in.Entity("amount"); got != "10" {
		t.Fatalf("期望 amount=10，实际 %q", got)
	}
	if got := in.Entity("fromToken"); got != "USDC" {
		t.Fatalf("期望 fromToken=USDC，实际 %q", got)
	}
	if got := in.Entity("toToken"); got != "ETH" {
		t.Fatalf("期望 toToken=ETH，实际 %q", got)
	}
	if got := in.Entity("fromTokenAddress"); got != "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48" {
		t.Fatalf("USDC 地址解析错误: %q", got)
	}
}

func TestExtractLeadingWhitespaceKeepsEntities(t *testing.T) {
	r := NewRecognizer()

	in := r.Extract("  Swap 10 USDC to ETH", nil)

	if in.Action != ActionSwap {
		t.Fatalf("期望 SWAP 意图，实际 %s", in.Action)
	}
	if got := in.Entity("amount"); got != "10" {
		t.Fatalf("首部空白不应偏移捕获组，amount=%q", got)
	}
	if got := in.Entity("fromToken"); got != "USDC" {
		t.Fatalf("首部空白不应偏移捕获组，fromToken=%q", got)
	}
	if got := in.Entity("toToken"); got != "ETH" {
		t.Fatalf("首部空白不应偏移捕获组，toToken=%q", got)
	}
	if in.RawInstruction != "  Swap 10 USDC to ETH" {
		t.Fatalf("原始指令应保留原样，实际 %q", in.RawInstruction)
	}
}

func TestExtractFallbackQuery(t *testing.T) {
	r := NewRecognizer()

	in := r.Extract("帮我随便看看", nil)

	if in.Action != ActionQuery {
		t.Fatalf("无规则命中时应回退 QUERY，实际 %s", in.Action)
	}
	if in.Confidence != 0.3 {
		t.Fatalf("回退置信度应为 0.3，实际 %f", in.Confidence)
	}
	if in.RawInstruction != "帮我随便看看" {
		t.Fatalf("原始指令应保留，实际 %q", in.RawInstruction)
	}
}

func TestExtractBridgeWithChains(t *testing.T) {
	r := NewRecognizer()

	in := r.Extract("bridge 100 USDC from ethereum to arbitrum", nil)

	if in.Action != ActionBridge {
		t.Fatalf("期望 BRIDGE 意图，实际 %s", in.Action)
	}
	if got := in.Entity("fromChain"); got != "ethereum" {
		t.Fatalf("期望 fromChain=ethereum，实际 %q", got)
	}
	if got := in.Entity("toChain"); got != "arbitrum" {
		t.Fatalf("期望 toChain=arbitrum，实际 %q", got)
	}
	// 旁路提取的链应当按出现顺序排列。
	if len(in.Chains) != 2 || in.Chains[0] != 1 || in.Chains[1] != 42161 {
		t.Fatalf("链顺序错误: %v", in.Chains)
	}
}

func TestExtractConstraints(t *testing.T) {
	r := NewRecognizer()

	in := r.Extract("swap 5 ETH for DAI on uniswap with 0.5% slippage within 10 minutes", nil)

	if in.Action != ActionSwap {
		t.Fatalf("期望 SWAP 意图，实际 %s", in.Action)
	}
	if got := in.Constraint("protocol"); got != "uniswap" {
		t.Fatalf("期望 protocol=uniswap，实际 %q", got)
	}
	if got := in.Constraint("slippage"); got != "0.5" {
		t.Fatalf("期望 slippage=0.5，实际 %q", got)
	}
	if got := in.Constraint("deadline_minutes"); got != "10" {
		t.Fatalf("期望 deadline_minutes=10，实际 %q", got)
	}
}

func TestExtractMissingRequiredLowersConfidence(t *testing.T) {
	r := NewRecognizer()

	// approve 的第二个模式允许 amount 为空，但 token 仍然命中。
	in := r.Extract("approve USDC on uniswap", nil)

	if in.Action != ActionApprove {
		t.Fatalf("期望 APPROVE 意图，实际 %s", in.Action)
	}
	// weight 0.85 * 1.0 + 0.1（可选 spender 命中）。
	if in.Confidence < 0.85 {
		t.Fatalf("置信度过低: %f", in.Confidence)
	}
}

func TestExtractMergesContext(t *testing.T) {
	r := NewRecognizer()

	in := r.Extract("check my balance", map[string]string{
		"address": "0x1111111111111111111111111111111111111111",
		"chain":   "polygon",
	})

	if in.Action != ActionQuery {
		t.Fatalf("期望 QUERY 意图，实际 %s", in.Action)
	}
	if got := in.Entity("walletAddress"); got != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("上下文地址未合并: %q", got)
	}
	if len(in.Chains) != 1 || in.Chains[0] != 137 {
		t.Fatalf("上下文链未合并: %v", in.Chains)
	}
}

func TestLoadLexiconOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.json")
	content := `{"chains":{"scroll":534352},"tokens":{"arb":"0x912CE59144191C1204E64559FE8253a0e49E6548"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入词表失败: %v", err)
	}

	lex, err := LoadLexicon(path)
	if err != nil {
		t.Fatalf("加载词表失败: %v", err)
	}
	if id, ok := lex.ChainID("scroll"); !ok || id != 534352 {
		t.Fatalf("新增链未生效: %d %v", id, ok)
	}
	if id, ok := lex.ChainID("ethereum"); !ok || id != 1 {
		t.Fatalf("内置链被破坏: %d %v", id, ok)
	}
	if addr, ok := lex.TokenAddress("ARB"); !ok || addr == "" {
		t.Fatalf("新增代币未生效: %q %v", addr, ok)
	}
}
