package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "chainpilot.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("监听地址默认值错误: %s", cfg.Server.Address)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("日志默认值错误: %+v", cfg.Logging)
	}
	if cfg.Storage.TaskStore.Driver != "memory" || cfg.TaskQueue.Driver != "memory" {
		t.Fatalf("存储默认值错误: %+v", cfg.Storage)
	}
	if cfg.LLM.Provider != "none" {
		t.Fatalf("模型默认值错误: %s", cfg.LLM.Provider)
	}
	if cfg.Web3.DefaultChain != "ethereum" {
		t.Fatalf("默认链错误: %s", cfg.Web3.DefaultChain)
	}
	if cfg.Tools.MaxRetries != 3 || cfg.Tools.MaxConcurrency != 4 {
		t.Fatalf("工具默认值错误: %+v", cfg.Tools)
	}
	if cfg.Engine.MaxStepRetries != 2 {
		t.Fatalf("引擎默认值错误: %+v", cfg.Engine)
	}
	if cfg.Validator.PassThreshold != 0.6 || cfg.Validator.MinRetryConfidence != 0.2 {
		t.Fatalf("验证器默认值错误: %+v", cfg.Validator)
	}
	if cfg.Streaming.ChunkSize != 20 || cfg.Streaming.WatchdogTimeoutMS != 30_000 {
		t.Fatalf("流式默认值错误: %+v", cfg.Streaming)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") || cfg.Runtime.Workers != 4 {
		t.Fatalf("运行时默认值错误: %+v", cfg.Runtime)
	}
}

func TestLoadJoinsRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
  "web3": {"chains_file": "chains.yaml", "lexicon_file": "lexicon.json"},
  "tools": {"manifest_file": "tools.yaml", "packs_file": "packs.yaml"},
  "runtime": {"data_dir": "state"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Web3.ChainsFile != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("链配置路径未拼接: %s", cfg.Web3.ChainsFile)
	}
	if cfg.Web3.LexiconFile != filepath.Join(dir, "lexicon.json") {
		t.Fatalf("词表路径未拼接: %s", cfg.Web3.LexiconFile)
	}
	if cfg.Tools.ManifestFile != filepath.Join(dir, "tools.yaml") {
		t.Fatalf("清单路径未拼接: %s", cfg.Tools.ManifestFile)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "state") {
		t.Fatalf("数据目录未拼接: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadKeepsAbsolutePaths(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"web3": {"chains_file": "/etc/chainpilot/chains.yaml"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Web3.ChainsFile != "/etc/chainpilot/chains.yaml" {
		t.Fatalf("绝对路径不应被改写: %s", cfg.Web3.ChainsFile)
	}
}

func TestLoadExplicitValuesWin(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
  "server": {"address": ":9090"},
  "engine": {"auto_confirm_low_risk": false, "max_step_retries": 5},
  "streaming": {"enabled": false, "chunk_size": 40}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("显式地址被覆盖: %s", cfg.Server.Address)
	}
	if cfg.Engine.AutoConfirmLowRisk == nil || *cfg.Engine.AutoConfirmLowRisk {
		t.Fatalf("三态开关解析错误: %+v", cfg.Engine.AutoConfirmLowRisk)
	}
	if cfg.Engine.MaxStepRetries != 5 {
		t.Fatalf("显式重试次数被覆盖: %d", cfg.Engine.MaxStepRetries)
	}
	if cfg.Streaming.Enabled == nil || *cfg.Streaming.Enabled || cfg.Streaming.ChunkSize != 40 {
		t.Fatalf("流式配置解析错误: %+v", cfg.Streaming)
	}
}

func TestLoadInvalidInputs(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("缺失文件应报错")
	}
	path := writeConfig(t, t.TempDir(), `{broken`)
	if _, err := Load(path); err == nil {
		t.Fatal("非法 JSON 应报错")
	}
}
