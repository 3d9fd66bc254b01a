package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 ChainPilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	LLM       LLMConfig       `json:"llm"`
	Web3      Web3Config      `json:"web3"`
	Tools     ToolsConfig     `json:"tools"`
	Engine    EngineConfig    `json:"engine"`
	Validator ValidatorConfig `json:"validator"`
	Streaming StreamingConfig `json:"streaming"`
	Alerting  AlertingConfig  `json:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// StorageConfig 统一描述任务与会话历史的持久化后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store"`
	History   HistoryConfig   `json:"history"`
}

// TaskStoreConfig 选择任务存储实现，driver 支持 memory 与 mysql。
type TaskStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// HistoryConfig 选择会话历史存储实现，driver 支持 memory 与 mysql。
type HistoryConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// TaskQueueConfig 选择指令队列实现，driver 支持 memory、redis 与 rabbitmq。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// LLMConfig 用于配置回复合成所用的大模型。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述调用 OpenAI 接口所需的信息。
type OpenAIConfig struct {
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	TimeoutMS int    `json:"timeout_ms"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	ChainsFile   string `json:"chains_file"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
	LexiconFile  string `json:"lexicon_file"`
}

// ToolsConfig 控制工具注册表的执行策略。
type ToolsConfig struct {
	ManifestFile   string `json:"manifest_file"`
	PacksFile      string `json:"packs_file"`
	MaxRetries     int    `json:"max_retries"`
	MaxConcurrency int    `json:"max_concurrency"`
	Parallel       *bool  `json:"parallel"`
	TimeoutMS      int    `json:"timeout_ms"`
}

// EngineConfig 控制执行引擎的确认与重试行为。
type EngineConfig struct {
	AutoConfirmLowRisk          *bool `json:"auto_confirm_low_risk"`
	RequireConfirmationHighRisk *bool `json:"require_confirmation_high_risk"`
	MaxStepRetries              int   `json:"max_step_retries"`
}

// ValidatorConfig 控制验证器的判定阈值。
type ValidatorConfig struct {
	PassThreshold      float64 `json:"pass_threshold"`
	MaxRetries         int     `json:"max_retries"`
	MinRetryConfidence float64 `json:"min_retry_confidence"`
}

// StreamingConfig 控制回复的流式下发。
type StreamingConfig struct {
	Enabled           *bool `json:"enabled"`
	ChunkSize         int   `json:"chunk_size"`
	DelayMS           int   `json:"delay_ms"`
	MaxRetries        int   `json:"max_retries"`
	WatchdogTimeoutMS int   `json:"watchdog_timeout_ms"`
}

// AlertingConfig 配置告警通知渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir    string `json:"data_dir"`
	Workers    int    `json:"workers"`
	MaxRetries int    `json:"max_retries"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}

	if c.Web3.DefaultChain == "" {
		c.Web3.DefaultChain = "ethereum"
	}
	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}
	if c.Web3.LexiconFile != "" && !filepath.IsAbs(c.Web3.LexiconFile) {
		c.Web3.LexiconFile = filepath.Join(baseDir, c.Web3.LexiconFile)
	}

	if c.Tools.ManifestFile != "" && !filepath.IsAbs(c.Tools.ManifestFile) {
		c.Tools.ManifestFile = filepath.Join(baseDir, c.Tools.ManifestFile)
	}
	if c.Tools.PacksFile != "" && !filepath.IsAbs(c.Tools.PacksFile) {
		c.Tools.PacksFile = filepath.Join(baseDir, c.Tools.PacksFile)
	}
	if c.Tools.MaxRetries <= 0 {
		c.Tools.MaxRetries = 3
	}
	if c.Tools.MaxConcurrency <= 0 {
		c.Tools.MaxConcurrency = 4
	}

	if c.Engine.MaxStepRetries <= 0 {
		c.Engine.MaxStepRetries = 2
	}

	if c.Validator.PassThreshold <= 0 {
		c.Validator.PassThreshold = 0.6
	}
	if c.Validator.MaxRetries <= 0 {
		c.Validator.MaxRetries = 3
	}
	if c.Validator.MinRetryConfidence <= 0 {
		c.Validator.MinRetryConfidence = 0.2
	}

	if c.Streaming.ChunkSize <= 0 {
		c.Streaming.ChunkSize = 20
	}
	if c.Streaming.WatchdogTimeoutMS <= 0 {
		c.Streaming.WatchdogTimeoutMS = 30_000
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.Workers <= 0 {
		c.Runtime.Workers = 4
	}
	if c.Runtime.MaxRetries <= 0 {
		c.Runtime.MaxRetries = 3
	}
}
