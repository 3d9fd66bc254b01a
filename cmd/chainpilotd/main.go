package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ChainPilot/internal/api"
	"ChainPilot/internal/config"
	"ChainPilot/internal/engine"
	"ChainPilot/internal/history"
	"ChainPilot/internal/intent"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/llm/openai"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/orchestrator"
	"ChainPilot/internal/page"
	"ChainPilot/internal/plan"
	"ChainPilot/internal/stream"
	"ChainPilot/internal/task"
	"ChainPilot/internal/tool"
	"ChainPilot/internal/validate"
	"ChainPilot/internal/web3/provider"
	"ChainPilot/pkg/logger"
	"ChainPilot/pkg/toolkit"
)

// main 是 ChainPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chainpilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CHAINPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "chainpilot.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 链客户端注册表是规划器与内置工具的共同依赖。
	chainRegistry, err := provider.NewRegistry(ctx, provider.Config{
		ChainConfig:  cfg.Web3.ChainsFile,
		DefaultChain: cfg.Web3.DefaultChain,
		RPCURL:       cfg.Web3.RPCURL,
	})
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	defaultClient, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	lexicon, err := loadLexicon(cfg.Web3.LexiconFile)
	if err != nil {
		return err
	}
	recognizer := intent.NewRecognizer(intent.WithLexicon(lexicon))
	planner := plan.NewPlanner(
		plan.WithQuoter(defaultClient),
		plan.WithPlannerLogger(logger.Named("planner")),
	)

	driver := page.NewMemoryDriver()

	registry, packs, err := buildToolRegistry(ctx, cfg, chainRegistry, driver)
	if err != nil {
		return err
	}
	if packs != nil {
		defer func() {
			if err := packs.StopAll(context.Background()); err != nil {
				logger.L().Warn("停止能力包失败", slog.String("error", err.Error()))
			}
		}()
	}

	eng := engine.New(registry,
		engine.WithPolicy(enginePolicy(cfg)),
		engine.WithConfirmer(auditConfirmer()),
		engine.WithEngineLogger(logger.Named("engine")),
	)

	validator := validate.New(
		validate.WithObserver(driver),
		validate.WithConfig(validate.Config{
			PassThreshold:      cfg.Validator.PassThreshold,
			MaxRetries:         cfg.Validator.MaxRetries,
			MinRetryConfidence: cfg.Validator.MinRetryConfidence,
			HistoryLimit:       validate.DefaultConfig().HistoryLimit,
		}),
		validate.WithValidatorLogger(logger.Named("validator")),
	)

	historyStore, err := buildHistoryStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = historyStore.Close() }()

	composer, err := buildComposer(cfg)
	if err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithHistory(historyStore),
		orchestrator.WithStreamConfig(streamConfig(cfg)),
		orchestrator.WithLogger(logger.Named("orchestrator")),
	}
	if composer != nil {
		orchOpts = append(orchOpts, orchestrator.WithComposer(composer))
	}
	orch := orchestrator.New(recognizer, planner, eng, validator, orchOpts...)

	taskStore, err := buildTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = taskStore.Close() }()

	taskQueue, err := buildTaskQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Warn("关闭指令队列失败", slog.String("error", err.Error()))
		}
	}()

	service := task.NewService(taskStore, taskQueue, cfg.Runtime.MaxRetries)

	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.Runtime.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
	}
	if cfg.Alerting.WebhookURL != "" {
		dispatcher := alerting.NewFanout(&alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
		processorOpts = append(processorOpts, task.WithAlertDispatcher(dispatcher))
	}
	processor := task.NewProcessor(orch, taskStore, taskQueue, taskQueue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("指令处理器异常退出", slog.String("error", err.Error()))
		}
	}()

	// 周期性回收因进程异常退出而滞留在运行态的任务。
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-processorCtx.Done():
				return
			case <-ticker.C:
				if n, err := service.RequeueStale(processorCtx, 5*time.Minute); err != nil {
					logger.L().Warn("滞留任务扫描失败", slog.String("error", err.Error()))
				} else if n > 0 {
					logger.L().Info("滞留任务已回收", slog.Int("requeued", n))
				}
			}
		}
	}()

	server := api.NewServer(cfg.Server.Address, service, registry)
	logger.L().Info("chainpilotd 启动", slog.String("address", cfg.Server.Address))
	return server.Start(ctx)
}

func loadLexicon(path string) (*intent.Lexicon, error) {
	if strings.TrimSpace(path) == "" {
		return intent.NewLexicon(), nil
	}
	return intent.LoadLexicon(path)
}

// buildToolRegistry 注册内置工具，并在配置了能力包时加载外部工具。
func buildToolRegistry(ctx context.Context, cfg *config.Config, chains *provider.Registry, driver page.Driver) (*tool.Registry, *toolkit.Manager, error) {
	manifest, err := tool.LoadManifest(cfg.Tools.ManifestFile)
	if err != nil {
		return nil, nil, err
	}

	toolCfg := tool.DefaultConfig()
	toolCfg.MaxRetries = cfg.Tools.MaxRetries
	toolCfg.MaxConcurrency = cfg.Tools.MaxConcurrency
	if cfg.Tools.Parallel != nil {
		toolCfg.Parallel = *cfg.Tools.Parallel
	}
	if cfg.Tools.TimeoutMS > 0 {
		toolCfg.DefaultTimeout = time.Duration(cfg.Tools.TimeoutMS) * time.Millisecond
	}

	registry := tool.NewRegistry(toolCfg, logger.Named("tool"))
	if err := tool.RegisterBuiltins(registry, chains, driver, manifest); err != nil {
		return nil, nil, err
	}

	if cfg.Tools.PacksFile == "" {
		return registry, nil, nil
	}

	packCfg, err := toolkit.LoadManagerConfig(cfg.Tools.PacksFile)
	if err != nil {
		return nil, nil, err
	}
	packs, err := toolkit.NewManager(packCfg,
		toolkit.WithResource("chains", chains),
		toolkit.WithResource("page_driver", driver),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := packs.StartAll(ctx); err != nil {
		return nil, nil, err
	}
	for _, spec := range packs.Tools() {
		def, err := definitionFromSpec(spec)
		if err != nil {
			return nil, nil, err
		}
		if manifest != nil && !manifest.Apply(def) {
			continue
		}
		if err := registry.Register(*def); err != nil {
			return nil, nil, err
		}
	}
	return registry, packs, nil
}

func definitionFromSpec(spec toolkit.ToolSpec) (*tool.Definition, error) {
	risk, ok := tool.ParseRisk(spec.Risk)
	if !ok && spec.Risk != "" {
		return nil, fmt.Errorf("能力包工具 %s 的风险等级非法: %s", spec.Name, spec.Risk)
	}
	params := make([]tool.Parameter, 0, len(spec.Parameters))
	for _, p := range spec.Parameters {
		params = append(params, tool.Parameter{
			Name:        p.Name,
			Type:        p.Type,
			Required:    p.Required,
			Description: p.Description,
		})
	}
	return &tool.Definition{
		Name:        spec.Name,
		Description: spec.Description,
		Parameters:  params,
		Risk:        risk,
		Category:    tool.Category(spec.Category),
		Retryable:   spec.Retryable,
		Handler:     spec.Handler,
	}, nil
}

func enginePolicy(cfg *config.Config) engine.Policy {
	policy := engine.DefaultPolicy()
	if cfg.Engine.AutoConfirmLowRisk != nil {
		policy.AutoConfirmLowRisk = *cfg.Engine.AutoConfirmLowRisk
	}
	if cfg.Engine.RequireConfirmationHighRisk != nil {
		policy.RequireConfirmationHighRisk = *cfg.Engine.RequireConfirmationHighRisk
	}
	policy.MaxStepRetries = cfg.Engine.MaxStepRetries
	return policy
}

// auditConfirmer 在无人值守模式下放行计划，但把每次确认写入审计日志。
func auditConfirmer() engine.Confirmer {
	return engine.ConfirmerFunc(func(ctx context.Context, p *plan.ExecutionPlan) (bool, error) {
		logger.Audit().Info("计划确认",
			slog.String("plan_id", p.ID),
			slog.String("risk", p.AggregateRisk.String()),
			slog.Int("steps", len(p.Steps)),
			slog.Bool("approved", true),
		)
		return true, nil
	})
}

func streamConfig(cfg *config.Config) stream.Config {
	streamCfg := stream.DefaultConfig()
	if cfg.Streaming.Enabled != nil {
		streamCfg.Enabled = *cfg.Streaming.Enabled
	}
	streamCfg.ChunkSize = cfg.Streaming.ChunkSize
	if cfg.Streaming.DelayMS > 0 {
		streamCfg.Delay = time.Duration(cfg.Streaming.DelayMS) * time.Millisecond
	}
	if cfg.Streaming.MaxRetries > 0 {
		streamCfg.MaxRetries = cfg.Streaming.MaxRetries
	}
	if cfg.Streaming.WatchdogTimeoutMS > 0 {
		streamCfg.WatchdogTimeout = time.Duration(cfg.Streaming.WatchdogTimeoutMS) * time.Millisecond
	}
	return streamCfg
}

func buildComposer(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("CHAINPILOT_OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 CHAINPILOT_OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(cfg.LLM.OpenAI.TimeoutMS) * time.Millisecond,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func buildHistoryStore(ctx context.Context, cfg *config.Config) (history.Store, error) {
	switch cfg.Storage.History.Driver {
	case "", "memory":
		return history.NewMemoryStore(0), nil
	case "mysql":
		return history.NewMySQLStore(ctx, history.MySQLConfig{DSN: cfg.Storage.History.DSN})
	default:
		return nil, fmt.Errorf("未知的历史存储驱动: %s", cfg.Storage.History.Driver)
	}
}

func buildTaskStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, cfg.Storage.TaskStore.DSN)
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
}

func buildTaskQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:  cfg.TaskQueue.Redis.Address,
			Password: cfg.TaskQueue.Redis.Password,
			DB:       cfg.TaskQueue.Redis.DB,
			Queue:    cfg.TaskQueue.Redis.Queue,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.TaskQueue.RabbitMQ.URL,
			Queue:    cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch: cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:  cfg.TaskQueue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}
