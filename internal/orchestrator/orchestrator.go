package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ChainPilot/internal/engine"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/history"
	"ChainPilot/internal/intent"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/plan"
	"ChainPilot/internal/stream"
	"ChainPilot/internal/validate"
	"ChainPilot/pkg/logger"
)

// Request 描述一次待处理的自然语言指令。
type Request struct {
	ID          string
	SessionID   string
	Instruction string
	// Context 携带前端已知的环境信息，例如钱包地址与当前链。
	Context  map[string]string
	Metadata map[string]any
}

// Outcome 是一次指令处理的完整结果。
type Outcome struct {
	Reply            string   `json:"reply"`
	Thought          string   `json:"thought,omitempty"`
	IntentAction     string   `json:"intent_action"`
	IntentConfidence float64  `json:"intent_confidence"`
	PlanID           string   `json:"plan_id,omitempty"`
	StepsTotal       int      `json:"steps_total"`
	StepsCompleted   int      `json:"steps_completed"`
	StepsFailed      int      `json:"steps_failed"`
	StepsSkipped     int      `json:"steps_skipped"`
	Valid            bool     `json:"valid"`
	ValidationScore  float64  `json:"validation_score"`
	Observations     []string `json:"observations,omitempty"`
}

// Orchestrator 串联指令处理的各个阶段。
// 历史与大模型都是可选协作方，缺失时对应阶段降级而不是失败。
type Orchestrator struct {
	recognizer *intent.Recognizer
	planner    *plan.Planner
	engine     *engine.Engine
	validator  *validate.Validator
	composer   llm.Client
	history    history.Store
	streamCfg  stream.Config
	logger     *slog.Logger
	maxRuns    int
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithComposer 指定生成回复的大模型客户端。
func WithComposer(client llm.Client) Option {
	return func(o *Orchestrator) { o.composer = client }
}

// WithHistory 指定会话历史存储。
func WithHistory(store history.Store) Option {
	return func(o *Orchestrator) { o.history = store }
}

// WithStreamConfig 指定流式下发策略。
func WithStreamConfig(cfg stream.Config) Option {
	return func(o *Orchestrator) { o.streamCfg = cfg }
}

// WithLogger 指定日志器。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New 构造 Orchestrator。
func New(recognizer *intent.Recognizer, planner *plan.Planner, eng *engine.Engine, validator *validate.Validator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		recognizer: recognizer,
		planner:    planner,
		engine:     eng,
		validator:  validator,
		streamCfg:  stream.DefaultConfig(),
		maxRuns:    4,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.L()
	}
	return o
}

// Run 完整处理一条指令：意图识别、规划、执行、验证、回复合成。
// 验证建议重试时会重新规划并执行，次数受验证器的重试上限约束。
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "指令不能为空")
	}

	o.recordMessage(ctx, req.SessionID, history.RoleUser, instruction)

	in := o.recognizer.Extract(instruction, req.Context)
	o.logger.Info("意图识别完成",
		slog.String("action", string(in.Action)),
		slog.Float64("confidence", in.Confidence))

	outcome := &Outcome{
		IntentAction:     string(in.Action),
		IntentConfidence: in.Confidence,
	}

	var verdict validate.Verdict
	var executionPlan *plan.ExecutionPlan
	for run := 0; run < o.maxRuns; run++ {
		p, err := o.planner.CreatePlan(ctx, in)
		if err != nil {
			// 循环依赖与工具注册错误立即上抛；其余规划失败退回保守查询计划。
			code := xerrors.CodeOf(err)
			if code == xerrors.CodeCircularDependency || code == xerrors.CodeSchemaInvalid {
				return nil, err
			}
			o.logger.Warn("规划失败，退回保守查询计划",
				slog.String("action", string(in.Action)),
				slog.Any("error", err))
			in = fallbackIntent(in)
			outcome.IntentAction = string(in.Action)
			outcome.IntentConfidence = in.Confidence
			if p, err = o.planner.CreatePlan(ctx, in); err != nil {
				return nil, err
			}
		}
		executionPlan = p
		outcome.PlanID = p.ID
		outcome.StepsTotal = len(p.Steps)

		summary, err := o.engine.Execute(ctx, p)
		outcome.StepsCompleted = summary.Completed
		outcome.StepsFailed = summary.Failed
		outcome.StepsSkipped = summary.Skipped
		o.recordSteps(ctx, req.SessionID, p)
		if err != nil {
			return outcome, err
		}

		verdict = o.validator.Validate(ctx, instruction, nil, validate.Context{
			StepsCompleted: summary.Completed,
			StepsTotal:     len(p.Steps),
		})
		outcome.Valid = verdict.IsValid
		outcome.ValidationScore = verdict.Confidence

		if verdict.IsValid || !verdict.ShouldRetry {
			break
		}
		o.logger.Warn("验证未通过，准备重试",
			slog.String("plan_id", p.ID),
			slog.Int("retry_attempt", verdict.RetryAttempt),
			slog.Duration("delay", verdict.NextRetryDelay))
		timer := time.NewTimer(verdict.NextRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return outcome, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "指令处理被取消")
		case <-timer.C:
		}
	}

	outcome.Observations = collectObservations(executionPlan)
	o.compose(ctx, req, in, executionPlan, outcome)
	o.recordMessage(ctx, req.SessionID, history.RoleAssistant, outcome.Reply)

	return outcome, nil
}

// RunStreaming 处理指令并把回复增量下发到 sink。
// 处理失败时 sink 仍会收到一次终态通知。
func (o *Orchestrator) RunStreaming(ctx context.Context, req Request, sink stream.Sink) (*Outcome, error) {
	var outcome *Outcome
	handler := stream.NewHandler(o.streamCfg, o.logger)
	handler.Run(ctx, func(genCtx context.Context) (stream.Generated, error) {
		result, err := o.Run(genCtx, req)
		if err != nil {
			return stream.Generated{}, err
		}
		outcome = result
		return stream.Generated{Content: result.Reply}, nil
	}, sink)

	if outcome == nil {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "指令处理未产生结果")
	}
	return outcome, nil
}

// compose 生成面向用户的回复。
// 大模型缺失或输出解析失败时退回确定性摘要，不中断主流程。
func (o *Orchestrator) compose(ctx context.Context, req Request, in intent.Intent, p *plan.ExecutionPlan, outcome *Outcome) {
	fallback := summarize(in, outcome)
	if o.composer == nil {
		outcome.Reply = fallback
		return
	}

	llmReq := llm.Request{
		Instruction:  req.Instruction,
		IntentAction: string(in.Action),
		PlanSummary:  planSummary(p),
		Observations: outcome.Observations,
	}
	if o.history != nil && req.SessionID != "" {
		if session, err := o.history.GetSession(ctx, req.SessionID); err == nil {
			llmReq.History = sessionHistory(session)
		}
	}

	resp, err := o.composer.Generate(ctx, llmReq)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeParseFailure {
			o.logger.Warn("模型输出解析失败，使用降级回复", slog.Any("error", err))
		} else {
			o.logger.Error("生成回复失败，使用降级回复", slog.Any("error", err))
		}
		outcome.Reply = fallback
		return
	}
	outcome.Reply = resp.Reply
	outcome.Thought = resp.Thought
}

// recordMessage 尽力写入会话消息，失败只记日志。
func (o *Orchestrator) recordMessage(ctx context.Context, sessionID string, role history.Role, content string) {
	if o.history == nil || sessionID == "" || content == "" {
		return
	}
	err := o.history.AddMessage(ctx, history.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	})
	if err != nil {
		o.logger.Warn("写入会话消息失败", slog.Any("error", err), slog.String("session_id", sessionID))
	}
}

// recordSteps 尽力留痕每个步骤的执行结果。
func (o *Orchestrator) recordSteps(ctx context.Context, sessionID string, p *plan.ExecutionPlan) {
	if o.history == nil || sessionID == "" || p == nil {
		return
	}
	for _, step := range p.Steps {
		record := history.StepRecord{
			SessionID: sessionID,
			PlanID:    p.ID,
			StepID:    step.ID,
			StepType:  string(step.Type),
			Status:    string(step.Status),
		}
		if step.Result != nil {
			record.Attempts = step.Result.Attempts
			record.Error = step.Result.Error
			record.Duration = step.Result.Duration
		}
		if err := o.history.AddStep(ctx, record); err != nil {
			o.logger.Warn("写入步骤记录失败", slog.Any("error", err), slog.String("step_id", step.ID))
			return
		}
	}
}

// fallbackIntent 把无法规划的意图降级为只读查询，置信度封顶在保守区间。
func fallbackIntent(in intent.Intent) intent.Intent {
	in.Action = intent.ActionQuery
	if in.Confidence > 0.3 {
		in.Confidence = 0.3
	}
	return in
}

func collectObservations(p *plan.ExecutionPlan) []string {
	if p == nil {
		return nil
	}
	var observations []string
	for _, step := range p.Steps {
		if step.Result == nil {
			continue
		}
		switch {
		case step.Result.Success:
			observations = append(observations, fmt.Sprintf("%s 完成，耗时 %s", step.ID, step.Result.Duration.Round(time.Millisecond)))
		case step.Result.Error != "":
			observations = append(observations, fmt.Sprintf("%s 失败: %s", step.ID, step.Result.Error))
		case step.Result.Reason != "":
			observations = append(observations, fmt.Sprintf("%s 跳过: %s", step.ID, step.Result.Reason))
		}
	}
	return observations
}

func planSummary(p *plan.ExecutionPlan) string {
	if p == nil {
		return ""
	}
	parts := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		parts = append(parts, fmt.Sprintf("%s(%s)", step.ID, step.Status))
	}
	return strings.Join(parts, " -> ")
}

func summarize(in intent.Intent, outcome *Outcome) string {
	if outcome.StepsTotal == 0 {
		return fmt.Sprintf("已识别意图 %s，但没有可执行的步骤。", in.Action)
	}
	if outcome.Valid {
		return fmt.Sprintf("指令执行完成：%d/%d 个步骤成功。", outcome.StepsCompleted, outcome.StepsTotal)
	}
	return fmt.Sprintf("指令执行结束：%d/%d 个步骤成功，%d 个失败，%d 个跳过。",
		outcome.StepsCompleted, outcome.StepsTotal, outcome.StepsFailed, outcome.StepsSkipped)
}

func sessionHistory(session *history.Session) []llm.HistoryEntry {
	if session == nil || len(session.Messages) == 0 {
		return nil
	}
	var entries []llm.HistoryEntry
	var pending *llm.HistoryEntry
	for _, msg := range session.Messages {
		switch msg.Role {
		case history.RoleUser:
			if pending != nil {
				entries = append(entries, *pending)
			}
			pending = &llm.HistoryEntry{Instruction: msg.Content, CreatedAt: msg.CreatedAt}
		case history.RoleAssistant:
			if pending != nil {
				pending.Reply = msg.Content
				entries = append(entries, *pending)
				pending = nil
			}
		}
	}
	if pending != nil {
		entries = append(entries, *pending)
	}
	if len(entries) > 5 {
		entries = entries[len(entries)-5:]
	}
	return entries
}
