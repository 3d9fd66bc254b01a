package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/plan"
)

// Category 对工具按能力域分组。
type Category string

const (
	CategoryWeb3    Category = "web3"
	CategoryPage    Category = "page"
	CategoryUtility Category = "utility"
)

// Handler 是工具的实际执行函数。
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Parameter 声明工具的一个入参。
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Definition 描述一个可按名称调用的能力。
// 注册后即不可变；Handler 的超时与重试策略由注册表统一执行。
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
	Risk        plan.RiskLevel
	Category    Category
	Timeout     time.Duration
	Retryable   bool
	Handler     Handler
}

// validate 在注册阶段校验工具定义，非法定义直接失败。
func (d *Definition) validate() error {
	if d == nil {
		return xerrors.New(xerrors.CodeSchemaInvalid, "工具定义不能为空")
	}
	if strings.TrimSpace(d.Name) == "" {
		return xerrors.New(xerrors.CodeSchemaInvalid, "工具名称不能为空")
	}
	if d.Handler == nil {
		return xerrors.New(xerrors.CodeSchemaInvalid,
			fmt.Sprintf("工具 %s 缺少处理函数", d.Name))
	}
	seen := make(map[string]struct{}, len(d.Parameters))
	for _, param := range d.Parameters {
		name := strings.TrimSpace(param.Name)
		if name == "" {
			return xerrors.New(xerrors.CodeSchemaInvalid,
				fmt.Sprintf("工具 %s 存在未命名参数", d.Name))
		}
		if _, ok := seen[name]; ok {
			return xerrors.New(xerrors.CodeSchemaInvalid,
				fmt.Sprintf("工具 %s 的参数 %s 重复声明", d.Name, name))
		}
		seen[name] = struct{}{}
	}
	return nil
}

// missingRequired 返回缺失的必填参数名。
func (d *Definition) missingRequired(params map[string]any) []string {
	var missing []string
	for _, param := range d.Parameters {
		if !param.Required {
			continue
		}
		value, ok := params[param.Name]
		if !ok || value == nil {
			missing = append(missing, param.Name)
			continue
		}
		if text, isString := value.(string); isString && strings.TrimSpace(text) == "" {
			missing = append(missing, param.Name)
		}
	}
	return missing
}

// Call 描述批量执行中的一次调用。
type Call struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Result 是一次工具调用的结构化结果，调用失败不抛出异常而是在此体现。
type Result struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     xerrors.Code   `json:"code,omitempty"`
	Duration time.Duration  `json:"duration"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Metrics 聚合单个工具的调用统计。
type Metrics struct {
	Executions      int64         `json:"executions"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	AverageDuration time.Duration `json:"average_duration"`
	LastExecution   time.Time     `json:"last_execution"`
}

// HistoryEntry 记录一次调用尝试，供审计与回放。
type HistoryEntry struct {
	Tool     string        `json:"tool"`
	Attempt  int           `json:"attempt"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}
