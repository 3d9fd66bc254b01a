package tool

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ChainPilot/internal/plan"
)

// Manifest 描述运营侧对内置工具的覆盖配置，来源于 YAML 文件。
type Manifest struct {
	Tools map[string]ManifestEntry `yaml:"tools"`
}

// ManifestEntry 是单个工具的覆盖项，零值字段表示沿用代码内默认。
type ManifestEntry struct {
	TimeoutMS int    `yaml:"timeout_ms"`
	Retryable *bool  `yaml:"retryable"`
	Risk      string `yaml:"risk"`
	Disabled  bool   `yaml:"disabled"`
}

// LoadManifest 从 YAML 文件读取覆盖配置。文件不存在不是错误。
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("读取工具清单失败: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("解析工具清单失败: %w", err)
	}
	return &m, nil
}

// Apply 把覆盖项套用到工具定义上，返回是否应当注册该工具。
func (m *Manifest) Apply(def *Definition) bool {
	if m == nil || m.Tools == nil {
		return true
	}
	entry, ok := m.Tools[def.Name]
	if !ok {
		return true
	}
	if entry.Disabled {
		return false
	}
	if entry.TimeoutMS > 0 {
		def.Timeout = time.Duration(entry.TimeoutMS) * time.Millisecond
	}
	if entry.Retryable != nil {
		def.Retryable = *entry.Retryable
	}
	if entry.Risk != "" {
		if risk, ok := ParseRisk(entry.Risk); ok {
			def.Risk = risk
		}
	}
	return true
}

// ParseRisk 把配置中的风险字符串映射为风险等级。
func ParseRisk(s string) (plan.RiskLevel, bool) {
	switch s {
	case "low":
		return plan.RiskLow, true
	case "medium":
		return plan.RiskMedium, true
	case "high":
		return plan.RiskHigh, true
	}
	return plan.RiskLow, false
}
