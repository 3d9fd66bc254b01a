package intent

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Lexicon 提供链名到链 ID、代币符号到规范地址的查表能力。
// 内置常用条目，也可以从 JSON 文件加载补充。
type Lexicon struct {
	chains map[string]int64
	tokens map[string]string
}

// lexiconFile 对应 JSON 词表文件的结构。
type lexiconFile struct {
	Chains map[string]int64  `json:"chains"`
	Tokens map[string]string `json:"tokens"`
}

// NewLexicon 创建带内置默认条目的词表。
func NewLexicon() *Lexicon {
	return &Lexicon{
		chains: map[string]int64{
			"ethereum":  1,
			"mainnet":   1,
			"optimism":  10,
			"bsc":       56,
			"polygon":   137,
			"base":      8453,
			"arbitrum":  42161,
			"avalanche": 43114,
			"sepolia":   11155111,
		},
		tokens: map[string]string{
			"eth":  "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE",
			"weth": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
			"usdc": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			"usdt": "0xdAC17F958D2ee523a2206206994597C13D831ec7",
			"dai":  "0x6B175474E89094C44Da98b954EedeAC495271d0F",
			"wbtc": "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599",
		},
	}
}

// LoadLexicon 从 JSON 文件加载词表条目并叠加在内置默认值之上。
func LoadLexicon(path string) (*Lexicon, error) {
	lex := NewLexicon()
	if strings.TrimSpace(path) == "" {
		return lex, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取词表文件失败: %w", err)
	}
	var file lexiconFile
	if err := json.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析词表文件失败: %w", err)
	}

	for name, id := range file.Chains {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || id <= 0 {
			continue
		}
		lex.chains[name] = id
	}
	for symbol, address := range file.Tokens {
		symbol = strings.ToLower(strings.TrimSpace(symbol))
		if symbol == "" || strings.TrimSpace(address) == "" {
			continue
		}
		lex.tokens[symbol] = strings.TrimSpace(address)
	}
	return lex, nil
}

// ChainID 按名称查找链 ID。
func (l *Lexicon) ChainID(name string) (int64, bool) {
	if l == nil {
		return 0, false
	}
	id, ok := l.chains[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// TokenAddress 按符号查找代币的规范地址。
func (l *Lexicon) TokenAddress(symbol string) (string, bool) {
	if l == nil {
		return "", false
	}
	address, ok := l.tokens[strings.ToLower(strings.TrimSpace(symbol))]
	return address, ok
}

// ChainNames 返回所有已知链名，供旁路提取遍历使用。
func (l *Lexicon) ChainNames() []string {
	if l == nil {
		return nil
	}
	names := make([]string, 0, len(l.chains))
	for name := range l.chains {
		names = append(names, name)
	}
	return names
}
