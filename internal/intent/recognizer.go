package intent

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// rule 描述一条意图匹配规则：若任一模式命中，则按照捕获组的位置提取实体。
type rule struct {
	action   Action
	patterns []*regexp.Regexp
	// entities 按捕获组顺序给出实体名称。
	entities []string
	required []string
	optional []string
	weight   float64
}

// Recognizer 按序匹配规则表，从自然语言指令中提取结构化意图。
type Recognizer struct {
	rules     []rule
	lexicon   *Lexicon
	protocols []string
	slippage  *regexp.Regexp
	deadline  *regexp.Regexp
}

// Option 定义可选的 Recognizer 配置。
type Option func(*Recognizer)

// WithLexicon 指定链与代币的查表来源。
func WithLexicon(lexicon *Lexicon) Option {
	return func(r *Recognizer) {
		if lexicon != nil {
			r.lexicon = lexicon
		}
	}
}

// fallbackConfidence 是无规则命中时回退 QUERY 意图的置信度。
const fallbackConfidence = 0.3

// NewRecognizer 创建带内置规则表的识别器。
func NewRecognizer(opts ...Option) *Recognizer {
	r := &Recognizer{
		lexicon: NewLexicon(),
		protocols: []string{
			"uniswap", "sushiswap", "curve", "pancakeswap",
			"aave", "lido", "stargate", "hop", "compound",
		},
		slippage: regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%\s*(?:max\s+)?slippage|slippage\s*(?:of\s*)?(\d+(?:\.\d+)?)\s*%`),
		deadline: regexp.MustCompile(`within\s+(\d+)\s*(?:min|mins|minutes)`),
		rules: []rule{
			{
				action: ActionSwap,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`swap\s+([\d.]+)\s+(\w+)\s+(?:to|for|into)\s+(\w+)`),
					regexp.MustCompile(`(?:exchange|convert)\s+([\d.]+)\s+(\w+)\s+(?:to|for|into)\s+(\w+)`),
				},
				entities: []string{"amount", "fromToken", "toToken"},
				required: []string{"amount", "fromToken", "toToken"},
				weight:   0.9,
			},
			{
				action: ActionBridge,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`bridge\s+([\d.]+)\s+(\w+)\s+from\s+(\w+)\s+to\s+(\w+)`),
				},
				entities: []string{"amount", "token", "fromChain", "toChain"},
				required: []string{"amount", "token", "toChain"},
				optional: []string{"fromChain"},
				weight:   0.85,
			},
			{
				action: ActionBridge,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`bridge\s+([\d.]+)\s+(\w+)\s+to\s+(\w+)`),
				},
				entities: []string{"amount", "token", "toChain"},
				required: []string{"amount", "token", "toChain"},
				weight:   0.85,
			},
			{
				action: ActionStake,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`stake\s+([\d.]+)\s+(\w+)\s+(?:on|in|with)\s+(\w+)`),
				},
				entities: []string{"amount", "token", "protocol"},
				required: []string{"amount", "token"},
				optional: []string{"protocol"},
				weight:   0.85,
			},
			{
				action: ActionStake,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`stake\s+([\d.]+)\s+(\w+)`),
				},
				entities: []string{"amount", "token"},
				required: []string{"amount", "token"},
				weight:   0.85,
			},
			{
				action: ActionSend,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`(?:send|transfer)\s+([\d.]+)\s+(\w+)\s+to\s+(0x[0-9a-fA-F]{40}|\w+\.eth)`),
				},
				entities: []string{"amount", "token", "recipient"},
				required: []string{"amount", "token", "recipient"},
				weight:   0.9,
			},
			{
				action: ActionApprove,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`approve\s+([\d.]+)\s+(\w+)(?:\s+(?:for|on)\s+(\w+))?`),
					regexp.MustCompile(`approve\s+()(\w+)(?:\s+(?:for|on)\s+(\w+))?`),
				},
				entities: []string{"amount", "token", "spender"},
				required: []string{"token"},
				optional: []string{"amount", "spender"},
				weight:   0.85,
			},
			{
				action: ActionAddLiquidity,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`add\s+liquidity\s+(?:to|for)?\s*(\w+)[/\-](\w+)`),
				},
				entities: []string{"tokenA", "tokenB"},
				required: []string{"tokenA", "tokenB"},
				weight:   0.8,
			},
			{
				action: ActionRemoveLiquidity,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`(?:remove|withdraw)\s+liquidity(?:\s+from\s+(\w+)[/\-](\w+))?`),
				},
				entities: []string{"tokenA", "tokenB"},
				required: nil,
				optional: []string{"tokenA", "tokenB"},
				weight:   0.8,
			},
			{
				action: ActionSwitchNetwork,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`(?:switch|change)\s+(?:network\s+)?to\s+(\w+)(?:\s+network)?`),
				},
				entities: []string{"chain"},
				required: []string{"chain"},
				weight:   0.9,
			},
			{
				action: ActionConnect,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`connect\s+(?:my\s+)?wallet`),
				},
				weight: 0.95,
			},
			{
				action: ActionQuery,
				patterns: []*regexp.Regexp{
					regexp.MustCompile(`(?:what|show|check|get|query).{0,40}?(balance|price|gas)`),
				},
				entities: []string{"subject"},
				required: nil,
				optional: []string{"subject"},
				weight:   0.7,
			},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Extract 从指令中提取意图。该方法永不失败：
// 没有任何规则命中时返回置信度为 0.3 的通用 QUERY 意图。
func (r *Recognizer) Extract(instruction string, context map[string]string) Intent {
	// 匹配与切片必须基于同一份文本，否则首尾空白会让捕获组位置整体偏移。
	trimmed := strings.TrimSpace(instruction)
	normalized := strings.ToLower(trimmed)

	best := Intent{
		Action:         ActionQuery,
		Confidence:     fallbackConfidence,
		RawInstruction: instruction,
	}
	matched := false

	for _, rule := range r.rules {
		entities, ok := r.matchRule(rule, trimmed, normalized)
		if !ok {
			continue
		}
		confidence := scoreRule(rule, entities)
		if !matched || confidence > best.Confidence {
			best = Intent{
				Action:         rule.action,
				Entities:       entities,
				Confidence:     confidence,
				RawInstruction: instruction,
			}
			matched = true
		}
	}

	r.normalizeTokens(&best)
	r.mergeSideChannel(&best, normalized)
	r.mergeContext(&best, context)

	if best.Confidence > 1.0 {
		best.Confidence = 1.0
	}
	return best
}

// matchRule 依次尝试规则的所有模式，返回按捕获组提取的实体。
// 为保留用户输入的大小写，在小写文本上定位、在原文上切片。
func (r *Recognizer) matchRule(rule rule, original, normalized string) (map[string]string, bool) {
	for _, pattern := range rule.patterns {
		loc := pattern.FindStringSubmatchIndex(normalized)
		if loc == nil {
			continue
		}
		entities := make(map[string]string, len(rule.entities))
		for i, name := range rule.entities {
			start, end := loc[2*(i+1)], loc[2*(i+1)+1]
			if start < 0 || start >= end {
				continue
			}
			entities[name] = strings.TrimSpace(original[start:end])
		}
		return entities, true
	}
	return nil, false
}

// scoreRule 计算规则命中的置信度：
// weight * (必填实体缺失时 0.5，否则 1.0) + 0.1 * 命中的可选实体数。
func scoreRule(rule rule, entities map[string]string) float64 {
	factor := 1.0
	for _, name := range rule.required {
		if entities[name] == "" {
			factor = 0.5
			break
		}
	}
	optional := 0
	for _, name := range rule.optional {
		if entities[name] != "" {
			optional++
		}
	}
	confidence := rule.weight*factor + 0.1*float64(optional)
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// normalizeTokens 将实体中的代币符号解析为规范地址。
func (r *Recognizer) normalizeTokens(in *Intent) {
	if in.Entities == nil {
		return
	}
	for _, key := range []string{"token", "fromToken", "toToken", "tokenA", "tokenB"} {
		symbol := in.Entities[key]
		if symbol == "" {
			continue
		}
		if address, ok := r.lexicon.TokenAddress(symbol); ok {
			in.Entities[key+"Address"] = address
		}
	}
	for _, key := range []string{"chain", "fromChain", "toChain"} {
		name := in.Entities[key]
		if name == "" {
			continue
		}
		if id, ok := r.lexicon.ChainID(name); ok {
			in.Entities[key+"Id"] = strconv.FormatInt(id, 10)
		}
	}
}

// mergeSideChannel 独立于主规则匹配，提取链名、协议名与数值约束。
// 链按照在指令中出现的先后顺序排列，保证跨链方向稳定。
func (r *Recognizer) mergeSideChannel(in *Intent, normalized string) {
	type hit struct {
		id  int64
		pos int
	}
	var hits []hit
	for _, name := range r.lexicon.ChainNames() {
		pos := wordIndex(normalized, name)
		if pos < 0 {
			continue
		}
		id, _ := r.lexicon.ChainID(name)
		hits = append(hits, hit{id: id, pos: pos})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	for _, h := range hits {
		if !containsChain(in.Chains, h.id) {
			in.Chains = append(in.Chains, h.id)
		}
	}

	for _, protocol := range r.protocols {
		if containsWord(normalized, protocol) {
			in.setConstraint("protocol", protocol)
			break
		}
	}

	if m := r.slippage.FindStringSubmatch(normalized); m != nil {
		value := m[1]
		if value == "" {
			value = m[2]
		}
		in.setConstraint("slippage", value)
	}
	if m := r.deadline.FindStringSubmatch(normalized); m != nil {
		in.setConstraint("deadline_minutes", m[1])
	}
}

// mergeContext 将会话上下文中的默认地址与链补充到意图里。
func (r *Recognizer) mergeContext(in *Intent, context map[string]string) {
	if len(context) == 0 {
		return
	}
	if address := strings.TrimSpace(context["address"]); address != "" {
		if in.Entities == nil {
			in.Entities = make(map[string]string, 1)
		}
		if in.Entities["walletAddress"] == "" {
			in.Entities["walletAddress"] = address
		}
	}
	if chain := strings.TrimSpace(context["chain"]); chain != "" && len(in.Chains) == 0 {
		if id, ok := r.lexicon.ChainID(chain); ok {
			in.Chains = append(in.Chains, id)
		}
	}
}

func (i *Intent) setConstraint(key, value string) {
	if i.Constraints == nil {
		i.Constraints = make(map[string]string, 2)
	}
	if _, ok := i.Constraints[key]; !ok {
		i.Constraints[key] = value
	}
}

func containsWord(text, word string) bool {
	return wordIndex(text, word) >= 0
}

// wordIndex 返回 word 作为完整单词在 text 中首次出现的位置，未出现返回 -1。
func wordIndex(text, word string) int {
	idx := 0
	for {
		pos := strings.Index(text[idx:], word)
		if pos < 0 {
			return -1
		}
		pos += idx
		before := pos == 0 || !isWordChar(text[pos-1])
		afterIdx := pos + len(word)
		after := afterIdx >= len(text) || !isWordChar(text[afterIdx])
		if before && after {
			return pos
		}
		idx = pos + len(word)
	}
}

func isWordChar(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func containsChain(chains []int64, id int64) bool {
	for _, existing := range chains {
		if existing == id {
			return true
		}
	}
	return false
}
