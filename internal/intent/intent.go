package intent

// Action 是意图动作的封闭枚举。
type Action string

const (
	ActionSwap            Action = "SWAP"
	ActionBridge          Action = "BRIDGE"
	ActionStake           Action = "STAKE"
	ActionSend            Action = "SEND"
	ActionApprove         Action = "APPROVE"
	ActionQuery           Action = "QUERY"
	ActionConnect         Action = "CONNECT"
	ActionSwitchNetwork   Action = "SWITCH_NETWORK"
	ActionAddLiquidity    Action = "ADD_LIQUIDITY"
	ActionRemoveLiquidity Action = "REMOVE_LIQUIDITY"
)

// IsValidAction 检查动作是否为支持的枚举值。
func IsValidAction(action Action) bool {
	switch action {
	case ActionSwap, ActionBridge, ActionStake, ActionSend, ActionApprove,
		ActionQuery, ActionConnect, ActionSwitchNetwork,
		ActionAddLiquidity, ActionRemoveLiquidity:
		return true
	default:
		return false
	}
}

// Intent 是自然语言指令的结构化解释，一旦产生即不可变。
type Intent struct {
	Action         Action            `json:"action"`
	Entities       map[string]string `json:"entities,omitempty"`
	Chains         []int64           `json:"chains,omitempty"`
	Constraints    map[string]string `json:"constraints,omitempty"`
	Confidence     float64           `json:"confidence"`
	RawInstruction string            `json:"raw_instruction"`
}

// Entity 返回指定实体的取值，缺失时返回空字符串。
func (i Intent) Entity(key string) string {
	if i.Entities == nil {
		return ""
	}
	return i.Entities[key]
}

// Constraint 返回指定约束的取值，缺失时返回空字符串。
func (i Intent) Constraint(key string) string {
	if i.Constraints == nil {
		return ""
	}
	return i.Constraints[key]
}
