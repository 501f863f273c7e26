package types

// Vote 节点对当前提案的验证结果（ValidationResult）
type Vote struct {
	NodeID  string `json:"node_id"`
	IsValid bool   `json:"is_valid"`
	// 可选：回显提案ID，不匹配的投票会被忽略
	ProposalID string `json:"proposal_id,omitempty"`
}

func (v Vote) Validate() error {
	if v.NodeID == "" {
		return ErrMissingNodeID
	}
	return nil
}
