package types

import (
	"encoding/json"
	"fmt"
)

// MessageType 推送帧类型
type MessageType string

const (
	MsgProblem MessageType = "problem"
	MsgBlock   MessageType = "block"
)

// ServerMessage 推送给订阅者的帧：{"type":"problem","data":...}
type ServerMessage struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewProblemMessage(p Puzzle) (ServerMessage, error) {
	return newServerMessage(MsgProblem, p)
}

func NewBlockMessage(b Block) (ServerMessage, error) {
	return newServerMessage(MsgBlock, b)
}

func newServerMessage(t MessageType, v interface{}) (ServerMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("marshal %s frame: %w", t, err)
	}
	return ServerMessage{Type: t, Data: data}, nil
}

func (m ServerMessage) Puzzle() (Puzzle, error) {
	var p Puzzle
	if m.Type != MsgProblem {
		return p, fmt.Errorf("frame type %q is not %q", m.Type, MsgProblem)
	}
	err := json.Unmarshal(m.Data, &p)
	return p, err
}

func (m ServerMessage) Block() (Block, error) {
	var b Block
	if m.Type != MsgBlock {
		return b, fmt.Errorf("frame type %q is not %q", m.Type, MsgBlock)
	}
	err := json.Unmarshal(m.Data, &b)
	return b, err
}
