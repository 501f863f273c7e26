package types

// ============================================
// 事件系统
// ============================================

type EventType string

const (
	EventBlockProposed  EventType = "block.proposed"
	EventBlockFinalized EventType = "block.finalized"
	EventPuzzleIssued   EventType = "puzzle.issued"
	EventVoteRecorded   EventType = "vote.recorded"
	EventWindowOpened   EventType = "txwindow.opened"
	EventWindowClosed   EventType = "txwindow.closed"
	EventRoundExpired   EventType = "round.expired"
)

type BaseEvent struct {
	EventType EventType
	EventData interface{}
}

func (e BaseEvent) Type() EventType   { return e.EventType }
func (e BaseEvent) Data() interface{} { return e.EventData }

// VoteRecordedData EventVoteRecorded 携带的数据
type VoteRecordedData struct {
	Round  uint64
	Vote   Vote
	Tally  int
	Ignore bool
}

// WindowData 交易窗口开/关事件数据
type WindowData struct {
	Round uint64
	// 关闭时为窗口内收到的交易数
	Transactions int
}
