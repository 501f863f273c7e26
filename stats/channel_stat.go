package stats

// ChannelStat 内部队列的占用情况，随 /stats 一起返回
type ChannelStat struct {
	Name   string  `json:"name"`
	Module string  `json:"module"`
	Len    int     `json:"len"`
	Cap    int     `json:"cap"`
	Usage  float64 `json:"usage"` // len/cap
}

func NewChannelStat(name, module string, length, capacity int) ChannelStat {
	cs := ChannelStat{Name: name, Module: module, Len: length, Cap: capacity}
	if capacity > 0 {
		cs.Usage = float64(length) / float64(capacity)
	}
	return cs
}
