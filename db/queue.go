package db

type WriteTask struct {
	Key   []byte
	Value []byte
	Op    WriteOp // OpSet 或 OpDelete
}

type WriteOp int

const (
	OpSet WriteOp = iota
	OpDelete
)
