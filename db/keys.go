package db

import (
	"fmt"
	"strconv"
)

const (
	PrefixBlock         = "block_"
	PrefixTx            = "tx_"
	KeyLatestBlockIndex = "latest_block_index"
	KeyLatestTxIndex    = "latest_tx_index"
)

// KeyBlock block_00000001：补零保证字典序与数值序一致
func KeyBlock(index uint64) string {
	return fmt.Sprintf("%s%08d", PrefixBlock, index)
}

func KeyTx(index uint64) string {
	return fmt.Sprintf("%s%08d", PrefixTx, index)
}

// ParseIndexKey 从 block_/tx_ 键中取出序号
func ParseIndexKey(prefix, key string) (uint64, error) {
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return 0, fmt.Errorf("key %q does not have prefix %q", key, prefix)
	}
	return strconv.ParseUint(key[len(prefix):], 10, 64)
}
