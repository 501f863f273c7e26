package db

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// PutJSON 序列化后入写队列
func (manager *Manager) PutJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	manager.EnqueueSet(key, data)
	return nil
}

// GetJSON 读取并反序列化；不存在时返回 ErrNotFound
func (manager *Manager) GetJSON(key string, v interface{}) error {
	data, err := manager.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// PutUint 以十进制字符串存储整数（latest_*_index）
func (manager *Manager) PutUint(key string, n uint64) {
	manager.EnqueueSet(key, []byte(strconv.FormatUint(n, 10)))
}

func (manager *Manager) GetUint(key string) (uint64, error) {
	s, err := manager.Read(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, s, err)
	}
	return n, nil
}
