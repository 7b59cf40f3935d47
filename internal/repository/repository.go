package repository

import (
	"errors"
	"time"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// Seek 键集分页位置：只返回严格早于 (CreatedAt, ID) 的记录
type Seek struct {
	CreatedAt time.Time
	ID        string
}

// PostQuery 帖子候选查询条件
type PostQuery struct {
	Limit  int
	Before *Seek
}
