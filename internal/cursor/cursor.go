// Package cursor 编解码时间线分页游标。
//
// 游标是 {id, created_at} 的不透明编码，调用方只能原样回传，不应自行构造。
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCursor 游标无法解析；调用方应当从第一页开始
var ErrInvalidCursor = errors.New("invalid pagination cursor")

// Position 游标指向的帖子位置
type Position struct {
	ID        string
	CreatedAt time.Time
}

// Before 判断 (createdAt, id) 是否严格排在 p 之后（即更旧）
func (p Position) Before(createdAt time.Time, id string) bool {
	if createdAt.Before(p.CreatedAt) {
		return true
	}
	return createdAt.Equal(p.CreatedAt) && id < p.ID
}

type payload struct {
	ID string `json:"id"`
	TS int64  `json:"ts"`
}

// Encode 生成游标
func Encode(id string, createdAt time.Time) string {
	raw, _ := json.Marshal(payload{ID: id, TS: createdAt.UnixNano()})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode 解析游标，任何格式问题都返回 ErrInvalidCursor
func Decode(s string) (Position, error) {
	if s == "" {
		return Position{}, fmt.Errorf("%w: empty", ErrInvalidCursor)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if p.ID == "" || p.TS <= 0 {
		return Position{}, fmt.Errorf("%w: missing fields", ErrInvalidCursor)
	}
	return Position{ID: p.ID, CreatedAt: time.Unix(0, p.TS).UTC()}, nil
}
