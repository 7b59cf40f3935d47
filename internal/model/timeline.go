package model

import "time"

// PostRef 缓存与返回给调用方的帖子引用（不含正文）
type PostRef struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	Score     float64   `json:"score"`
}

// TimelinePage 一页时间线；NextCursor 为空表示没有下一页
type TimelinePage struct {
	Posts      []PostRef `json:"posts"`
	HasMore    bool      `json:"has_more"`
	NextCursor string    `json:"next_cursor,omitempty"`
}
