package model

import "time"

const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxDone       = "done"
	OutboxFailed     = "failed"
)

// EventPostCreated 内容服务发帖后写入的事件类型
const EventPostCreated = "post.created"

// Outbox 内容变更事件，由 relay 消费后触发定向缓存失效
type Outbox struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	EventType   string    `gorm:"type:varchar(32);not null;default:'post.created'"`
	PostID      string    `gorm:"type:varchar(36);uniqueIndex"`
	AuthorID    string    `gorm:"type:varchar(36);index:idx_outbox_author"`
	CreatedAt   time.Time `gorm:"index"`
	Status      string    `gorm:"type:varchar(16);index"` // pending, processing, done, failed
	Attempts    int       `gorm:"not null;default:0"`
	LastError   string    `gorm:"type:text"`
	ProcessedAt *time.Time
	JobID       string `gorm:"type:varchar(36)"` // 派发出的定向刷新任务
}

func (Outbox) TableName() string { return "outbox" }
