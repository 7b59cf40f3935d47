package model

import "time"

// ConnectionStatus 关系状态，只有 accepted 参与相关性计算
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionAccepted ConnectionStatus = "accepted"
	ConnectionBlocked  ConnectionStatus = "blocked"
)

// Connection 用户关系边（user -> peer），(user_id, peer_id) 唯一
type Connection struct {
	ID        string           `gorm:"primaryKey;type:varchar(36)"`
	UserID    string           `gorm:"type:varchar(36);index:idx_conn_user;uniqueIndex:ux_conn_pair;not null"`
	PeerID    string           `gorm:"type:varchar(36);index:idx_conn_peer;uniqueIndex:ux_conn_pair;not null"`
	Status    ConnectionStatus `gorm:"type:varchar(16);not null;default:'pending'"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Connection) TableName() string { return "connections" }
