package model

import (
	"time"

	"gorm.io/gorm"
)

// User 时间线只关心活跃时间
type User struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)"`
	Username     string     `gorm:"type:varchar(64);uniqueIndex"`
	LastActiveAt *time.Time `gorm:"index:idx_user_last_active"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (User) TableName() string { return "users" }

func (u *User) BeforeSave(*gorm.DB) error {
	if u.LastActiveAt != nil {
		t := u.LastActiveAt.UTC()
		u.LastActiveAt = &t
	}
	return nil
}

// ActiveSince 最近活跃时间不早于 since；未知活跃时间视为不活跃
func (u *User) ActiveSince(since time.Time) bool {
	return u != nil && u.LastActiveAt != nil && !u.LastActiveAt.Before(since)
}
