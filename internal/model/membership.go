package model

import "time"

// CircleMember 圈子成员
type CircleMember struct {
	UserID    string `gorm:"primaryKey;type:varchar(36)"`
	CircleID  string `gorm:"primaryKey;type:varchar(36);index:idx_circle_member_circle"`
	CreatedAt time.Time
}

func (CircleMember) TableName() string { return "circle_members" }

// GroupMember 群组成员
type GroupMember struct {
	UserID    string `gorm:"primaryKey;type:varchar(36)"`
	GroupID   string `gorm:"primaryKey;type:varchar(36);index:idx_group_member_group"`
	CreatedAt time.Time
}

func (GroupMember) TableName() string { return "group_members" }
