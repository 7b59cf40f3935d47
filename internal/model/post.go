package model

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Visibility 帖子可见范围
type Visibility string

const (
	VisibilityPublic Visibility = "public"
	VisibilityCircle Visibility = "circle"
	VisibilityGroup  Visibility = "group"
)

var (
	ErrMissingCircle     = errors.New("circle-scoped post without circle id")
	ErrMissingGroup      = errors.New("group-scoped post without group id")
	ErrUnknownVisibility = errors.New("unknown visibility")
)

// Post 内容主体（时间线只读）
type Post struct {
	ID              string     `gorm:"primaryKey;type:varchar(36)"`
	AuthorID        string     `gorm:"type:varchar(36);index:idx_post_author;not null"`
	Visibility      Visibility `gorm:"type:varchar(16);index:idx_post_vis_created,priority:1;not null"`
	EngagementCount int64      `gorm:"not null;default:0"`
	CreatedAt       time.Time  `gorm:"index:idx_post_vis_created,priority:2"`
	UpdatedAt       time.Time

	// 由 post_circles / post_groups 回填
	CircleIDs []string `gorm:"-"`
	GroupIDs  []string `gorm:"-"`
}

func (Post) TableName() string { return "posts" }

// BeforeSave 统一存 UTC。sqlite 按文本比较时间，混入其他时区会打乱游标分页
func (p *Post) BeforeSave(*gorm.DB) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return nil
}

// Validate 圈子/群组可见的帖子必须至少带一个对应 ID
func (p *Post) Validate() error {
	switch p.Visibility {
	case VisibilityPublic:
		return nil
	case VisibilityCircle:
		if len(p.CircleIDs) == 0 {
			return ErrMissingCircle
		}
		return nil
	case VisibilityGroup:
		if len(p.GroupIDs) == 0 {
			return ErrMissingGroup
		}
		return nil
	default:
		return ErrUnknownVisibility
	}
}

// PostCircle 帖子 -> 圈子
type PostCircle struct {
	PostID   string `gorm:"primaryKey;type:varchar(36)"`
	CircleID string `gorm:"primaryKey;type:varchar(36);index:idx_post_circle_circle"`
}

func (PostCircle) TableName() string { return "post_circles" }

// PostGroup 帖子 -> 群组
type PostGroup struct {
	PostID  string `gorm:"primaryKey;type:varchar(36)"`
	GroupID string `gorm:"primaryKey;type:varchar(36);index:idx_post_group_group"`
}

func (PostGroup) TableName() string { return "post_groups" }
