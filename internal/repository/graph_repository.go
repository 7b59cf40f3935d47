package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/timeline-feed/internal/model"
)

// GraphRepository 社交图只读访问；写方法仅供种子数据使用
type GraphRepository interface {
	// Connections 返回与 userID 存在 accepted 关系的用户（双向）
	Connections(ctx context.Context, userID string) ([]string, error)
	CircleMemberships(ctx context.Context, userID string) ([]string, error)
	GroupMemberships(ctx context.Context, userID string) ([]string, error)
	CircleMembers(ctx context.Context, circleIDs []string) ([]string, error)
	GroupMembers(ctx context.Context, groupIDs []string) ([]string, error)

	Connect(ctx context.Context, userID, peerID string, status model.ConnectionStatus) error
	JoinCircle(ctx context.Context, userID, circleID string) error
	JoinGroup(ctx context.Context, userID, groupID string) error
}

type graphRepository struct {
	db *gorm.DB
}

func NewGraphRepository(db *gorm.DB) GraphRepository { return &graphRepository{db: db} }

func (r *graphRepository) Connections(ctx context.Context, userID string) ([]string, error) {
	var out []string
	if err := r.db.WithContext(ctx).Model(&model.Connection{}).
		Where("user_id = ? AND status = ?", userID, model.ConnectionAccepted).
		Pluck("peer_id", &out).Error; err != nil {
		return nil, err
	}
	var in []string
	if err := r.db.WithContext(ctx).Model(&model.Connection{}).
		Where("peer_id = ? AND status = ?", userID, model.ConnectionAccepted).
		Pluck("user_id", &in).Error; err != nil {
		return nil, err
	}
	return dedupe(append(out, in...)), nil
}

func (r *graphRepository) CircleMemberships(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.CircleMember{}).
		Where("user_id = ?", userID).Pluck("circle_id", &ids).Error
	return ids, err
}

func (r *graphRepository) GroupMemberships(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.GroupMember{}).
		Where("user_id = ?", userID).Pluck("group_id", &ids).Error
	return ids, err
}

func (r *graphRepository) CircleMembers(ctx context.Context, circleIDs []string) ([]string, error) {
	if len(circleIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.CircleMember{}).
		Where("circle_id IN ?", circleIDs).Distinct().Pluck("user_id", &ids).Error
	return ids, err
}

func (r *graphRepository) GroupMembers(ctx context.Context, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.GroupMember{}).
		Where("group_id IN ?", groupIDs).Distinct().Pluck("user_id", &ids).Error
	return ids, err
}

func (r *graphRepository) Connect(ctx context.Context, userID, peerID string, status model.ConnectionStatus) error {
	c := &model.Connection{ID: uuid.New().String(), UserID: userID, PeerID: peerID, Status: status}
	// 重复建边时更新状态
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "peer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(c).Error
}

func (r *graphRepository) JoinCircle(ctx context.Context, userID, circleID string) error {
	m := &model.CircleMember{UserID: userID, CircleID: circleID}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m).Error
}

func (r *graphRepository) JoinGroup(ctx context.Context, userID, groupID string) error {
	m := &model.GroupMember{UserID: userID, GroupID: groupID}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m).Error
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	res := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	return res
}
