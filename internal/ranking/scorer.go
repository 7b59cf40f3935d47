// Package ranking 计算帖子对某个用户的相关性分数。
package ranking

import (
	"math"
	"time"

	"github.com/d60-Lab/timeline-feed/config"
	"github.com/d60-Lab/timeline-feed/internal/model"
)

// Weights 各信号权重，均为可调参数
type Weights struct {
	Recency    float64
	Affinity   float64
	Engagement float64
	// HalfLife 新鲜度衰减到一半所需的时间
	HalfLife time.Duration
}

// DefaultWeights 默认权重
var DefaultWeights = Weights{
	Recency:    1.0,
	Affinity:   0.5,
	Engagement: 0.3,
	HalfLife:   24 * time.Hour,
}

// WeightsFromConfig 从配置构造权重，非法值回落到默认
func WeightsFromConfig(cfg config.RankingConfig) Weights {
	w := Weights{
		Recency:    cfg.RecencyWeight,
		Affinity:   cfg.AffinityWeight,
		Engagement: cfg.EngagementWeight,
		HalfLife:   cfg.RecencyHalfLife,
	}
	if w.HalfLife <= 0 {
		w.HalfLife = DefaultWeights.HalfLife
	}
	if w.Recency < 0 || w.Affinity < 0 || w.Engagement < 0 {
		return DefaultWeights
	}
	return w
}

// Breakdown 每一项对最终分数的贡献
type Breakdown struct {
	Recency    float64
	Affinity   float64
	Engagement float64
	Final      float64
}

// Scorer 无状态，可并发使用
type Scorer struct {
	w Weights
}

func NewScorer(w Weights) *Scorer {
	if w.HalfLife <= 0 {
		w.HalfLife = DefaultWeights.HalfLife
	}
	return &Scorer{w: w}
}

// Score 计算 post 对 viewer 在 now 时刻的分数，结果不小于 0
func (s *Scorer) Score(post *model.Post, viewer *model.Viewer, now time.Time) float64 {
	return s.ScoreWithBreakdown(post, viewer, now).Final
}

func (s *Scorer) ScoreWithBreakdown(post *model.Post, viewer *model.Viewer, now time.Time) Breakdown {
	b := Breakdown{
		Recency:    s.w.Recency * recencyScore(now.Sub(post.CreatedAt), s.w.HalfLife),
		Affinity:   s.w.Affinity * affinityScore(post.AuthorID, viewer),
		Engagement: s.w.Engagement * engagementScore(post.EngagementCount),
	}
	b.Final = b.Recency + b.Affinity + b.Engagement
	return b
}

// recencyScore 双曲衰减：发布时 1.0，halfLife 时 0.5，严格单调递减且不会下溢为 0
func recencyScore(age, halfLife time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return 1 / (1 + float64(age)/float64(halfLife))
}

func affinityScore(authorID string, viewer *model.Viewer) float64 {
	if viewer.IsConnected(authorID) {
		return 1
	}
	return 0
}

// engagementScore 对数增长后压缩到 [0, 1)，避免爆款长期霸榜
func engagementScore(count int64) float64 {
	if count <= 0 {
		return 0
	}
	l := math.Log1p(float64(count))
	return l / (1 + l)
}
