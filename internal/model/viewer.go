package model

// Viewer 请求时间线的用户及其社交上下文，每次构建加载一次
type Viewer struct {
	User        User
	Connections map[string]struct{}
	CircleIDs   []string
	GroupIDs    []string
}

// NewViewer 用 accepted 关系列表构造 Viewer
func NewViewer(u User, connections, circles, groups []string) *Viewer {
	conns := make(map[string]struct{}, len(connections))
	for _, c := range connections {
		conns[c] = struct{}{}
	}
	return &Viewer{User: u, Connections: conns, CircleIDs: circles, GroupIDs: groups}
}

func (v *Viewer) ID() string { return v.User.ID }

// IsConnected author 与 viewer 是否存在 accepted 关系
func (v *Viewer) IsConnected(authorID string) bool {
	if v == nil {
		return false
	}
	_, ok := v.Connections[authorID]
	return ok
}
