package model

// All 返回需要迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&User{}, &Post{}, &PostCircle{}, &PostGroup{},
		&Connection{}, &CircleMember{}, &GroupMember{}, &Outbox{},
	}
}
