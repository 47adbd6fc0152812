package domain

import "time"

// Identity 表示以不透明令牌寻址的临时邮箱所有者。
//
// Token 同时作为收件地址的本地部分（token@domain）。
// LastActiveAt 为秒级时间戳，只在创建、续期、列表访问时更新，
// 收信不会更新它。
type Identity struct {
	ID           uint64    `json:"-" gorm:"primaryKey;autoIncrement"`
	Token        string    `json:"uuid" gorm:"type:varchar(64);uniqueIndex;not null"`
	CreatedAt    time.Time `json:"createdAt" gorm:"not null"`
	LastActiveAt int64     `json:"-" gorm:"not null;index"`
}

// TableName 指定 GORM 表名。
func (Identity) TableName() string {
	return "identities"
}

// Descriptor 是对外暴露的身份描述，不包含活跃时间。
type Descriptor struct {
	Token     string    `json:"uuid"`
	CreatedAt time.Time `json:"createdAt"`
}

// Descriptor 返回身份的对外描述。
func (i *Identity) Descriptor() Descriptor {
	return Descriptor{
		Token:     i.Token,
		CreatedAt: i.CreatedAt,
	}
}

// IdleSince 判断身份在 cutoff 之前是否已不活跃。
func (i *Identity) IdleSince(cutoff time.Time) bool {
	return i.LastActiveAt < cutoff.Unix()
}
