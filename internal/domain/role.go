package domain

import "strings"

// ParticipantRole 表示消息参与者在仪式中的角色。
//
// 角色是一个封闭的枚举：司仪、两位新人与系统。
// 不允许通过字符串比较推断角色，必须使用 Ceremony.RoleForEmail。
type ParticipantRole string

const (
	RoleOfficiant  ParticipantRole = "officiant"
	RolePrincipalA ParticipantRole = "principal_a"
	RolePrincipalB ParticipantRole = "principal_b"
	RoleSystem     ParticipantRole = "system"
)

// Valid 判断角色是否为已知枚举值。
func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleOfficiant, RolePrincipalA, RolePrincipalB, RoleSystem:
		return true
	}
	return false
}

// Ceremony 表示一场婚礼仪式的会话上下文。
//
// 参与者固定为三人：司仪与两位新人。本核心只读取仪式数据，
// 仪式的增删改由外部协作方负责。
type Ceremony struct {
	ID string `json:"id"`

	OfficiantEmail string `json:"officiantEmail"`
	OfficiantName  string `json:"officiantName"`

	PrincipalAEmail string `json:"principalAEmail"`
	PrincipalAName  string `json:"principalAName"`

	PrincipalBEmail string `json:"principalBEmail"`
	PrincipalBName  string `json:"principalBName"`

	// 自动回复配置
	AutoReplyEnabled  bool   `json:"autoReplyEnabled"`
	AutoReplyTemplate string `json:"autoReplyTemplate"`
}

// RoleForEmail 根据邮箱地址解析参与者角色。
//
// 比较不区分大小写。未匹配任何参与者时返回 RoleSystem 与 false，
// 调用方据此决定是否丢弃消息。
func (c *Ceremony) RoleForEmail(email string) (ParticipantRole, bool) {
	addr := strings.ToLower(strings.TrimSpace(email))
	switch addr {
	case strings.ToLower(c.OfficiantEmail):
		return RoleOfficiant, true
	case strings.ToLower(c.PrincipalAEmail):
		return RolePrincipalA, true
	case strings.ToLower(c.PrincipalBEmail):
		return RolePrincipalB, true
	}
	return RoleSystem, false
}

// DisplayNameForEmail 返回参与者的显示名称，未知地址返回空串。
func (c *Ceremony) DisplayNameForEmail(email string) string {
	role, ok := c.RoleForEmail(email)
	if !ok {
		return ""
	}
	switch role {
	case RoleOfficiant:
		return c.OfficiantName
	case RolePrincipalA:
		return c.PrincipalAName
	case RolePrincipalB:
		return c.PrincipalBName
	}
	return ""
}

// ParticipantEmails 返回仪式全部参与者邮箱（小写）。
func (c *Ceremony) ParticipantEmails() []string {
	return []string{
		strings.ToLower(c.OfficiantEmail),
		strings.ToLower(c.PrincipalAEmail),
		strings.ToLower(c.PrincipalBEmail),
	}
}

// AutoReplyConfig 自动回复配置投影。
type AutoReplyConfig struct {
	Enabled  bool   `json:"enabled"`
	Template string `json:"template"`
}
