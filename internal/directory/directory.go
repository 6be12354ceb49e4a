// Package directory 将邮箱地址解析为仪式会话与参与者角色。
package directory

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/storage"
)

// ErrNotFound 表示地址未匹配任何仪式参与者。
var ErrNotFound = errors.New("no ceremony for sender")

// Resolution 解析结果。
type Resolution struct {
	Ceremony *domain.Ceremony
	Role     domain.ParticipantRole
}

// Cache 可选的解析缓存。
type Cache interface {
	GetCeremonyForEmail(ctx context.Context, email string) (*domain.Ceremony, error)
	CacheCeremonyForEmail(ctx context.Context, email string, ceremony *domain.Ceremony) error
}

// Resolver 会话目录。
//
// 以不区分大小写的精确匹配在仪式参与者邮箱中查找发件人。
type Resolver struct {
	ceremonies storage.CeremonyRepository
	cache      Cache // 可为 nil
	log        *zap.Logger
}

// NewResolver 创建会话目录。cache 传 nil 时直接查询存储。
func NewResolver(ceremonies storage.CeremonyRepository, cache Cache, log *zap.Logger) *Resolver {
	return &Resolver{
		ceremonies: ceremonies,
		cache:      cache,
		log:        log,
	}
}

// ResolveBySenderEmail 将发件人地址解析为仪式与角色。
//
// 未匹配任何仪式时返回 ErrNotFound，调用方应静默丢弃该邮件。
func (r *Resolver) ResolveBySenderEmail(ctx context.Context, email string) (*Resolution, error) {
	addr := strings.ToLower(strings.TrimSpace(email))
	if addr == "" {
		return nil, ErrNotFound
	}

	ceremony, err := r.lookup(ctx, addr)
	if err != nil {
		if errors.Is(err, storage.ErrCeremonyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	role, ok := ceremony.RoleForEmail(addr)
	if !ok {
		// 查找命中但角色未匹配，理论上不可达；按系统角色处理
		r.log.Warn("sender resolved to ceremony but not to a participant role",
			zap.String("email", addr),
			zap.String("ceremony_id", ceremony.ID))
		role = domain.RoleSystem
	}

	return &Resolution{Ceremony: ceremony, Role: role}, nil
}

// lookup 先查缓存，未命中回落到存储并回填。
func (r *Resolver) lookup(ctx context.Context, addr string) (*domain.Ceremony, error) {
	if r.cache != nil {
		if ceremony, err := r.cache.GetCeremonyForEmail(ctx, addr); err == nil {
			return ceremony, nil
		}
	}

	ceremony, err := r.ceremonies.FindCeremonyByParticipantEmail(ctx, addr)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.CacheCeremonyForEmail(ctx, addr, ceremony); err != nil {
			r.log.Debug("failed to cache directory entry", zap.Error(err))
		}
	}
	return ceremony, nil
}
